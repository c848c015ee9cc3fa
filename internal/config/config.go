package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone     = "UTC"
	configPathEnv       = "PROPOSAL_WATCHER_CONFIG"
	databaseDSNEnv      = "DATABASE_DSN"
	redisURLEnv         = "REDIS_URL"
	adminTokenEnv       = "ADMIN_TOKEN"
	githubTokenEnv      = "GITHUB_TOKEN"
	forumAPIKeyEnv      = "FORUM_API_KEY"
	forumAPIUsernameEnv = "FORUM_API_USERNAME"
	chatGPTAPIKeyEnv    = "CHATGPT_API_KEY"
	chatGPTModelEnv     = "CHATGPT_MODEL"
	telegramTokenEnv    = "TELEGRAM_BOT_TOKEN"
	smtpPasswordEnv     = "SMTP_PASSWORD"
	vapidPrivateKeyEnv  = "VAPID_PRIVATE_KEY"
	logLevelEnv         = "LOG_LEVEL"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	Admin         AdminConfig        `yaml:"admin"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Feed          FeedConfig         `yaml:"feed"`
	Pipeline      Settings           `yaml:"pipeline"`
	GitHub        GitHubConfig       `yaml:"github"`
	Forum         ForumConfig        `yaml:"forum"`
	Notifications NotificationConfig `yaml:"notifications"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes the dedup store connection. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig points at the claim-marker store. Empty URL disables claims.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AdminConfig configures the trigger/administrative HTTP surface.
type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// SchedulerConfig defines optional in-process cron entries keyed by job name.
type SchedulerConfig struct {
	Timezone string            `yaml:"timezone"`
	Jobs     map[string]string `yaml:"jobs"`
	location *time.Location    `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// FeedConfig describes the governance feed endpoint.
type FeedConfig struct {
	URL           string        `yaml:"url"`
	Limit         int           `yaml:"limit"`
	ExcludeTopics []int         `yaml:"excludeTopics"`
	IncludeStatus []int         `yaml:"includeStatus"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Settings is the immutable pipeline configuration handed to every component
// at construction.
type Settings struct {
	MinProposalID         int64         `yaml:"minProposalId"`
	VerificationMinID     int64         `yaml:"verificationMinId"`
	KnownTopics           []int         `yaml:"knownTopics"`
	PendingGrace          time.Duration `yaml:"pendingGrace"`
	PendingBatch          int           `yaml:"pendingBatch"`
	DispatchConcurrency   int           `yaml:"dispatchConcurrency"`
	DeepLinkBase          string        `yaml:"deepLinkBase"`
	TriggerBatch          int           `yaml:"triggerBatch"`
	VerificationRecency   time.Duration `yaml:"verificationRecency"`
	CommentaryRecency     time.Duration `yaml:"commentaryRecency"`
	DiffBatchSize         int           `yaml:"diffBatchSize"`
	DiffDelay             time.Duration `yaml:"diffDelay"`
	DiffTimeout           time.Duration `yaml:"diffTimeout"`
	KnownRepos            []string      `yaml:"knownRepos"`
	ForumCategoryID       int           `yaml:"forumCategoryId"`
	ForumBatchSize        int           `yaml:"forumBatchSize"`
	ForumMaxCandidates    int           `yaml:"forumMaxCandidates"`
	ForumRetryAfter       time.Duration `yaml:"forumRetryAfter"`
	ForumAssistedTopK     int           `yaml:"forumAssistedTopK"`
	ForumDeterministicOff bool          `yaml:"forumDeterministicOff"`
}

// GitHubConfig covers both the job runner (Actions) and the code host API.
type GitHubConfig struct {
	APIURL               string  `yaml:"apiUrl"`
	Token                string  `yaml:"token"`
	RunnerRepo           string  `yaml:"runnerRepo"`
	Ref                  string  `yaml:"ref"`
	VerificationWorkflow string  `yaml:"verificationWorkflow"`
	CommentaryWorkflow   string  `yaml:"commentaryWorkflow"`
	VerificationTag      string  `yaml:"verificationTag"`
	CommentaryTag        string  `yaml:"commentaryTag"`
	RequestsPerSecond    float64 `yaml:"requestsPerSecond"`
}

// ForumConfig describes the discussion forum API.
type ForumConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	APIKey            string        `yaml:"apiKey"`
	APIUsername       string        `yaml:"apiUsername"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryBase         time.Duration `yaml:"retryBase"`
}

// NotificationConfig encapsulates outbound channels.
type NotificationConfig struct {
	WebPush  WebPushConfig  `yaml:"webPush"`
	Telegram TelegramConfig `yaml:"telegram"`
	SMTP     SMTPConfig     `yaml:"smtp"`
}

// WebPushConfig carries the VAPID identity of the primary channel.
type WebPushConfig struct {
	Subscriber      string `yaml:"subscriber"`
	VAPIDPublicKey  string `yaml:"vapidPublicKey"`
	VAPIDPrivateKey string `yaml:"vapidPrivateKey"`
	TTL             int    `yaml:"ttl"`
}

// TelegramConfig wires the bot used for telegram fallback addresses.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	APIURL   string `yaml:"apiUrl"`
}

// SMTPConfig wires the mail relay used for e-mail fallback addresses.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"fromName"`
}

// ChatGPTConfig defines how to contact the chat completion API.
type ChatGPTConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	return LoadFile(os.Getenv(configPathEnv))
}

// LoadFile is Load with an explicit path; an empty path means defaults only.
func LoadFile(path string) Config {
	cfg := defaultConfig()

	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			fileCfg := defaultConfig()
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = fileCfg
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	if len(cfg.Pipeline.KnownTopics) == 0 {
		cfg.Pipeline.KnownTopics = defaultConfig().Pipeline.KnownTopics
	}

	return cfg
}

// Validate reports settings that make the service unusable.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if strings.TrimSpace(c.Feed.URL) == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	if c.Pipeline.DispatchConcurrency < 1 {
		errs = append(errs, errors.New("pipeline.dispatchConcurrency must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(redisURLEnv); v != "" {
		c.Redis.URL = v
	}

	if v := os.Getenv(adminTokenEnv); v != "" {
		c.Admin.Token = v
	}

	if v := os.Getenv(githubTokenEnv); v != "" {
		c.GitHub.Token = v
	}

	if v := os.Getenv(forumAPIKeyEnv); v != "" {
		c.Forum.APIKey = v
	}

	if v := os.Getenv(forumAPIUsernameEnv); v != "" {
		c.Forum.APIUsername = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}

	if v := os.Getenv(smtpPasswordEnv); v != "" {
		c.Notifications.SMTP.Password = v
	}

	if v := os.Getenv(vapidPrivateKeyEnv); v != "" {
		c.Notifications.WebPush.VAPIDPrivateKey = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:proposals.db"},
		Admin:    AdminConfig{Addr: ":8080"},
		Scheduler: SchedulerConfig{
			Timezone: defaultTimezone,
			location: tz,
			Jobs:     map[string]string{},
		},
		Feed: FeedConfig{
			URL:     "https://ic-api.internetcomputer.org/api/v3/proposals",
			Limit:   50,
			Timeout: 20 * time.Second,
		},
		Pipeline: Settings{
			MinProposalID:       140000,
			VerificationMinID:   140000,
			KnownTopics:         []int{4, 5, 8, 12, 13, 14, 17},
			PendingGrace:        10 * time.Minute,
			PendingBatch:        20,
			DispatchConcurrency: 8,
			DeepLinkBase:        "https://proposals.example.org",
			TriggerBatch:        30,
			VerificationRecency: 30 * time.Minute,
			CommentaryRecency:   3 * time.Hour,
			DiffBatchSize:       10,
			DiffDelay:           2 * time.Second,
			DiffTimeout:         2 * time.Minute,
			KnownRepos:          []string{"dfinity/ic", "dfinity/nns-dapp", "dfinity/internet-identity"},
			ForumCategoryID:     76,
			ForumBatchSize:      10,
			ForumMaxCandidates:  5,
			ForumRetryAfter:     6 * time.Hour,
			ForumAssistedTopK:   3,
		},
		GitHub: GitHubConfig{
			APIURL:               "https://api.github.com",
			Ref:                  "main",
			VerificationWorkflow: "verify.yml",
			CommentaryWorkflow:   "commentary.yml",
			VerificationTag:      "Verify #",
			CommentaryTag:        "Commentary #",
			RequestsPerSecond:    1,
		},
		Forum: ForumConfig{
			BaseURL:           "https://forum.dfinity.org",
			RequestsPerSecond: 1,
			MaxRetries:        3,
			RetryBase:         2 * time.Second,
		},
		Notifications: NotificationConfig{
			WebPush:  WebPushConfig{Subscriber: "mailto:ops@example.org", TTL: 3600},
			Telegram: TelegramConfig{APIURL: "https://api.telegram.org"},
			SMTP:     SMTPConfig{Port: "587", FromName: "Proposal Watcher"},
		},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You match governance proposals to forum discussion threads.",
		},
	}
}
