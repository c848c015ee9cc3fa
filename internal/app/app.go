package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/httpapi"
	"ProposalWatcher/internal/infrastructure/claim"
	"ProposalWatcher/internal/infrastructure/email"
	"ProposalWatcher/internal/infrastructure/fallback"
	"ProposalWatcher/internal/infrastructure/feed"
	"ProposalWatcher/internal/infrastructure/forum"
	"ProposalWatcher/internal/infrastructure/github"
	"ProposalWatcher/internal/infrastructure/llm"
	"ProposalWatcher/internal/infrastructure/scheduler"
	"ProposalWatcher/internal/infrastructure/storage"
	"ProposalWatcher/internal/infrastructure/telegram"
	"ProposalWatcher/internal/infrastructure/webpush"
	"ProposalWatcher/internal/jobs"
	"ProposalWatcher/internal/logging"
	"ProposalWatcher/internal/metrics"
	"ProposalWatcher/internal/ports"
	"ProposalWatcher/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     *storage.Store
	closers   []io.Closer
	metrics   *metrics.Metrics
	registry  *jobs.Registry
	poller    *usecase.Poller
	scheduler *usecase.Scheduler
	server    *httpapi.Server
}

// New connects the store and builds every component. Migrations are applied
// separately by Migrate.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dialect := storage.Dialect(cfg.Database.Driver)
	db, err := storage.Open(ctx, dialect, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	store := storage.New(db, dialect)

	a := &Application{
		cfg:     cfg,
		logger:  baseLogger,
		db:      db,
		store:   store,
		metrics: metrics.New(),
	}

	claimer, err := a.newClaimer(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a.wire(claimer)
	return a, nil
}

func (a *Application) newClaimer(ctx context.Context) (ports.Claimer, error) {
	if a.cfg.Redis.URL == "" {
		a.logger.Warn("redis not configured, trigger claims are process-local")
		return claim.NewMemoryClaimer(clock.WallClock), nil
	}
	rc, err := claim.NewRedisClaimer(ctx, a.cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rc)
	return rc, nil
}

func (a *Application) wire(claimer ports.Claimer) {
	cfg := a.cfg
	settings := cfg.Pipeline
	component := func(name string) *slog.Logger { return a.logger.With("component", name) }

	fallbackRouter := fallback.NewRouter(a.chatSender(), a.mailSender())
	dispatcher := usecase.NewDispatcher(settings, usecase.DispatcherDeps{
		Proposals:     a.store,
		Subscriptions: a.store,
		Attempts:      a.store,
		Push:          webpush.NewSender(cfg.Notifications.WebPush, component("webpush")),
		Fallback:      fallbackRouter,
		Logger:        component("dispatcher"),
		Metrics:       a.metrics,
	})

	diff := usecase.NewDiffBackfill(settings, usecase.DiffBackfillDeps{
		Proposals: a.store,
		CodeHost:  github.NewCodeHost(cfg.GitHub, component("github.code")),
		Logger:    component("diffstats"),
		Metrics:   a.metrics,
	})

	a.poller = usecase.NewPoller(settings, ports.FeedQuery{
		Limit:         cfg.Feed.Limit,
		ExcludeTopics: cfg.Feed.ExcludeTopics,
		IncludeStatus: cfg.Feed.IncludeStatus,
	}, usecase.PollerDeps{
		Feed:          feed.NewClient(cfg.Feed.URL, cfg.Feed.Timeout),
		Proposals:     a.store,
		Subscriptions: a.store,
		Dispatcher:    dispatcher,
		Diff:          diff,
		Logger:        component("poller"),
		Metrics:       a.metrics,
	})

	var chat ports.ChatClient
	if gpt := llm.NewChatGPTClient(cfg.ChatGPT); gpt.IsConfigured() {
		chat = gpt
	}
	resolver := usecase.NewForumResolver(settings, usecase.ForumDeps{
		Proposals: a.store,
		Store:     a.store,
		Forum:     forum.NewClient(cfg.Forum, component("forum")),
		Chat:      chat,
		Logger:    component("forum"),
		Metrics:   a.metrics,
	})

	a.registry = jobs.NewRegistry(component("jobs"), a.metrics)
	a.registry.Register(jobs.NewFunc(usecase.JobPoll, func(ctx context.Context, _ jobs.Request) (domain.RunResult, error) {
		return a.poller.Poll(ctx)
	}))
	a.registry.Register(jobs.NewFunc(usecase.JobDiffStats, func(ctx context.Context, req jobs.Request) (domain.RunResult, error) {
		if req.ProposalID > 0 {
			return diff.BackfillOne(ctx, req.ProposalID)
		}
		return diff.Run(ctx, usecase.BackfillOptions{Force: req.Force, Limit: req.Limit})
	}))
	a.registry.Register(jobs.NewFunc(usecase.JobForum, func(ctx context.Context, req jobs.Request) (domain.RunResult, error) {
		if req.ProposalID > 0 {
			return resolver.ResolveOne(ctx, req.ProposalID)
		}
		return resolver.Run(ctx, req.Limit)
	}))
	// the assisted match is its own job only when the deterministic search is
	// switched off; otherwise it runs per proposal when search is unavailable
	if chat != nil && settings.ForumDeterministicOff {
		a.registry.Register(jobs.NewFunc(usecase.JobForumAssisted, func(ctx context.Context, req jobs.Request) (domain.RunResult, error) {
			return resolver.RunAssisted(ctx, req.Limit)
		}))
	}

	if runner, err := github.NewRunner(cfg.GitHub, component("github.actions")); err != nil {
		a.logger.Warn("job runner not configured, trigger job disabled", "error", err)
	} else {
		trigger := usecase.NewTriggerCoordinator(settings, map[domain.JobKind]string{
			domain.JobVerification: cfg.GitHub.VerificationTag,
			domain.JobCommentary:   cfg.GitHub.CommentaryTag,
		}, usecase.TriggerDeps{
			Proposals: a.store,
			Runner:    runner,
			Claimer:   claimer,
			Logger:    component("trigger"),
			Metrics:   a.metrics,
		})
		a.registry.Register(jobs.NewFunc(usecase.JobTrigger, func(ctx context.Context, req jobs.Request) (domain.RunResult, error) {
			if req.ProposalID > 0 {
				return trigger.TriggerOne(ctx, req.ProposalID)
			}
			return trigger.Run(ctx, req.Limit)
		}))
	}

	a.scheduler = usecase.NewScheduler(
		scheduler.NewCronScheduler(cfg.Scheduler.Location()),
		a.registry,
		cfg.Scheduler.Jobs,
		component("scheduler"),
	)

	a.server = httpapi.NewServer(cfg.Admin, httpapi.Deps{
		Jobs:          a.registry,
		Subscriptions: a.store,
		Resender:      dispatcher,
		Health:        a.store,
		Metrics:       a.metrics.Handler(),
		Logger:        component("http"),
	})
}

// chatSender returns the telegram channel, or a nil interface when unconfigured.
func (a *Application) chatSender() fallback.ChatSender {
	tg := telegram.NewNotifier(a.cfg.Notifications.Telegram.BotToken, a.cfg.Notifications.Telegram.APIURL)
	if !tg.IsConfigured() {
		return nil
	}
	return tg
}

func (a *Application) mailSender() fallback.MailSender {
	mail := email.NewSender(a.cfg.Notifications.SMTP)
	if !mail.IsConfigured() {
		return nil
	}
	return mail
}

// Migrate applies pending schema migrations.
func (a *Application) Migrate(ctx context.Context) error {
	return a.store.ApplyMigrations(ctx)
}

// JobNames lists the invocations available with the current configuration.
func (a *Application) JobNames() []string {
	return a.registry.Names()
}

// RunJob performs one named invocation and waits for its background work.
func (a *Application) RunJob(ctx context.Context, name string, req jobs.Request) (domain.RunResult, error) {
	res, err := a.registry.Run(ctx, name, req)
	a.poller.Drain()
	return res, err
}

// Serve runs the HTTP surface and the configured cron entries until ctx is done.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", "error", err)
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler shutdown failed", "error", err)
	}
	a.poller.Drain()
	return serveErr
}

// Close releases the store and the claim backend.
func (a *Application) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
