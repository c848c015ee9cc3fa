package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ProposalWatcher/internal/domain"
)

// Notifier sends fallback messages to Telegram chats via the bot API.
type Notifier struct {
	botToken string
	apiURL   string
	client   *http.Client
}

// NewNotifier registers the bot token; apiURL defaults to the public Bot API.
func NewNotifier(botToken, apiURL string) *Notifier {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &Notifier{
		botToken: botToken,
		apiURL:   strings.TrimRight(apiURL, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// IsConfigured reports whether a bot token is set.
func (n *Notifier) IsConfigured() bool {
	return n != nil && n.botToken != ""
}

// Send posts msg to the chat.
func (n *Notifier) Send(ctx context.Context, chatID string, msg domain.FallbackMessage) error {
	if !n.IsConfigured() || chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", formatMessage(msg))
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

func formatMessage(msg domain.FallbackMessage) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{msg.Subject, msg.Text, msg.URL} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}
