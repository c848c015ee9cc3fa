// Package webpush delivers notifications over the Web Push protocol.
package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

// Sender implements ports.PushSender with VAPID authentication.
type Sender struct {
	options wp.Options
	logger  *slog.Logger
}

var _ ports.PushSender = (*Sender)(nil)

// NewSender builds a sender from the VAPID identity.
func NewSender(cfg config.WebPushConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3600
	}
	return &Sender{
		options: wp.Options{
			HTTPClient:      &http.Client{Timeout: 10 * time.Second},
			Subscriber:      cfg.Subscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             ttl,
			Urgency:         wp.UrgencyNormal,
		},
		logger: logger,
	}
}

// Push encrypts payload for sub and posts it to the push service. 404 and 410
// responses wrap ports.ErrEndpointGone.
func (s *Sender) Push(ctx context.Context, sub domain.Subscription, payload domain.PushPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	target := &wp.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     wp.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
	}
	opts := s.options
	resp, err := wp.SendNotificationWithContext(ctx, body, target, &opts)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: push service returned %s", ports.ErrEndpointGone, resp.Status)
	case resp.StatusCode >= http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push service returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	s.logger.Debug("push delivered", "proposal_id", payload.ProposalID, "status", resp.StatusCode)
	return nil
}
