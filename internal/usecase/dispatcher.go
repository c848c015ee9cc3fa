package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/metrics"
	"ProposalWatcher/internal/ports"
)

// DispatcherDeps wires the dispatcher's collaborators.
type DispatcherDeps struct {
	Proposals     ports.ProposalStore
	Subscriptions ports.SubscriptionStore
	Attempts      ports.AttemptLog
	Push          ports.PushSender
	Fallback      ports.FallbackSender
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher fans a proposal out to every subscription that tracks its topic.
type Dispatcher struct {
	proposals     ports.ProposalStore
	subscriptions ports.SubscriptionStore
	attempts      ports.AttemptLog
	push          ports.PushSender
	fallback      ports.FallbackSender
	settings      config.Settings
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(settings config.Settings, deps DispatcherDeps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{
		proposals:     deps.Proposals,
		subscriptions: deps.Subscriptions,
		attempts:      deps.Attempts,
		push:          deps.Push,
		fallback:      deps.Fallback,
		settings:      settings,
		clock:         deps.Clock,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
	}
}

// Dispatch runs one notification pass per proposal and marks each proposal
// notified once every matching subscription has a logged attempt. A proposal
// whose attempts could not be logged stays pending for the next poll.
func (d *Dispatcher) Dispatch(ctx context.Context, proposals []domain.Proposal, res *domain.RunResult) {
	for _, p := range proposals {
		if err := ctx.Err(); err != nil {
			res.Add(p.ID, domain.ItemSkipped, "invocation cancelled")
			continue
		}

		delivered, err := d.notify(ctx, p, nil)
		if err != nil {
			d.logger.Error("dispatch failed", "proposal_id", p.ID, "error", err)
			res.Add(p.ID, domain.ItemFailed, err.Error())
			continue
		}
		if err := d.proposals.MarkNotified(ctx, p.ID); err != nil {
			d.logger.Error("mark notified failed", "proposal_id", p.ID, "error", err)
			res.Add(p.ID, domain.ItemFailed, err.Error())
			continue
		}
		res.Add(p.ID, domain.ItemSucceeded, fmt.Sprintf("notified %d subscription(s)", delivered))
	}
}

// Resend repeats delivery of one proposal without touching its notified flag.
// An empty endpoint targets every subscription that tracks the topic.
func (d *Dispatcher) Resend(ctx context.Context, proposalID int64, endpoint string) (domain.RunResult, error) {
	res := startRun(d.clock, JobResend)
	logger := d.logger.With("run_id", res.RunID, "job", JobResend)

	p, err := d.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		finishRun(d.clock, logger, &res, err)
		return res, fmt.Errorf("load proposal %d: %w", proposalID, err)
	}

	var only []domain.Subscription
	if endpoint != "" {
		sub, err := d.subscriptions.GetSubscription(ctx, endpoint)
		if err != nil {
			finishRun(d.clock, logger, &res, err)
			return res, fmt.Errorf("load subscription: %w", err)
		}
		only = []domain.Subscription{sub}
	}

	delivered, err := d.notify(ctx, p, only)
	if err != nil {
		res.Add(p.ID, domain.ItemFailed, err.Error())
	} else {
		res.Add(p.ID, domain.ItemSucceeded, fmt.Sprintf("resent to %d subscription(s)", delivered))
	}
	finishRun(d.clock, logger, &res, nil)
	return res, nil
}

func (d *Dispatcher) notify(ctx context.Context, p domain.Proposal, only []domain.Subscription) (int, error) {
	subs := only
	if subs == nil {
		all, err := d.subscriptions.ListSubscriptions(ctx)
		if err != nil {
			return 0, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range all {
			if sub.Tracks(p.Topic) {
				subs = append(subs, sub)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orDefault(d.settings.DispatchConcurrency, 1))
	for _, sub := range subs {
		g.Go(func() error {
			return d.deliver(gctx, p, sub)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(subs), nil
}

// deliver returns an error only when the attempt could not be recorded.
func (d *Dispatcher) deliver(ctx context.Context, p domain.Proposal, sub domain.Subscription) error {
	logger := d.logger.With("proposal_id", p.ID, "endpoint", shortEndpoint(sub.Endpoint))

	pushErr := d.push.Push(ctx, sub, d.payload(p))
	if pushErr == nil {
		if err := d.logAttempt(ctx, p.ID, sub.Endpoint, domain.ChannelPrimary, domain.OutcomeSent, ""); err != nil {
			return err
		}
		if err := d.subscriptions.TouchSubscription(ctx, sub.Endpoint, d.clock.Now()); err != nil {
			logger.Warn("touch subscription failed", "error", err)
		}
		return nil
	}

	logger.Warn("primary delivery failed", "error", pushErr)
	if err := d.logAttempt(ctx, p.ID, sub.Endpoint, domain.ChannelPrimary, domain.OutcomeFailed, pushErr.Error()); err != nil {
		return err
	}

	if errors.Is(pushErr, ports.ErrEndpointGone) {
		if err := d.subscriptions.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			logger.Error("delete dead subscription failed", "error", err)
		} else {
			logger.Info("dead subscription removed")
		}
	}

	if sub.FallbackAddress == "" || d.fallback == nil {
		return nil
	}

	msg := domain.FallbackMessage{
		Subject: fmt.Sprintf("New proposal #%d", p.ID),
		Text:    p.Title,
		URL:     d.deepLink(p.ID),
	}
	if err := d.fallback.SendFallback(ctx, sub.FallbackAddress, msg); err != nil {
		logger.Warn("fallback delivery failed", "error", err)
		return d.logAttempt(ctx, p.ID, sub.Endpoint, domain.ChannelSecondary, domain.OutcomeFailed, err.Error())
	}
	return d.logAttempt(ctx, p.ID, sub.Endpoint, domain.ChannelSecondary, domain.OutcomeSent, "")
}

func (d *Dispatcher) logAttempt(ctx context.Context, proposalID int64, endpoint string, channel domain.Channel, outcome domain.AttemptOutcome, errText string) error {
	err := d.attempts.LogAttempt(ctx, domain.NotificationAttempt{
		ProposalID:  proposalID,
		Endpoint:    endpoint,
		Channel:     channel,
		Outcome:     outcome,
		Error:       errText,
		AttemptedAt: d.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("log %s attempt for %d: %w", channel, proposalID, err)
	}
	d.metrics.ObserveAttempt(channel, outcome)
	return nil
}

func (d *Dispatcher) payload(p domain.Proposal) domain.PushPayload {
	return domain.PushPayload{
		Title:      fmt.Sprintf("Proposal #%d", p.ID),
		Body:       p.Title,
		ProposalID: p.ID,
		URL:        d.deepLink(p.ID),
	}
}

func (d *Dispatcher) deepLink(id int64) string {
	return fmt.Sprintf("%s/proposals/%d", strings.TrimRight(d.settings.DeepLinkBase, "/"), id)
}

func shortEndpoint(endpoint string) string {
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:24] + "…" + endpoint[len(endpoint)-16:]
}
