package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/juju/clock"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/metrics"
	"ProposalWatcher/internal/ports"
	"ProposalWatcher/internal/refs"
)

// TriggerDeps wires the coordinator's collaborators.
type TriggerDeps struct {
	Proposals ports.ProposalStore
	Runner    ports.JobRunner
	Claimer   ports.Claimer
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// TriggerCoordinator requests verification and commentary jobs for
// code-changing proposals unless the runner already has a matching run.
type TriggerCoordinator struct {
	proposals ports.ProposalStore
	runner    ports.JobRunner
	claimer   ports.Claimer
	settings  config.Settings
	tags      map[domain.JobKind]string
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

var triggerKinds = []domain.JobKind{domain.JobVerification, domain.JobCommentary}

// NewTriggerCoordinator constructs the coordinator. tags maps each job kind
// to the display-name prefix its runs carry, e.g. "Verify #".
func NewTriggerCoordinator(settings config.Settings, tags map[domain.JobKind]string, deps TriggerDeps) *TriggerCoordinator {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &TriggerCoordinator{
		proposals: deps.Proposals,
		runner:    deps.Runner,
		claimer:   deps.Claimer,
		settings:  settings,
		tags:      tags,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Run evaluates the most recent eligible proposals.
func (t *TriggerCoordinator) Run(ctx context.Context, limit int) (domain.RunResult, error) {
	candidates, err := t.proposals.ListRecentProposals(ctx, t.settings.VerificationMinID, orDefault(limit, t.settings.TriggerBatch))
	if err != nil {
		res := startRun(t.clock, JobTrigger)
		err = fmt.Errorf("load candidates: %w", err)
		finishRun(t.clock, t.logger.With("run_id", res.RunID, "job", JobTrigger), &res, err)
		t.metrics.ObserveRun(res, err)
		return res, err
	}
	return t.evaluate(ctx, candidates)
}

// TriggerOne evaluates a single proposal with the same checks as Run.
func (t *TriggerCoordinator) TriggerOne(ctx context.Context, proposalID int64) (domain.RunResult, error) {
	p, err := t.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		res := startRun(t.clock, JobTrigger)
		return res, fmt.Errorf("load proposal %d: %w", proposalID, err)
	}
	return t.evaluate(ctx, []domain.Proposal{p})
}

func (t *TriggerCoordinator) evaluate(ctx context.Context, candidates []domain.Proposal) (domain.RunResult, error) {
	res := startRun(t.clock, JobTrigger)
	logger := t.logger.With("run_id", res.RunID, "job", JobTrigger)

	var eligible []domain.Proposal
	for _, p := range candidates {
		switch {
		case p.ID < t.settings.VerificationMinID:
			res.Add(p.ID, domain.ItemSkipped, "below verification floor")
		case !p.IsCodeChange():
			res.Add(p.ID, domain.ItemSkipped, "not a code change")
		default:
			eligible = append(eligible, p)
		}
	}

	if len(eligible) > 0 {
		listings := make(map[domain.JobKind][]domain.JobRun, len(triggerKinds))
		for _, kind := range triggerKinds {
			runs, err := t.runner.ListRuns(ctx, kind)
			if err != nil {
				err = fmt.Errorf("list %s runs: %w", kind, err)
				finishRun(t.clock, logger, &res, err)
				t.metrics.ObserveRun(res, err)
				return res, err
			}
			listings[kind] = runs
		}

		for _, p := range eligible {
			for _, kind := range triggerKinds {
				status, reason := t.decide(ctx, logger, p, kind, listings[kind])
				res.Add(p.ID, status, string(kind)+": "+reason)
			}
		}
	}

	finishRun(t.clock, logger, &res, nil)
	t.metrics.ObserveRun(res, nil)
	return res, nil
}

func (t *TriggerCoordinator) decide(ctx context.Context, logger *slog.Logger, p domain.Proposal, kind domain.JobKind, runs []domain.JobRun) (domain.ItemStatus, string) {
	tag := t.tags[kind]
	window := t.recency(kind)
	now := t.clock.Now()

	var recent *domain.JobRun
	for i := range runs {
		run := runs[i]
		if !refs.MatchRunName(run.DisplayName, tag, p.ID) {
			continue
		}
		if run.Succeeded() {
			return domain.ItemSkipped, "already succeeded " + run.URL
		}
		if recent == nil && now.Sub(run.CreatedAt) < window {
			recent = &runs[i]
		}
	}
	if recent != nil {
		return domain.ItemSkipped, fmt.Sprintf("run %s within %s", recent.Status, window)
	}

	key := string(kind) + ":" + strconv.FormatInt(p.ID, 10)
	if t.claimer != nil {
		ttl := window
		if ttl <= 0 {
			ttl = time.Minute
		}
		ok, err := t.claimer.Claim(ctx, key, ttl)
		if err != nil {
			logger.Warn("claim failed, dispatching without marker", "proposal_id", p.ID, "kind", kind, "error", err)
		} else if !ok {
			return domain.ItemSkipped, "claimed by another invocation"
		}
	}

	if err := t.runner.Dispatch(ctx, kind, p.ID); err != nil {
		logger.Error("dispatch failed", "proposal_id", p.ID, "kind", kind, "error", err)
		if t.claimer != nil {
			if rerr := t.claimer.Release(ctx, key); rerr != nil {
				logger.Warn("release claim failed", "key", key, "error", rerr)
			}
		}
		return domain.ItemFailed, err.Error()
	}
	logger.Info("job triggered", "proposal_id", p.ID, "kind", kind)
	return domain.ItemSucceeded, "dispatched"
}

func (t *TriggerCoordinator) recency(kind domain.JobKind) time.Duration {
	if kind == domain.JobCommentary {
		return t.settings.CommentaryRecency
	}
	return t.settings.VerificationRecency
}
