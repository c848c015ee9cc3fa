package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/juju/clock"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/metrics"
	"ProposalWatcher/internal/ports"
	"ProposalWatcher/internal/refs"
)

// BackfillOptions narrows a backfill invocation.
type BackfillOptions struct {
	// Force recomputes proposals that already have stats or the sentinel.
	Force bool
	Limit int
}

// DiffBackfillDeps wires the backfill's collaborators.
type DiffBackfillDeps struct {
	Proposals ports.ProposalStore
	CodeHost  ports.CodeHost
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// DiffBackfill resolves line-level change counts for proposals.
type DiffBackfill struct {
	proposals ports.ProposalStore
	host      ports.CodeHost
	settings  config.Settings
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDiffBackfill constructs the backfill.
func NewDiffBackfill(settings config.Settings, deps DiffBackfillDeps) *DiffBackfill {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &DiffBackfill{
		proposals: deps.Proposals,
		host:      deps.CodeHost,
		settings:  settings,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Run processes one bounded batch with a fixed delay between items.
func (b *DiffBackfill) Run(ctx context.Context, opts BackfillOptions) (domain.RunResult, error) {
	res := startRun(b.clock, JobDiffStats)
	logger := b.logger.With("run_id", res.RunID, "job", JobDiffStats)
	limit := orDefault(opts.Limit, b.settings.DiffBatchSize)

	var (
		candidates []domain.Proposal
		err        error
	)
	if opts.Force {
		candidates, err = b.proposals.ListRecentProposals(ctx, b.settings.MinProposalID, limit)
	} else {
		candidates, err = b.proposals.ProposalsMissingDiffStats(ctx, limit)
	}
	if err != nil {
		err = fmt.Errorf("load candidates: %w", err)
		finishRun(b.clock, logger, &res, err)
		b.metrics.ObserveRun(res, err)
		return res, err
	}

	var runErr error
	for i, p := range candidates {
		if i > 0 && b.settings.DiffDelay > 0 {
			select {
			case <-ctx.Done():
			case <-b.clock.After(b.settings.DiffDelay):
			}
		}
		if ctx.Err() != nil {
			res.Add(p.ID, domain.ItemSkipped, "invocation cancelled")
			continue
		}

		stats, err := b.ResolveOne(ctx, p)
		if err != nil {
			logger.Warn("diff stats unresolved", "proposal_id", p.ID, "error", err)
			res.Add(p.ID, domain.ItemFailed, err.Error())
			if abortsRun(err) {
				runErr = err
				break
			}
			continue
		}
		res.Add(p.ID, domain.ItemSucceeded, describeStats(stats))
	}

	finishRun(b.clock, logger, &res, runErr)
	b.metrics.ObserveRun(res, runErr)
	return res, runErr
}

// BackfillOne resolves one proposal by id, regardless of its current stats.
func (b *DiffBackfill) BackfillOne(ctx context.Context, proposalID int64) (domain.RunResult, error) {
	res := startRun(b.clock, JobDiffStats)
	logger := b.logger.With("run_id", res.RunID, "job", JobDiffStats)

	p, err := b.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		err = fmt.Errorf("load proposal %d: %w", proposalID, err)
		finishRun(b.clock, logger, &res, err)
		return res, err
	}

	var runErr error
	stats, err := b.ResolveOne(ctx, p)
	if err != nil {
		res.Add(p.ID, domain.ItemFailed, err.Error())
		if abortsRun(err) {
			runErr = err
		}
	} else {
		res.Add(p.ID, domain.ItemSucceeded, describeStats(stats))
	}
	finishRun(b.clock, logger, &res, runErr)
	b.metrics.ObserveRun(res, runErr)
	return res, runErr
}

// ResolveOne resolves and stores stats for p. When every lookup comes back
// empty the absent sentinel is stored; upstream errors store nothing.
func (b *DiffBackfill) ResolveOne(ctx context.Context, p domain.Proposal) (domain.DiffStats, error) {
	stats, err := b.resolve(ctx, p)
	if err != nil {
		return domain.DiffStats{}, err
	}
	if err := b.proposals.SetDiffStats(ctx, p.ID, stats); err != nil {
		return domain.DiffStats{}, err
	}
	return stats, nil
}

func (b *DiffBackfill) resolve(ctx context.Context, p domain.Proposal) (domain.DiffStats, error) {
	// references spelled out in the proposal text
	var (
		added, removed int
		found          bool
	)
	for _, ref := range refs.ExtractCodeRefs(p.Title + "\n" + p.Summary) {
		a, r, ok, err := b.lookup(ctx, ref)
		if err != nil {
			return domain.DiffStats{}, err
		}
		if ok {
			added += a
			removed += r
			found = true
		}
	}
	if found {
		return b.resolved(added, removed), nil
	}

	// the upstream source link
	if ref, ok := refs.ParseCodeHostURL(p.SourceURL); ok {
		a, r, ok, err := b.lookup(ctx, ref)
		if err != nil {
			return domain.DiffStats{}, err
		}
		if ok {
			return b.resolved(a, r), nil
		}
	}

	// the bare commit hash across known repositories
	hash := p.CommitHash
	if hash == "" {
		hash = refs.ExtractCommitHash(p.Title, p.Summary, p.SourceURL)
	}
	if hash != "" {
		for _, full := range b.settings.KnownRepos {
			owner, repo, ok := strings.Cut(full, "/")
			if !ok {
				continue
			}
			a, r, ok, err := b.lookup(ctx, domain.CodeRef{Kind: domain.RefCommit, Owner: owner, Repo: repo, Ref: hash})
			if err != nil {
				return domain.DiffStats{}, err
			}
			if ok {
				return b.resolved(a, r), nil
			}
		}
	}

	return domain.AbsentDiff(b.clock.Now().UTC()), nil
}

func (b *DiffBackfill) lookup(ctx context.Context, ref domain.CodeRef) (int, int, bool, error) {
	files, err := b.host.FileStats(ctx, ref)
	if errors.Is(err, ports.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	added, removed := refs.SumFileStats(files, ref.SubPath)
	return added, removed, true, nil
}

func (b *DiffBackfill) resolved(added, removed int) domain.DiffStats {
	return domain.DiffStats{Added: added, Removed: removed, Status: domain.DiffResolved, ResolvedAt: b.clock.Now().UTC()}
}

func describeStats(s domain.DiffStats) string {
	if s.Status == domain.DiffAbsent {
		return "no code reference resolved"
	}
	return fmt.Sprintf("+%d/-%d", s.Added, s.Removed)
}
