package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/metrics"
	"ProposalWatcher/internal/ports"
	"ProposalWatcher/internal/refs"
)

// PollerDeps wires all driven adapters into the poller.
type PollerDeps struct {
	Feed          ports.GovernanceFeed
	Proposals     ports.ProposalStore
	Subscriptions ports.SubscriptionStore
	Dispatcher    *Dispatcher
	Diff          *DiffBackfill
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Poller ingests new proposals from the governance feed and hands them to
// the dispatcher.
type Poller struct {
	feed          ports.GovernanceFeed
	proposals     ports.ProposalStore
	subscriptions ports.SubscriptionStore
	dispatcher    *Dispatcher
	diff          *DiffBackfill
	settings      config.Settings
	query         ports.FeedQuery
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics

	background sync.WaitGroup
}

// NewPoller constructs the poller.
func NewPoller(settings config.Settings, query ports.FeedQuery, deps PollerDeps) *Poller {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Poller{
		feed:          deps.Feed,
		proposals:     deps.Proposals,
		subscriptions: deps.Subscriptions,
		dispatcher:    deps.Dispatcher,
		diff:          deps.Diff,
		settings:      settings,
		query:         query,
		clock:         deps.Clock,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
	}
}

// Poll runs one ingestion pass: fetch, filter, insert-if-absent, dispatch.
// Rows whose dispatch never completed are swept up after the grace period.
func (p *Poller) Poll(ctx context.Context) (domain.RunResult, error) {
	res := startRun(p.clock, JobPoll)
	logger := p.logger.With("run_id", res.RunID, "job", JobPoll)

	batch, err := p.ingest(ctx, logger, &res)
	if err != nil {
		finishRun(p.clock, logger, &res, err)
		p.metrics.ObserveRun(res, err)
		return res, err
	}
	p.metrics.ObserveIngested(len(batch))

	pending, err := p.proposals.PendingNotification(ctx, p.clock.Now().Add(-p.settings.PendingGrace), orDefault(p.settings.PendingBatch, 20))
	if err != nil {
		logger.Warn("load pending proposals failed", "error", err)
	}
	inBatch := make(map[int64]struct{}, len(batch))
	for _, prop := range batch {
		inBatch[prop.ID] = struct{}{}
	}
	toDispatch := batch
	for _, prop := range pending {
		if _, ok := inBatch[prop.ID]; ok {
			continue
		}
		logger.Info("redispatching pending proposal", "proposal_id", prop.ID)
		toDispatch = append(toDispatch, prop)
	}

	if p.dispatcher != nil {
		p.dispatcher.Dispatch(ctx, toDispatch, &res)
	}

	p.resolveDiffsAsync(ctx, batch)

	finishRun(p.clock, logger, &res, nil)
	p.metrics.ObserveRun(res, nil)
	return res, nil
}

// Drain waits for background diff resolutions started by Poll.
func (p *Poller) Drain() {
	p.background.Wait()
}

func (p *Poller) ingest(ctx context.Context, logger *slog.Logger, res *domain.RunResult) ([]domain.Proposal, error) {
	tracked, err := p.trackedTopics(ctx)
	if err != nil {
		return nil, err
	}

	feed, err := p.feed.Recent(ctx, p.query)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	var candidates []domain.FeedProposal
	ids := make([]int64, 0, len(feed))
	for _, fp := range feed {
		if fp.ID < p.settings.MinProposalID {
			continue
		}
		if _, ok := tracked[fp.Topic]; !ok {
			continue
		}
		candidates = append(candidates, fp)
		ids = append(ids, fp.ID)
	}

	existing, err := p.proposals.ExistingProposalIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load existing ids: %w", err)
	}

	var batch []domain.Proposal
	for _, fp := range candidates {
		if existing[fp.ID] {
			continue
		}
		prop := toProposal(fp, p.clock)
		inserted, err := p.proposals.InsertProposal(ctx, prop)
		if err != nil {
			logger.Error("insert proposal failed", "proposal_id", fp.ID, "error", err)
			res.Add(fp.ID, domain.ItemFailed, err.Error())
			continue
		}
		if !inserted {
			res.Add(fp.ID, domain.ItemSkipped, "inserted by a concurrent poll")
			continue
		}
		logger.Info("new proposal", "proposal_id", prop.ID, "topic", prop.Topic, "commit_hash", prop.CommitHash)
		batch = append(batch, prop)
	}
	return batch, nil
}

// trackedTopics is the union of subscription topics, or every known topic
// when no subscription has any.
func (p *Poller) trackedTopics(ctx context.Context) (map[int]struct{}, error) {
	subs, err := p.subscriptions.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	tracked := make(map[int]struct{})
	for _, sub := range subs {
		for _, t := range sub.Topics {
			tracked[t] = struct{}{}
		}
	}
	if len(tracked) == 0 {
		for _, t := range p.settings.KnownTopics {
			tracked[t] = struct{}{}
		}
	}
	return tracked, nil
}

func (p *Poller) resolveDiffsAsync(ctx context.Context, batch []domain.Proposal) {
	if p.diff == nil || len(batch) == 0 {
		return
	}
	timeout := p.settings.DiffTimeout
	if timeout <= 0 {
		timeout = defaultDiffTimeout
	}
	base := context.WithoutCancel(ctx)

	p.background.Add(1)
	go func() {
		defer p.background.Done()
		bctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		for _, prop := range batch {
			if _, err := p.diff.ResolveOne(bctx, prop); err != nil {
				p.logger.Warn("background diff resolution failed", "proposal_id", prop.ID, "error", err)
			}
		}
	}()
}

func toProposal(fp domain.FeedProposal, clk clock.Clock) domain.Proposal {
	return domain.Proposal{
		ID:                fp.ID,
		Topic:             fp.Topic,
		Status:            fp.Status,
		Title:             fp.Title,
		Summary:           fp.Summary,
		SourceURL:         fp.URL,
		CommitHash:        refs.ExtractCommitHash(fp.Title, fp.Summary, fp.URL),
		TargetID:          fp.TargetID,
		ExpectedHash:      fp.ExpectedHash,
		CreatedAtUpstream: fp.CreatedAt,
		FirstSeenAt:       clk.Now().UTC(),
	}
}
