package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/juju/clock"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/metrics"
	"ProposalWatcher/internal/ports"
)

// ForumDeps wires the resolver's collaborators. Chat is optional and only
// used by the assisted variant.
type ForumDeps struct {
	Proposals ports.ProposalStore
	Store     ports.ForumStore
	Forum     ports.Forum
	Chat      ports.ChatClient
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// ForumResolver links proposals to their discussion threads.
type ForumResolver struct {
	proposals ports.ProposalStore
	store     ports.ForumStore
	forum     ports.Forum
	chat      ports.ChatClient
	settings  config.Settings
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewForumResolver constructs the resolver.
func NewForumResolver(settings config.Settings, deps ForumDeps) *ForumResolver {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &ForumResolver{
		proposals: deps.Proposals,
		store:     deps.Store,
		forum:     deps.Forum,
		chat:      deps.Chat,
		settings:  settings,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Run resolves a batch of proposals lacking a canonical thread. With the
// deterministic search disabled the assisted variant runs instead.
func (f *ForumResolver) Run(ctx context.Context, limit int) (domain.RunResult, error) {
	if f.settings.ForumDeterministicOff {
		return f.RunAssisted(ctx, limit)
	}

	res := startRun(f.clock, JobForum)
	logger := f.logger.With("run_id", res.RunID, "job", JobForum)

	candidates, err := f.candidates(ctx, limit)
	if err != nil {
		finishRun(f.clock, logger, &res, err)
		f.metrics.ObserveRun(res, err)
		return res, err
	}

	runErr := f.resolveAll(ctx, logger, &res, candidates)
	finishRun(f.clock, logger, &res, runErr)
	f.metrics.ObserveRun(res, runErr)
	return res, runErr
}

// ResolveOne runs the deterministic search for one proposal regardless of
// when it was last searched.
func (f *ForumResolver) ResolveOne(ctx context.Context, proposalID int64) (domain.RunResult, error) {
	res := startRun(f.clock, JobForum)
	logger := f.logger.With("run_id", res.RunID, "job", JobForum)

	p, err := f.proposals.GetProposal(ctx, proposalID)
	if err != nil {
		err = fmt.Errorf("load proposal %d: %w", proposalID, err)
		finishRun(f.clock, logger, &res, err)
		return res, err
	}
	runErr := f.resolveAll(ctx, logger, &res, []domain.Proposal{p})
	finishRun(f.clock, logger, &res, runErr)
	f.metrics.ObserveRun(res, runErr)
	return res, runErr
}

func (f *ForumResolver) candidates(ctx context.Context, limit int) ([]domain.Proposal, error) {
	searchedBefore := f.clock.Now().Add(-f.settings.ForumRetryAfter)
	list, err := f.proposals.ProposalsWithoutCanonicalThread(ctx, f.settings.MinProposalID, searchedBefore, orDefault(limit, f.settings.ForumBatchSize))
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	return list, nil
}

func (f *ForumResolver) resolveAll(ctx context.Context, logger *slog.Logger, res *domain.RunResult, candidates []domain.Proposal) error {
	var assisted *assistedSession
	for _, p := range candidates {
		if ctx.Err() != nil {
			res.Add(p.ID, domain.ItemSkipped, "invocation cancelled")
			continue
		}

		url, err := f.searchOne(ctx, p)
		switch {
		case err == nil && url != "":
			res.Add(p.ID, domain.ItemSucceeded, url)
		case err == nil:
			res.Add(p.ID, domain.ItemSkipped, "no verified thread")
		case abortsRun(err):
			logger.Error("forum search aborted", "proposal_id", p.ID, "error", err)
			res.Add(p.ID, domain.ItemFailed, err.Error())
			return err
		case f.chat != nil:
			// search is unavailable; fall back to the assisted match for this proposal
			logger.Warn("forum search unavailable, trying assisted match", "proposal_id", p.ID, "error", err)
			if assisted == nil {
				assisted = f.newAssistedSession(ctx)
			}
			status, reason, aerr := assisted.match(ctx, p)
			if aerr != nil && abortsRun(aerr) {
				res.Add(p.ID, domain.ItemFailed, aerr.Error())
				return aerr
			}
			res.Add(p.ID, status, reason)
		default:
			logger.Warn("forum search failed", "proposal_id", p.ID, "error", err)
			res.Add(p.ID, domain.ItemFailed, err.Error())
		}
	}
	return nil
}

// searchOne searches, filters to the discussion category, and verifies
// candidates by the literal id in their first post. The attempt is always
// logged. It returns the canonical URL or "" when nothing verified.
func (f *ForumResolver) searchOne(ctx context.Context, p domain.Proposal) (string, error) {
	idText := strconv.FormatInt(p.ID, 10)
	audit := domain.ForumSearch{ProposalID: p.ID, Query: idText}

	topics, err := f.forum.Search(ctx, idText)
	if err != nil {
		audit.Outcome = domain.SearchError
		if errors.Is(err, ports.ErrUnauthorized) {
			audit.Outcome = domain.SearchAuthFailed
		}
		audit.Error = err.Error()
		f.logSearch(ctx, audit)
		return "", err
	}

	var inCategory []domain.ForumTopic
	for _, t := range topics {
		if t.CategoryID == f.settings.ForumCategoryID {
			inCategory = append(inCategory, t)
		}
	}
	if limit := f.settings.ForumMaxCandidates; limit > 0 && len(inCategory) > limit {
		inCategory = inCategory[:limit]
	}
	audit.ResultCount = len(inCategory)

	for _, t := range inCategory {
		posts, err := f.forum.Posts(ctx, t.ID)
		if err != nil {
			if abortsRun(err) {
				audit.Outcome = domain.SearchError
				if errors.Is(err, ports.ErrUnauthorized) {
					audit.Outcome = domain.SearchAuthFailed
				}
				audit.Error = err.Error()
				f.logSearch(ctx, audit)
				return "", err
			}
			f.logger.Warn("load thread failed", "proposal_id", p.ID, "topic_id", t.ID, "error", err)
			continue
		}
		if !firstPostMentions(posts, idText) {
			continue
		}

		url := f.forum.TopicURL(t)
		err = f.store.SetCanonicalThread(ctx, domain.ForumThread{
			ProposalID: p.ID,
			URL:        url,
			Title:      t.Title,
			Source:     domain.ThreadFromSearch,
			CreatedAt:  f.clock.Now(),
		})
		if err != nil {
			audit.Outcome = domain.SearchError
			audit.Error = err.Error()
			f.logSearch(ctx, audit)
			return "", fmt.Errorf("store canonical thread: %w", err)
		}
		audit.Outcome = domain.SearchSuccess
		audit.ChosenURL = url
		f.logSearch(ctx, audit)
		return url, nil
	}

	audit.Outcome = domain.SearchNoResults
	f.logSearch(ctx, audit)
	return "", nil
}

func (f *ForumResolver) logSearch(ctx context.Context, audit domain.ForumSearch) {
	audit.SearchedAt = f.clock.Now()
	if err := f.store.LogForumSearch(ctx, audit); err != nil {
		f.logger.Error("log forum search failed", "proposal_id", audit.ProposalID, "error", err)
	}
}

func firstPostMentions(posts []domain.ForumPost, idText string) bool {
	if len(posts) == 0 {
		return false
	}
	first := posts[0]
	for _, post := range posts {
		if post.Number == 1 {
			first = post
			break
		}
	}
	return strings.Contains(first.Text, idText) ||
		strings.Contains(first.Raw, idText) ||
		strings.Contains(first.Cooked, idText)
}
