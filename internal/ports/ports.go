package ports

import (
	"context"
	"errors"
	"time"

	"ProposalWatcher/internal/domain"
)

var (
	// ErrEndpointGone marks a push endpoint the channel reports as permanently unreachable.
	ErrEndpointGone = errors.New("endpoint gone")
	// ErrNotFound is returned by external lookups that resolved to nothing.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when a collaborator rejects our credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited is returned when retries on HTTP 429 were exhausted.
	ErrRateLimited = errors.New("rate limited")
)

// FeedQuery limits and filters a governance feed request.
type FeedQuery struct {
	Limit         int
	ExcludeTopics []int
	IncludeStatus []int
}

// GovernanceFeed returns the most recent proposals, newest first.
type GovernanceFeed interface {
	Recent(ctx context.Context, q FeedQuery) ([]domain.FeedProposal, error)
}

// ProposalStore is the dedup store of observed proposals.
type ProposalStore interface {
	ExistingProposalIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
	// InsertProposal inserts the proposal unless its id exists; inserted is false for the no-op case.
	InsertProposal(ctx context.Context, p domain.Proposal) (inserted bool, err error)
	PendingNotification(ctx context.Context, seenBefore time.Time, limit int) ([]domain.Proposal, error)
	MarkNotified(ctx context.Context, id int64) error
	GetProposal(ctx context.Context, id int64) (domain.Proposal, error)
	ListRecentProposals(ctx context.Context, minID int64, limit int) ([]domain.Proposal, error)
	ProposalsMissingDiffStats(ctx context.Context, limit int) ([]domain.Proposal, error)
	SetDiffStats(ctx context.Context, id int64, stats domain.DiffStats) error
	ProposalsWithoutCanonicalThread(ctx context.Context, minID int64, searchedBefore time.Time, limit int) ([]domain.Proposal, error)
}

// SubscriptionStore is the registry of notification endpoints.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	GetSubscription(ctx context.Context, endpoint string) (domain.Subscription, error)
	UpsertSubscription(ctx context.Context, sub domain.Subscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	TouchSubscription(ctx context.Context, endpoint string, at time.Time) error
}

// AttemptLog is the append-only notification audit trail.
type AttemptLog interface {
	LogAttempt(ctx context.Context, a domain.NotificationAttempt) error
	ListAttempts(ctx context.Context, proposalID int64) ([]domain.NotificationAttempt, error)
}

// ForumStore keeps thread links and the forum search audit log.
type ForumStore interface {
	SetCanonicalThread(ctx context.Context, t domain.ForumThread) error
	AddThread(ctx context.Context, t domain.ForumThread) error
	ListThreads(ctx context.Context, proposalID int64) ([]domain.ForumThread, error)
	LogForumSearch(ctx context.Context, s domain.ForumSearch) error
}

// PushSender delivers over the primary channel. A dead endpoint is reported
// with an error wrapping ErrEndpointGone.
type PushSender interface {
	Push(ctx context.Context, sub domain.Subscription, payload domain.PushPayload) error
}

// FallbackSender delivers over the secondary channel.
type FallbackSender interface {
	SendFallback(ctx context.Context, address string, msg domain.FallbackMessage) error
}

// JobRunner dispatches and lists enrichment jobs on the external runner.
type JobRunner interface {
	Dispatch(ctx context.Context, kind domain.JobKind, proposalID int64) error
	ListRuns(ctx context.Context, kind domain.JobKind) ([]domain.JobRun, error)
}

// Claimer grants short-lived local claims so overlapping invocations do not
// trigger the same job twice.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// CodeHost resolves per-file line deltas. Unknown refs return ErrNotFound.
type CodeHost interface {
	FileStats(ctx context.Context, ref domain.CodeRef) ([]domain.FileStat, error)
}

// Forum is the discussion forum API.
type Forum interface {
	Search(ctx context.Context, query string) ([]domain.ForumTopic, error)
	LatestInCategory(ctx context.Context, categoryID int) ([]domain.ForumTopic, error)
	Posts(ctx context.Context, topicID int64) ([]domain.ForumPost, error)
	TopicURL(t domain.ForumTopic) string
}

// ChatClient sends a prompt to an OpenAI-compatible chat completion API.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Scheduler controls when jobs execute.
type Scheduler interface {
	Add(spec string, job func(time.Time)) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
