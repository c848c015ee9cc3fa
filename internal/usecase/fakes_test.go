package usecase

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/storage"
	"ProposalWatcher/internal/logging"
	"ProposalWatcher/internal/ports"
)

const testHash = "0123456789abcdef0123456789abcdef01234567"

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testSettings() config.Settings {
	return config.Settings{
		MinProposalID:       140000,
		VerificationMinID:   140000,
		KnownTopics:         []int{4, 17},
		PendingGrace:        10 * time.Minute,
		PendingBatch:        20,
		DispatchConcurrency: 4,
		DeepLinkBase:        "https://proposals.test",
		TriggerBatch:        30,
		VerificationRecency: 30 * time.Minute,
		CommentaryRecency:   3 * time.Hour,
		DiffBatchSize:       10,
		DiffTimeout:         time.Minute,
		KnownRepos:          []string{"dfinity/ic", "dfinity/nns-dapp"},
		ForumCategoryID:     76,
		ForumBatchSize:      10,
		ForumMaxCandidates:  5,
		ForumRetryAfter:     6 * time.Hour,
		ForumAssistedTopK:   3,
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.SQLite, "file:"+filepath.Join(t.TempDir(), "watcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db, storage.SQLite)
	require.NoError(t, store.ApplyMigrations(ctx))
	return store
}

func newClock() *testclock.Clock {
	return testclock.NewClock(testEpoch)
}

func insertProposal(t *testing.T, store *storage.Store, p domain.Proposal) {
	t.Helper()
	if p.FirstSeenAt.IsZero() {
		p.FirstSeenAt = testEpoch
	}
	inserted, err := store.InsertProposal(context.Background(), p)
	require.NoError(t, err)
	require.True(t, inserted)
}

type fakeFeed struct {
	items []domain.FeedProposal
	err   error
	calls int
}

func (f *fakeFeed) Recent(context.Context, ports.FeedQuery) ([]domain.FeedProposal, error) {
	f.calls++
	return f.items, f.err
}

type fakePush struct {
	mu    sync.Mutex
	fail  map[string]error
	calls []string
}

func (f *fakePush) Push(_ context.Context, sub domain.Subscription, payload domain.PushPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s#%d", sub.Endpoint, payload.ProposalID))
	return f.fail[sub.Endpoint]
}

type fakeFallback struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeFallback) SendFallback(_ context.Context, address string, _ domain.FallbackMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, address)
	return f.err
}

type failingAttempts struct{}

func (failingAttempts) LogAttempt(context.Context, domain.NotificationAttempt) error {
	return fmt.Errorf("attempt log unavailable")
}

func (failingAttempts) ListAttempts(context.Context, int64) ([]domain.NotificationAttempt, error) {
	return nil, nil
}

type fakeRunner struct {
	runs        map[domain.JobKind][]domain.JobRun
	listErr     error
	dispatchErr error
	dispatched  []string
}

func (f *fakeRunner) Dispatch(_ context.Context, kind domain.JobKind, id int64) error {
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatched = append(f.dispatched, fmt.Sprintf("%s:%d", kind, id))
	return nil
}

func (f *fakeRunner) ListRuns(_ context.Context, kind domain.JobKind) ([]domain.JobRun, error) {
	return f.runs[kind], f.listErr
}

type fakeCodeHost struct {
	mu    sync.Mutex
	stats map[string][]domain.FileStat
	errs  map[string]error
	calls []string
}

func codeKey(ref domain.CodeRef) string {
	if ref.Kind == domain.RefPull {
		return fmt.Sprintf("pull %s/%s#%d", ref.Owner, ref.Repo, ref.Number)
	}
	return fmt.Sprintf("%s %s/%s@%s", ref.Kind, ref.Owner, ref.Repo, ref.Ref)
}

func (f *fakeCodeHost) FileStats(_ context.Context, ref domain.CodeRef) ([]domain.FileStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := codeKey(ref)
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if stats, ok := f.stats[key]; ok {
		return stats, nil
	}
	return nil, fmt.Errorf("%s: %w", key, ports.ErrNotFound)
}

type fakeForum struct {
	search    map[string][]domain.ForumTopic
	searchErr error
	latest    []domain.ForumTopic
	posts     map[int64][]domain.ForumPost
	searches  int
}

func (f *fakeForum) Search(_ context.Context, query string) ([]domain.ForumTopic, error) {
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.search[query], nil
}

func (f *fakeForum) LatestInCategory(context.Context, int) ([]domain.ForumTopic, error) {
	return f.latest, nil
}

func (f *fakeForum) Posts(_ context.Context, id int64) ([]domain.ForumPost, error) {
	if posts, ok := f.posts[id]; ok {
		return posts, nil
	}
	return nil, fmt.Errorf("topic %d: %w", id, ports.ErrNotFound)
}

func (f *fakeForum) TopicURL(t domain.ForumTopic) string {
	return fmt.Sprintf("https://forum.test/t/%s/%d", t.Slug, t.ID)
}

type fakeChat struct {
	answer  string
	err     error
	prompts []string
}

func (f *fakeChat) Complete(_ context.Context, _, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	return f.answer, f.err
}

var discard = logging.Discard()
