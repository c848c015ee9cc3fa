package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/storage"
	"ProposalWatcher/internal/ports"
)

type pollerEnv struct {
	store    *storage.Store
	poller   *Poller
	feed     *fakeFeed
	push     *fakePush
	fallback *fakeFallback
	host     *fakeCodeHost
}

func newPollerEnv(t *testing.T, attempts ports.AttemptLog) *pollerEnv {
	t.Helper()
	env := &pollerEnv{
		store:    newStore(t),
		feed:     &fakeFeed{},
		push:     &fakePush{fail: map[string]error{}},
		fallback: &fakeFallback{},
		host:     &fakeCodeHost{},
	}
	if attempts == nil {
		attempts = env.store
	}
	clk := newClock()
	settings := testSettings()

	dispatcher := NewDispatcher(settings, DispatcherDeps{
		Proposals:     env.store,
		Subscriptions: env.store,
		Attempts:      attempts,
		Push:          env.push,
		Fallback:      env.fallback,
		Clock:         clk,
		Logger:        discard,
	})
	diff := NewDiffBackfill(settings, DiffBackfillDeps{
		Proposals: env.store,
		CodeHost:  env.host,
		Clock:     clk,
		Logger:    discard,
	})
	env.poller = NewPoller(settings, ports.FeedQuery{Limit: 50}, PollerDeps{
		Feed:          env.feed,
		Proposals:     env.store,
		Subscriptions: env.store,
		Dispatcher:    dispatcher,
		Diff:          diff,
		Clock:         clk,
		Logger:        discard,
	})
	t.Cleanup(env.poller.Drain)
	return env
}

func (e *pollerEnv) subscribe(t *testing.T, endpoint, fallback string, topics ...int) {
	t.Helper()
	require.NoError(t, e.store.UpsertSubscription(context.Background(), domain.Subscription{
		Endpoint:        endpoint,
		P256dh:          "key",
		Auth:            "secret",
		FallbackAddress: fallback,
		Topics:          topics,
		CreatedAt:       testEpoch,
	}))
}

func (e *pollerEnv) attempts(t *testing.T, id int64) []domain.NotificationAttempt {
	t.Helper()
	list, err := e.store.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	return list
}

func countChannel(attempts []domain.NotificationAttempt, channel domain.Channel) int {
	n := 0
	for _, a := range attempts {
		if a.Channel == channel {
			n++
		}
	}
	return n
}

func feedItem(id int64, topic int) domain.FeedProposal {
	return domain.FeedProposal{
		ID:       id,
		Topic:    topic,
		Status:   1,
		Title:    "Upgrade the registry canister",
		Summary:  "Build from commit " + testHash + " and verify the wasm hash.",
		URL:      "https://dashboard.test/proposal",
		TargetID: "rwlgt-iiaaa-aaaaa-aaaaa-cai",
	}
}

func TestPollNotifiesTrackingSubscriber(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/a", "", 17)
	env.feed.items = []domain.FeedProposal{feedItem(140102, 17)}

	res, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()
	assert.Equal(t, 1, res.Succeeded)

	p, err := env.store.GetProposal(ctx, 140102)
	require.NoError(t, err)
	assert.Equal(t, testHash, p.CommitHash)
	assert.True(t, p.Notified)

	attempts := env.attempts(t, 140102)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.ChannelPrimary, attempts[0].Channel)
	assert.Equal(t, domain.OutcomeSent, attempts[0].Outcome)
	assert.Zero(t, countChannel(attempts, domain.ChannelSecondary))

	sub, err := env.store.GetSubscription(ctx, "https://push.test/a")
	require.NoError(t, err)
	require.NotNil(t, sub.LastSuccessAt)

	// nothing on the code host resolves, so the background pass stores the sentinel
	require.NotNil(t, p.Diff)
	assert.Equal(t, domain.DiffAbsent, p.Diff.Status)
}

func TestPollTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/a", "", 17)
	env.feed.items = []domain.FeedProposal{feedItem(140102, 17), feedItem(140103, 17)}

	_, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	second, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()

	assert.Zero(t, second.Processed)
	recent, err := env.store.ListRecentProposals(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	assert.Len(t, env.attempts(t, 140102), 1)
	assert.Len(t, env.attempts(t, 140103), 1)
	assert.Len(t, env.push.calls, 2)
}

func TestPollFiltersFloorAndTopics(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/a", "", 17)
	env.feed.items = []domain.FeedProposal{
		feedItem(139999, 17),
		feedItem(140200, 4),
		feedItem(140201, 17),
	}

	_, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()

	ids := map[int64]bool{}
	recent, err := env.store.ListRecentProposals(ctx, 0, 10)
	require.NoError(t, err)
	for _, p := range recent {
		ids[p.ID] = true
	}
	assert.Equal(t, map[int64]bool{140201: true}, ids)
}

func TestPollFallsBackToKnownTopics(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/empty", "")
	env.feed.items = []domain.FeedProposal{feedItem(140300, 4), feedItem(140301, 99)}

	_, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()

	p, err := env.store.GetProposal(ctx, 140300)
	require.NoError(t, err)
	assert.True(t, p.Notified)
	assert.Empty(t, env.attempts(t, 140300), "empty topic set receives nothing")
	assert.Empty(t, env.push.calls)

	_, err = env.store.GetProposal(ctx, 140301)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestPollGoneEndpointFallsBack(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/dead", "telegram:42", 17)
	env.push.fail["https://push.test/dead"] = ports.ErrEndpointGone
	env.feed.items = []domain.FeedProposal{feedItem(140102, 17)}

	_, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()

	attempts := env.attempts(t, 140102)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.ChannelPrimary, attempts[0].Channel)
	assert.Equal(t, domain.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, domain.ChannelSecondary, attempts[1].Channel)
	assert.Equal(t, domain.OutcomeSent, attempts[1].Outcome)
	assert.Equal(t, []string{"telegram:42"}, env.fallback.sent)

	_, err = env.store.GetSubscription(ctx, "https://push.test/dead")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	p, err := env.store.GetProposal(ctx, 140102)
	require.NoError(t, err)
	assert.True(t, p.Notified)
}

func TestPollTransientFailureKeepsSubscription(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/flaky", "ops@example.org", 17)
	env.push.fail["https://push.test/flaky"] = errors.New("push service: 503")
	env.fallback.err = errors.New("smtp down")
	env.feed.items = []domain.FeedProposal{feedItem(140102, 17)}

	_, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()

	attempts := env.attempts(t, 140102)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.OutcomeFailed, attempts[1].Outcome)
	assert.Equal(t, "smtp down", attempts[1].Error)

	_, err = env.store.GetSubscription(ctx, "https://push.test/flaky")
	assert.NoError(t, err)
}

func TestPollRedispatchesStalePending(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, nil)
	env.subscribe(t, "https://push.test/a", "", 17)
	insertProposal(t, env.store, domain.Proposal{ID: 140050, Topic: 17, Title: "left over", FirstSeenAt: testEpoch.Add(-time.Hour)})
	insertProposal(t, env.store, domain.Proposal{ID: 140051, Topic: 17, Title: "just seen", FirstSeenAt: testEpoch.Add(-time.Minute)})

	res, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Details, 1)
	assert.Equal(t, int64(140050), res.Details[0].ProposalID)

	stale, err := env.store.GetProposal(ctx, 140050)
	require.NoError(t, err)
	assert.True(t, stale.Notified)

	fresh, err := env.store.GetProposal(ctx, 140051)
	require.NoError(t, err)
	assert.False(t, fresh.Notified, "inside the grace period")
}

func TestPollUnloggedAttemptStaysPending(t *testing.T) {
	ctx := context.Background()
	env := newPollerEnv(t, failingAttempts{})
	env.subscribe(t, "https://push.test/a", "", 17)
	env.feed.items = []domain.FeedProposal{feedItem(140102, 17)}

	res, err := env.poller.Poll(ctx)
	require.NoError(t, err)
	env.poller.Drain()
	assert.Equal(t, 1, res.Failed)

	p, err := env.store.GetProposal(ctx, 140102)
	require.NoError(t, err)
	assert.False(t, p.Notified)
}

func TestPollFeedErrorAborts(t *testing.T) {
	env := newPollerEnv(t, nil)
	env.feed.err = errors.New("feed unavailable")

	_, err := env.poller.Poll(context.Background())
	require.Error(t, err)

	recent, err := env.store.ListRecentProposals(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
