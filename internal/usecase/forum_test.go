package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/storage"
	"ProposalWatcher/internal/ports"
)

type forumEnv struct {
	store    *storage.Store
	forum    *fakeForum
	chat     *fakeChat
	clock    *testclock.Clock
	resolver *ForumResolver
}

func newForumEnv(t *testing.T, withChat bool) *forumEnv {
	t.Helper()
	env := &forumEnv{
		store: newStore(t),
		forum: &fakeForum{search: map[string][]domain.ForumTopic{}, posts: map[int64][]domain.ForumPost{}},
		clock: newClock(),
	}
	deps := ForumDeps{
		Proposals: env.store,
		Store:     env.store,
		Forum:     env.forum,
		Clock:     env.clock,
		Logger:    discard,
	}
	if withChat {
		env.chat = &fakeChat{}
		deps.Chat = env.chat
	}
	env.resolver = NewForumResolver(testSettings(), deps)
	return env
}

func (e *forumEnv) threads(t *testing.T, id int64) []domain.ForumThread {
	t.Helper()
	list, err := e.store.ListThreads(context.Background(), id)
	require.NoError(t, err)
	return list
}

func (e *forumEnv) searches(t *testing.T, id int64) []domain.ForumSearch {
	t.Helper()
	list, err := e.store.ListForumSearches(context.Background(), id)
	require.NoError(t, err)
	return list
}

func canonicalCount(threads []domain.ForumThread) int {
	n := 0
	for _, th := range threads {
		if th.IsCanonical {
			n++
		}
	}
	return n
}

func firstPost(text string) []domain.ForumPost {
	return []domain.ForumPost{{Number: 1, Cooked: "<p>" + text + "</p>", Text: text, Markdown: text}}
}

func TestForumVerifiesFirstPost(t *testing.T) {
	env := newForumEnv(t, false)
	insertProposal(t, env.store, codeChange(140102))
	env.forum.search["140102"] = []domain.ForumTopic{
		{ID: 1, Slug: "elsewhere", CategoryID: 5, Title: "Proposal 140102 chatter"},
		{ID: 2, Slug: "upgrade-talk", CategoryID: 76, Title: "Upgrade talk"},
		{ID: 3, Slug: "proposal-140102", CategoryID: 76, Title: "Proposal 140102"},
	}
	env.forum.posts[1] = firstPost("Proposal 140102")
	env.forum.posts[2] = firstPost("a different upgrade")
	env.forum.posts[3] = firstPost("Discussion of proposal 140102")

	res, err := env.resolver.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	threads := env.threads(t, 140102)
	require.Len(t, threads, 1)
	assert.True(t, threads[0].IsCanonical)
	assert.Equal(t, "https://forum.test/t/proposal-140102/3", threads[0].URL)
	assert.Equal(t, domain.ThreadFromSearch, threads[0].Source)

	searches := env.searches(t, 140102)
	require.Len(t, searches, 1)
	assert.Equal(t, domain.SearchSuccess, searches[0].Outcome)
	assert.Equal(t, 2, searches[0].ResultCount)
	assert.Equal(t, threads[0].URL, searches[0].ChosenURL)
}

func TestForumMatchesIDInRawBody(t *testing.T) {
	env := newForumEnv(t, false)
	insertProposal(t, env.store, codeChange(140102))
	env.forum.search["140102"] = []domain.ForumTopic{{ID: 4, Slug: "registry-upgrade", CategoryID: 76}}
	env.forum.posts[4] = []domain.ForumPost{{
		Number: 1,
		Cooked: "<p>See the dashboard link</p>",
		Raw:    "See the [dashboard link](https://dashboard.internetcomputer.org/proposal/140102)",
		Text:   "See the dashboard link",
	}}

	res, err := env.resolver.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, env.threads(t, 140102), 1)
}

func TestForumKeepsOneCanonicalThread(t *testing.T) {
	ctx := context.Background()
	env := newForumEnv(t, false)
	insertProposal(t, env.store, codeChange(140102))
	env.forum.search["140102"] = []domain.ForumTopic{{ID: 3, Slug: "first", CategoryID: 76}}
	env.forum.posts[3] = firstPost("proposal 140102")

	_, err := env.resolver.ResolveOne(ctx, 140102)
	require.NoError(t, err)

	env.forum.search["140102"] = []domain.ForumTopic{{ID: 4, Slug: "second", CategoryID: 76}}
	env.forum.posts[4] = firstPost("proposal 140102 again")
	_, err = env.resolver.ResolveOne(ctx, 140102)
	require.NoError(t, err)

	threads := env.threads(t, 140102)
	require.Len(t, threads, 2)
	assert.Equal(t, 1, canonicalCount(threads))
	assert.Equal(t, "https://forum.test/t/second/4", threads[0].URL)
	assert.Len(t, env.searches(t, 140102), 2)
}

func TestForumNoResultsRetriesLater(t *testing.T) {
	ctx := context.Background()
	env := newForumEnv(t, false)
	insertProposal(t, env.store, codeChange(140102))

	res, err := env.resolver.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	searches := env.searches(t, 140102)
	require.Len(t, searches, 1)
	assert.Equal(t, domain.SearchNoResults, searches[0].Outcome)

	res, err = env.resolver.Run(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "searched inside the retry window")

	env.clock.Advance(7 * time.Hour)
	res, err = env.resolver.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestForumAuthFailureAborts(t *testing.T) {
	env := newForumEnv(t, true)
	insertProposal(t, env.store, codeChange(140101))
	insertProposal(t, env.store, codeChange(140102))
	env.forum.searchErr = fmt.Errorf("search: %w", ports.ErrUnauthorized)

	_, err := env.resolver.Run(context.Background(), 0)
	require.ErrorIs(t, err, ports.ErrUnauthorized)
	assert.Equal(t, 1, env.forum.searches)
	assert.Empty(t, env.chat.prompts)

	searches := env.searches(t, 140102)
	require.Len(t, searches, 1)
	assert.Equal(t, domain.SearchAuthFailed, searches[0].Outcome)
	assert.Empty(t, env.searches(t, 140101))
}

func assistedTopics() []domain.ForumTopic {
	return []domain.ForumTopic{
		{ID: 10, Slug: "proposal-140102-registry-upgrade", CategoryID: 76, Title: "Proposal 140102: registry upgrade"},
		{ID: 11, Slug: "weekly-update", CategoryID: 76, Title: "Weekly update"},
	}
}

func TestForumAssistedStoresNonCanonicalLink(t *testing.T) {
	env := newForumEnv(t, true)
	env.resolver.settings.ForumDeterministicOff = true
	insertProposal(t, env.store, domain.Proposal{ID: 140102, Topic: 17, Title: "Upgrade the registry canister"})
	env.forum.latest = assistedTopics()
	env.forum.posts[10] = firstPost("Let's discuss the registry upgrade")
	env.chat.answer = "```json\n{\"url\": \"https://forum.test/t/proposal-140102-registry-upgrade/10\", \"confidence\": \"High\"}\n```"

	res, err := env.resolver.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, JobForumAssisted, res.Job)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, env.forum.searches)

	require.Len(t, env.chat.prompts, 1)
	assert.Contains(t, env.chat.prompts[0], "Let's discuss the registry upgrade")
	assert.NotContains(t, env.chat.prompts[0], "weekly-update")

	threads := env.threads(t, 140102)
	require.Len(t, threads, 1)
	assert.False(t, threads[0].IsCanonical)
	assert.Equal(t, domain.ThreadFromAssisted, threads[0].Source)
	assert.Equal(t, "high", threads[0].Confidence)

	searches := env.searches(t, 140102)
	require.Len(t, searches, 1)
	assert.Equal(t, "assisted:140102", searches[0].Query)
	assert.Equal(t, domain.SearchSuccess, searches[0].Outcome)
}

func TestForumAssistedSkipsProposalWithAssistedLink(t *testing.T) {
	env := newForumEnv(t, true)
	env.resolver.settings.ForumDeterministicOff = true
	insertProposal(t, env.store, domain.Proposal{ID: 140102, Topic: 17, Title: "Upgrade the registry canister"})
	env.forum.latest = assistedTopics()
	env.chat.answer = `{"url": "https://forum.test/t/proposal-140102-registry-upgrade/10", "confidence": "medium"}`

	_, err := env.resolver.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, env.chat.prompts, 1)

	env.clock.Advance(7 * time.Hour)
	res, err := env.resolver.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, env.chat.prompts, 1)
	assert.Len(t, env.threads(t, 140102), 1)
}

func TestForumAssistedRejectsUnknownURL(t *testing.T) {
	env := newForumEnv(t, true)
	insertProposal(t, env.store, domain.Proposal{ID: 140102, Topic: 17, Title: "Upgrade the registry canister"})
	env.forum.latest = assistedTopics()
	env.chat.answer = `{"url": "https://evil.test/t/x/1", "confidence": "high"}`

	res, err := env.resolver.RunAssisted(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, env.threads(t, 140102))
}

func TestForumSearchErrorFallsBackToAssisted(t *testing.T) {
	env := newForumEnv(t, true)
	insertProposal(t, env.store, domain.Proposal{ID: 140102, Topic: 17, Title: "Upgrade the registry canister"})
	env.forum.searchErr = errors.New("search: 500")
	env.forum.latest = assistedTopics()
	env.chat.answer = `{"url": "https://forum.test/t/proposal-140102-registry-upgrade/10", "confidence": "medium"}`

	res, err := env.resolver.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	threads := env.threads(t, 140102)
	require.Len(t, threads, 1)
	assert.False(t, threads[0].IsCanonical)

	outcomes := map[domain.SearchOutcome]bool{}
	for _, s := range env.searches(t, 140102) {
		outcomes[s.Outcome] = true
	}
	assert.Equal(t, map[domain.SearchOutcome]bool{domain.SearchError: true, domain.SearchSuccess: true}, outcomes)
}

func TestForumAssistedWithoutChatFails(t *testing.T) {
	env := newForumEnv(t, false)
	_, err := env.resolver.RunAssisted(context.Background(), 0)
	assert.Error(t, err)
}

func TestRankTopics(t *testing.T) {
	p := domain.Proposal{ID: 140102, Title: "Upgrade the registry canister"}
	topics := []domain.ForumTopic{
		{ID: 1, Title: "Unrelated chatter"},
		{ID: 2, Title: "Registry canister notes"},
		{ID: 3, Title: "Proposal 140102", Slug: "proposal-140102"},
		{ID: 4, Title: "Misc", Tags: []string{"nns-140102"}},
	}

	ranked := rankTopics(p, topics)
	ids := make([]int64, 0, len(ranked))
	for _, t := range ranked {
		ids = append(ids, t.ID)
	}
	assert.Equal(t, []int64{3, 4, 2}, ids)
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab…", truncate("abéd", 3))
}
