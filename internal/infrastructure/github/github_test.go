package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/logging"
	"ProposalWatcher/internal/ports"
)

func testConfig(url string) config.GitHubConfig {
	return config.GitHubConfig{
		APIURL:               url,
		Token:                "ghp_test",
		RunnerRepo:           "acme/verifier",
		Ref:                  "main",
		VerificationWorkflow: "verify.yml",
		CommentaryWorkflow:   "commentary.yml",
	}
}

func TestRunnerDispatch(t *testing.T) {
	t.Parallel()

	var got dispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/verifier/actions/workflows/verify.yml/dispatches", r.URL.Path)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	runner, err := NewRunner(testConfig(srv.URL), logging.Discard())
	require.NoError(t, err)
	require.NoError(t, runner.Dispatch(context.Background(), domain.JobVerification, 140102))

	assert.Equal(t, "main", got.Ref)
	assert.Equal(t, map[string]string{"proposal_id": "140102"}, got.Inputs)
}

func TestRunnerListRuns(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/verifier/actions/workflows/commentary.yml/runs", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		fmt.Fprint(w, `{"workflow_runs":[
			{"id":1,"display_title":"Commentary #140102","status":"completed","conclusion":"success","html_url":"https://x/1","created_at":"2025-03-01T10:00:00Z"},
			{"id":2,"display_title":"Commentary #140103","status":"in_progress","conclusion":null,"html_url":"https://x/2","created_at":"2025-03-01T11:00:00Z"}
		]}`)
	}))
	defer srv.Close()

	runner, err := NewRunner(testConfig(srv.URL), logging.Discard())
	require.NoError(t, err)

	runs, err := runner.ListRuns(context.Background(), domain.JobCommentary)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].Succeeded())
	assert.Equal(t, "Commentary #140102", runs[0].DisplayName)
	assert.False(t, runs[1].Succeeded())
	assert.Empty(t, runs[1].Conclusion)
	assert.Equal(t, 11, runs[1].CreatedAt.Hour())
}

func TestNewRunnerRejectsBadRepo(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://unused")
	cfg.RunnerRepo = "noslash"
	_, err := NewRunner(cfg, nil)
	assert.Error(t, err)
}

func TestCodeHostFileStats(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/dfinity/ic/commits/abc123":
			fmt.Fprint(w, `{"files":[{"filename":"rs/a.rs","additions":3,"deletions":1}]}`)
		case "/repos/dfinity/ic/compare/aaa...bbb":
			fmt.Fprint(w, `{"files":[{"filename":"rs/a.rs","additions":5,"deletions":2},{"filename":"docs/b.md","additions":1,"deletions":0}]}`)
		case "/repos/dfinity/ic/pulls/7/files":
			fmt.Fprint(w, `[{"filename":"x.go","additions":10,"deletions":4}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	host := NewCodeHost(testConfig(srv.URL), logging.Discard())
	ctx := context.Background()

	stats, err := host.FileStats(ctx, domain.CodeRef{Kind: domain.RefCommit, Owner: "dfinity", Repo: "ic", Ref: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, []domain.FileStat{{Filename: "rs/a.rs", Additions: 3, Deletions: 1}}, stats)

	stats, err = host.FileStats(ctx, domain.CodeRef{Kind: domain.RefCompare, Owner: "dfinity", Repo: "ic", Ref: "aaa...bbb"})
	require.NoError(t, err)
	assert.Len(t, stats, 2)

	stats, err = host.FileStats(ctx, domain.CodeRef{Kind: domain.RefPull, Owner: "dfinity", Repo: "ic", Number: 7})
	require.NoError(t, err)
	assert.Equal(t, 10, stats[0].Additions)

	_, err = host.FileStats(ctx, domain.CodeRef{Kind: domain.RefCommit, Owner: "dfinity", Repo: "ic", Ref: "missing"})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}
