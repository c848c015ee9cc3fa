package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/jobs"
	"ProposalWatcher/internal/logging"
	"ProposalWatcher/internal/ports"
)

const testToken = "s3cret"

type memorySubscriptions struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func (m *memorySubscriptions) ListSubscriptions(context.Context) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func (m *memorySubscriptions) GetSubscription(_ context.Context, endpoint string) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[endpoint]; ok {
		return s, nil
	}
	return domain.Subscription{}, ports.ErrNotFound
}

func (m *memorySubscriptions) UpsertSubscription(_ context.Context, sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *memorySubscriptions) DeleteSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	return nil
}

func (m *memorySubscriptions) TouchSubscription(context.Context, string, time.Time) error {
	return nil
}

type fakeResender struct {
	calls []string
	err   error
}

func (f *fakeResender) Resend(_ context.Context, id int64, endpoint string) (domain.RunResult, error) {
	f.calls = append(f.calls, fmt.Sprintf("%d|%s", id, endpoint))
	if f.err != nil {
		return domain.RunResult{}, f.err
	}
	res := domain.RunResult{Job: "resend"}
	res.Add(id, domain.ItemSucceeded, "resent to 1 subscription(s)")
	return res, nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	handler  http.Handler
	subs     *memorySubscriptions
	resender *fakeResender
	requests []jobs.Request
	jobErr   error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		subs:     &memorySubscriptions{subs: map[string]domain.Subscription{}},
		resender: &fakeResender{},
	}
	registry := jobs.NewRegistry(logging.Discard(), nil)
	registry.Register(jobs.NewFunc("diffstats", func(_ context.Context, req jobs.Request) (domain.RunResult, error) {
		env.requests = append(env.requests, req)
		res := domain.RunResult{RunID: "run-1", Job: "diffstats"}
		res.Add(140102, domain.ItemSucceeded, "+1/-2")
		return res, env.jobErr
	}))

	srv := NewServer(config.AdminConfig{Addr: ":0", Token: testToken}, Deps{
		Jobs:          registry,
		Subscriptions: env.subs,
		Resender:      env.resender,
		Health:        pingFunc(func(context.Context) error { return nil }),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, "proposalwatcher_up 1")
		}),
		Logger: logging.Discard(),
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestJobEndpointRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "wrong"} {
		rec := env.do(http.MethodPost, "/api/jobs/diffstats", token, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Unauthorized", decodeError(t, rec)["error"])
	}
	assert.Empty(t, env.requests)

	rec := env.do(http.MethodPost, "/api/notifications/resend", "", `{"proposalId":140102}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.resender.calls)
}

func TestJobEndpointRunsWithOptions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/jobs/diffstats?force=true&limit=5&proposal=140102", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.requests, 1)
	assert.Equal(t, jobs.Request{Force: true, Limit: 5, ProposalID: 140102}, env.requests[0])

	var res domain.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Details, 1)
	assert.Equal(t, int64(140102), res.Details[0].ProposalID)
}

func TestJobEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/jobs/unknown", testToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, q := range []string{"force=maybe", "limit=0", "limit=abc", "proposal=-1"} {
		rec := env.do(http.MethodPost, "/api/jobs/diffstats?"+q, testToken, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "InvalidRequest", decodeError(t, rec)["error"])
	}
	assert.Empty(t, env.requests)
}

func TestJobEndpointReportsAbort(t *testing.T) {
	env := newTestEnv(t)
	env.jobErr = fmt.Errorf("code host: %w", ports.ErrRateLimited)

	rec := env.do(http.MethodPost, "/api/jobs/diffstats", testToken, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "JobFailed", body["error"])
	assert.NotNil(t, body["result"])
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	body := `{"endpoint":"https://push.test/abc","keys":{"p256dh":"k","auth":"a"},"fallback":"telegram:42","topics":[17,4]}`

	rec := env.do(http.MethodPost, "/api/subscriptions", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	sub, err := env.subs.GetSubscription(context.Background(), "https://push.test/abc")
	require.NoError(t, err)
	assert.Equal(t, "telegram:42", sub.FallbackAddress)
	assert.Equal(t, []int{17, 4}, sub.Topics)

	for i := 0; i < 2; i++ {
		rec = env.do(http.MethodDelete, "/api/subscriptions", "", `{"endpoint":"https://push.test/abc"}`)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	_, err = env.subs.GetSubscription(context.Background(), "https://push.test/abc")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestSubscribeRejectsMalformedInput(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]string{
		"not json":     `{`,
		"plain http":   `{"endpoint":"http://push.test/a","keys":{"p256dh":"k","auth":"a"}}`,
		"missing keys": `{"endpoint":"https://push.test/a"}`,
		"bad fallback": `{"endpoint":"https://push.test/a","keys":{"p256dh":"k","auth":"a"},"fallback":"pager"}`,
		"bad topic":    `{"endpoint":"https://push.test/a","keys":{"p256dh":"k","auth":"a"},"topics":[0]}`,
		"unknown key":  `{"endpoint":"https://push.test/a","keys":{"p256dh":"k","auth":"a"},"admin":true}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/subscriptions", "", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "InvalidRequest", decodeError(t, rec)["error"])
		})
	}
	assert.Empty(t, env.subs.subs)
}

func TestResend(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/notifications/resend", testToken, `{"proposalId":140102,"endpoint":"https://push.test/a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"140102|https://push.test/a"}, env.resender.calls)

	rec = env.do(http.MethodPost, "/api/notifications/resend", testToken, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.resender.err = fmt.Errorf("load proposal: %w", ports.ErrNotFound)
	rec = env.do(http.MethodPost, "/api/notifications/resend", testToken, `{"proposalId":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proposalwatcher_up 1")
}

func TestHealthReportsStoreFailure(t *testing.T) {
	srv := NewServer(config.AdminConfig{Token: testToken}, Deps{
		Health: pingFunc(func(context.Context) error { return errors.New("db down") }),
		Logger: logging.Discard(),
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
