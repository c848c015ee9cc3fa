package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProposalWatcher/internal/ports"
)

func TestDoJSONRetriesOnTooManyRequests(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	client := New(Options{
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		Header:     http.Header{"Authorization": []string{"token abc"}},
	})

	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, client.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, &out))
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoJSONGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(Options{MaxRetries: 2, RetryBase: time.Millisecond})
	err := client.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoJSONMapsStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ports.ErrUnauthorized},
		{http.StatusForbidden, ports.ErrUnauthorized},
		{http.StatusNotFound, ports.ErrNotFound},
		{http.StatusUnprocessableEntity, ports.ErrNotFound},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := New(Options{}).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
		srv.Close()
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestDoJSONReturnsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(Options{MaxRetries: 3, RetryBase: time.Millisecond}).DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestDoJSONSendsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(Options{}).DoJSON(context.Background(), http.MethodPost, srv.URL, map[string]string{"ref": "main"}, nil)
	assert.NoError(t, err)
}
