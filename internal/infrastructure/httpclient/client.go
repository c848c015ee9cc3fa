// Package httpclient is the JSON-over-HTTP plumbing shared by the code host,
// job runner and forum adapters: a request budget, bounded retry on HTTP 429
// and mapping of status codes onto the ports sentinel errors.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"ProposalWatcher/internal/ports"
)

// Options tunes a Client.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	RetryBase         time.Duration
	Header            http.Header
	Logger            *slog.Logger
}

// Client issues JSON requests within a request budget.
type Client struct {
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	header     http.Header
	logger     *slog.Logger
}

// StatusError is returned for non-success responses that are not mapped to a sentinel.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
}

// New builds a client. Zero RequestsPerSecond disables the budget.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		header:     opts.Header.Clone(),
		logger:     opts.Logger,
	}
}

// DoJSON sends body (if non-nil) as JSON and decodes the response into out
// (if non-nil). 429 responses are retried with exponential backoff; once the
// retries are spent the error wraps ports.ErrRateLimited. 401/403 wrap
// ports.ErrUnauthorized and 404/422 wrap ports.ErrNotFound.
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("wait for request budget: %w", err))
		}
		err := c.once(ctx, method, url, payload, out)
		if errors.Is(err, ports.ErrRateLimited) {
			c.logger.Warn("rate limited, backing off", "url", url, "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for key, values := range c.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	body := strings.TrimSpace(string(raw))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ports.ErrRateLimited, resp.Status)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return fmt.Errorf("%w: %s", ports.ErrRateLimited, resp.Status)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ports.ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ports.ErrNotFound, resp.Status)
	default:
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}
}
