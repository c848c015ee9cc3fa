package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

// Client reads the most recent proposals from the governance dashboard API.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ ports.GovernanceFeed = (*Client)(nil)

// NewClient wires an HTTP client; timeout defaults to 20 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Data []feedEntry `json:"data"`
}

type feedEntry struct {
	ProposalID       json.Number    `json:"proposal_id"`
	Topic            json.Number    `json:"topic"`
	Status           json.Number    `json:"status"`
	Title            string         `json:"title"`
	Summary          string         `json:"summary"`
	URL              string         `json:"url"`
	Payload          map[string]any `json:"payload"`
	TimestampSeconds json.Number    `json:"proposal_timestamp_seconds"`
}

// Recent returns up to q.Limit proposals, newest first.
func (c *Client) Recent(ctx context.Context, q ports.FeedQuery) ([]domain.FeedProposal, error) {
	reqURL, err := buildListURL(c.baseURL, q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ProposalWatcher/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload listResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	out := make([]domain.FeedProposal, 0, len(payload.Data))
	for _, entry := range payload.Data {
		p, ok := entry.toDomain()
		if !ok {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func buildListURL(base string, q ports.FeedQuery) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	values := u.Query()
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	for _, t := range q.ExcludeTopics {
		values.Add("exclude_topic", strconv.Itoa(t))
	}
	for _, s := range q.IncludeStatus {
		values.Add("include_status", strconv.Itoa(s))
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func (e feedEntry) toDomain() (domain.FeedProposal, bool) {
	id, err := e.ProposalID.Int64()
	if err != nil || id <= 0 {
		return domain.FeedProposal{}, false
	}
	topic, _ := e.Topic.Int64()
	status, _ := e.Status.Int64()

	p := domain.FeedProposal{
		ID:           id,
		Topic:        int(topic),
		Status:       int(status),
		Title:        strings.TrimSpace(e.Title),
		Summary:      e.Summary,
		URL:          strings.TrimSpace(e.URL),
		TargetID:     payloadString(e.Payload, "canister_id", "target_canister_id"),
		ExpectedHash: payloadString(e.Payload, "wasm_module_hash", "expected_hash", "expected_hash_hex"),
	}
	if ts, err := e.TimestampSeconds.Int64(); err == nil && ts > 0 {
		created := time.Unix(ts, 0).UTC()
		p.CreatedAt = &created
	}
	return p, true
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
