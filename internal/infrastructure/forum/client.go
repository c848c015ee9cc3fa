// Package forum is a client for the Discourse discussion forum.
package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/httpclient"
	"ProposalWatcher/internal/ports"
)

// Client implements ports.Forum over the Discourse JSON API.
type Client struct {
	api       *httpclient.Client
	baseURL   string
	converter *converter
	logger    *slog.Logger
}

var _ ports.Forum = (*Client)(nil)

// NewClient builds a client authenticated with the configured API key.
func NewClient(cfg config.ForumConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	header.Set("User-Agent", "ProposalWatcher/1.0")
	if cfg.APIKey != "" {
		header.Set("Api-Key", cfg.APIKey)
		header.Set("Api-Username", cfg.APIUsername)
	}
	return &Client{
		api: httpclient.New(httpclient.Options{
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxRetries:        cfg.MaxRetries,
			RetryBase:         cfg.RetryBase,
			Header:            header,
			Logger:            logger,
		}),
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		converter: newConverter(),
		logger:    logger,
	}
}

type topicEntry struct {
	ID         int64             `json:"id"`
	Title      string            `json:"title"`
	Slug       string            `json:"slug"`
	CategoryID int               `json:"category_id"`
	Tags       []json.RawMessage `json:"tags"`
	CreatedAt  time.Time         `json:"created_at"`
}

type searchResponse struct {
	Topics []topicEntry `json:"topics"`
}

type categoryResponse struct {
	TopicList struct {
		Topics []topicEntry `json:"topics"`
	} `json:"topic_list"`
}

type topicResponse struct {
	PostStream struct {
		Posts []struct {
			PostNumber int    `json:"post_number"`
			Cooked     string `json:"cooked"`
			Raw        string `json:"raw"`
		} `json:"posts"`
	} `json:"post_stream"`
}

// Search runs a full-text search and returns the matching topics.
func (c *Client) Search(ctx context.Context, query string) ([]domain.ForumTopic, error) {
	endpoint := c.baseURL + "/search.json?q=" + url.QueryEscape(query)
	var payload searchResponse
	if err := c.api.DoJSON(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("forum search %q: %w", query, err)
	}
	return toTopics(payload.Topics), nil
}

// LatestInCategory returns the first page of the category's latest topics.
func (c *Client) LatestInCategory(ctx context.Context, categoryID int) ([]domain.ForumTopic, error) {
	endpoint := c.baseURL + "/c/" + strconv.Itoa(categoryID) + ".json"
	var payload categoryResponse
	if err := c.api.DoJSON(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("forum category %d: %w", categoryID, err)
	}
	topics := toTopics(payload.TopicList.Topics)
	for i := range topics {
		if topics[i].CategoryID == 0 {
			topics[i].CategoryID = categoryID
		}
	}
	return topics, nil
}

// Posts loads the first page of posts of a topic, ordered by post number,
// with both the rendered and the raw body.
func (c *Client) Posts(ctx context.Context, topicID int64) ([]domain.ForumPost, error) {
	endpoint := c.baseURL + "/t/" + strconv.FormatInt(topicID, 10) + ".json?include_raw=true"
	var payload topicResponse
	if err := c.api.DoJSON(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("forum topic %d: %w", topicID, err)
	}

	posts := make([]domain.ForumPost, 0, len(payload.PostStream.Posts))
	for _, p := range payload.PostStream.Posts {
		post := domain.ForumPost{Number: p.PostNumber, Cooked: p.Cooked, Raw: p.Raw}
		text, err := plainText(p.Cooked)
		if err != nil {
			c.logger.Warn("extract post text failed", "topic_id", topicID, "post", p.PostNumber, "error", err)
		}
		post.Text = text
		markdown, err := c.converter.convert(p.Cooked)
		if err != nil {
			c.logger.Warn("convert post failed", "topic_id", topicID, "post", p.PostNumber, "error", err)
		}
		post.Markdown = markdown
		posts = append(posts, post)
	}
	return posts, nil
}

// TopicURL is the public link of a topic.
func (c *Client) TopicURL(t domain.ForumTopic) string {
	slug := t.Slug
	if slug == "" {
		slug = "-"
	}
	return fmt.Sprintf("%s/t/%s/%d", c.baseURL, slug, t.ID)
}

func toTopics(entries []topicEntry) []domain.ForumTopic {
	topics := make([]domain.ForumTopic, 0, len(entries))
	for _, e := range entries {
		topics = append(topics, domain.ForumTopic{
			ID:         e.ID,
			Title:      e.Title,
			Slug:       e.Slug,
			CategoryID: e.CategoryID,
			Tags:       tagNames(e.Tags),
			CreatedAt:  e.CreatedAt,
		})
	}
	return topics
}

// tags are plain strings on older servers and {"name": ...} objects on newer ones
func tagNames(raw []json.RawMessage) []string {
	var names []string
	for _, r := range raw {
		var name string
		if err := json.Unmarshal(r, &name); err == nil {
			names = append(names, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.Name != "" {
			names = append(names, obj.Name)
		}
	}
	return names
}
