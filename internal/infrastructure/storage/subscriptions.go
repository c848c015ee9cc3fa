package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

var _ ports.SubscriptionStore = (*Store)(nil)

var subscriptionColumns = []string{"endpoint", "p256dh", "auth", "fallback_address", "topics", "created_at", "last_success_at"}

// ListSubscriptions reads the whole registry.
func (s *Store) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return s.querySubscriptions(ctx, s.sb.Select(subscriptionColumns...).From("subscriptions").OrderBy("created_at ASC", "endpoint ASC"))
}

// GetSubscription loads one endpoint or ports.ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, endpoint string) (domain.Subscription, error) {
	list, err := s.querySubscriptions(ctx, s.sb.Select(subscriptionColumns...).From("subscriptions").Where(sq.Eq{"endpoint": endpoint}))
	if err != nil {
		return domain.Subscription{}, err
	}
	if len(list) == 0 {
		return domain.Subscription{}, fmt.Errorf("subscription %s: %w", endpoint, ports.ErrNotFound)
	}
	return list[0], nil
}

// UpsertSubscription creates the endpoint or refreshes its keys, fallback and topics.
func (s *Store) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	topics, err := json.Marshal(normalizeTopics(sub.Topics))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query, args, err := s.sb.Insert("subscriptions").
		Columns("endpoint", "p256dh", "auth", "fallback_address", "topics", "created_at").
		Values(sub.Endpoint, sub.P256dh, sub.Auth, nullString(sub.FallbackAddress), string(topics), createdAt.UTC()).
		Suffix(`ON CONFLICT (endpoint) DO UPDATE
			SET p256dh = excluded.p256dh,
			    auth = excluded.auth,
			    fallback_address = excluded.fallback_address,
			    topics = excluded.topics`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert subscription: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes the endpoint; deleting a missing endpoint is a no-op.
func (s *Store) DeleteSubscription(ctx context.Context, endpoint string) error {
	query, args, err := s.sb.Delete("subscriptions").Where(sq.Eq{"endpoint": endpoint}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete subscription: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// TouchSubscription records a successful primary delivery.
func (s *Store) TouchSubscription(ctx context.Context, endpoint string, at time.Time) error {
	query, args, err := s.sb.Update("subscriptions").Set("last_success_at", at.UTC()).Where(sq.Eq{"endpoint": endpoint}).ToSql()
	if err != nil {
		return fmt.Errorf("build touch subscription: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

func (s *Store) querySubscriptions(ctx context.Context, builder sq.SelectBuilder) ([]domain.Subscription, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscriptions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var (
			sub         domain.Subscription
			fallback    sql.NullString
			topics      string
			lastSuccess sql.NullTime
		)
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth, &fallback, &topics, &sub.CreatedAt, &lastSuccess); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(topics), &sub.Topics); err != nil {
			return nil, fmt.Errorf("decode topics of %s: %w", sub.Endpoint, err)
		}
		sub.FallbackAddress = fallback.String
		sub.CreatedAt = sub.CreatedAt.UTC()
		sub.LastSuccessAt = timePtr(lastSuccess)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func normalizeTopics(topics []int) []int {
	out := make([]int, 0, len(topics))
	seen := make(map[int]struct{}, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
