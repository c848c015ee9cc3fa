package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

var _ ports.AttemptLog = (*Store)(nil)

// LogAttempt appends one delivery attempt.
func (s *Store) LogAttempt(ctx context.Context, a domain.NotificationAttempt) error {
	at := a.AttemptedAt
	if at.IsZero() {
		at = time.Now()
	}
	query, args, err := s.sb.Insert("notification_attempts").
		Columns("proposal_id", "endpoint", "channel", "outcome", "error", "attempted_at").
		Values(a.ProposalID, a.Endpoint, string(a.Channel), string(a.Outcome), nullString(a.Error), at.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build log attempt: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("log attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts logged for a proposal in insertion order.
func (s *Store) ListAttempts(ctx context.Context, proposalID int64) ([]domain.NotificationAttempt, error) {
	query, args, err := s.sb.Select("id", "proposal_id", "endpoint", "channel", "outcome", "error", "attempted_at").
		From("notification_attempts").
		Where(sq.Eq{"proposal_id": proposalID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list attempts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.NotificationAttempt
	for rows.Next() {
		var (
			a                domain.NotificationAttempt
			channel, outcome string
			errText          sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.Endpoint, &channel, &outcome, &errText, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Channel = domain.Channel(channel)
		a.Outcome = domain.AttemptOutcome(outcome)
		a.Error = errText.String
		a.AttemptedAt = a.AttemptedAt.UTC()
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}
