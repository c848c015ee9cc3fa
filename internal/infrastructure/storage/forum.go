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

var _ ports.ForumStore = (*Store)(nil)

// SetCanonicalThread attaches the thread as the single canonical discussion of
// its proposal, demoting any previous canonical link in the same transaction.
func (s *Store) SetCanonicalThread(ctx context.Context, t domain.ForumThread) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	demote, args, err := s.sb.Update("forum_threads").
		Set("is_canonical", false).
		Where(sq.Eq{"proposal_id": t.ProposalID, "is_canonical": true}).
		Where(sq.NotEq{"url": t.URL}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build demote canonical: %w", err)
	}
	if _, err = tx.ExecContext(ctx, demote, args...); err != nil {
		return fmt.Errorf("demote canonical %d: %w", t.ProposalID, err)
	}

	t.IsCanonical = true
	upsert, args, err := s.threadInsert(t).
		Suffix(`ON CONFLICT (proposal_id, url) DO UPDATE
			SET is_canonical = excluded.is_canonical,
			    title = excluded.title,
			    source = excluded.source,
			    confidence = excluded.confidence`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert canonical: %w", err)
	}
	if _, err = tx.ExecContext(ctx, upsert, args...); err != nil {
		return fmt.Errorf("upsert canonical %d: %w", t.ProposalID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit canonical %d: %w", t.ProposalID, err)
	}
	return nil
}

// AddThread attaches a non-canonical thread; an existing link is left as is.
func (s *Store) AddThread(ctx context.Context, t domain.ForumThread) error {
	t.IsCanonical = false
	query, args, err := s.threadInsert(t).Suffix("ON CONFLICT (proposal_id, url) DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("build add thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("add thread %d: %w", t.ProposalID, err)
	}
	return nil
}

func (s *Store) threadInsert(t domain.ForumThread) sq.InsertBuilder {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	source := t.Source
	if source == "" {
		source = domain.ThreadFromManual
	}
	return s.sb.Insert("forum_threads").
		Columns("proposal_id", "url", "title", "is_canonical", "source", "confidence", "created_at").
		Values(t.ProposalID, t.URL, nullString(t.Title), t.IsCanonical, string(source), nullString(t.Confidence), createdAt.UTC())
}

// ListThreads returns the links of a proposal, canonical first.
func (s *Store) ListThreads(ctx context.Context, proposalID int64) ([]domain.ForumThread, error) {
	query, args, err := s.sb.Select("proposal_id", "url", "title", "is_canonical", "source", "confidence", "created_at").
		From("forum_threads").
		Where(sq.Eq{"proposal_id": proposalID}).
		OrderBy("is_canonical DESC", "created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list threads: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var threads []domain.ForumThread
	for rows.Next() {
		var (
			t                 domain.ForumThread
			title, confidence sql.NullString
			source            string
		)
		if err := rows.Scan(&t.ProposalID, &t.URL, &title, &t.IsCanonical, &source, &confidence, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Title = title.String
		t.Confidence = confidence.String
		t.Source = domain.ThreadSource(source)
		t.CreatedAt = t.CreatedAt.UTC()
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// LogForumSearch appends one search audit row.
func (s *Store) LogForumSearch(ctx context.Context, fs domain.ForumSearch) error {
	at := fs.SearchedAt
	if at.IsZero() {
		at = time.Now()
	}
	query, args, err := s.sb.Insert("forum_searches").
		Columns("proposal_id", "query", "result_count", "chosen_url", "outcome", "error", "searched_at").
		Values(fs.ProposalID, fs.Query, fs.ResultCount, nullString(fs.ChosenURL), string(fs.Outcome), nullString(fs.Error), at.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build log forum search: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("log forum search: %w", err)
	}
	return nil
}

// ListForumSearches returns the audit rows of a proposal in insertion order.
func (s *Store) ListForumSearches(ctx context.Context, proposalID int64) ([]domain.ForumSearch, error) {
	query, args, err := s.sb.Select("id", "proposal_id", "query", "result_count", "chosen_url", "outcome", "error", "searched_at").
		From("forum_searches").
		Where(sq.Eq{"proposal_id": proposalID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list forum searches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query forum searches: %w", err)
	}
	defer rows.Close()

	var searches []domain.ForumSearch
	for rows.Next() {
		var (
			fs                 domain.ForumSearch
			chosenURL, errText sql.NullString
			outcome            string
		)
		if err := rows.Scan(&fs.ID, &fs.ProposalID, &fs.Query, &fs.ResultCount, &chosenURL, &outcome, &errText, &fs.SearchedAt); err != nil {
			return nil, fmt.Errorf("scan forum search: %w", err)
		}
		fs.ChosenURL = chosenURL.String
		fs.Error = errText.String
		fs.Outcome = domain.SearchOutcome(outcome)
		fs.SearchedAt = fs.SearchedAt.UTC()
		searches = append(searches, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forum searches: %w", err)
	}
	return searches, nil
}
