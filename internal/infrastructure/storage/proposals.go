package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

var _ ports.ProposalStore = (*Store)(nil)

var proposalColumns = []string{
	"id", "topic", "status", "title", "summary", "source_url", "commit_hash",
	"target_id", "expected_hash", "created_at_upstream", "first_seen_at", "notified",
	"viewer_seen_at", "review_url", "reviewed_at",
	"lines_added", "lines_removed", "diff_status", "diff_resolved_at",
}

// ExistingProposalIDs returns a map with IDs that already exist in storage.
func (s *Store) ExistingProposalIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	result := make(map[int64]bool)
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := s.sb.Select("id").From("proposals").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build existing query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return result, nil
}

// InsertProposal stores a newly observed proposal. A concurrent writer that
// lost the race gets inserted=false instead of an error.
func (s *Store) InsertProposal(ctx context.Context, p domain.Proposal) (bool, error) {
	firstSeen := p.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = time.Now()
	}

	query, args, err := s.sb.Insert("proposals").
		Columns("id", "topic", "status", "title", "summary", "source_url", "commit_hash",
			"target_id", "expected_hash", "created_at_upstream", "first_seen_at", "notified").
		Values(p.ID, p.Topic, p.Status, p.Title, p.Summary, nullString(p.SourceURL), nullString(p.CommitHash),
			nullString(p.TargetID), nullString(p.ExpectedHash), nullTime(p.CreatedAtUpstream), firstSeen.UTC(), false).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert proposal: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert proposal %d: %w", p.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// PendingNotification returns proposals whose dispatch pass never completed
// and that were first seen before the given instant.
func (s *Store) PendingNotification(ctx context.Context, seenBefore time.Time, limit int) ([]domain.Proposal, error) {
	return s.queryProposals(ctx, s.sb.Select(proposalColumns...).From("proposals").
		Where(sq.Eq{"notified": false}).
		Where(sq.Lt{"first_seen_at": seenBefore.UTC()}).
		OrderBy("id ASC").
		Limit(uint64(limit)))
}

// MarkNotified records that the dispatch pass for the proposal completed.
func (s *Store) MarkNotified(ctx context.Context, id int64) error {
	query, args, err := s.sb.Update("proposals").Set("notified", true).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build mark notified: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark notified %d: %w", id, err)
	}
	return nil
}

// GetProposal loads one proposal or ports.ErrNotFound.
func (s *Store) GetProposal(ctx context.Context, id int64) (domain.Proposal, error) {
	list, err := s.queryProposals(ctx, s.sb.Select(proposalColumns...).From("proposals").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Proposal{}, err
	}
	if len(list) == 0 {
		return domain.Proposal{}, fmt.Errorf("proposal %d: %w", id, ports.ErrNotFound)
	}
	return list[0], nil
}

// ListRecentProposals returns proposals at or above minID, newest first.
func (s *Store) ListRecentProposals(ctx context.Context, minID int64, limit int) ([]domain.Proposal, error) {
	return s.queryProposals(ctx, s.sb.Select(proposalColumns...).From("proposals").
		Where(sq.GtOrEq{"id": minID}).
		OrderBy("id DESC").
		Limit(uint64(limit)))
}

// ProposalsMissingDiffStats returns proposals the backfill never resolved.
func (s *Store) ProposalsMissingDiffStats(ctx context.Context, limit int) ([]domain.Proposal, error) {
	return s.queryProposals(ctx, s.sb.Select(proposalColumns...).From("proposals").
		Where(sq.Eq{"diff_status": string(domain.DiffPending)}).
		OrderBy("id DESC").
		Limit(uint64(limit)))
}

// SetDiffStats stores resolved line counts or the absent sentinel.
func (s *Store) SetDiffStats(ctx context.Context, id int64, stats domain.DiffStats) error {
	if stats.Status == domain.DiffPending {
		return fmt.Errorf("set diff stats %d: status must be resolved or absent", id)
	}
	resolvedAt := stats.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	query, args, err := s.sb.Update("proposals").
		Set("lines_added", stats.Added).
		Set("lines_removed", stats.Removed).
		Set("diff_status", string(stats.Status)).
		Set("diff_resolved_at", resolvedAt.UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set diff stats: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set diff stats %d: %w", id, err)
	}
	return nil
}

// ProposalsWithoutCanonicalThread returns proposals at or above minID that
// have no canonical forum thread and were not searched after searchedBefore.
func (s *Store) ProposalsWithoutCanonicalThread(ctx context.Context, minID int64, searchedBefore time.Time, limit int) ([]domain.Proposal, error) {
	return s.queryProposals(ctx, s.sb.Select(proposalColumns...).From("proposals").
		Where(sq.GtOrEq{"id": minID}).
		Where("NOT EXISTS (SELECT 1 FROM forum_threads t WHERE t.proposal_id = proposals.id AND t.is_canonical = ?)", true).
		Where("NOT EXISTS (SELECT 1 FROM forum_searches fs WHERE fs.proposal_id = proposals.id AND fs.searched_at > ?)", searchedBefore.UTC()).
		OrderBy("id DESC").
		Limit(uint64(limit)))
}

func (s *Store) queryProposals(ctx context.Context, builder sq.SelectBuilder) ([]domain.Proposal, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build proposals query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return proposals, nil
}

func scanProposal(rows *sql.Rows) (domain.Proposal, error) {
	var (
		p                                                   domain.Proposal
		sourceURL, commitHash, targetID, expectedHash       sql.NullString
		reviewURL                                           sql.NullString
		createdUpstream, viewerSeen, reviewedAt, diffSolved sql.NullTime
		added, removed                                      sql.NullInt64
		diffStatus                                          string
	)
	err := rows.Scan(
		&p.ID, &p.Topic, &p.Status, &p.Title, &p.Summary, &sourceURL, &commitHash,
		&targetID, &expectedHash, &createdUpstream, &p.FirstSeenAt, &p.Notified,
		&viewerSeen, &reviewURL, &reviewedAt,
		&added, &removed, &diffStatus, &diffSolved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Proposal{}, ports.ErrNotFound
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("scan proposal: %w", err)
	}

	p.SourceURL = sourceURL.String
	p.CommitHash = commitHash.String
	p.TargetID = targetID.String
	p.ExpectedHash = expectedHash.String
	p.ReviewURL = reviewURL.String
	p.CreatedAtUpstream = timePtr(createdUpstream)
	p.ViewerSeenAt = timePtr(viewerSeen)
	p.ReviewedAt = timePtr(reviewedAt)
	p.FirstSeenAt = p.FirstSeenAt.UTC()

	if status := domain.DiffStatus(diffStatus); status != domain.DiffPending {
		stats := domain.DiffStats{
			Added:   int(added.Int64),
			Removed: int(removed.Int64),
			Status:  status,
		}
		if diffSolved.Valid {
			stats.ResolvedAt = diffSolved.Time.UTC()
		}
		p.Diff = &stats
	}
	return p, nil
}
