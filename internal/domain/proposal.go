package domain

import "time"

// Proposal is a governance proposal as observed on the upstream feed and
// enriched by the background jobs.
type Proposal struct {
	ID                int64
	Topic             int
	Status            int
	Title             string
	Summary           string
	SourceURL         string
	CommitHash        string
	TargetID          string
	ExpectedHash      string
	CreatedAtUpstream *time.Time
	FirstSeenAt       time.Time
	Notified          bool

	// Reviewer workflow state, owned by the reviewer-facing surface.
	ViewerSeenAt *time.Time
	ReviewURL    string
	ReviewedAt   *time.Time

	// Diff is nil until the backfill resolved it (including the absent sentinel).
	Diff *DiffStats
}

// IsCodeChange reports whether the decoded payload targets code: a target
// canister or an expected module hash.
func (p Proposal) IsCodeChange() bool {
	return p.TargetID != "" || p.ExpectedHash != ""
}

// DiffStatus enumerates backfill milestones persisted with a proposal.
type DiffStatus string

const (
	DiffPending  DiffStatus = ""
	DiffResolved DiffStatus = "resolved"
	DiffAbsent   DiffStatus = "absent"
)

// DiffStats holds line counts resolved from the code host.
type DiffStats struct {
	Added      int
	Removed    int
	Status     DiffStatus
	ResolvedAt time.Time
}

// AbsentDiff is the sentinel stored when no code reference could be resolved.
func AbsentDiff(at time.Time) DiffStats {
	return DiffStats{Status: DiffAbsent, ResolvedAt: at}
}

// FeedProposal is a single record returned by the governance feed.
type FeedProposal struct {
	ID           int64
	Topic        int
	Status       int
	Title        string
	Summary      string
	URL          string
	TargetID     string
	ExpectedHash string
	CreatedAt    *time.Time
}
