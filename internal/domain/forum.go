package domain

import "time"

// ThreadSource tells how a forum thread got attached to a proposal.
type ThreadSource string

const (
	ThreadFromSearch   ThreadSource = "search"
	ThreadFromAssisted ThreadSource = "assisted"
	ThreadFromManual   ThreadSource = "manual"
)

// ForumThread links a proposal to a discussion thread.
type ForumThread struct {
	ProposalID  int64
	URL         string
	Title       string
	IsCanonical bool
	Source      ThreadSource
	Confidence  string
	CreatedAt   time.Time
}

// SearchOutcome enumerates forum search audit results.
type SearchOutcome string

const (
	SearchSuccess    SearchOutcome = "success"
	SearchNoResults  SearchOutcome = "no_results"
	SearchAuthFailed SearchOutcome = "auth_failed"
	SearchError      SearchOutcome = "error"
)

// ForumSearch is an append-only audit row for one search attempt.
type ForumSearch struct {
	ID          int64
	ProposalID  int64
	Query       string
	ResultCount int
	ChosenURL   string
	Outcome     SearchOutcome
	Error       string
	SearchedAt  time.Time
}

// ForumTopic is a thread summary returned by search or category listings.
type ForumTopic struct {
	ID         int64
	Title      string
	Slug       string
	CategoryID int
	Tags       []string
	CreatedAt  time.Time
}

// ForumPost is a single post of a thread. Text and Markdown are derived
// from the rendered HTML by the forum adapter.
type ForumPost struct {
	Number   int
	Cooked   string
	Raw      string
	Text     string
	Markdown string
}
