package domain

import "time"

// ItemStatus is the per-item outcome reported by a batch invocation.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemOutcome describes what happened to one proposal during an invocation.
type ItemOutcome struct {
	ProposalID int64      `json:"proposalId"`
	Status     ItemStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
}

// RunResult summarises a single bounded invocation.
type RunResult struct {
	RunID      string        `json:"runId"`
	Job        string        `json:"job"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Details    []ItemOutcome `json:"details"`
}

// Add records one item outcome and bumps the matching counter.
func (r *RunResult) Add(id int64, status ItemStatus, reason string) {
	r.Processed++
	switch status {
	case ItemSucceeded:
		r.Succeeded++
	case ItemFailed:
		r.Failed++
	case ItemSkipped:
		r.Skipped++
	}
	r.Details = append(r.Details, ItemOutcome{ProposalID: id, Status: status, Reason: reason})
}
