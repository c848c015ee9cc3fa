package domain

import "time"

// JobKind names the enrichment jobs requested from the external runner.
type JobKind string

const (
	JobVerification JobKind = "verification"
	JobCommentary   JobKind = "commentary"
)

// JobRun is a run reported by the job-listing API.
type JobRun struct {
	ID          int64
	DisplayName string
	Status      string // queued, in_progress, completed
	Conclusion  string // set once completed
	URL         string
	CreatedAt   time.Time
}

// Succeeded reports whether the run completed successfully.
func (r JobRun) Succeeded() bool {
	return r.Status == "completed" && r.Conclusion == "success"
}

// CodeRefKind enumerates references resolvable on the code host.
type CodeRefKind string

const (
	RefCommit  CodeRefKind = "commit"
	RefCompare CodeRefKind = "compare"
	RefPull    CodeRefKind = "pull"
)

// CodeRef points at a commit, range or pull request on the code host.
type CodeRef struct {
	Kind    CodeRefKind
	Owner   string
	Repo    string
	Ref     string // commit sha, or "base...head" for compare
	Number  int    // pull request number
	SubPath string // only files under this path are counted
}

// FileStat is the per-file line delta reported by the code host.
type FileStat struct {
	Filename  string
	Additions int
	Deletions int
}
