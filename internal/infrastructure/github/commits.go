package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/httpclient"
	"ProposalWatcher/internal/ports"
)

// pull request file listings are paginated; larger PRs are counted on the first pages only
const maxPullPages = 10

// CodeHost resolves commits, compare ranges and pull requests to file stats.
type CodeHost struct {
	api  *httpclient.Client
	base string
}

var _ ports.CodeHost = (*CodeHost)(nil)

// NewCodeHost builds a code host client. 429s are retried a few times.
func NewCodeHost(cfg config.GitHubConfig, logger *slog.Logger) *CodeHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeHost{api: newAPIClient(cfg, 3, logger), base: apiBase(cfg)}
}

type fileEntry struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type filesResponse struct {
	Files []fileEntry `json:"files"`
}

// FileStats lists per-file deltas for ref. Unknown refs wrap ports.ErrNotFound.
func (c *CodeHost) FileStats(ctx context.Context, ref domain.CodeRef) ([]domain.FileStat, error) {
	repoURL := fmt.Sprintf("%s/repos/%s/%s", c.base, ref.Owner, ref.Repo)

	var files []fileEntry
	switch ref.Kind {
	case domain.RefCommit:
		var payload filesResponse
		if err := c.api.DoJSON(ctx, http.MethodGet, repoURL+"/commits/"+ref.Ref, nil, &payload); err != nil {
			return nil, fmt.Errorf("commit %s/%s@%s: %w", ref.Owner, ref.Repo, ref.Ref, err)
		}
		files = payload.Files
	case domain.RefCompare:
		var payload filesResponse
		if err := c.api.DoJSON(ctx, http.MethodGet, repoURL+"/compare/"+ref.Ref, nil, &payload); err != nil {
			return nil, fmt.Errorf("compare %s/%s %s: %w", ref.Owner, ref.Repo, ref.Ref, err)
		}
		files = payload.Files
	case domain.RefPull:
		for page := 1; page <= maxPullPages; page++ {
			var batch []fileEntry
			endpoint := fmt.Sprintf("%s/pulls/%d/files?per_page=100&page=%d", repoURL, ref.Number, page)
			if err := c.api.DoJSON(ctx, http.MethodGet, endpoint, nil, &batch); err != nil {
				return nil, fmt.Errorf("pull %s/%s#%d: %w", ref.Owner, ref.Repo, ref.Number, err)
			}
			files = append(files, batch...)
			if len(batch) < 100 {
				break
			}
		}
	default:
		return nil, fmt.Errorf("unsupported code ref kind %q", ref.Kind)
	}

	stats := make([]domain.FileStat, 0, len(files))
	for _, f := range files {
		stats = append(stats, domain.FileStat{Filename: f.Filename, Additions: f.Additions, Deletions: f.Deletions})
	}
	return stats, nil
}
