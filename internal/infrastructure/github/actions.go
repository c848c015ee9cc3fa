package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/httpclient"
	"ProposalWatcher/internal/ports"
)

// Runner dispatches enrichment workflows and lists their runs.
type Runner struct {
	api       *httpclient.Client
	base      string
	owner     string
	repo      string
	ref       string
	workflows map[domain.JobKind]string
	logger    *slog.Logger
}

var _ ports.JobRunner = (*Runner)(nil)

// NewRunner builds a runner for cfg.RunnerRepo.
func NewRunner(cfg config.GitHubConfig, logger *slog.Logger) (*Runner, error) {
	owner, repo, err := splitRepo(cfg.RunnerRepo)
	if err != nil {
		return nil, fmt.Errorf("github runner: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ref := cfg.Ref
	if ref == "" {
		ref = "main"
	}
	return &Runner{
		api:   newAPIClient(cfg, 2, logger),
		base:  apiBase(cfg),
		owner: owner,
		repo:  repo,
		ref:   ref,
		workflows: map[domain.JobKind]string{
			domain.JobVerification: cfg.VerificationWorkflow,
			domain.JobCommentary:   cfg.CommentaryWorkflow,
		},
		logger: logger,
	}, nil
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// Dispatch requests one workflow run for the proposal.
func (r *Runner) Dispatch(ctx context.Context, kind domain.JobKind, proposalID int64) error {
	workflow, err := r.workflow(kind)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		r.base, r.owner, r.repo, url.PathEscape(workflow))
	body := dispatchRequest{
		Ref:    r.ref,
		Inputs: map[string]string{"proposal_id": strconv.FormatInt(proposalID, 10)},
	}
	if err := r.api.DoJSON(ctx, http.MethodPost, endpoint, body, nil); err != nil {
		return fmt.Errorf("dispatch %s for %d: %w", kind, proposalID, err)
	}
	r.logger.Info("workflow dispatched", "kind", kind, "proposal_id", proposalID)
	return nil
}

type runsResponse struct {
	WorkflowRuns []struct {
		ID           int64     `json:"id"`
		DisplayTitle string    `json:"display_title"`
		Status       string    `json:"status"`
		Conclusion   *string   `json:"conclusion"`
		HTMLURL      string    `json:"html_url"`
		CreatedAt    time.Time `json:"created_at"`
	} `json:"workflow_runs"`
}

// ListRuns returns the most recent runs of the workflow for kind.
func (r *Runner) ListRuns(ctx context.Context, kind domain.JobKind) ([]domain.JobRun, error) {
	workflow, err := r.workflow(kind)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?per_page=100",
		r.base, r.owner, r.repo, url.PathEscape(workflow))

	var payload runsResponse
	if err := r.api.DoJSON(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("list %s runs: %w", kind, err)
	}

	runs := make([]domain.JobRun, 0, len(payload.WorkflowRuns))
	for _, wr := range payload.WorkflowRuns {
		run := domain.JobRun{
			ID:          wr.ID,
			DisplayName: wr.DisplayTitle,
			Status:      wr.Status,
			URL:         wr.HTMLURL,
			CreatedAt:   wr.CreatedAt,
		}
		if wr.Conclusion != nil {
			run.Conclusion = *wr.Conclusion
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (r *Runner) workflow(kind domain.JobKind) (string, error) {
	wf := r.workflows[kind]
	if wf == "" {
		return "", fmt.Errorf("no workflow configured for %s", kind)
	}
	return wf, nil
}
