package usecase

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/ports"
)

// Job names shared by the registry, the admin surface and the scheduler.
const (
	JobPoll          = "poll"
	JobTrigger       = "trigger"
	JobDiffStats     = "diffstats"
	JobForum         = "forum"
	JobForumAssisted = "forum-assisted"
	JobResend        = "resend"
)

const defaultDiffTimeout = 2 * time.Minute

func startRun(clk clock.Clock, job string) domain.RunResult {
	return domain.RunResult{
		RunID:     uuid.NewString(),
		Job:       job,
		StartedAt: clk.Now().UTC(),
	}
}

func finishRun(clk clock.Clock, logger *slog.Logger, res *domain.RunResult, err error) {
	res.FinishedAt = clk.Now().UTC()
	// logger already carries run_id and job
	attrs := []any{
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	}
	if err != nil {
		logger.Error("run aborted", append(attrs, "error", err)...)
		return
	}
	logger.Info("run finished", attrs...)
}

// abortsRun reports errors that make the rest of a batch pointless.
func abortsRun(err error) bool {
	return errors.Is(err, ports.ErrUnauthorized) || errors.Is(err, ports.ErrRateLimited)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
