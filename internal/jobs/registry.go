// Package jobs maps invocation names to bounded batch jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/metrics"
)

// Request carries the optional knobs of a named invocation.
type Request struct {
	Force      bool
	Limit      int
	ProposalID int64
}

// Job is one named, bounded invocation.
type Job interface {
	Name() string
	Run(ctx context.Context, req Request) (domain.RunResult, error)
}

// Func adapts a function to Job.
type Func struct {
	name string
	fn   func(ctx context.Context, req Request) (domain.RunResult, error)
}

// NewFunc builds a Job from fn.
func NewFunc(name string, fn func(ctx context.Context, req Request) (domain.RunResult, error)) Func {
	return Func{name: name, fn: fn}
}

// Name identifies the job inside the registry.
func (f Func) Name() string { return f.name }

// Run invokes the wrapped function.
func (f Func) Run(ctx context.Context, req Request) (domain.RunResult, error) {
	return f.fn(ctx, req)
}

// Registry keeps a mapping from job names to their implementations.
type Registry struct {
	jobs    map[string]Job
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{jobs: map[string]Job{}, logger: logger, metrics: m}
}

// Register adds or replaces a job implementation.
func (r *Registry) Register(job Job) {
	if r.jobs == nil {
		r.jobs = map[string]Job{}
	}
	r.jobs[job.Name()] = job
}

// Resolve returns a job by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Job, error) {
	if job, ok := r.jobs[name]; ok {
		return job, nil
	}
	return nil, fmt.Errorf("job %s is not registered", name)
}

// Names lists the registered jobs in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run resolves and executes a job, logging its outcome.
func (r *Registry) Run(ctx context.Context, name string, req Request) (domain.RunResult, error) {
	job, err := r.Resolve(name)
	if err != nil {
		return domain.RunResult{Job: name}, err
	}
	r.logger.Debug("job starting", "job", name, "force", req.Force, "limit", req.Limit, "proposal_id", req.ProposalID)
	res, err := job.Run(ctx, req)
	if res.Job == "" {
		res.Job = name
	}
	if err != nil {
		r.logger.Error("job failed", "job", name, "run_id", res.RunID, "error", err)
	}
	return res, err
}
