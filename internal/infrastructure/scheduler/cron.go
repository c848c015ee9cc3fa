package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ProposalWatcher/internal/ports"
)

// CronScheduler runs registered jobs on standard five-field cron specs.
type CronScheduler struct {
	cron *cron.Cron
	loc  *time.Location

	mu      sync.Mutex
	running bool
	// stopped is done once every job started before Stop has returned.
	stopped context.Context
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler evaluating specs in loc.
func NewCronScheduler(loc *time.Location) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &CronScheduler{
		cron: cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		loc:  loc,
	}
}

// Add registers job under spec. A running job is not started again until it returns.
func (c *CronScheduler) Add(spec string, job func(time.Time)) error {
	if job == nil {
		return fmt.Errorf("nil job for %q", spec)
	}
	if _, err := c.cron.AddFunc(spec, func() { job(time.Now().In(c.loc)) }); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return nil
}

// Start begins firing jobs until Stop is called or ctx is done.
func (c *CronScheduler) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.stopped = nil
	c.cron.Start()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop halts the scheduler and waits for running jobs or ctx. Every call
// waits on the same completion, including one made after ctx cancellation
// already stopped the scheduler.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.running = false
		c.stopped = c.cron.Stop()
	}
	stopped := c.stopped
	c.mu.Unlock()

	if stopped == nil {
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries reports how many jobs are registered.
func (c *CronScheduler) Entries() int {
	return len(c.cron.Entries())
}
