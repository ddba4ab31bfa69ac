package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pulseward/core/utils"
)

// ScheduledRuntime models the opportunistic-task platform: invocations come
// from a cron schedule rather than a resident worker, may arrive late, and
// carry a bounded execution budget per firing. Anything the task does not
// finish inside the budget waits for the next firing.
type ScheduledRuntime struct {
	schedule string
	budget   time.Duration
	logger   *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewScheduledRuntime(schedule string, budget time.Duration, logger *utils.Logger) *ScheduledRuntime {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if budget <= 0 {
		budget = 5 * time.Minute
	}
	return &ScheduledRuntime{schedule: schedule, budget: budget, logger: logger}
}

func (r *ScheduledRuntime) Start(ctx context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	_, err := c.AddFunc(r.schedule, func() {
		budgetCtx, done := context.WithTimeout(runCtx, r.budget)
		defer done()
		task(budgetCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("register scheduled task %q: %w", r.schedule, err)
	}
	r.cron = c
	r.cancel = cancel
	r.running = true
	c.Start()
	r.logger.Infof("runtime: scheduled task registered (%s, budget %s)", r.schedule, r.budget)
	return nil
}

func (r *ScheduledRuntime) Stop() error {
	r.mu.Lock()
	c := r.cron
	cancel := r.cancel
	r.cron = nil
	r.cancel = nil
	wasRunning := r.running
	r.running = false
	r.mu.Unlock()
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	r.logger.Infof("runtime: scheduled task stopped")
	return nil
}

func (r *ScheduledRuntime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
