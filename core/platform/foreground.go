package platform

import (
	"context"
	"sync"
	"time"

	"pulseward/core/utils"
)

// ForegroundRuntime models the persistent-service platform: one long-lived
// worker goroutine that ticks frequently and invokes the task each tick.
// The task's own due-time guard decides whether a tick does any work, which
// keeps stop latency at one tick instead of one interval.
type ForegroundRuntime struct {
	tick   time.Duration
	logger *utils.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewForegroundRuntime(tick time.Duration, logger *utils.Logger) *ForegroundRuntime {
	if tick <= 0 {
		tick = time.Second
	}
	return &ForegroundRuntime{tick: tick, logger: logger}
}

func (r *ForegroundRuntime) Start(ctx context.Context, task Task) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()
	r.logger.Infof("runtime: foreground worker started (tick %s)", r.tick)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		task(runCtx)
		for {
			select {
			case <-ticker.C:
				task(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *ForegroundRuntime) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	wasRunning := r.running
	r.mu.Unlock()
	if !wasRunning || cancel == nil {
		return nil
	}
	cancel()
	r.wg.Wait()
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.logger.Infof("runtime: foreground worker stopped")
	return nil
}

func (r *ForegroundRuntime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
