package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pulseward/core/store"
	"pulseward/core/utils"
)

type Verdict string

const (
	VerdictHealthy       Verdict = "healthy"
	VerdictSuspectedDead Verdict = "suspected_dead"
	VerdictIdle          Verdict = "idle"
)

// Service is the slice of the orchestrator the watchdog needs.
type Service interface {
	ShouldBeRunning() bool
	RuntimeAlive() bool
	Restart(ctx context.Context) error
}

// Monitor is the second, independent line of defense against silent death
// of the check loop. On each firing it compares the persisted intent (the
// running flag) with the live state and restarts the service when they
// disagree. It must never crash and never touch a healthy loop.
type Monitor struct {
	store   store.ServiceStore
	service Service
	logger  *utils.Logger
	spec    string

	cron *cron.Cron

	mu          sync.Mutex
	lastCheckAt time.Time
	lastVerdict Verdict
	restarts    int64
}

func New(st store.ServiceStore, svc Service, interval time.Duration, logger *utils.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		store:       st,
		service:     svc,
		logger:      logger,
		spec:        fmt.Sprintf("@every %s", interval),
		lastVerdict: VerdictIdle,
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(m.spec, func() {
		m.RunCheck(ctx)
	}); err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Infof("watchdog: armed, firing %s", m.spec)
	return nil
}

func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// RunCheck performs one watchdog pass. Exported so a trigger endpoint can
// force a pass between scheduled firings.
func (m *Monitor) RunCheck(ctx context.Context) (verdict Verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Errorf("watchdog: check panic: %v", rec)
		}
	}()

	verdict = m.evaluate(ctx)
	m.mu.Lock()
	m.lastCheckAt = time.Now().UTC()
	m.lastVerdict = verdict
	m.mu.Unlock()

	if verdict != VerdictSuspectedDead {
		return verdict
	}
	m.logger.Warnf("watchdog: service should be running but is not, restarting")
	if err := m.service.Restart(ctx); err != nil {
		m.logger.Errorf("watchdog: restart failed: %v", err)
		return verdict
	}
	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
	m.logger.Infof("watchdog: service restarted")
	return verdict
}

func (m *Monitor) evaluate(ctx context.Context) Verdict {
	was, err := m.store.WasRunning(ctx)
	if err != nil {
		m.logger.Errorf("watchdog: read running flag: %v", err)
		return VerdictIdle
	}
	if !was {
		return VerdictIdle
	}
	if m.service.ShouldBeRunning() && m.service.RuntimeAlive() {
		return VerdictHealthy
	}
	return VerdictSuspectedDead
}

type Snapshot struct {
	LastCheckAt *time.Time `json:"last_check_at,omitempty"`
	LastVerdict Verdict    `json:"last_verdict"`
	Restarts    int64      `json:"restarts"`
}

func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{LastVerdict: m.lastVerdict, Restarts: m.restarts}
	if !m.lastCheckAt.IsZero() {
		at := m.lastCheckAt
		snap.LastCheckAt = &at
	}
	return snap
}
