package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"pulseward/core/dispatch"
	"pulseward/core/platform"
	"pulseward/core/queue"
	"pulseward/core/store"
	"pulseward/core/utils"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var ErrCheckInProgress = errors.New("a check cycle is already in progress")

// maxConsecutiveErrors is the loop-level failure count after which the next
// cycle waits a doubled interval, so a persistent fault cannot spin the
// loop and drain the battery.
const maxConsecutiveErrors = 5

type CycleRunner interface {
	Run(ctx context.Context, cfg *store.ServiceConfig, stats store.ServiceStats) store.CycleReport
}

type Deliverer interface {
	Deliver(ctx context.Context, report *store.CycleReport, callback *store.CallbackConfig) dispatch.Outcome
}

type Event struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Status struct {
	State          State              `json:"state"`
	IsRunning      bool               `json:"is_running"`
	Stats          store.ServiceStats `json:"stats"`
	UptimeSeconds  int64              `json:"uptime_seconds"`
	PendingReports int                `json:"pending_reports"`
	NextCheckAt    *time.Time         `json:"next_check_at,omitempty"`
	Endpoints      int                `json:"endpoints"`
}

type Deps struct {
	Store        store.ServiceStore
	Runner       CycleRunner
	ManualRunner CycleRunner
	Dispatcher   Deliverer
	Pending      *queue.PendingQueue
	Runtime      platform.Runtime
	Logger       *utils.Logger
	Retention    time.Duration
}

// Orchestrator owns the service configuration and drives the check/report
// loop. There is exactly one logical worker: the runtime invokes tick, tick
// refuses to overlap itself, and every state transition into or out of
// Running happens under one mutex.
type Orchestrator struct {
	store        store.ServiceStore
	runner       CycleRunner
	manualRunner CycleRunner
	dispatcher   Deliverer
	pending      *queue.PendingQueue
	runtime      platform.Runtime
	logger       *utils.Logger
	retention    time.Duration

	mu                sync.Mutex
	state             State
	cfg               *store.ServiceConfig
	stats             store.ServiceStats
	generation        uint64
	nextDueAt         time.Time
	inFlight          bool
	consecutiveErrors int
	lastCleanupAt     time.Time

	events chan Event
}

func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		store:        deps.Store,
		runner:       deps.Runner,
		manualRunner: deps.ManualRunner,
		dispatcher:   deps.Dispatcher,
		pending:      deps.Pending,
		runtime:      deps.Runtime,
		logger:       deps.Logger,
		retention:    deps.Retention,
		state:        StateStopped,
		events:       make(chan Event, 64),
	}
	if o.manualRunner == nil {
		o.manualRunner = deps.Runner
	}
	return o
}

// Restore loads persisted stats so counters resume where the previous
// process left off. Called once at composition time.
func (o *Orchestrator) Restore(ctx context.Context) error {
	stats, err := o.store.LoadStats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	o.mu.Lock()
	o.stats = *stats
	o.mu.Unlock()
	return nil
}

// Start validates and persists the configuration, acquires the platform
// keep-alive and begins the run loop. Starting while already running stops
// the previous loop first; there are never two.
func (o *Orchestrator) Start(ctx context.Context, cfg *store.ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ensureEndpointIDs(cfg)

	o.mu.Lock()
	if o.state == StateRunning || o.state == StateStarting {
		o.mu.Unlock()
		if err := o.Stop(ctx); err != nil {
			return err
		}
		o.mu.Lock()
	}
	o.state = StateStarting
	o.mu.Unlock()

	if err := o.store.SaveServiceConfig(ctx, cfg); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("persist config: %w", err)
	}
	if err := o.store.SetRunning(ctx, true); err != nil {
		o.setState(StateStopped)
		return fmt.Errorf("persist running flag: %w", err)
	}

	now := time.Now().UTC()
	o.mu.Lock()
	o.cfg = cfg
	o.generation++
	o.nextDueAt = now
	o.consecutiveErrors = 0
	o.stats.StartedAt = &now
	stats := o.stats
	o.mu.Unlock()
	if err := o.store.SaveStats(ctx, &stats); err != nil {
		o.logger.Errorf("orchestrator: persist stats: %v", err)
	}

	if err := o.runtime.Start(context.Background(), o.tick); err != nil {
		o.setState(StateStopped)
		_ = o.store.SetRunning(ctx, false)
		return fmt.Errorf("acquire runtime: %w", err)
	}
	o.setState(StateRunning)
	o.logger.Infof("orchestrator: started with %d endpoints, interval %s", len(cfg.Endpoints), cfg.Interval())
	o.emit("started", fmt.Sprintf("%d endpoints", len(cfg.Endpoints)))
	return nil
}

// Stop breaks the loop at its next checkpoint and releases the keep-alive.
// An in-flight probe is not forcibly interrupted beyond context
// cancellation; stop latency is bounded by one probe timeout, never by the
// full interval. Stopping an already-stopped service is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped || o.state == StateStopping {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	o.mu.Unlock()

	if err := o.runtime.Stop(); err != nil {
		o.logger.Errorf("orchestrator: runtime stop: %v", err)
	}
	o.setState(StateStopped)
	if err := o.store.SetRunning(ctx, false); err != nil {
		o.logger.Errorf("orchestrator: persist running flag: %v", err)
	}
	o.logger.Infof("orchestrator: stopped")
	o.emit("stopped", "")
	return nil
}

// Suspend halts the loop without touching the persisted running flag. Used
// at process shutdown: the intent to run survives, so the next process (or
// a boot trigger) resumes the session.
func (o *Orchestrator) Suspend() {
	o.mu.Lock()
	if o.state == StateStopped || o.state == StateStopping {
		o.mu.Unlock()
		return
	}
	o.state = StateStopping
	o.mu.Unlock()
	if err := o.runtime.Stop(); err != nil {
		o.logger.Errorf("orchestrator: runtime stop: %v", err)
	}
	o.setState(StateStopped)
	o.logger.Infof("orchestrator: suspended, session will resume on next start")
}

// UpdateConfig is deliberately stop-then-start: a brief availability gap in
// exchange for never racing an old endpoint list against a new one.
func (o *Orchestrator) UpdateConfig(ctx context.Context, cfg *store.ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := o.Stop(ctx); err != nil {
		return err
	}
	if err := o.Start(ctx, cfg); err != nil {
		return err
	}
	o.emit("config_updated", fmt.Sprintf("%d endpoints", len(cfg.Endpoints)))
	return nil
}

// Restart stops and starts with the last known configuration. Used by the
// health watchdog after the execution context was lost; falls back to the
// persisted config so it also works in a freshly relaunched process.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()
	if cfg == nil {
		loaded, err := o.store.LoadServiceConfig(ctx)
		if err != nil {
			return fmt.Errorf("load persisted config: %w", err)
		}
		if loaded == nil {
			return errors.New("no persisted config to restart from")
		}
		cfg = loaded
	}
	if err := o.Stop(ctx); err != nil {
		return err
	}
	if err := o.Start(ctx, cfg); err != nil {
		return err
	}
	o.emit("restarted", "")
	return nil
}

// CheckNow runs one immediate cycle outside the schedule: no jitter, single
// probe attempt per endpoint, so the caller gets a responsive answer.
func (o *Orchestrator) CheckNow(ctx context.Context, endpoints []store.Endpoint, callback *store.CallbackConfig) (*store.CycleReport, error) {
	manual := &store.ServiceConfig{
		Endpoints:       endpoints,
		Callback:        callback,
		IntervalMinutes: 1,
		RetryAttempts:   1,
	}
	if err := manual.Validate(); err != nil {
		return nil, err
	}
	ensureEndpointIDs(manual)

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrCheckInProgress
	}
	o.inFlight = true
	stats := o.stats
	o.mu.Unlock()
	defer o.clearInFlight()

	report := o.manualRunner.Run(ctx, manual, stats)
	o.recordResults(ctx, &report)
	outcome := dispatch.OutcomeOK
	if manual.Callback != nil {
		outcome = o.dispatcher.Deliver(ctx, &report, manual.Callback)
	}
	o.applyCycleStats(ctx, &report, manual.Callback, outcome)
	return &report, nil
}

// Status never blocks on the run loop; it returns a snapshot.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{
		State:     o.state,
		IsRunning: o.state == StateRunning,
		Stats:     o.stats,
	}
	if o.cfg != nil {
		st.Endpoints = len(o.cfg.Endpoints)
	}
	if o.state == StateRunning {
		due := o.nextDueAt
		st.NextCheckAt = &due
	}
	o.mu.Unlock()
	st.UptimeSeconds = st.Stats.UptimeSeconds(time.Now().UTC())
	if o.pending != nil {
		if n, err := o.pending.Size(ctx); err == nil {
			st.PendingReports = n
		}
	}
	return st
}

func (o *Orchestrator) ShouldBeRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateRunning
}

// RuntimeAlive reports whether the underlying platform keep-alive still
// holds. The watchdog compares it against ShouldBeRunning to detect a loop
// that died without transitioning state.
func (o *Orchestrator) RuntimeAlive() bool {
	return o.runtime.IsRunning()
}

// DrainPending forces one walk of the pending queue with the current
// callback. Used by the queue API and indirectly by every drain trigger.
func (o *Orchestrator) DrainPending(ctx context.Context) (delivered, kept int, err error) {
	return o.pending.Drain(ctx, o.deliverPending)
}

// Events exposes the notification stream the UI layer subscribes to.
// Emission never blocks; a slow consumer just misses history.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// tick is the cycle entry point handed to the platform runtime. It is safe
/// against double fires, late fires, and fires while stopped: only a due,
// running, non-overlapping invocation does any work.
func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateRunning || o.inFlight || time.Now().Before(o.nextDueAt) {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	gen := o.generation
	cfg := o.cfg
	stats := o.stats
	o.mu.Unlock()
	defer o.clearInFlight()
	o.runOnce(ctx, gen, cfg, stats)
}

func (o *Orchestrator) runOnce(ctx context.Context, gen uint64, cfg *store.ServiceConfig, stats store.ServiceStats) {
	var loopErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				loopErr = fmt.Errorf("cycle panic: %v", rec)
			}
		}()
		report := o.runner.Run(ctx, cfg, stats)
		if !o.generationCurrent(gen) {
			// A restart or config swap happened while this cycle was
			// suspended; its results belong to a dead generation.
			o.logger.Warnf("orchestrator: abandoning results from stale generation %d", gen)
			return
		}
		o.recordResults(ctx, &report)
		outcome := dispatch.OutcomeOK
		if cfg.Callback != nil {
			outcome = o.dispatcher.Deliver(ctx, &report, cfg.Callback)
		}
		if !o.generationCurrent(gen) {
			o.logger.Warnf("orchestrator: abandoning stats from stale generation %d", gen)
			return
		}
		o.applyCycleStats(ctx, &report, cfg.Callback, outcome)
		o.emit("cycle_completed", fmt.Sprintf("%d/%d active", report.Summary.Active, report.Summary.Total))
		if outcome == dispatch.OutcomeOK && cfg.Callback != nil {
			// Live delivery just worked, so the path to the webhook is up;
			// give queued reports their shot.
			if _, _, err := o.pending.Drain(ctx, o.deliverPending); err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
				o.logger.Errorf("orchestrator: post-cycle drain: %v", err)
			}
		}
		o.maybeSweepRetention(ctx)
	}()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation != gen || o.state != StateRunning {
		return
	}
	wait := cfg.Interval()
	if loopErr != nil {
		o.consecutiveErrors++
		o.logger.Errorf("orchestrator: cycle failed (%d consecutive): %v", o.consecutiveErrors, loopErr)
		if o.consecutiveErrors >= maxConsecutiveErrors {
			wait *= 2
			o.consecutiveErrors = 0
			o.logger.Warnf("orchestrator: backing off to %s after repeated failures", wait)
		}
	} else {
		o.consecutiveErrors = 0
	}
	o.nextDueAt = time.Now().UTC().Add(wait)
}

func (o *Orchestrator) applyCycleStats(ctx context.Context, report *store.CycleReport, callback *store.CallbackConfig, outcome dispatch.Outcome) {
	now := report.Timestamp
	o.mu.Lock()
	o.stats.TotalChecks += int64(report.Summary.Total)
	o.stats.SuccessfulChecks += int64(report.Summary.Active)
	o.stats.FailedChecks += int64(report.Summary.Inactive)
	o.stats.LastCheckTime = &now
	enqueue := false
	if callback != nil {
		if outcome == dispatch.OutcomeOK {
			o.stats.SuccessfulCallbacks++
		} else {
			o.stats.FailedCallbacks++
			enqueue = true
		}
	}
	stats := o.stats
	o.mu.Unlock()

	if enqueue {
		if err := o.pending.Enqueue(ctx, report); err != nil {
			o.logger.Errorf("orchestrator: enqueue undelivered report: %v", err)
		}
		o.emit("delivery_failed", "report queued for redelivery")
	}
	if err := o.store.SaveStats(ctx, &stats); err != nil {
		o.logger.Errorf("orchestrator: persist stats: %v", err)
	}
	if err := o.store.SetLastCheckAt(ctx, now); err != nil {
		o.logger.Errorf("orchestrator: persist last check time: %v", err)
	}
}

// recordResults keeps per-endpoint history and logs up/down transitions.
func (o *Orchestrator) recordResults(ctx context.Context, report *store.CycleReport) {
	for i := range report.Results {
		res := &report.Results[i]
		if _, err := o.store.AddCheckResult(ctx, res); err != nil {
			o.logger.Errorf("orchestrator: record result for %s: %v", res.URL, err)
		}
		prev, err := o.store.GetEndpointState(ctx, res.URL)
		if err != nil {
			o.logger.Errorf("orchestrator: load state for %s: %v", res.URL, err)
			continue
		}
		ts := res.Timestamp
		latency := res.ResponseTimeMs
		next := &store.EndpointState{
			URL:            res.URL,
			EndpointID:     res.EndpointID,
			LastStatus:     res.Status(),
			LastCheckedAt:  &ts,
			LastStatusCode: res.StatusCode,
			LastLatencyMs:  &latency,
			LastError:      res.Error,
		}
		if prev == nil || prev.LastStatus != next.LastStatus {
			eventType := "down"
			if res.Active {
				eventType = "up"
			}
			if prev != nil || !res.Active {
				_, _ = o.store.AddEvent(ctx, &store.EndpointEvent{
					URL:       res.URL,
					TS:        ts,
					EventType: eventType,
					Message:   res.Error,
				})
			}
		}
		if err := o.store.UpsertEndpointState(ctx, next); err != nil {
			o.logger.Errorf("orchestrator: upsert state for %s: %v", res.URL, err)
		}
	}
}

func (o *Orchestrator) maybeSweepRetention(ctx context.Context) {
	if o.retention <= 0 {
		return
	}
	o.mu.Lock()
	last := o.lastCleanupAt
	o.mu.Unlock()
	if !last.IsZero() && time.Since(last) < time.Hour {
		return
	}
	before := time.Now().UTC().Add(-o.retention)
	if n, err := o.store.DeleteCheckResultsBefore(ctx, before); err != nil {
		o.logger.Errorf("orchestrator: retention sweep: %v", err)
	} else if n > 0 {
		o.logger.Infof("orchestrator: retention sweep removed %d results", n)
	}
	o.mu.Lock()
	o.lastCleanupAt = time.Now().UTC()
	o.mu.Unlock()
}

func (o *Orchestrator) deliverPending(ctx context.Context, report *store.CycleReport) bool {
	callback := o.currentCallback(ctx)
	if callback == nil {
		return false
	}
	if o.dispatcher.Deliver(ctx, report, callback) != dispatch.OutcomeOK {
		return false
	}
	o.mu.Lock()
	o.stats.SuccessfulCallbacks++
	stats := o.stats
	o.mu.Unlock()
	if err := o.store.SaveStats(ctx, &stats); err != nil {
		o.logger.Errorf("orchestrator: persist stats: %v", err)
	}
	return true
}

func (o *Orchestrator) currentCallback(ctx context.Context) *store.CallbackConfig {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()
	if cfg == nil {
		loaded, err := o.store.LoadServiceConfig(ctx)
		if err != nil || loaded == nil {
			return nil
		}
		cfg = loaded
	}
	return cfg.Callback
}

func (o *Orchestrator) generationCurrent(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation == gen && o.state == StateRunning
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

func (o *Orchestrator) clearInFlight() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

func (o *Orchestrator) emit(eventType, message string) {
	select {
	case o.events <- Event{Type: eventType, Message: message, Time: time.Now().UTC()}:
	default:
	}
}

func ensureEndpointIDs(cfg *store.ServiceConfig) {
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].ID == "" {
			if id, err := uuid.NewV4(); err == nil {
				cfg.Endpoints[i].ID = id.String()
			}
		}
	}
}
