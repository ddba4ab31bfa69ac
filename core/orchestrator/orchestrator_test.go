package orchestrator

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pulseward/config"
	"pulseward/core/dispatch"
	"pulseward/core/platform"
	"pulseward/core/queue"
	"pulseward/core/store"
	"pulseward/core/utils"
)

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	panic bool
}

func (f *fakeRunner) Run(ctx context.Context, cfg *store.ServiceConfig, stats store.ServiceStats) store.CycleReport {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.panic {
		panic("runner exploded")
	}
	now := time.Now().UTC()
	results := make([]store.CheckResult, 0, len(cfg.Endpoints))
	active := 0
	for _, ep := range cfg.Endpoints {
		code := 200
		res := store.CheckResult{
			EndpointID: ep.ID,
			URL:        ep.URL,
			Active:     true,
			StatusCode: &code,
			Timestamp:  now,
		}
		active++
		results = append(results, res)
	}
	return store.CycleReport{
		Results:   results,
		Summary:   store.CycleSummary{Total: len(results), Active: active},
		Timestamp: now,
	}
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes []dispatch.Outcome
	calls    int
}

func (f *fakeDispatcher) Deliver(ctx context.Context, report *store.CycleReport, callback *store.CallbackConfig) dispatch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.outcomes) == 0 {
		return dispatch.OutcomeOK
	}
	out := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return out
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupOrchestrator(t *testing.T, runner CycleRunner, disp Deliverer) (*Orchestrator, store.ServiceStore) {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "orch.db")}
	logger := utils.NewLoggerWithWriter(io.Discard, utils.LevelError)
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, cfg.DBDriver, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.NewServiceStore(db, cfg.DBDriver)
	o := New(Deps{
		Store:      st,
		Runner:     runner,
		Dispatcher: disp,
		Pending:    queue.New(st, 10, 0, logger),
		Runtime:    platform.NewForegroundRuntime(10*time.Millisecond, logger),
		Logger:     logger,
	})
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o, st
}

func testConfig(callback *store.CallbackConfig) *store.ServiceConfig {
	return &store.ServiceConfig{
		Endpoints:       []store.Endpoint{{URL: "https://example.com/health"}},
		Callback:        callback,
		IntervalMinutes: 60,
		TimeoutMs:       2000,
		RetryAttempts:   1,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartRunsFirstCycleImmediately(t *testing.T) {
	runner := &fakeRunner{}
	o, st := setupOrchestrator(t, runner, &fakeDispatcher{})
	ctx := context.Background()

	if err := o.Start(ctx, testConfig(nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runner.count() >= 1 })

	waitFor(t, 2*time.Second, func() bool {
		stats, err := st.LoadStats(ctx)
		return err == nil && stats.TotalChecks == 1
	})
	stats, err := st.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if stats.SuccessfulChecks != 1 || stats.FailedChecks != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.SuccessfulCallbacks != 0 || stats.FailedCallbacks != 0 {
		t.Errorf("no callback configured, expected zero callback counters: %+v", stats)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})
	err := o.Start(context.Background(), &store.ServiceConfig{IntervalMinutes: 15})
	if err == nil {
		t.Fatal("expected validation error for empty endpoint list")
	}
	if o.ShouldBeRunning() {
		t.Error("orchestrator must stay stopped after a rejected start")
	}
}

func TestStartWhileRunningReplacesLoop(t *testing.T) {
	runner := &fakeRunner{}
	o, _ := setupOrchestrator(t, runner, &fakeDispatcher{})
	ctx := context.Background()

	if err := o.Start(ctx, testConfig(nil)); err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runner.count() >= 1 })
	firstGen := func() uint64 {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.generation
	}()

	if err := o.Start(ctx, testConfig(nil)); err != nil {
		t.Fatalf("second start: %v", err)
	}
	o.mu.Lock()
	gen := o.generation
	state := o.state
	o.mu.Unlock()
	if gen <= firstGen {
		t.Errorf("expected a new generation, got %d then %d", firstGen, gen)
	}
	if state != StateRunning {
		t.Errorf("expected running after restart, got %s", state)
	}
}

func TestStopIsIdempotentAndPersistsFlag(t *testing.T) {
	o, st := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})
	ctx := context.Background()

	if err := o.Start(ctx, testConfig(nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	was, err := st.WasRunning(ctx)
	if err != nil || !was {
		t.Fatalf("running flag not persisted: %v %v", was, err)
	}
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	was, err = st.WasRunning(ctx)
	if err != nil || was {
		t.Fatalf("running flag not cleared: %v %v", was, err)
	}
}

func TestFailedDeliveryEnqueuesReport(t *testing.T) {
	runner := &fakeRunner{}
	disp := &fakeDispatcher{outcomes: []dispatch.Outcome{dispatch.OutcomeFailed}}
	o, st := setupOrchestrator(t, runner, disp)
	ctx := context.Background()

	callback := &store.CallbackConfig{Name: "ops", URL: "https://hooks.example.com/x"}
	if err := o.Start(ctx, testConfig(callback)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		n, err := st.CountPendingReports(ctx)
		return err == nil && n == 1
	})
	waitFor(t, 2*time.Second, func() bool {
		stats, err := st.LoadStats(ctx)
		return err == nil && stats.FailedCallbacks == 1
	})
}

func TestSuccessfulCycleDrainsQueue(t *testing.T) {
	runner := &fakeRunner{}
	disp := &fakeDispatcher{}
	o, st := setupOrchestrator(t, runner, disp)
	ctx := context.Background()

	// Pre-load one stranded report from a previous session.
	if _, err := st.EnqueuePendingReport(ctx, &store.CycleReport{
		Summary:   store.CycleSummary{Total: 1},
		Timestamp: time.Now().UTC(),
	}, 10); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	callback := &store.CallbackConfig{Name: "ops", URL: "https://hooks.example.com/x"}
	if err := o.Start(ctx, testConfig(callback)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		n, err := st.CountPendingReports(ctx)
		return err == nil && n == 0
	})
	if disp.callCount() < 2 {
		t.Errorf("expected live delivery plus drain delivery, got %d calls", disp.callCount())
	}
}

func TestCheckNowRejectsOverlap(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})

	o.mu.Lock()
	o.inFlight = true
	o.mu.Unlock()
	_, err := o.CheckNow(context.Background(), []store.Endpoint{{URL: "https://example.com"}}, nil)
	if err != ErrCheckInProgress {
		t.Fatalf("expected ErrCheckInProgress, got %v", err)
	}
}

func TestCheckNowReturnsReportAndUpdatesStats(t *testing.T) {
	o, st := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})
	ctx := context.Background()

	report, err := o.CheckNow(ctx, []store.Endpoint{{URL: "https://example.com/health"}}, nil)
	if err != nil {
		t.Fatalf("check now: %v", err)
	}
	if report.Summary.Total != 1 || report.Summary.Active != 1 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
	stats, err := st.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if stats.TotalChecks != 1 {
		t.Errorf("expected manual check counted, got %+v", stats)
	}
}

func TestCyclePanicBacksOffAfterRepeatedFailures(t *testing.T) {
	runner := &fakeRunner{panic: true}
	o, _ := setupOrchestrator(t, runner, &fakeDispatcher{})
	ctx := context.Background()

	cfg := testConfig(nil)
	if err := o.Start(ctx, cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runner.count() >= 1 })

	// Simulate four prior failures so this cycle's panic is the fifth.
	o.mu.Lock()
	o.consecutiveErrors = 4
	o.nextDueAt = time.Now().UTC()
	o.mu.Unlock()
	before := runner.count()
	waitFor(t, 2*time.Second, func() bool { return runner.count() > before })
	waitFor(t, 2*time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.consecutiveErrors == 0 && !o.inFlight
	})

	o.mu.Lock()
	due := o.nextDueAt
	o.mu.Unlock()
	if until := time.Until(due); until < cfg.Interval() {
		t.Errorf("expected doubled wait after repeated failures, next cycle due in %s", until)
	}
}

func TestResumeIfWasRunningRestoresSession(t *testing.T) {
	runner := &fakeRunner{}
	o, st := setupOrchestrator(t, runner, &fakeDispatcher{})
	ctx := context.Background()

	cfg := testConfig(nil)
	if err := st.SaveServiceConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := st.SetRunning(ctx, true); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if err := o.OnBootCompleted(ctx); err != nil {
		t.Fatalf("boot trigger: %v", err)
	}
	if !o.ShouldBeRunning() {
		t.Fatal("expected service resumed after boot")
	}
	waitFor(t, 2*time.Second, func() bool { return runner.count() >= 1 })
}

func TestResumeSkipsWhenFlagCleared(t *testing.T) {
	o, st := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})
	ctx := context.Background()

	if err := st.SetRunning(ctx, false); err != nil {
		t.Fatalf("set running: %v", err)
	}
	if err := o.OnPackageReplaced(ctx); err != nil {
		t.Fatalf("package trigger: %v", err)
	}
	if o.ShouldBeRunning() {
		t.Error("service must stay stopped when the persisted flag is off")
	}
}

func TestConnectivityUpDrainsQueue(t *testing.T) {
	disp := &fakeDispatcher{}
	o, st := setupOrchestrator(t, &fakeRunner{}, disp)
	ctx := context.Background()

	cfg := testConfig(&store.CallbackConfig{Name: "ops", URL: "https://hooks.example.com/x"})
	if err := st.SaveServiceConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if _, err := st.EnqueuePendingReport(ctx, &store.CycleReport{
		Summary:   store.CycleSummary{Total: 2},
		Timestamp: time.Now().UTC(),
	}, 10); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	o.OnConnectivityChanged(ctx, true)
	n, err := st.CountPendingReports(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected queue drained, %d left", n)
	}
	if disp.callCount() != 1 {
		t.Errorf("expected one delivery, got %d", disp.callCount())
	}
}

func TestDrainCreditsRedeliveredReports(t *testing.T) {
	disp := &fakeDispatcher{}
	o, st := setupOrchestrator(t, &fakeRunner{}, disp)
	ctx := context.Background()

	cfg := testConfig(&store.CallbackConfig{Name: "ops", URL: "https://hooks.example.com/x"})
	if err := st.SaveServiceConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := st.SaveStats(ctx, &store.ServiceStats{FailedCallbacks: 1}); err != nil {
		t.Fatalf("seed stats: %v", err)
	}
	if err := o.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := st.EnqueuePendingReport(ctx, &store.CycleReport{
			Summary:   store.CycleSummary{Total: 1},
			Timestamp: time.Now().UTC(),
		}, 10); err != nil {
			t.Fatalf("seed queue: %v", err)
		}
	}

	delivered, kept, err := o.DrainPending(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 2 || kept != 0 {
		t.Fatalf("expected both reports delivered, got delivered=%d kept=%d", delivered, kept)
	}
	n, err := st.CountPendingReports(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected queue drained, %d left", n)
	}
	stats, err := st.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if stats.SuccessfulCallbacks != 2 {
		t.Errorf("expected both redeliveries counted, got %+v", stats)
	}
	if stats.FailedCallbacks != 1 {
		t.Errorf("failed counter must be untouched by a drain, got %+v", stats)
	}
}

func TestConnectivityDownDoesNothing(t *testing.T) {
	disp := &fakeDispatcher{}
	o, st := setupOrchestrator(t, &fakeRunner{}, disp)
	ctx := context.Background()

	if _, err := st.EnqueuePendingReport(ctx, &store.CycleReport{
		Summary:   store.CycleSummary{Total: 1},
		Timestamp: time.Now().UTC(),
	}, 10); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	o.OnConnectivityChanged(ctx, false)
	if disp.callCount() != 0 {
		t.Errorf("connectivity loss must not trigger deliveries, got %d", disp.callCount())
	}
}

func TestHandleTriggerRejectsUnknownKind(t *testing.T) {
	o, _ := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})
	if err := o.HandleTrigger(context.Background(), "nonsense"); err != ErrUnknownTrigger {
		t.Fatalf("expected ErrUnknownTrigger, got %v", err)
	}
}

func TestRecordResultsLogsTransitions(t *testing.T) {
	o, st := setupOrchestrator(t, &fakeRunner{}, &fakeDispatcher{})
	ctx := context.Background()
	now := time.Now().UTC()
	code := 503

	down := &store.CycleReport{
		Results: []store.CheckResult{{
			EndpointID: "ep-1",
			URL:        "https://example.com/health",
			Active:     false,
			StatusCode: &code,
			Error:      "unexpected status 503",
			Timestamp:  now,
		}},
		Summary:   store.CycleSummary{Total: 1, Inactive: 1},
		Timestamp: now,
	}
	o.recordResults(ctx, down)

	okCode := 200
	up := &store.CycleReport{
		Results: []store.CheckResult{{
			EndpointID: "ep-1",
			URL:        "https://example.com/health",
			Active:     true,
			StatusCode: &okCode,
			Timestamp:  now.Add(time.Minute),
		}},
		Summary:   store.CycleSummary{Total: 1, Active: 1},
		Timestamp: now.Add(time.Minute),
	}
	o.recordResults(ctx, up)

	events, err := st.ListEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected down then up event, got %d", len(events))
	}
	state, err := st.GetEndpointState(ctx, "https://example.com/health")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state == nil || state.LastStatus != "active" {
		t.Errorf("expected final state active, got %+v", state)
	}
}
