package tests

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulseward/config"
	"pulseward/core/cycle"
	"pulseward/core/dispatch"
	"pulseward/core/health"
	"pulseward/core/orchestrator"
	"pulseward/core/platform"
	"pulseward/core/probe"
	"pulseward/core/queue"
	"pulseward/core/store"
	"pulseward/core/sysinfo"
	"pulseward/core/utils"
)

type serviceDeps struct {
	store   store.ServiceStore
	orch    *orchestrator.Orchestrator
	pending *queue.PendingQueue
	runtime *platform.ForegroundRuntime
	logger  *utils.Logger
}

func setupServiceDeps(t *testing.T) *serviceDeps {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "scenario.db")}
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

	prober := probe.New(false, logger)
	info := sysinfo.NewHostProvider("scenario-device", cfg)
	runner := cycle.NewRunner(prober, info, 0, 0, logger)
	dispatcher := dispatch.New(dispatch.Options{
		Timeout:     time.Second,
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}, logger)
	pending := queue.New(st, 10, 0, logger)
	runtime := platform.NewForegroundRuntime(10*time.Millisecond, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Runner:     runner,
		Dispatcher: dispatcher,
		Pending:    pending,
		Runtime:    runtime,
		Logger:     logger,
	})
	t.Cleanup(func() { _ = orch.Stop(context.Background()) })
	return &serviceDeps{store: st, orch: orch, pending: pending, runtime: runtime, logger: logger}
}

func serviceConfig(targetURL string, callback *store.CallbackConfig) *store.ServiceConfig {
	return &store.ServiceConfig{
		Endpoints:       []store.Endpoint{{URL: targetURL}},
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
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// A healthy endpoint, no callback: the service produces a report and stats,
// attempts no delivery, leaves the queue empty.
func TestCycleWithoutCallback(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	deps := setupServiceDeps(t)
	ctx := context.Background()
	if err := deps.orch.Start(ctx, serviceConfig(target.URL, nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		stats, err := deps.store.LoadStats(ctx)
		return err == nil && stats.TotalChecks == 1
	})

	stats, err := deps.store.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if stats.SuccessfulChecks != 1 {
		t.Errorf("expected one successful check, got %+v", stats)
	}
	if stats.SuccessfulCallbacks != 0 || stats.FailedCallbacks != 0 {
		t.Errorf("no callback configured, callback counters must stay zero: %+v", stats)
	}
	n, err := deps.store.CountPendingReports(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected empty queue, got %d (%v)", n, err)
	}
	results, err := deps.store.ListCheckResults(ctx, "", time.Now().UTC().Add(-time.Hour))
	if err != nil || len(results) != 1 {
		t.Fatalf("expected one recorded result, got %d (%v)", len(results), err)
	}
	if !results[0].Active {
		t.Errorf("expected endpoint classified active: %+v", results[0])
	}
}

// A reachable webhook: the report arrives on the first attempt, counters
// move, nothing is queued.
func TestCycleDeliversToWebhook(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	var mu sync.Mutex
	var payloads []map[string]any
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	deps := setupServiceDeps(t)
	ctx := context.Background()
	callback := &store.CallbackConfig{Name: "ops", URL: hook.URL}
	if err := deps.orch.Start(ctx, serviceConfig(target.URL, callback)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		stats, err := deps.store.LoadStats(ctx)
		return err == nil && stats.SuccessfulCallbacks == 1
	})

	n, err := deps.store.CountPendingReports(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected empty queue after delivery, got %d (%v)", n, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("expected one webhook call, got %d", len(payloads))
	}
	urls, ok := payloads[0]["urls"].([]any)
	if !ok || len(urls) != 1 {
		t.Fatalf("expected one url entry in payload, got %v", payloads[0]["urls"])
	}
	if payloads[0]["callbackName"] != "ops" {
		t.Errorf("expected callbackName ops, got %v", payloads[0]["callbackName"])
	}
}

// An unreachable webhook: three transport failures, the report lands in the
// durable queue; when connectivity returns the drain delivers it and the
// counters settle.
func TestFailedDeliveryQueuesAndLaterDrains(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	// Reserve a port, then leave it closed so delivery gets connection
	// refused. The hook comes up on the same address later.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	hookAddr := lis.Addr().String()
	_ = lis.Close()

	deps := setupServiceDeps(t)
	ctx := context.Background()
	callback := &store.CallbackConfig{Name: "ops", URL: "http://" + hookAddr + "/hook"}
	if err := deps.orch.Start(ctx, serviceConfig(target.URL, callback)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		n, err := deps.store.CountPendingReports(ctx)
		return err == nil && n == 1
	})
	stats, err := deps.store.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if stats.FailedCallbacks != 1 {
		t.Errorf("expected one failed callback, got %+v", stats)
	}

	var hits atomic.Int64
	lis2, err := net.Listen("tcp", hookAddr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", hookAddr, err)
	}
	hook := &httptest.Server{
		Listener: lis2,
		Config: &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusOK)
		})},
	}
	hook.Start()
	defer hook.Close()

	deps.orch.OnConnectivityChanged(ctx, true)
	waitFor(t, 5*time.Second, func() bool {
		n, err := deps.store.CountPendingReports(ctx)
		return err == nil && n == 0
	})
	if hits.Load() != 1 {
		t.Errorf("expected one drained delivery, got %d", hits.Load())
	}
	stats, err = deps.store.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats after drain: %v", err)
	}
	if stats.SuccessfulCallbacks != 1 || stats.FailedCallbacks != 1 {
		t.Errorf("expected the redelivery credited, got %+v", stats)
	}
}

// The watchdog notices a dead keep-alive behind a running state and brings
// the service back with the same configuration.
func TestWatchdogRestartsDeadService(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	deps := setupServiceDeps(t)
	ctx := context.Background()
	cfg := serviceConfig(target.URL, nil)
	if err := deps.orch.Start(ctx, cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		stats, err := deps.store.LoadStats(ctx)
		return err == nil && stats.TotalChecks >= 1
	})

	// Kill the keep-alive out from under the orchestrator.
	if err := deps.runtime.Stop(); err != nil {
		t.Fatalf("stop runtime: %v", err)
	}
	if deps.orch.RuntimeAlive() {
		t.Fatal("runtime should be dead")
	}

	monitor := health.New(deps.store, deps.orch, time.Minute, deps.logger)
	if v := monitor.RunCheck(ctx); v != health.VerdictSuspectedDead {
		t.Fatalf("expected suspected_dead, got %s", v)
	}
	if !deps.orch.ShouldBeRunning() || !deps.orch.RuntimeAlive() {
		t.Fatal("expected service restarted by watchdog")
	}

	persisted, err := deps.store.LoadServiceConfig(ctx)
	if err != nil || persisted == nil {
		t.Fatalf("load config: %v", err)
	}
	if len(persisted.Endpoints) != 1 || persisted.Endpoints[0].URL != cfg.Endpoints[0].URL {
		t.Errorf("configuration changed across restart: %+v", persisted)
	}
}

// Process-death simulation: a fresh orchestrator over the same database
// resumes the session and keeps counting from the persisted stats.
func TestStateSurvivesProcessRestart(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	deps := setupServiceDeps(t)
	ctx := context.Background()
	if err := deps.orch.Start(ctx, serviceConfig(target.URL, nil)); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		stats, err := deps.store.LoadStats(ctx)
		return err == nil && stats.TotalChecks == 1
	})
	deps.orch.Suspend()

	// Second process: same store, new orchestrator.
	prober := probe.New(false, deps.logger)
	appCfg := &config.AppConfig{}
	info := sysinfo.NewHostProvider("scenario-device", appCfg)
	runner := cycle.NewRunner(prober, info, 0, 0, deps.logger)
	dispatcher := dispatch.New(dispatch.Options{Timeout: time.Second, MaxAttempts: 1}, deps.logger)
	orch2 := orchestrator.New(orchestrator.Deps{
		Store:      deps.store,
		Runner:     runner,
		Dispatcher: dispatcher,
		Pending:    queue.New(deps.store, 10, 0, deps.logger),
		Runtime:    platform.NewForegroundRuntime(10*time.Millisecond, deps.logger),
		Logger:     deps.logger,
	})
	t.Cleanup(func() { _ = orch2.Stop(context.Background()) })
	if err := orch2.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := orch2.OnBootCompleted(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !orch2.ShouldBeRunning() {
		t.Fatal("expected session resumed after restart")
	}
	waitFor(t, 5*time.Second, func() bool {
		stats, err := deps.store.LoadStats(ctx)
		return err == nil && stats.TotalChecks >= 2
	})
}
