package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pulseward/core/store"
)

func newTestProber() (*Prober, *[]time.Duration) {
	p := New(false, nil)
	delays := &[]time.Duration{}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
	return p, delays
}

func TestClassifyStatus(t *testing.T) {
	active := []int{200, 201, 204, 301, 302, 401, 403, 429}
	for _, code := range active {
		if !ClassifyStatus(code) {
			t.Errorf("status %d should classify active", code)
		}
	}
	inactive := []int{404, 500, 502, 503, 100, 199}
	for _, code := range inactive {
		if ClassifyStatus(code) {
			t.Errorf("status %d should classify inactive", code)
		}
	}
}

func TestProbeActiveOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a user agent header")
		}
		if r.Header.Get("Cache-Control") == "" {
			t.Error("expected cache-busting headers")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _ := newTestProber()
	result := p.Probe(context.Background(), store.Endpoint{ID: "1", URL: srv.URL}, 5*time.Second, 3)
	if !result.Active {
		t.Fatalf("expected active, got %+v", result)
	}
	if result.StatusCode == nil || *result.StatusCode != 200 {
		t.Fatalf("expected status 200, got %v", result.StatusCode)
	}
	if result.ErrorKind != "" || result.Error != "" {
		t.Fatalf("expected no error on success, got %q/%q", result.ErrorKind, result.Error)
	}
}

func TestProbeServerErrorIsConclusive(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, delays := newTestProber()
	result := p.Probe(context.Background(), store.Endpoint{ID: "1", URL: srv.URL}, 5*time.Second, 3)
	if result.Active {
		t.Fatal("500 must classify inactive")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("an HTTP response must not be retried, got %d attempts", got)
	}
	if len(*delays) != 0 {
		t.Fatalf("no backoff expected for a conclusive response, got %v", *delays)
	}
	if result.StatusCode == nil || *result.StatusCode != 500 {
		t.Fatalf("expected status 500, got %v", result.StatusCode)
	}
}

func TestProbeRetriesTransportFailure(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, delays := newTestProber()
	result := p.Probe(context.Background(), store.Endpoint{ID: "1", URL: url}, time.Second, 3)
	if result.Active {
		t.Fatal("connection refused must classify inactive")
	}
	if result.ErrorKind != store.ErrorKindNetwork {
		t.Fatalf("expected network error kind, got %q (%s)", result.ErrorKind, result.Error)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d backoff waits for 3 attempts, got %v", len(want), *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("backoff %d: expected %s, got %s", i, d, (*delays)[i])
		}
	}
}

func TestBackoffDelayCap(t *testing.T) {
	cases := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := BackoffDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestProbeRedirectIsActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	p, _ := newTestProber()
	result := p.Probe(context.Background(), store.Endpoint{ID: "1", URL: srv.URL}, 5*time.Second, 1)
	if !result.Active {
		t.Fatalf("redirecting origin is reachable, got %+v", result)
	}
}

func TestProbeCancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _ := newTestProber()
	result := p.Probe(ctx, store.Endpoint{ID: "1", URL: url}, time.Second, 5)
	if result.Active {
		t.Fatal("expected inactive result on cancelled context")
	}
}
