package cycle

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"pulseward/core/store"
	"pulseward/core/utils"
)

type Prober interface {
	Probe(ctx context.Context, ep store.Endpoint, timeout time.Duration, maxAttempts int) store.CheckResult
}

// InfoProvider supplies the device/network blocks attached to every report.
type InfoProvider interface {
	Device(ctx context.Context) store.DeviceInfo
	Network(ctx context.Context) store.NetworkInfo
}

// Runner sequences the prober over a configured endpoint set. Probes run
// strictly one at a time with a randomized pause between them so a cycle
// never looks like burst traffic to the monitored hosts.
type Runner struct {
	prober    Prober
	info      InfoProvider
	logger    *utils.Logger
	jitterMin time.Duration
	jitterMax time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
}

func NewRunner(prober Prober, info InfoProvider, jitterMin, jitterMax time.Duration, logger *utils.Logger) *Runner {
	if jitterMin < 0 {
		jitterMin = 0
	}
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}
	return &Runner{
		prober:    prober,
		info:      info,
		logger:    logger,
		jitterMin: jitterMin,
		jitterMax: jitterMax,
		sleep:     utils.SleepCtx,
		jitter:    randomJitter,
	}
}

// Run produces exactly one CheckResult per configured endpoint, in list
// order. A failing or even panicking probe is converted to an inactive
// result; the cycle always covers the whole list.
func (r *Runner) Run(ctx context.Context, cfg *store.ServiceConfig, stats store.ServiceStats) store.CycleReport {
	report := store.CycleReport{
		Results:   make([]store.CheckResult, 0, len(cfg.Endpoints)),
		Stats:     stats,
		Timestamp: time.Now().UTC(),
	}
	if r.info != nil {
		report.Device = r.info.Device(ctx)
		report.Network = r.info.Network(ctx)
	}
	timeout := cfg.Timeout()
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i, ep := range cfg.Endpoints {
		if i > 0 && r.jitterMax > 0 {
			if err := r.sleep(ctx, r.jitter(r.jitterMin, r.jitterMax)); err != nil {
				// Stop requested mid-cycle: mark the remainder unknown so
				// the report still covers every endpoint.
				report.Results = append(report.Results, cancelledResult(ep))
				continue
			}
		}
		result := r.probeSafely(ctx, ep, timeout, attempts)
		report.Results = append(report.Results, result)
	}
	report.Summary = summarize(report.Results)
	return report
}

func (r *Runner) probeSafely(ctx context.Context, ep store.Endpoint, timeout time.Duration, attempts int) (result store.CheckResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("cycle: probe panic for %s: %v", ep.URL, rec)
			result = store.CheckResult{
				EndpointID: ep.ID,
				URL:        ep.URL,
				Active:     false,
				ErrorKind:  store.ErrorKindUnknown,
				Error:      fmt.Sprintf("probe panic: %v", rec),
				Timestamp:  time.Now().UTC(),
			}
		}
	}()
	return r.prober.Probe(ctx, ep, timeout, attempts)
}

func cancelledResult(ep store.Endpoint) store.CheckResult {
	return store.CheckResult{
		EndpointID: ep.ID,
		URL:        ep.URL,
		Active:     false,
		ErrorKind:  store.ErrorKindUnknown,
		Error:      "cycle cancelled",
		Timestamp:  time.Now().UTC(),
	}
}

func summarize(results []store.CheckResult) store.CycleSummary {
	summary := store.CycleSummary{Total: len(results)}
	for _, res := range results {
		if res.Active {
			summary.Active++
		} else {
			summary.Inactive++
		}
	}
	return summary
}

func randomJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
