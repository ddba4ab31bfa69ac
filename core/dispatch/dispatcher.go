package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"pulseward/core/store"
	"pulseward/core/utils"
)

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFailed
)

func (o Outcome) String() string {
	if o == OutcomeOK {
		return "ok"
	}
	return "failed"
}

type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:     15 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Dispatcher POSTs cycle reports to the configured webhook. Any HTTP
// response, including 5xx, counts as delivered: the receiver answered, so
// the data arrived. Only transport failures retry and eventually fail.
type Dispatcher struct {
	client *http.Client
	opts   Options
	logger *utils.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, logger *utils.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = 30 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
		sleep:  utils.SleepCtx,
	}
}

// Deliver runs the delivery attempt chain for one report. A missing or empty
// callback is a trivial success. Errors never escape; the outcome is data.
func (d *Dispatcher) Deliver(ctx context.Context, report *store.CycleReport, callback *store.CallbackConfig) Outcome {
	if callback == nil || strings.TrimSpace(callback.URL) == "" {
		return OutcomeOK
	}
	payload := buildPayload(report, callback.Name)
	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Errorf("dispatch: marshal report: %v", err)
		return OutcomeFailed
	}
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		status, err := d.post(ctx, callback.URL, raw)
		if err == nil {
			d.logger.Infof("dispatch: report delivered to %s (%d)", callback.Name, status)
			return OutcomeOK
		}
		d.logger.Warnf("dispatch: attempt %d to %s failed: %v", attempt+1, callback.Name, err)
		if ctx.Err() != nil {
			break
		}
		if attempt < d.opts.MaxAttempts-1 {
			if d.sleep(ctx, d.backoff(attempt)) != nil {
				break
			}
		}
	}
	return OutcomeFailed
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// backoff after the (attempt+1)-th failure: 5s, 10s, 20s, capped at 30s.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.BackoffBase << uint(attempt)
	if delay > d.opts.BackoffCap || delay <= 0 {
		return d.opts.BackoffCap
	}
	return delay
}
