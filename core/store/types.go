package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Endpoint is one monitored URL. The ID is assigned at creation time and
// stays stable across config updates that keep the same URL.
type Endpoint struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type CallbackConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ServiceConfig is the single source of truth for a service run. Replacing
// it goes through a full stop/start; nothing hot-swaps it mid-cycle.
type ServiceConfig struct {
	Endpoints       []Endpoint      `json:"endpoints"`
	Callback        *CallbackConfig `json:"callback,omitempty"`
	IntervalMinutes int             `json:"interval_minutes"`
	TimeoutMs       int             `json:"timeout_ms"`
	RetryAttempts   int             `json:"retry_attempts"`
}

func (c *ServiceConfig) Interval() time.Duration {
	if c == nil || c.IntervalMinutes < 1 {
		return time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c *ServiceConfig) Timeout() time.Duration {
	if c == nil || c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *ServiceConfig) Validate() error {
	if c == nil {
		return errors.New("service config is nil")
	}
	if len(c.Endpoints) == 0 {
		return errors.New("endpoint list is empty")
	}
	if c.IntervalMinutes < 1 {
		return errors.New("interval must be at least one minute")
	}
	for i := range c.Endpoints {
		normalized, err := NormalizeURL(c.Endpoints[i].URL)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", c.Endpoints[i].URL, err)
		}
		c.Endpoints[i].URL = normalized
	}
	if c.Callback != nil && strings.TrimSpace(c.Callback.URL) == "" {
		return errors.New("callback url is empty")
	}
	return nil
}

// NormalizeURL accepts absolute http/https URLs only and trims surrounding
// whitespace. Scheme and host are lowercased.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("url is empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errors.New("url must be http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("url must be absolute")
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), nil
}

type ErrorKind string

const (
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindUnknown ErrorKind = "unknown"
)

// CheckResult is the conclusive outcome of one probe attempt-chain.
type CheckResult struct {
	EndpointID     string    `json:"endpoint_id"`
	URL            string    `json:"url"`
	Active         bool      `json:"active"`
	StatusCode     *int      `json:"status_code,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (r CheckResult) Status() string {
	if r.Active {
		return "active"
	}
	return "inactive"
}

type CycleSummary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

type DeviceInfo struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Brand    string `json:"brand"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

type NetworkInfo struct {
	Type        string `json:"type"`
	Carrier     string `json:"carrier"`
	IsConnected bool   `json:"is_connected"`
	DisplayName string `json:"display_name"`
}

// CycleReport is one full pass over the configured endpoints.
type CycleReport struct {
	Results   []CheckResult `json:"results"`
	Summary   CycleSummary  `json:"summary"`
	Device    DeviceInfo    `json:"device"`
	Network   NetworkInfo   `json:"network"`
	Stats     ServiceStats  `json:"stats"`
	Timestamp time.Time     `json:"timestamp"`
}

// PendingReport is a CycleReport whose delivery failed and now waits in the
// durable queue for the next drain.
type PendingReport struct {
	ID           int64       `json:"id"`
	Report       CycleReport `json:"report"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	AttemptCount int         `json:"attempt_count"`
}

// ServiceStats are monotonic counters persisted after every mutation so a
// killed-and-restarted process resumes counting where it left off.
type ServiceStats struct {
	TotalChecks         int64      `json:"total_checks"`
	SuccessfulChecks    int64      `json:"successful_checks"`
	FailedChecks        int64      `json:"failed_checks"`
	SuccessfulCallbacks int64      `json:"successful_callbacks"`
	FailedCallbacks     int64      `json:"failed_callbacks"`
	LastCheckTime       *time.Time `json:"last_check_time,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
}

func (s ServiceStats) UptimeSeconds(now time.Time) int64 {
	if s.StartedAt == nil {
		return 0
	}
	secs := int64(now.Sub(*s.StartedAt).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

type EndpointState struct {
	URL            string     `json:"url"`
	EndpointID     string     `json:"endpoint_id"`
	LastStatus     string     `json:"last_status"`
	LastCheckedAt  *time.Time `json:"last_checked_at,omitempty"`
	LastStatusCode *int       `json:"last_status_code,omitempty"`
	LastLatencyMs  *int64     `json:"last_latency_ms,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

type EndpointEvent struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	TS        time.Time `json:"ts"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
}
