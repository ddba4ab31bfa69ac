package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Persisted state keys. One logical entry per key; everything else lives in
// its own table.
const (
	keyServiceConfig = "service_config"
	keyServiceStats  = "service_stats"
	keyIsRunning     = "is_running"
	keyLastCheckAt   = "last_check_at"
	keyDeviceID      = "device_id"
)

type ServiceStore interface {
	SaveServiceConfig(ctx context.Context, cfg *ServiceConfig) error
	LoadServiceConfig(ctx context.Context) (*ServiceConfig, error)
	SaveStats(ctx context.Context, stats *ServiceStats) error
	LoadStats(ctx context.Context) (*ServiceStats, error)
	SetRunning(ctx context.Context, running bool) error
	WasRunning(ctx context.Context) (bool, error)
	SetLastCheckAt(ctx context.Context, ts time.Time) error
	LastCheckAt(ctx context.Context) (*time.Time, error)
	DeviceID(ctx context.Context) (string, error)

	EnqueuePendingReport(ctx context.Context, report *CycleReport, cap int) (int64, error)
	ListPendingReports(ctx context.Context) ([]PendingReport, error)
	DeletePendingReport(ctx context.Context, id int64) error
	BumpPendingAttempt(ctx context.Context, id int64) error
	CountPendingReports(ctx context.Context) (int, error)

	AddCheckResult(ctx context.Context, result *CheckResult) (int64, error)
	ListCheckResults(ctx context.Context, url string, since time.Time) ([]CheckResult, error)
	DeleteCheckResultsBefore(ctx context.Context, before time.Time) (int64, error)

	GetEndpointState(ctx context.Context, url string) (*EndpointState, error)
	ListEndpointStates(ctx context.Context) ([]EndpointState, error)
	UpsertEndpointState(ctx context.Context, state *EndpointState) error
	AddEvent(ctx context.Context, event *EndpointEvent) (int64, error)
	ListEvents(ctx context.Context, since time.Time, limit int) ([]EndpointEvent, error)
}

type serviceStore struct {
	db     *sql.DB
	driver string
}

func NewServiceStore(db *sql.DB, driver string) ServiceStore {
	return &serviceStore{db: db, driver: NormalizeDriver(driver)}
}

// q rewrites ? placeholders to $n for postgres; sqlite takes them as-is.
func (s *serviceStore) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *serviceStore) setState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO app_state(key, value, updated_at) VALUES(?,?,?)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`),
		key, value, time.Now().UTC())
	return err
}

func (s *serviceStore) getState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM app_state WHERE key=?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *serviceStore) SaveServiceConfig(ctx context.Context, cfg *ServiceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.setState(ctx, keyServiceConfig, string(raw))
}

func (s *serviceStore) LoadServiceConfig(ctx context.Context) (*ServiceConfig, error) {
	raw, ok, err := s.getState(ctx, keyServiceConfig)
	if err != nil || !ok {
		return nil, err
	}
	var cfg ServiceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *serviceStore) SaveStats(ctx context.Context, stats *ServiceStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.setState(ctx, keyServiceStats, string(raw))
}

func (s *serviceStore) LoadStats(ctx context.Context) (*ServiceStats, error) {
	raw, ok, err := s.getState(ctx, keyServiceStats)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ServiceStats{}, nil
	}
	var stats ServiceStats
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *serviceStore) SetRunning(ctx context.Context, running bool) error {
	value := "0"
	if running {
		value = "1"
	}
	return s.setState(ctx, keyIsRunning, value)
}

func (s *serviceStore) WasRunning(ctx context.Context) (bool, error) {
	raw, ok, err := s.getState(ctx, keyIsRunning)
	if err != nil || !ok {
		return false, err
	}
	return raw == "1", nil
}

func (s *serviceStore) SetLastCheckAt(ctx context.Context, ts time.Time) error {
	return s.setState(ctx, keyLastCheckAt, ts.UTC().Format(time.RFC3339Nano))
}

func (s *serviceStore) LastCheckAt(ctx context.Context) (*time.Time, error) {
	raw, ok, err := s.getState(ctx, keyLastCheckAt)
	if err != nil || !ok {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// DeviceID returns the stable installation identifier, minting one on first
// use.
func (s *serviceStore) DeviceID(ctx context.Context) (string, error) {
	raw, ok, err := s.getState(ctx, keyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && raw != "" {
		return raw, nil
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	if err := s.setState(ctx, keyDeviceID, id.String()); err != nil {
		return "", err
	}
	return id.String(), nil
}
