package syncfeed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pulseward/core/store"
	"pulseward/core/utils"
)

const maxFeedBytes = 1 << 20

// Service is the slice of the orchestrator the syncer drives.
type Service interface {
	ShouldBeRunning() bool
	UpdateConfig(ctx context.Context, cfg *store.ServiceConfig) error
}

// Syncer periodically pulls a service configuration document from a remote
// feed and applies it. The feed is the same JSON shape the config API
// accepts. An unchanged document is a no-op; the running service is never
// restarted for a byte-identical config.
type Syncer struct {
	store   store.ServiceStore
	service Service
	client  *http.Client
	logger  *utils.Logger

	feedURL  string
	schedule string

	cron *cron.Cron

	mu         sync.Mutex
	lastHash   string
	lastSyncAt time.Time
	lastError  string
}

type Options struct {
	FeedURL  string
	Schedule string
	Timeout  time.Duration
}

func New(st store.ServiceStore, svc Service, opts Options, logger *utils.Logger) *Syncer {
	if opts.Schedule == "" {
		opts.Schedule = "@every 1h"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Syncer{
		store:    st,
		service:  svc,
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   logger,
		feedURL:  opts.FeedURL,
		schedule: opts.Schedule,
	}
}

func (s *Syncer) Start(ctx context.Context) error {
	if s.feedURL == "" {
		return errors.New("sync feed URL is empty")
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if err := s.SyncOnce(ctx); err != nil {
			s.logger.Errorf("syncfeed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Infof("syncfeed: pulling %s on schedule %q", s.feedURL, s.schedule)
	return nil
}

func (s *Syncer) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// SyncOnce fetches the feed and applies it if it changed. Exported so the
// API can force a sync between scheduled firings.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	body, err := s.fetch(ctx)
	if err != nil {
		s.recordResult(err)
		return err
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	s.mu.Lock()
	unchanged := hash == s.lastHash
	s.mu.Unlock()
	if unchanged {
		s.recordResult(nil)
		return nil
	}

	var cfg store.ServiceConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		err = fmt.Errorf("decode feed: %w", err)
		s.recordResult(err)
		return err
	}
	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("feed config rejected: %w", err)
		s.recordResult(err)
		return err
	}

	if s.service.ShouldBeRunning() {
		if err := s.service.UpdateConfig(ctx, &cfg); err != nil {
			err = fmt.Errorf("apply feed config: %w", err)
			s.recordResult(err)
			return err
		}
	} else if err := s.store.SaveServiceConfig(ctx, &cfg); err != nil {
		err = fmt.Errorf("persist feed config: %w", err)
		s.recordResult(err)
		return err
	}

	s.mu.Lock()
	s.lastHash = hash
	s.mu.Unlock()
	s.recordResult(nil)
	s.logger.Infof("syncfeed: applied new config with %d endpoints", len(cfg.Endpoints))
	return nil
}

func (s *Syncer) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	return body, nil
}

func (s *Syncer) recordResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSyncAt = time.Now().UTC()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

type Snapshot struct {
	FeedURL    string     `json:"feed_url"`
	Schedule   string     `json:"schedule"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

func (s *Syncer) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{FeedURL: s.feedURL, Schedule: s.schedule, LastError: s.lastError}
	if !s.lastSyncAt.IsZero() {
		at := s.lastSyncAt
		snap.LastSyncAt = &at
	}
	return snap
}
