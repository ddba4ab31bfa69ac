package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pulseward/core/orchestrator"
	"pulseward/core/store"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status(r.Context()))
}

// startRequest carries an optional configuration. An empty body starts with
// the persisted config, falling back to configured defaults for the knobs
// the caller left out.
type startRequest struct {
	Endpoints       []store.Endpoint      `json:"endpoints"`
	Callback        *store.CallbackConfig `json:"callback"`
	IntervalMinutes int                   `json:"interval_minutes"`
	TimeoutMs       int                   `json:"timeout_ms"`
	RetryAttempts   int                   `json:"retry_attempts"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	cfg, err := s.resolveStartConfig(r, &req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orch.Start(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeSuccess(w, "service started", map[string]any{"endpoints": len(cfg.Endpoints)})
}

func (s *Server) resolveStartConfig(r *http.Request, req *startRequest) (*store.ServiceConfig, error) {
	if len(req.Endpoints) == 0 {
		persisted, err := s.store.LoadServiceConfig(r.Context())
		if err != nil {
			return nil, err
		}
		if persisted == nil {
			return nil, errors.New("no endpoints in request and no persisted configuration")
		}
		if req.Callback != nil {
			persisted.Callback = req.Callback
		}
		if req.IntervalMinutes > 0 {
			persisted.IntervalMinutes = req.IntervalMinutes
		}
		return persisted, nil
	}
	defaults := s.cfg.Service
	cfg := &store.ServiceConfig{
		Endpoints:       req.Endpoints,
		Callback:        req.Callback,
		IntervalMinutes: req.IntervalMinutes,
		TimeoutMs:       req.TimeoutMs,
		RetryAttempts:   req.RetryAttempts,
	}
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = defaults.IntervalMinutes
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaults.TimeoutMs
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaults.RetryAttempts
	}
	return cfg, nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, "service stopped", nil)
}

type checkNowRequest struct {
	Endpoints []store.Endpoint      `json:"endpoints"`
	Callback  *store.CallbackConfig `json:"callback"`
}

func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	var req checkNowRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if len(req.Endpoints) == 0 {
		persisted, err := s.store.LoadServiceConfig(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if persisted == nil {
			writeError(w, http.StatusBadRequest, "no endpoints in request and no persisted configuration")
			return
		}
		req.Endpoints = persisted.Endpoints
		if req.Callback == nil {
			req.Callback = persisted.Callback
		}
	}
	report, err := s.orch.CheckNow(r.Context(), req.Endpoints, req.Callback)
	if err != nil {
		if errors.Is(err, orchestrator.ErrCheckInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.LoadServiceConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no configuration saved")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.ServiceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.orch.ShouldBeRunning() {
		if err := s.orch.UpdateConfig(r.Context(), &cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeSuccess(w, "configuration applied", nil)
		return
	}
	if err := s.store.SaveServiceConfig(r.Context(), &cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, "configuration saved", nil)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.LoadServiceConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	endpoints := []store.Endpoint{}
	if cfg != nil {
		endpoints = cfg.Endpoints
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": endpoints})
}

type addEndpointRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	var req addEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mutateEndpoints(w, r, func(cfg *store.ServiceConfig) error {
		normalized, err := store.NormalizeURL(req.URL)
		if err != nil {
			return err
		}
		for _, ep := range cfg.Endpoints {
			if ep.URL == normalized {
				return errors.New("endpoint already present")
			}
		}
		cfg.Endpoints = append(cfg.Endpoints, store.Endpoint{URL: normalized})
		return nil
	})
}

type importEndpointsRequest struct {
	URLs []string `json:"urls"`
}

// handleImportEndpoints replaces the endpoint list wholesale. Invalid URLs
// reject the whole import; a partial import would silently drop targets.
func (s *Server) handleImportEndpoints(w http.ResponseWriter, r *http.Request) {
	var req importEndpointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "url list is empty")
		return
	}
	s.mutateEndpoints(w, r, func(cfg *store.ServiceConfig) error {
		seen := map[string]bool{}
		replaced := make([]store.Endpoint, 0, len(req.URLs))
		for _, raw := range req.URLs {
			normalized, err := store.NormalizeURL(raw)
			if err != nil {
				return err
			}
			if seen[normalized] {
				continue
			}
			seen[normalized] = true
			replaced = append(replaced, store.Endpoint{URL: normalized})
		}
		cfg.Endpoints = replaced
		return nil
	})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "endpoint id is empty")
		return
	}
	s.mutateEndpoints(w, r, func(cfg *store.ServiceConfig) error {
		kept := cfg.Endpoints[:0]
		for _, ep := range cfg.Endpoints {
			if ep.ID != id {
				kept = append(kept, ep)
			}
		}
		if len(kept) == len(cfg.Endpoints) {
			return errors.New("endpoint not found")
		}
		cfg.Endpoints = kept
		return nil
	})
}

// mutateEndpoints applies an edit to the persisted endpoint list and, when
// the service is running, swaps the live configuration in the same call.
func (s *Server) mutateEndpoints(w http.ResponseWriter, r *http.Request, edit func(*store.ServiceConfig) error) {
	cfg, err := s.store.LoadServiceConfig(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cfg == nil {
		defaults := s.cfg.Service
		cfg = &store.ServiceConfig{
			IntervalMinutes: defaults.IntervalMinutes,
			TimeoutMs:       defaults.TimeoutMs,
			RetryAttempts:   defaults.RetryAttempts,
		}
	}
	if err := edit(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.orch.ShouldBeRunning() && len(cfg.Endpoints) > 0 {
		if err := s.orch.UpdateConfig(r.Context(), cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if err := s.store.SaveServiceConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, "endpoints updated", map[string]any{"endpoints": len(cfg.Endpoints)})
}

type queueItem struct {
	ID           int64     `json:"id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	AttemptCount int       `json:"attempt_count"`
	Total        int       `json:"total"`
	Active       int       `json:"active"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.pending.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]queueItem, 0, len(items))
	for _, item := range items {
		out = append(out, queueItem{
			ID:           item.ID,
			EnqueuedAt:   item.EnqueuedAt,
			AttemptCount: item.AttemptCount,
			Total:        item.Report.Summary.Total,
			Active:       item.Report.Summary.Active,
			Timestamp:    item.Report.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleDrainQueue(w http.ResponseWriter, r *http.Request) {
	delivered, kept, err := s.orch.DrainPending(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeSuccess(w, "drain finished", map[string]any{"delivered": delivered, "pending": kept})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = parsed
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	events, err := s.store.ListEvents(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = parsed
	}
	results, err := s.store.ListCheckResults(r.Context(), url, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": results})
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListEndpointStates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": states})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimSpace(chi.URLParam(r, "kind"))
	if err := s.orch.HandleTrigger(r.Context(), kind); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownTrigger) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, "trigger handled", map[string]any{"kind": kind})
}

func (s *Server) handleWatchdogStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"watchdog": s.monitor.Status()}
	if s.syncer != nil {
		body["sync"] = s.syncer.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusNotFound, "sync feed is not configured")
		return
	}
	if err := s.syncer.SyncOnce(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeSuccess(w, "sync completed", nil)
}
