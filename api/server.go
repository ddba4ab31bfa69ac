package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pulseward/config"
	"pulseward/core/health"
	"pulseward/core/orchestrator"
	"pulseward/core/queue"
	"pulseward/core/rbac"
	"pulseward/core/store"
	"pulseward/core/syncfeed"
	"pulseward/core/utils"
)

// Server exposes the local control API: service lifecycle, configuration,
// queue inspection and the platform trigger endpoint.
type Server struct {
	cfg     *config.AppConfig
	logger  *utils.Logger
	orch    *orchestrator.Orchestrator
	pending *queue.PendingQueue
	monitor *health.Monitor
	syncer  *syncfeed.Syncer
	store   store.ServiceStore
	policy  *rbac.Enforcer

	keys *keyRing
}

func NewServer(cfg *config.AppConfig, orch *orchestrator.Orchestrator, pending *queue.PendingQueue, monitor *health.Monitor, syncer *syncfeed.Syncer, st store.ServiceStore, policy *rbac.Enforcer, logger *utils.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		orch:    orch,
		pending: pending,
		monitor: monitor,
		syncer:  syncer,
		store:   st,
		policy:  policy,
		keys:    newKeyRing(cfg.API.Keys),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.jsonMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/service", func(r chi.Router) {
			r.With(s.requirePermission(rbac.ObjectStatus, rbac.ActionRead)).Get("/status", s.handleStatus)
			r.With(s.requirePermission(rbac.ObjectService, rbac.ActionWrite)).Post("/start", s.handleStart)
			r.With(s.requirePermission(rbac.ObjectService, rbac.ActionWrite)).Post("/stop", s.handleStop)
			r.With(s.requirePermission(rbac.ObjectService, rbac.ActionWrite)).Post("/check-now", s.handleCheckNow)
		})

		r.Route("/config", func(r chi.Router) {
			r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionRead)).Get("/", s.handleGetConfig)
			r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionWrite)).Put("/", s.handlePutConfig)
		})

		r.Route("/endpoints", func(r chi.Router) {
			r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionRead)).Get("/", s.handleListEndpoints)
			r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionWrite)).Post("/", s.handleAddEndpoint)
			r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionWrite)).Post("/import", s.handleImportEndpoints)
			r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionWrite)).Delete("/{id}", s.handleDeleteEndpoint)
		})

		r.Route("/queue", func(r chi.Router) {
			r.With(s.requirePermission(rbac.ObjectQueue, rbac.ActionRead)).Get("/", s.handleListQueue)
			r.With(s.requirePermission(rbac.ObjectQueue, rbac.ActionWrite)).Post("/drain", s.handleDrainQueue)
		})

		r.With(s.requirePermission(rbac.ObjectEvents, rbac.ActionRead)).Get("/events", s.handleListEvents)
		r.With(s.requirePermission(rbac.ObjectEvents, rbac.ActionRead)).Get("/results", s.handleListResults)
		r.With(s.requirePermission(rbac.ObjectStatus, rbac.ActionRead)).Get("/states", s.handleListStates)

		r.With(s.requirePermission(rbac.ObjectTriggers, rbac.ActionWrite)).Post("/triggers/{kind}", s.handleTrigger)

		r.With(s.requirePermission(rbac.ObjectStatus, rbac.ActionRead)).Get("/watchdog", s.handleWatchdogStatus)
		r.With(s.requirePermission(rbac.ObjectConfig, rbac.ActionWrite)).Post("/sync", s.handleSyncNow)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func writeSuccess(w http.ResponseWriter, message string, extra map[string]any) {
	body := map[string]any{"success": true, "message": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}
