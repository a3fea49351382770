package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/models"
	"analysis-orchestrator/internal/notify"
	"analysis-orchestrator/internal/orchestrator"
	"analysis-orchestrator/internal/registry"
	"analysis-orchestrator/internal/store"
	"analysis-orchestrator/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server wires HTTP handlers for webhook intake and job observability.
type Server struct {
	cfg      config.Config
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	notifier *notify.Broadcaster
	log      *zap.SugaredLogger
}

// New constructs the API server.
func New(cfg config.Config, reg *registry.Registry, orch *orchestrator.Orchestrator, notifier *notify.Broadcaster, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		orch:     orch,
		notifier: notifier,
		log:      log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/logs", s.handleGetLogs)
	r.Get("/jobs/{id}/stream", s.handleStream)
	return r
}

// handleWebhook accepts a normalized event (vendor payload parsing happens
// upstream) and hands it to the orchestrator. The response acknowledges intake
// only; orchestration runs detached from the request's lifecycle.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var evt orchestrator.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if evt.ProjectID == 0 || evt.JobType == "" {
		http.Error(w, "project_id and job_type are required", http.StatusBadRequest)
		return
	}
	if evt.Trigger == "" {
		evt.Trigger = models.TriggerWebhook
	}

	go func() {
		ctx := context.Background()
		if err := s.orch.Handle(ctx, evt); err != nil {
			s.log.Errorw("handle event", "provider", provider, "project", evt.ProjectID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	logs, err := s.registry.Logs(r.Context(), job)
	if err != nil {
		http.Error(w, "log read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ExternalID, "logs": logs})
}

// handleStream upgrades to a websocket and streams the job's log trail: the
// persisted backlog first, then live events. Live events whose sequence number
// falls inside the backlog are dropped, so clients never observe entries out of
// order relative to persisted state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the backlog so no entry can fall in the gap.
	events, cancel := s.notifier.Subscribe(r.Context(), job.ExternalID)
	defer cancel()

	backlog, err := s.registry.Logs(r.Context(), job)
	if err != nil {
		http.Error(w, "log read failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade", "job", job.ExternalID, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so closes are detected.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSeq := 0
	for _, entry := range backlog {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
		lastSeq = entry.Seq
	}

	if models.IsTerminal(job.Status) {
		return
	}

	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				// Topic torn down: the job reached a terminal state.
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
