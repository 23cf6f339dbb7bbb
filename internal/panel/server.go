package panel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/rendis/chainrun/pkg/schema"

	"github.com/rendis/chainrun/internal/registry"
	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/internal/streaming"
)

// ExperimentService is the panel's view of the experiment layer.
type ExperimentService interface {
	Launch(ctx context.Context, config schema.ExperimentConfig) error
	Cancel(ctx context.Context, experimentUUID string) error
	Progress(ctx context.Context, experimentUUID string) (*schema.ExperimentProgress, error)
}

// Deps holds the dependencies of the panel server.
type Deps struct {
	Store       store.Store
	Hub         streaming.EventHub
	Registry    *registry.Registry
	Controller  *registry.Controller
	Experiments ExperimentService
	Logger      *slog.Logger
}

// Server exposes the engine's live state over HTTP: run and experiment event
// streams via SSE plus JSON endpoints for snapshots and operator actions.
type Server struct {
	deps Deps
}

// NewServer creates the panel server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{uuid}", s.handleSSERun)
	mux.HandleFunc("GET /sse/experiments/{uuid}", s.handleSSEExperiment)

	// Snapshots.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{uuid}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/experiments/{uuid}/progress", s.handleExperimentProgress)

	// Operator actions.
	mux.HandleFunc("POST /api/runs/{uuid}/stop", s.handleStopRun)
	mux.HandleFunc("POST /api/experiments", s.handleLaunchExperiment)
	mux.HandleFunc("POST /api/experiments/{uuid}/cancel", s.handleCancelExperiment)

	return mux
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID, projectID, documentUUID, ok := runScope(r)
	if !ok {
		http.Error(w, "workspace, project and document query params are required", http.StatusBadRequest)
		return
	}
	runs, err := s.deps.Registry.List(r.Context(), workspaceID, projectID, documentUUID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(-1)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since index", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	events, err := s.deps.Store.GetRunEvents(r.Context(), r.PathValue("uuid"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	workspaceID, projectID, documentUUID, ok := runScope(r)
	if !ok {
		http.Error(w, "workspace, project and document query params are required", http.StatusBadRequest)
		return
	}
	ref := schema.RunRef{
		WorkspaceID:  workspaceID,
		ProjectID:    projectID,
		DocumentUUID: documentUUID,
		RunUUID:      r.PathValue("uuid"),
	}
	run, err := s.deps.Registry.Get(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Controller.Stop(r.Context(), run, ref); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"stopped": ref.RunUUID})
}

func (s *Server) handleExperimentProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.deps.Experiments.Progress(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, progress)
}

func (s *Server) handleLaunchExperiment(w http.ResponseWriter, r *http.Request) {
	var config schema.ExperimentConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "invalid experiment config", http.StatusBadRequest)
		return
	}
	if err := s.deps.Experiments.Launch(r.Context(), config); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]any{"experiment_uuid": config.ExperimentUUID})
}

func (s *Server) handleCancelExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Experiments.Cancel(r.Context(), r.PathValue("uuid")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"cancelled": r.PathValue("uuid")})
}

func runScope(r *http.Request) (workspaceID, projectID int64, documentUUID string, ok bool) {
	q := r.URL.Query()
	workspaceID, errW := strconv.ParseInt(q.Get("workspace"), 10, 64)
	projectID, errP := strconv.ParseInt(q.Get("project"), 10, 64)
	documentUUID = q.Get("document")
	if errW != nil || errP != nil || documentUUID == "" {
		return 0, 0, "", false
	}
	return workspaceID, projectID, documentUUID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case schema.IsNotFound(err):
		status = http.StatusNotFound
	case schema.HasCode(err, schema.ErrCodeValidation):
		status = http.StatusBadRequest
	case schema.HasCode(err, schema.ErrCodeUnprocessable):
		status = http.StatusUnprocessableEntity
	case schema.HasCode(err, schema.ErrCodeConflict):
		status = http.StatusConflict
	}

	var re *schema.RunError
	body := map[string]any{"error": err.Error()}
	if errors.As(err, &re) {
		body = map[string]any{"error": re.Message, "code": re.Code}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
