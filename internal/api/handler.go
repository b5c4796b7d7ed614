// Package api exposes the daemon's HTTP surface: starting runs, status,
// cancel, message injection and listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/namastexlabs/automagik/internal/log"
	"github.com/namastexlabs/automagik/internal/orchestrator"
	"github.com/namastexlabs/automagik/internal/registry"
	"github.com/namastexlabs/automagik/internal/workflow"
	"github.com/namastexlabs/automagik/internal/workspace"
)

// Version is stamped at build time.
var Version = "dev"

// Handler provides the HTTP endpoints over the orchestrator.
type Handler struct {
	orch *orchestrator.Orchestrator
}

// NewHandler wraps the orchestrator.
func NewHandler(orch *orchestrator.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Routes returns an http.Handler with all routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", h.StartRun)
	mux.HandleFunc("GET /runs", h.ListRuns)
	mux.HandleFunc("GET /runs/{id}/status", h.Status)
	mux.HandleFunc("POST /runs/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /runs/{id}/messages", h.InjectMessage)

	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// ErrorResponse is the body for all error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// InjectMessageRequest is the body for POST /runs/{id}/messages.
type InjectMessageRequest struct {
	Message string `json:"message"`
}

// ListRunsResponse is the body for GET /runs.
type ListRunsResponse struct {
	Runs  []*registry.Run `json:"runs"`
	Total int             `json:"total"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ActiveRuns int    `json:"active_runs"`
}

// StartRun handles POST /runs.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	q := r.URL.Query()
	if v := q.Get("temp_workspace"); v != "" {
		req.TempWorkspace = parseBool(v)
	}
	// persistent defaults to true; persistent=false asks for a throwaway
	// workspace, same as temp_workspace=true.
	if v := q.Get("persistent"); v != "" && !parseBool(v) {
		req.TempWorkspace = true
	}
	if v := q.Get("auto_merge"); v != "" {
		req.AutoMerge = parseBool(v)
	}

	resp, err := h.orch.StartRun(r.Context(), req)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// Status handles GET /runs/{id}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := registry.RunID(r.PathValue("id"))
	detailed := r.URL.Query().Get("detailed") == "true"

	report, err := h.orch.Status(r.Context(), id, detailed)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Cancel handles POST /runs/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := registry.RunID(r.PathValue("id"))

	result, err := h.orch.Cancel(r.Context(), id)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	// Termination is asynchronous; the acknowledgement only promises the
	// kill has been initiated.
	h.writeJSON(w, http.StatusAccepted, result)
}

// InjectMessage handles POST /runs/{id}/messages.
func (h *Handler) InjectMessage(w http.ResponseWriter, r *http.Request) {
	id := registry.RunID(r.PathValue("id"))

	var req InjectMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	receipt, err := h.orch.InjectMessage(r.Context(), id, req.Message)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, receipt)
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	runs, err := h.orch.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if runs == nil {
		runs = []*registry.Run{}
	}
	h.writeJSON(w, http.StatusOK, ListRunsResponse{Runs: runs, Total: len(runs)})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Version:    Version,
		ActiveRuns: h.orch.ActiveCount(),
	})
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func parseListFilter(r *http.Request) (registry.Filter, error) {
	q := r.URL.Query()
	var filter registry.Filter

	if statuses := q.Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			status := registry.Status(strings.TrimSpace(s))
			if !status.IsValid() {
				return filter, errors.New("unknown status: " + s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	filter.WorkflowName = q.Get("workflow_name")
	filter.SessionName = q.Get("session_name")

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, errors.New("since must be RFC3339")
		}
		filter.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, errors.New("until must be RFC3339")
		}
		filter.Until = &t
	}
	return filter, nil
}

// writeOrchestratorError maps orchestrator failures onto HTTP statuses.
func (h *Handler) writeOrchestratorError(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	var wsErr *workspace.Error
	var spawnErr *orchestrator.SpawnError

	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, orchestrator.ErrWrongInputFormat):
		h.writeError(w, http.StatusBadRequest, "invalid_input_format", err.Error())
	case errors.Is(err, workflow.ErrUnknown), errors.Is(err, registry.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workspace.ErrBusy):
		h.writeError(w, http.StatusConflict, "workspace_busy", err.Error())
	case errors.Is(err, orchestrator.ErrAlreadyDone), errors.Is(err, orchestrator.ErrNotRunning):
		h.writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, orchestrator.ErrNotReady):
		h.writeError(w, http.StatusRequestTimeout, "not_ready", err.Error())
	case errors.Is(err, orchestrator.ErrCapacity):
		h.writeError(w, http.StatusTooManyRequests, "capacity", err.Error())
	case errors.As(err, &wsErr):
		h.writeError(w, http.StatusInternalServerError, "workspace_error", err.Error())
	case errors.As(err, &spawnErr):
		h.writeError(w, http.StatusInternalServerError, "spawn_error", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "encode response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// Server wraps the handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
}

// NewServer binds addr immediately so port conflicts surface before the
// daemon reports ready.
func NewServer(handler *Handler, addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until Shutdown or a listener error.
func (s *Server) Serve() error {
	log.Info(log.CatAPI, "http server listening", "addr", s.Addr())
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
