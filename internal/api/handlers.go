package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowmesh/conductor/internal/capability"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/graph"
	"github.com/flowmesh/conductor/internal/graphstore"
	"github.com/flowmesh/conductor/internal/metrics"
	"github.com/flowmesh/conductor/internal/miner"
	"github.com/flowmesh/conductor/internal/proposal"
	"github.com/flowmesh/conductor/internal/scheduler"
	"github.com/flowmesh/conductor/internal/validator"
	"github.com/flowmesh/conductor/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     graphstore.GraphStore
	scheduler *scheduler.Scheduler
	registry  *capability.Registry
	validator *validator.Validator
	proposals *proposal.Manager
	miner     *miner.Miner
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store graphstore.GraphStore, sched *scheduler.Scheduler, registry *capability.Registry, v *validator.Validator, proposals *proposal.Manager, m *miner.Miner, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		scheduler: sched,
		registry:  registry,
		validator: v,
		proposals: proposals,
		miner:     m,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "graph store unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ready",
		"graphstore": info,
	})
}

// --- Task Management ---

// SubmitTaskResponse is the response body after accepting a task graph.
type SubmitTaskResponse struct {
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	EventsURL string `json:"events_url"`
}

// SubmitTask handles POST /api/v1/tasks. The submission is schema-checked,
// validated into a DAG, persisted, and handed to the scheduler.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if result := h.validator.ValidateSubmissionJSON(body); !result.Valid {
		details := make(map[string]interface{}, len(result.Errors))
		for _, verr := range result.Errors {
			details[verr.Path] = verr.Message
		}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"submission failed schema validation", details)
		return
	}

	var sub types.TaskSubmission
	if err := json.Unmarshal(body, &sub); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if sub.TenantID == "" {
		sub.TenantID = r.Header.Get("X-Tenant-ID")
	}

	for i := range sub.Agents {
		if !h.registry.Exists(sub.Agents[i].Type) {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
				"unknown capability type", map[string]interface{}{
					"agent": sub.Agents[i].Name,
					"type":  sub.Agents[i].Type,
				})
			return
		}
	}

	g, err := graph.Validate(&sub)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"invalid task graph", map[string]interface{}{"reason": err.Error()})
		return
	}

	if err := h.store.CreateGraph(ctx, g); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to persist graph", err)
		return
	}

	if err := h.scheduler.Run(g); err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to start graph", err)
		return
	}
	metrics.GraphsSubmitted.Inc()

	h.respondJSON(w, http.StatusCreated, SubmitTaskResponse{
		TaskID:    g.ID,
		Status:    string(types.GraphStatusRunning),
		EventsURL: "/api/v1/tasks/" + g.ID + "/events",
	})
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.store.ListGraphs(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": ids})
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	graphID := mux.Vars(r)["id"]

	g, err := h.store.GetGraph(ctx, graphID)
	if err != nil {
		if errors.Is(err, graphstore.ErrGraphNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get task", err)
		return
	}

	agents := make([]types.AgentStatus, len(g.Records))
	for i := range g.Records {
		agents[i] = types.AgentStatus{
			Name:    g.Records[i].Name,
			State:   g.Records[i].State,
			Attempt: g.Records[i].Attempt,
			Error:   g.Records[i].Error,
		}
	}

	h.respondJSON(w, http.StatusOK, types.GraphStatusResponse{
		ID:     g.ID,
		Status: g.Status,
		Agents: agents,
	})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	graphID := mux.Vars(r)["id"]

	if err := h.scheduler.Cancel(graphID); err != nil {
		// Not in flight; distinguish unknown from already finished.
		meta, merr := h.store.GetGraphMeta(ctx, graphID)
		if merr != nil {
			h.respondError(w, http.StatusNotFound, "task not found", merr)
			return
		}
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict,
			"task is not running", map[string]interface{}{"status": meta.Status})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- Capability Discovery ---

// ListCapabilities handles GET /api/v1/capabilities
func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": h.registry.List(),
	})
}

// --- Store Diagnostics ---

// StoreInfo handles GET /api/v1/graphstore/info
func (h *Handlers) StoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "graph store unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Response Helpers ---

// decodeJSONBody decodes a request body into v, tolerating an empty body.
func decodeJSONBody(r *http.Request, v interface{}) {
	if r.Body == nil {
		return
	}
	defer r.Body.Close()
	_ = json.NewDecoder(r.Body).Decode(v)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": err.Error(),
	})
}
