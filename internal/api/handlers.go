package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/bus"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/config"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/dispatcher"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/validator"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	pools      *pool.Registry
	bus        bus.Bus
	validator  *validator.Validator
	config     *config.Config
	logger     *slog.Logger

	// heartbeat is the keep-alive interval of event streams.
	heartbeat time.Duration
}

// NewHandlers creates a new Handlers instance. The pool registry may be nil,
// in which case only the dispatcher's executor pool is exposed.
func NewHandlers(st store.Store, d *dispatcher.Dispatcher, pools *pool.Registry, b bus.Bus, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Defaults()
	}
	if pools == nil {
		pools = pool.NewRegistry(d.Nodes())
	}
	return &Handlers{
		store:      st,
		dispatcher: d,
		pools:      pools,
		bus:        b,
		validator:  v,
		config:     cfg,
		logger:     logger,
		heartbeat:  15 * time.Second,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the durable store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.store.Ping(r.Context()); err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "store unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ready",
		"store_latency_ms": time.Since(start).Milliseconds(),
		"workflows":        len(h.dispatcher.Workflows()),
		"nodes":            h.dispatcher.Nodes().Len(),
	})
}

// --- Workflow Management ---

// WorkflowResponse is the detailed view of one workflow.
type WorkflowResponse struct {
	Workflow *types.WorkflowRecord `json:"workflow"`
	Progress types.Progress        `json:"progress"`
	Tasks    []*types.Task         `json:"tasks"`
	Live     bool                  `json:"live"`
}

// SubmitWorkflowResponse is returned after a workflow is accepted.
type SubmitWorkflowResponse struct {
	WorkflowID string            `json:"workflow_id"`
	Status     string            `json:"status"`
	TaskIDs    map[string]string `json:"task_ids"`
	EventsURL  string            `json:"events_url"`
}

// SubmitWorkflow handles POST /api/v1/workflows
func (h *Handlers) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if h.validator != nil {
		if res := h.validator.ValidateWorkflowJSON(data); !res.Valid {
			writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidationFailed,
				"workflow failed validation", map[string]interface{}{"errors": res.Errors})
			return
		}
	}

	var req SubmitWorkflowRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	wf, ids, err := req.Build(h.config.DefaultMaxRetries)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		h.respondError(w, r, status, "invalid workflow", err)
		return
	}
	if err := h.dispatcher.Submit(r.Context(), wf); err != nil {
		h.respondError(w, r, statusForError(err), "failed to submit workflow", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, SubmitWorkflowResponse{
		WorkflowID: wf.ID(),
		Status:     string(wf.Status()),
		TaskIDs:    ids,
		EventsURL:  "/api/v1/workflows/" + wf.ID() + "/events",
	})
}

// ListWorkflows handles GET /api/v1/workflows. An optional status query
// parameter filters the result.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListWorkflows(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": recs,
		"count":     len(recs),
	})
}

// GetWorkflow handles GET /api/v1/workflows/{id}. Live workflows are read
// from the dispatcher; detached ones from the store.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if wf, ok := h.dispatcher.Workflow(id); ok {
		h.respondJSON(w, http.StatusOK, WorkflowResponse{
			Workflow: wf.Record(),
			Progress: wf.Progress(),
			Tasks:    wf.Tasks(),
			Live:     true,
		})
		return
	}

	ctx := r.Context()
	rec, err := h.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			h.respondError(w, r, http.StatusNotFound, "workflow not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get workflow", err)
		return
	}
	tasks, err := h.store.ListTasks(ctx, id)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}
	h.respondJSON(w, http.StatusOK, WorkflowResponse{
		Workflow: rec,
		Progress: progressOf(rec, tasks),
		Tasks:    tasks,
	})
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		h.respondError(w, r, statusForError(err), "failed to cancel workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": "cancelled"})
}

// RetryWorkflow handles POST /api/v1/workflows/{id}/retry
func (h *Handlers) RetryWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ids, err := h.dispatcher.RetryFailed(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusForError(err), "failed to retry workflow", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"reset_tasks": ids,
	})
}

// --- Helper Methods ---

func progressOf(rec *types.WorkflowRecord, tasks []*types.Task) types.Progress {
	p := types.Progress{Total: rec.TotalTasks}
	if p.Total == 0 {
		p.Total = len(tasks)
	}
	for _, t := range tasks {
		switch t.Status {
		case types.TaskStatusCompleted:
			p.Completed++
		case types.TaskStatusFailed, types.TaskStatusCancelled:
			p.Failed++
		case types.TaskStatusAssigned, types.TaskStatusProcessing:
			p.Running++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	} else {
		h.logger.Debug(message, "error", err, "status", status)
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
