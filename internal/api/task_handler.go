package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/phrazzld/genflow/internal/api/shared"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/platform/logger"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/phrazzld/genflow/internal/task"
)

// TaskService is the part of the dispatcher the task handler needs.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (task.SubmitResult, error)
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
}

// TaskHandler handles task submission and rehydration.
type TaskHandler struct {
	tasks TaskService
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(tasks TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// SubmitTask handles POST /api/tasks. It returns 202 for a new task and 200
// with already_in_progress when the request coalesced onto an active one.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		if errors.Is(err, shared.ErrEmptyBody) {
			HandleAPIError(w, r, err, "")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	result, err := h.tasks.Submit(r.Context(), task.SubmitRequest{
		Kind:        kind,
		OwnerID:     ownerID,
		Fingerprint: req.ResourceFingerprint,
		Params:      req.Params,
		Priority:    req.Priority,
	})
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) && conflict.Existing != nil && conflict.Existing.OwnerID == ownerID {
			logger.FromContext(r.Context()).Debug("submission conflicts with active task",
				"task_id", conflict.Existing.ID,
				"resource_fingerprint", conflict.Fingerprint)
			shared.RespondWithJSON(w, r, http.StatusConflict, ConflictResponse{
				Error:   GetSafeErrorMessage(err),
				TraceID: shared.GetTraceID(r.Context()),
				Task:    newTaskResponse(conflict.Existing),
			})
			return
		}
		HandleAPIError(w, r, err, "")
		return
	}

	status := http.StatusAccepted
	if !result.Created {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, SubmitTaskResponse{
		Task:              newTaskResponse(result.Record),
		AlreadyInProgress: !result.Created,
	})
}

// GetTask handles GET /api/tasks/{id}. Tasks of other owners are reported
// as not found.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	rec, err := h.tasks.Get(r.Context(), id.String())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if rec.OwnerID != ownerID {
		HandleAPIError(w, r, store.ErrTaskRecordNotFound, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newTaskResponse(rec))
}
