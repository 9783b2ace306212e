package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/middleware"
	"github.com/studioloop/backend/internal/models"
	"github.com/studioloop/backend/internal/services"
)

const maxSubmitBody = 1 << 20

// Submitter runs the submission path.
type Submitter interface {
	Submit(ctx context.Context, userID uuid.UUID, spec models.JobSpec) (*services.SubmitResult, error)
}

// TaskReader loads a task by id.
type TaskReader interface {
	GetTask(ctx context.Context, id uuid.UUID) (*models.EnhancementTask, error)
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Gateway   Submitter
	Tasks     TaskReader
	Validator *services.Validator
	Logger    *slog.Logger
}

// --- POST /v1/tasks ---

type submitResponse struct {
	TaskID       string              `json:"taskId"`
	State        models.TaskState    `json:"state"`
	RefundStatus models.RefundStatus `json:"refundStatus,omitempty"`
	ErrorType    string              `json:"errorType,omitempty"`
	Balance      int                 `json:"balance"`
}

// Submit handles POST /v1/tasks.
// Auth (middleware) -> Validate -> Guard -> Debit -> Provider -> 201.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	req, err := h.Validator.ValidateSubmit(body)
	if err != nil {
		var verr *services.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed", "reason": verr.Reason})
			return
		}
		h.Logger.Error("validate submission", "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	if req.UserID != userID {
		http.Error(w, `{"error":"user_mismatch"}`, http.StatusForbidden)
		return
	}

	res, err := h.Gateway.Submit(r.Context(), userID, req.JobSpec)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient_credits"})
		case errors.Is(err, services.ErrRateLimited):
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		case errors.Is(err, services.ErrDuplicateSubmission):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate_submission"})
		case errors.Is(err, ledger.ErrAccountNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account_not_found"})
		case errors.Is(err, ledger.ErrInvalidAmount):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed", "reason": "costCredits must be positive"})
		default:
			h.Logger.Error("submit task", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		TaskID:       res.Task.ID.String(),
		State:        res.Task.State,
		RefundStatus: res.Task.RefundStatus,
		ErrorType:    res.Task.ErrorType,
		Balance:      res.Balance,
	})
}

// --- GET /v1/tasks/{id} ---

type taskView struct {
	TaskID         string              `json:"taskId"`
	State          models.TaskState    `json:"state"`
	Kind           string              `json:"kind"`
	SourceURL      string              `json:"sourceUrl"`
	CreditsDebited int                 `json:"creditsDebited"`
	RefundStatus   models.RefundStatus `json:"refundStatus,omitempty"`
	ErrorType      string              `json:"errorType,omitempty"`
	ResultURL      string              `json:"resultUrl,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	TerminalAt     *time.Time          `json:"terminalAt,omitempty"`
}

// GetTask handles GET /v1/tasks/{id}. Tasks owned by someone else are
// reported as not found.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get task", "task_id", taskID, "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	if task.UserID != userID {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, taskView{
		TaskID:         task.ID.String(),
		State:          task.State,
		Kind:           task.Kind,
		SourceURL:      task.SourceURL,
		CreditsDebited: task.CreditsDebited,
		RefundStatus:   task.RefundStatus,
		ErrorType:      task.ErrorType,
		ResultURL:      task.ResultURL,
		CreatedAt:      task.CreatedAt,
		TerminalAt:     task.TerminalAt,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
