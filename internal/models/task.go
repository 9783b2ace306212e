package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of an EnhancementTask.
type TaskState string

const (
	TaskStateCreated    TaskState = "CREATED"
	TaskStateSubmitted  TaskState = "SUBMITTED"
	TaskStateProcessing TaskState = "PROCESSING"
	TaskStateSucceeded  TaskState = "SUCCEEDED"
	TaskStateFailed     TaskState = "FAILED"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// ActiveTaskStates are the non-terminal states.
var ActiveTaskStates = []TaskState{TaskStateCreated, TaskStateSubmitted, TaskStateProcessing}

// transitionSources maps a target state to the states it may be entered from.
var transitionSources = map[TaskState][]TaskState{
	TaskStateSubmitted:  {TaskStateCreated},
	TaskStateProcessing: {TaskStateSubmitted},
	TaskStateSucceeded:  {TaskStateSubmitted, TaskStateProcessing},
	TaskStateFailed:     {TaskStateCreated, TaskStateSubmitted, TaskStateProcessing},
}

// TransitionSources returns the states from which to may be entered, or nil
// if to is never a valid target.
func TransitionSources(to TaskState) []TaskState {
	return transitionSources[to]
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// RefundStatus is orthogonal to TaskState and only ever set on FAILED tasks.
type RefundStatus string

const (
	RefundStatusNone     RefundStatus = ""
	RefundStatusRefunded RefundStatus = "REFUNDED"
	RefundStatusDenied   RefundStatus = "REFUND_DENIED"
)

// Failure classifications recorded in EnhancementTask.ErrorType.
const (
	ErrorTypeSubmission          = "submission_error"
	ErrorTypeTimeout             = "timeout"
	ErrorTypeInternal            = "internal_error"
	ErrorTypeProviderUnavailable = "provider_unavailable"
	ErrorTypeProviderRejected    = "provider_rejected"
	ErrorTypeContentPolicy       = "content_policy_violation"
	ErrorTypeInvalidInput        = "invalid_input"
)

// Job kinds accepted by the provider.
const (
	JobKindImageEnhance = "image_enhance"
	JobKindImageUpscale = "image_upscale"
	JobKindImageRestore = "image_restore"
	JobKindVideoEnhance = "video_enhance"
	JobKindVideoUpscale = "video_upscale"
)

// JobSpec is the user's enhancement request.
type JobSpec struct {
	Kind        string `json:"kind"`
	SourceURL   string `json:"sourceUrl"`
	Prompt      string `json:"prompt,omitempty"`
	CostCredits int    `json:"costCredits"`
}

// ResourceKey identifies the thing being enhanced for duplicate detection.
func (j JobSpec) ResourceKey() string {
	return j.Kind + ":" + strings.TrimSpace(j.SourceURL)
}

type EnhancementTask struct {
	ID             uuid.UUID    `json:"id"`
	UserID         uuid.UUID    `json:"user_id"`
	ProviderTaskID string       `json:"provider_task_id,omitempty"`
	ResourceKey    string       `json:"-"`
	Kind           string       `json:"kind"`
	SourceURL      string       `json:"source_url"`
	Prompt         string       `json:"prompt,omitempty"`
	CreditsDebited int          `json:"credits_debited"`
	State          TaskState    `json:"state"`
	RefundStatus   RefundStatus `json:"refund_status,omitempty"`
	ErrorType      string       `json:"error_type,omitempty"`
	ResultURL      string       `json:"result_url,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	TerminalAt     *time.Time   `json:"terminal_at,omitempty"`
}

// TaskUpdate carries the fields written by a state transition.
type TaskUpdate struct {
	State      TaskState
	ErrorType  string
	ResultURL  string
	TerminalAt *time.Time
}

// TaskArtifact records a result copied into platform storage.
type TaskArtifact struct {
	TaskID    uuid.UUID `json:"task_id"`
	ObjectKey string    `json:"object_key"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
