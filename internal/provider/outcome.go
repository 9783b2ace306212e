package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// State is the provider-side job state, normalized.
type State string

const (
	StateProcessing State = "PROCESSING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
)

// ParseState normalizes the status vocabularies providers use.
func ParseState(raw string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "completed", "done":
		return StateSucceeded, true
	case "failed", "fail", "error", "cancelled", "canceled":
		return StateFailed, true
	case "processing", "pending", "queued", "queueing", "waiting", "generating", "running", "submitted":
		return StateProcessing, true
	}
	return "", false
}

// Status is one poll result.
type Status struct {
	ProviderTaskID string
	State          State
	ResultURL      string
	ErrorCode      string
}

// Outcome converts the status into a tagged outcome.
func (s *Status) Outcome() (Outcome, error) {
	return newOutcome(s.State, s.ResultURL, s.ErrorCode)
}

// Outcome is the tagged result reported by the provider, either via poll or
// webhook. It is one of Succeeded, Failed or Processing.
type Outcome interface {
	isOutcome()
}

type Succeeded struct {
	ResultURL string
}

type Failed struct {
	ErrorType string
}

// Processing means the provider acknowledged the job and is working on it.
type Processing struct{}

func (Succeeded) isOutcome()  {}
func (Failed) isOutcome()     {}
func (Processing) isOutcome() {}

// ErrInvalidCallback marks a callback body that cannot be turned into an Outcome.
var ErrInvalidCallback = errors.New("invalid provider callback")

// Callback is a decoded webhook delivery.
type Callback struct {
	ProviderTaskID string
	Outcome        Outcome
}

// ParseCallback validates a webhook body:
// {providerTaskId, status: SUCCEEDED|FAILED|PROCESSING, resultUrl?, errorCode?}.
func ParseCallback(body []byte) (*Callback, error) {
	var raw struct {
		ProviderTaskID string `json:"providerTaskId"`
		Status         string `json:"status"`
		ResultURL      string `json:"resultUrl"`
		ErrorCode      string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if strings.TrimSpace(raw.ProviderTaskID) == "" {
		return nil, fmt.Errorf("%w: providerTaskId is required", ErrInvalidCallback)
	}
	state, ok := ParseState(raw.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCallback, raw.Status)
	}
	outcome, err := newOutcome(state, raw.ResultURL, raw.ErrorCode)
	if err != nil {
		return nil, err
	}
	return &Callback{ProviderTaskID: strings.TrimSpace(raw.ProviderTaskID), Outcome: outcome}, nil
}

func newOutcome(state State, resultURL, errorCode string) (Outcome, error) {
	switch state {
	case StateSucceeded:
		if strings.TrimSpace(resultURL) == "" {
			return nil, fmt.Errorf("%w: resultUrl is required for SUCCEEDED", ErrInvalidCallback)
		}
		return Succeeded{ResultURL: strings.TrimSpace(resultURL)}, nil
	case StateFailed:
		return Failed{ErrorType: NormalizeErrorType(errorCode)}, nil
	case StateProcessing:
		return Processing{}, nil
	}
	return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidCallback, state)
}

// NormalizeErrorType turns a provider error code into a refund policy key.
// An empty code becomes internal_error.
func NormalizeErrorType(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "internal_error"
	}
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(code)
}
