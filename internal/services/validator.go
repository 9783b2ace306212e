package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/studioloop/backend/internal/models"
)

//go:embed schemas/submit_task.v1.json
var schemaFS embed.FS

const submitSchemaID = "https://studioloop.app/schemas/submit_task.v1.json"

// ErrValidation can be used with errors.Is to detect request validation failures.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a malformed submission.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SubmitRequest is a validated submission.
type SubmitRequest struct {
	UserID  uuid.UUID
	JobSpec models.JobSpec
}

type Validator struct {
	submit *jsonschema.Schema
}

// NewValidator compiles the embedded submission schema.
func NewValidator() (*Validator, error) {
	data, err := schemaFS.ReadFile("schemas/submit_task.v1.json")
	if err != nil {
		return nil, fmt.Errorf("read submit schema: %w", err)
	}
	schema, err := jsonschema.CompileString(submitSchemaID, string(data))
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	return &Validator{submit: schema}, nil
}

// ValidateSubmit checks body against the submission schema and decodes it.
func (v *Validator) ValidateSubmit(body []byte) (*SubmitRequest, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ValidationError{Reason: "invalid JSON"}
	}
	if err := v.submit.Validate(doc); err != nil {
		return nil, &ValidationError{Reason: schemaReason(err)}
	}
	var raw struct {
		UserID  string         `json:"userId"`
		JobSpec models.JobSpec `json:"jobSpec"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	userID, err := uuid.Parse(raw.UserID)
	if err != nil {
		return nil, &ValidationError{Reason: "userId must be a UUID"}
	}
	return &SubmitRequest{UserID: userID, JobSpec: raw.JobSpec}, nil
}

// schemaReason flattens a schema failure to its most specific message.
func schemaReason(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}
