package models

import (
	"time"

	"github.com/google/uuid"
)

type RefundPolicy struct {
	ErrorType        string `json:"error_type"`
	ShouldRefund     bool   `json:"should_refund"`
	RefundPercentage int    `json:"refund_percentage"`
}

// DefaultRefundPolicies mirrors the rows seeded into refund_policies.
var DefaultRefundPolicies = []RefundPolicy{
	{ErrorType: ErrorTypeSubmission, ShouldRefund: true, RefundPercentage: 100},
	{ErrorType: ErrorTypeInternal, ShouldRefund: true, RefundPercentage: 100},
	{ErrorType: ErrorTypeTimeout, ShouldRefund: true, RefundPercentage: 100},
	{ErrorType: ErrorTypeProviderUnavailable, ShouldRefund: true, RefundPercentage: 100},
	{ErrorType: ErrorTypeProviderRejected, ShouldRefund: true, RefundPercentage: 100},
	{ErrorType: "partial_result", ShouldRefund: true, RefundPercentage: 50},
	{ErrorType: ErrorTypeContentPolicy, ShouldRefund: false, RefundPercentage: 0},
	{ErrorType: ErrorTypeInvalidInput, ShouldRefund: false, RefundPercentage: 0},
}

// RefundRecord is unique per task.
type RefundRecord struct {
	ID              uuid.UUID `json:"id"`
	TaskID          uuid.UUID `json:"task_id"`
	UserID          uuid.UUID `json:"user_id"`
	CreditsRefunded int       `json:"credits_refunded"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}
