package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMonthlyAllowance is granted to accounts opened without an explicit plan allowance.
const DefaultMonthlyAllowance = 10

// UserCreditAccount holds the per-user spendable balance and its consumption counters.
// Only the ledger writes these fields.
type UserCreditAccount struct {
	UserID               uuid.UUID `json:"user_id"`
	MonthlyAllowance     int       `json:"monthly_allowance"`
	ConsumedThisMonth    int       `json:"consumed_this_month"`
	CarryoverAdjustments int       `json:"carryover_adjustments"`
	CurrentBalance       int       `json:"current_balance"`
	LifetimeConsumed     int       `json:"lifetime_consumed"`
	OpeningBalance       int       `json:"-"`
	LastResetAt          time.Time `json:"last_reset_at"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// DerivedBalance is the balance implied by the counters:
// monthly allowance minus this month's consumption plus carried adjustments.
func (a *UserCreditAccount) DerivedBalance() int {
	return a.MonthlyAllowance - a.ConsumedThisMonth + a.CarryoverAdjustments
}
