package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/middleware"
	"github.com/studioloop/backend/internal/models"
)

// AccountLedger is the subset of the ledger service the credits endpoints use.
type AccountLedger interface {
	OpenAccount(ctx context.Context, userID uuid.UUID, monthlyAllowance int) (*models.UserCreditAccount, error)
	Balance(ctx context.Context, userID uuid.UUID) (*models.UserCreditAccount, error)
	Adjust(ctx context.Context, userID uuid.UUID, delta int, reason string) (int, error)
}

// CreditsHandler serves /v1/credits and the admin adjustment endpoint.
type CreditsHandler struct {
	Ledger           AccountLedger
	MonthlyAllowance int
	Logger           *slog.Logger
}

type accountView struct {
	MonthlyAllowance     int       `json:"monthlyAllowance"`
	ConsumedThisMonth    int       `json:"consumedThisMonth"`
	CarryoverAdjustments int       `json:"carryoverAdjustments"`
	CurrentBalance       int       `json:"currentBalance"`
	LifetimeConsumed     int       `json:"lifetimeConsumed"`
	LastResetAt          time.Time `json:"lastResetAt"`
}

func viewAccount(acc *models.UserCreditAccount) accountView {
	return accountView{
		MonthlyAllowance:     acc.MonthlyAllowance,
		ConsumedThisMonth:    acc.ConsumedThisMonth,
		CarryoverAdjustments: acc.CarryoverAdjustments,
		CurrentBalance:       acc.CurrentBalance,
		LifetimeConsumed:     acc.LifetimeConsumed,
		LastResetAt:          acc.LastResetAt,
	}
}

// GetCredits handles GET /v1/credits.
func (h *CreditsHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	acc, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account_not_found"})
			return
		}
		h.Logger.Error("get balance", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

// OpenAccount handles POST /v1/credits/account. Called by the signup flow;
// repeating it returns the existing account.
func (h *CreditsHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	acc, err := h.Ledger.OpenAccount(r.Context(), userID, h.MonthlyAllowance)
	if err != nil {
		h.Logger.Error("open account", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

type adjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// Adjust handles POST /v1/admin/users/{userId}/credits/adjust.
func (h *CreditsHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	target, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	var req adjustRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Delta == 0 || req.Reason == "" {
		http.Error(w, `{"error":"delta must be non-zero and reason is required"}`, http.StatusBadRequest)
		return
	}

	balance, err := h.Ledger.Adjust(r.Context(), target, req.Delta, "admin:"+req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "account_not_found"})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "balance_would_be_negative"})
		default:
			h.Logger.Error("adjust credits", "user_id", target, "error", err)
			http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		}
		return
	}
	h.Logger.Info("credits adjusted",
		"user_id", target, "delta", req.Delta, "by", middleware.UserIDFromCtx(r.Context()), "balance", balance)
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}
