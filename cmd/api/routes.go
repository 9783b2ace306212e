package main

import (
	"log/slog"
	"net/http"

	"github.com/studioloop/backend/internal/config"
	"github.com/studioloop/backend/internal/handlers"
	"github.com/studioloop/backend/internal/ledger"
	"github.com/studioloop/backend/internal/middleware"
	"github.com/studioloop/backend/internal/repository"
	"github.com/studioloop/backend/internal/router"
	"github.com/studioloop/backend/internal/services"
)

// newRouter builds the handlers and mounts them. Auth is JWT on /v1 and the
// provider signature on /callback.
func newRouter(
	cfg config.Config,
	gateway *services.Gateway,
	store *repository.Store,
	ledgerSvc *ledger.Service,
	tracker *services.Tracker,
	logger *slog.Logger,
) (http.Handler, error) {
	validator, err := services.NewValidator()
	if err != nil {
		return nil, err
	}

	callback, err := handlers.NewCallbackHandler(cfg.CallbackSigningSecret, tracker, logger)
	if err != nil {
		return nil, err
	}

	th := &handlers.TaskHandler{
		Gateway:   gateway,
		Tasks:     store,
		Validator: validator,
		Logger:    logger,
	}
	ch := &handlers.CreditsHandler{
		Ledger:           ledgerSvc,
		MonthlyAllowance: cfg.DefaultMonthlyAllowance,
		Logger:           logger,
	}

	return router.New(th, ch, callback, router.Options{
		Verifier:           middleware.NewTokenVerifier(cfg.JWTSecret),
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		CallbackRatePerMin: cfg.CallbackRatePerMinute,
	}), nil
}
