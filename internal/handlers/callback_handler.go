package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/studioloop/backend/internal/provider"
	"github.com/studioloop/backend/internal/services"
)

const maxCallbackBody = 65536

// CallbackApplier routes a verified provider callback into the tracker.
type CallbackApplier interface {
	ApplyCallback(ctx context.Context, cb *provider.Callback) (*services.TransitionResult, error)
}

// CallbackHandler serves POST /callback. Deliveries are signed by the
// provider with the shared secret using the Svix scheme (svix-id,
// svix-timestamp, svix-signature headers).
type CallbackHandler struct {
	verifier *svix.Webhook
	tracker  CallbackApplier
	logger   *slog.Logger
}

func NewCallbackHandler(signingSecret string, tracker CallbackApplier, logger *slog.Logger) (*CallbackHandler, error) {
	wh, err := svix.NewWebhook(signingSecret)
	if err != nil {
		return nil, err
	}
	return &CallbackHandler{verifier: wh, tracker: tracker, logger: logger}, nil
}

func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}

	headers := http.Header{}
	headers.Set("svix-id", r.Header.Get("svix-id"))
	headers.Set("svix-timestamp", r.Header.Get("svix-timestamp"))
	headers.Set("svix-signature", r.Header.Get("svix-signature"))
	if err := h.verifier.Verify(payload, headers); err != nil {
		h.logger.Warn("callback signature rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	cb, err := provider.ParseCallback(payload)
	if err != nil {
		h.logger.Warn("malformed callback", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload", "reason": err.Error()})
		return
	}

	res, err := h.tracker.ApplyCallback(r.Context(), cb)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_task"})
			return
		}
		h.logger.Error("apply callback", "provider_task_id", cb.ProviderTaskID, "error", err)
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}

	result := "ignored"
	if res.Applied {
		result = "applied"
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}
