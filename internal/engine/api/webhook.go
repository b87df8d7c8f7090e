package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"bnplengine/internal/common/api"
	"bnplengine/internal/reconcile"
)

// WebhookHandler handles gateway webhook callbacks. The gateway retries
// on anything but 2xx, so the only rejections are malformed bodies and
// bad signatures; every business-state mismatch is absorbed with a 200.
type WebhookHandler struct {
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a gateway webhook handler.
func NewWebhookHandler(reconciler *reconcile.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, logger: logger}
}

// ServeHTTP handles POST /webhooks/gateway.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("reading webhook body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Gateway-Signature")
	if err := h.reconciler.VerifySignature(body, signature); err != nil {
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeBadRequest, "invalid signature")
		return
	}

	var event reconcile.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("parsing webhook payload", "error", err)
		api.BadRequest(w, "invalid json")
		return
	}
	if err := api.Validate.Struct(&event); err != nil {
		api.ValidationError(w, err)
		return
	}

	h.logger.Info("received gateway webhook",
		"event_id", event.EventID,
		"intent_ref", event.IntentRef,
		"outcome", event.Outcome,
	)

	result, err := h.reconciler.Reconcile(ctx, &event)
	if err != nil {
		// Transient (store down, etc): NACK so the gateway redelivers.
		h.logger.Error("webhook reconciliation failed", "event_id", event.EventID, "error", err)
		api.InternalError(w, "reconciliation failed")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}
