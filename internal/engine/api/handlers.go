// Package api exposes the installment engine over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bnplengine/internal/common/api"
	"bnplengine/internal/common/database"
	"bnplengine/internal/earlypay"
	"bnplengine/internal/engine"
	"bnplengine/internal/ledger/domain"
	"bnplengine/internal/plan"
)

// Handler handles installment engine HTTP requests.
type Handler struct {
	service *engine.Service
}

// NewHandler creates an engine handler.
func NewHandler(service *engine.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the engine routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/transactions", h.ApproveTransaction)
	r.Get("/transactions/{id}", h.GetTransaction)
	r.Post("/transactions/{id}/cancel", h.CancelTransaction)
	r.Post("/transactions/{id}/early-payment/quote", h.QuoteEarlyPayment)

	r.Post("/payments/{id}/confirm", h.ConfirmPayment)
	r.Post("/payments/{id}/cancel", h.CancelPayment)

	r.Post("/early-payment/{quoteId}/settle", h.SettleEarly)

	return r
}

// ApproveTransactionRequest is the API request for admitting a purchase.
type ApproveTransactionRequest struct {
	UserID         string        `json:"user_id" validate:"required"`
	MerchantID     string        `json:"merchant_id" validate:"required"`
	PrincipalMinor int64         `json:"principal_minor" validate:"required,gt=0"`
	Currency       string        `json:"currency" validate:"required,len=3"`
	Installments   int           `json:"installments" validate:"required,gt=0"`
	FirstDueDate   time.Time     `json:"first_due_date" validate:"required"`
	Items          []domain.Item `json:"items,omitempty"`
}

// ApproveTransaction handles POST /transactions.
func (h *Handler) ApproveTransaction(w http.ResponseWriter, r *http.Request) {
	var req ApproveTransactionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	view, err := h.service.ApproveTransaction(r.Context(), &engine.ApproveRequest{
		UserID:         req.UserID,
		MerchantID:     req.MerchantID,
		PrincipalMinor: req.PrincipalMinor,
		Currency:       req.Currency,
		Installments:   req.Installments,
		FirstDueDate:   req.FirstDueDate,
		Items:          req.Items,
	})
	if err != nil {
		if errors.Is(err, plan.ErrInvalidPlan) {
			api.UnprocessableEntity(w, api.ErrCodeInvalidPlan, err.Error())
			return
		}
		api.InternalError(w, "failed to approve transaction")
		return
	}

	api.WriteData(w, http.StatusCreated, view)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to load transaction")
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// CancelTransaction handles POST /transactions/{id}/cancel.
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.service.CancelTransaction(r.Context(), id)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "transaction not found")
		case errors.Is(err, engine.ErrNotCancellable), errors.Is(err, domain.ErrInvalidTransition):
			api.Conflict(w, err.Error())
		case database.IsVersionConflict(err):
			api.Conflict(w, "transaction was modified concurrently, retry")
		default:
			api.InternalError(w, "failed to cancel transaction")
		}
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// ConfirmPaymentRequest carries the instrument for a payment attempt.
type ConfirmPaymentRequest struct {
	InstrumentToken string `json:"instrument_token" validate:"required"`
}

// ConfirmPayment handles POST /payments/{id}/confirm.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ConfirmPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	payment, err := h.service.ConfirmPayment(r.Context(), id, req.InstrumentToken)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "payment not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			api.Conflict(w, err.Error())
		case database.IsVersionConflict(err):
			api.Conflict(w, "payment was claimed concurrently, retry")
		default:
			api.InternalError(w, "payment attempt failed")
		}
		return
	}

	api.WriteData(w, http.StatusOK, payment)
}

// CancelPaymentRequest carries an optional cancellation reason.
type CancelPaymentRequest struct {
	Reason string `json:"reason"`
}

// CancelPayment handles POST /payments/{id}/cancel.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CancelPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	payment, err := h.service.CancelPayment(r.Context(), id, req.Reason)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "payment not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			api.Conflict(w, err.Error())
		default:
			api.InternalError(w, "failed to cancel payment")
		}
		return
	}

	api.WriteData(w, http.StatusOK, payment)
}

// QuoteEarlyPaymentRequest selects the payments to settle early.
type QuoteEarlyPaymentRequest struct {
	PaymentIDs []string `json:"payment_ids" validate:"required,min=1"`
}

// QuoteEarlyPayment handles POST /transactions/{id}/early-payment/quote.
func (h *Handler) QuoteEarlyPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req QuoteEarlyPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	quote, err := h.service.QuoteEarlyPayment(r.Context(), id, req.PaymentIDs)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "transaction not found")
		case errors.Is(err, earlypay.ErrNotEligible):
			api.UnprocessableEntity(w, api.ErrCodeNotEligible, err.Error())
		default:
			api.InternalError(w, "failed to quote early payment")
		}
		return
	}

	api.WriteData(w, http.StatusOK, quote)
}

// SettleEarlyRequest carries the instrument for an early settlement.
type SettleEarlyRequest struct {
	InstrumentToken string `json:"instrument_token" validate:"required"`
}

// SettleEarly handles POST /early-payment/{quoteId}/settle.
func (h *Handler) SettleEarly(w http.ResponseWriter, r *http.Request) {
	quoteID := chi.URLParam(r, "quoteId")

	var req SettleEarlyRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	view, err := h.service.SettleEarly(r.Context(), quoteID, req.InstrumentToken)
	if err != nil {
		switch {
		case errors.Is(err, earlypay.ErrQuoteNotFound):
			api.NotFound(w, "quote not found, request a new one")
		case errors.Is(err, earlypay.ErrQuoteExpired):
			api.UnprocessableEntity(w, api.ErrCodeQuoteExpired, err.Error())
		case errors.Is(err, earlypay.ErrNotEligible):
			api.UnprocessableEntity(w, api.ErrCodeNotEligible, err.Error())
		case database.IsVersionConflict(err):
			api.Conflict(w, "payments changed concurrently, re-quote")
		default:
			api.InternalError(w, "early settlement failed")
		}
		return
	}

	api.WriteData(w, http.StatusOK, view)
}
