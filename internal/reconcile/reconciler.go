// Package reconcile maps asynchronous gateway confirmations onto ledger
// transitions. Delivery is at-least-once and may race user-initiated
// confirm calls, so every path here must converge idempotently.
package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bnplengine/internal/common/database"
	"bnplengine/internal/ledger/domain"
	"bnplengine/internal/ledger/store"
)

// ErrBadSignature is returned when a webhook payload fails signature
// verification. This is the only condition that NACKs delivery; business
// state mismatches are absorbed.
var ErrBadSignature = errors.New("invalid webhook signature")

// Outcome is the gateway's reported result for an intent.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeFailed         Outcome = "failed"
	OutcomeRequiresAction Outcome = "requires_action"
)

// GatewayEvent is an inbound confirmation/webhook payload.
type GatewayEvent struct {
	EventID     string    `json:"event_id" validate:"required"`
	IntentRef   string    `json:"intent_ref" validate:"required"`
	Outcome     Outcome   `json:"outcome" validate:"required,oneof=succeeded failed requires_action"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Status classifies what a reconciliation did.
type Status string

const (
	// StatusApplied means a ledger transition was performed.
	StatusApplied Status = "APPLIED"
	// StatusDuplicate means the event ID was already processed.
	StatusDuplicate Status = "DUPLICATE"
	// StatusStale means the event references an unknown or cancelled
	// payment; acknowledged and logged, never an error.
	StatusStale Status = "STALE"
	// StatusNoChange means the payment already converged to the outcome
	// via another path.
	StatusNoChange Status = "NO_CHANGE"
	// StatusPending means the event requires a follow-up (requires_action).
	StatusPending Status = "PENDING"
)

// Result is the outcome of reconciling one gateway event.
type Result struct {
	Status        Status  `json:"status"`
	PaymentID     string  `json:"payment_id,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Outcome       Outcome `json:"outcome"`
}

// Hooks receives post-transition notifications. Implementations must not
// fail the reconciliation: errors are logged and swallowed downstream.
type Hooks interface {
	PaymentCompleted(ctx context.Context, p *domain.Payment)
	PaymentFailed(ctx context.Context, p *domain.Payment)
}

// Config holds reconciler configuration.
type Config struct {
	// WebhookSecret signs inbound payloads (HMAC-SHA256).
	WebhookSecret string `envconfig:"GATEWAY_WEBHOOK_SECRET" required:"true"`
	// RequiresActionTimeout bounds how long a payment may sit in
	// requires_action limbo before being forced to FAILED.
	RequiresActionTimeout time.Duration `envconfig:"GATEWAY_REQUIRES_ACTION_TIMEOUT" default:"30m"`
	// SweepInterval is how often the stuck-processing sweep runs.
	SweepInterval time.Duration `envconfig:"GATEWAY_SWEEP_INTERVAL" default:"5m"`
}

// Reconciler drives gateway events into the ledger.
type Reconciler struct {
	store  store.Store
	log    EventLog
	hooks  Hooks
	cfg    Config
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(st store.Store, log EventLog, hooks Hooks, cfg Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  st,
		log:    log,
		hooks:  hooks,
		cfg:    cfg,
		logger: logger,
	}
}

// VerifySignature checks the HMAC-SHA256 signature of a raw webhook body.
func (r *Reconciler) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(r.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Reconcile processes one gateway event. Repeat deliveries of the same
// event ID are no-op successes returning the prior result. Business-state
// mismatches produce Stale/NoChange results, never errors: the gateway
// must only ever be NACKed for malformed or unauthenticated payloads.
func (r *Reconciler) Reconcile(ctx context.Context, event *GatewayEvent) (*Result, error) {
	// Idempotency: replayed event IDs return the recorded result.
	if prior, err := r.log.Get(ctx, event.EventID); err == nil {
		r.logger.Info("duplicate gateway event",
			"event_id", event.EventID,
			"prior_result", prior.Result,
		)
		return &Result{
			Status:    StatusDuplicate,
			PaymentID: prior.PaymentID,
			Outcome:   event.Outcome,
		}, nil
	}

	result, err := r.apply(ctx, event)
	if err != nil {
		return nil, err
	}

	if err := r.log.Record(ctx, &LogEntry{
		EventID:    event.EventID,
		IntentRef:  event.IntentRef,
		Outcome:    event.Outcome,
		Result:     result.Status,
		PaymentID:  result.PaymentID,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		// Worst case the event replays; transitions are idempotent.
		r.logger.Error("failed to record gateway event", "event_id", event.EventID, "error", err)
	}

	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, event *GatewayEvent) (*Result, error) {
	var result *Result

	err := database.RetryOnConflict(ctx, 3, func() error {
		p, err := r.store.GetPaymentByGatewayRef(ctx, event.IntentRef)
		if err != nil {
			if database.IsNotFound(err) {
				r.logger.Warn("gateway event for unknown intent",
					"event_id", event.EventID,
					"intent_ref", event.IntentRef,
				)
				result = &Result{Status: StatusStale, Outcome: event.Outcome}
				return nil
			}
			return err
		}

		result, err = r.applyToPayment(ctx, event, p)
		return err
	})
	if err != nil {
		if database.IsVersionConflict(err) {
			// Lost the race to a concurrent confirm; the winner already
			// converged the payment. Success via idempotency.
			r.logger.Info("reconciliation lost version race",
				"event_id", event.EventID,
				"intent_ref", event.IntentRef,
			)
			return &Result{Status: StatusNoChange, Outcome: event.Outcome}, nil
		}
		return nil, err
	}
	return result, nil
}

func (r *Reconciler) applyToPayment(ctx context.Context, event *GatewayEvent, p *domain.Payment) (*Result, error) {
	base := Result{PaymentID: p.ID, TransactionID: p.TransactionID, Outcome: event.Outcome}

	if p.Status == domain.PaymentCancelled {
		r.logger.Warn("gateway event for cancelled payment",
			"event_id", event.EventID,
			"payment_id", p.ID,
		)
		base.Status = StatusStale
		return &base, nil
	}

	switch event.Outcome {
	case OutcomeSucceeded:
		return r.applySucceeded(ctx, event, p, base)
	case OutcomeFailed:
		return r.applyFailed(ctx, event, p, base)
	case OutcomeRequiresAction:
		// No transition: the payment stays PROCESSING until a follow-up
		// event resolves it or the stuck sweep forces a failure.
		base.Status = StatusPending
		return &base, nil
	default:
		r.logger.Warn("unknown gateway outcome", "event_id", event.EventID, "outcome", event.Outcome)
		base.Status = StatusStale
		return &base, nil
	}
}

func (r *Reconciler) applySucceeded(ctx context.Context, event *GatewayEvent, p *domain.Payment, base Result) (*Result, error) {
	switch p.Status {
	case domain.PaymentCompleted:
		// The synchronous confirm beat the webhook. Idempotent success.
		base.Status = StatusNoChange
		return &base, nil

	case domain.PaymentScheduled:
		// The synchronous leg never ran; drive both transitions here.
		if err := p.BeginAttempt(event.IntentRef); err != nil {
			return nil, err
		}
		fallthrough

	case domain.PaymentProcessing:
		paidAt := event.OccurredAt
		if paidAt.IsZero() {
			paidAt = time.Now().UTC()
		}
		if err := p.GatewayConfirmed(paidAt); err != nil {
			return nil, err
		}
		if err := r.store.UpdatePayment(ctx, p, p.Version); err != nil {
			return nil, err
		}
		r.hooks.PaymentCompleted(ctx, p)
		base.Status = StatusApplied
		return &base, nil

	default: // FAILED
		// A success arriving after the payment was forced FAILED is out of
		// band; absorbed and logged for operator follow-up.
		r.logger.Warn("success event for failed payment",
			"event_id", event.EventID,
			"payment_id", p.ID,
			"retry_count", p.RetryCount,
		)
		base.Status = StatusStale
		return &base, nil
	}
}

func (r *Reconciler) applyFailed(ctx context.Context, event *GatewayEvent, p *domain.Payment, base Result) (*Result, error) {
	switch p.Status {
	case domain.PaymentProcessing:
		reason := event.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		if err := p.GatewayFailed(reason); err != nil {
			return nil, err
		}
		if err := r.store.UpdatePayment(ctx, p, p.Version); err != nil {
			return nil, err
		}
		r.hooks.PaymentFailed(ctx, p)
		base.Status = StatusApplied
		return &base, nil

	case domain.PaymentFailed:
		base.Status = StatusNoChange
		return &base, nil

	default:
		// Failure event for a completed or re-scheduled payment arrived
		// out of order. Absorbed.
		base.Status = StatusStale
		return &base, nil
	}
}

// RunSweeper periodically forces payments stuck in PROCESSING past the
// requires_action timeout to FAILED, so money never sits in limbo.
func (r *Reconciler) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("stuck-processing sweeper started",
		"timeout", r.cfg.RequiresActionTimeout,
		"interval", r.cfg.SweepInterval,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stuck-processing sweeper stopped")
			return
		case <-ticker.C:
			r.SweepStuck(ctx, time.Now().UTC())
		}
	}
}

// SweepStuck runs one stuck-processing pass. Exposed for tests.
func (r *Reconciler) SweepStuck(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.cfg.RequiresActionTimeout)
	stuck, err := r.store.ListStuckProcessing(ctx, cutoff, 100)
	if err != nil {
		r.logger.Error("stuck-processing scan failed", "error", err)
		return
	}

	for _, p := range stuck {
		if err := p.GatewayFailed(fmt.Sprintf("no gateway resolution within %s", r.cfg.RequiresActionTimeout)); err != nil {
			r.logger.Error("forcing stuck payment failed", "payment_id", p.ID, "error", err)
			continue
		}
		if err := r.store.UpdatePayment(ctx, p, p.Version); err != nil {
			if database.IsVersionConflict(err) {
				// A webhook resolved it first.
				continue
			}
			r.logger.Error("persisting forced failure", "payment_id", p.ID, "error", err)
			continue
		}

		r.logger.Warn("payment forced to failed after processing timeout",
			"payment_id", p.ID,
			"transaction_id", p.TransactionID,
		)
		r.hooks.PaymentFailed(ctx, p)
	}
}
