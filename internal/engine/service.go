// Package engine orchestrates the installment lifecycle: admission,
// payment execution, retries, early settlement and cancellation. It owns
// no business rules of its own; those live in plan, domain, retry and
// earlypay. The engine sequences them against the store and the gateway.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"bnplengine/internal/common/database"
	"bnplengine/internal/common/events"
	"bnplengine/internal/common/money"
	"bnplengine/internal/earlypay"
	"bnplengine/internal/gateway"
	"bnplengine/internal/ledger/domain"
	"bnplengine/internal/ledger/store"
	"bnplengine/internal/plan"
	"bnplengine/internal/retry"
)

// ErrNotCancellable is returned when a cancellation guard fails.
var ErrNotCancellable = errors.New("not cancellable")

// CreditLedger reports exposure changes to the credit risk system.
// Failures are logged and swallowed: exposure tracking is advisory and
// must never block a payment.
type CreditLedger interface {
	RecordExposure(ctx context.Context, userID string, amount money.Money) error
	ReleaseExposure(ctx context.Context, userID string, amount money.Money) error
}

// Notifier sends user-facing notifications. Same contract as CreditLedger:
// best effort, never blocking.
type Notifier interface {
	PaymentFailed(ctx context.Context, userID, paymentID, reason string) error
	PaymentCompleted(ctx context.Context, userID, paymentID string) error
}

// Service is the installment engine facade.
type Service struct {
	store       store.Store
	planner     *plan.Planner
	calculator  *earlypay.Calculator
	quotes      *earlypay.QuoteCache
	retryPolicy retry.Policy
	gateway     gateway.Client
	publisher   events.Publisher
	credit      CreditLedger
	notifier    Notifier
	logger      *slog.Logger
}

// NewService wires the engine.
func NewService(
	st store.Store,
	planner *plan.Planner,
	calculator *earlypay.Calculator,
	retryPolicy retry.Policy,
	gw gateway.Client,
	publisher events.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:       st,
		planner:     planner,
		calculator:  calculator,
		quotes:      earlypay.NewQuoteCache(),
		retryPolicy: retryPolicy,
		gateway:     gw,
		publisher:   publisher,
		logger:      logger,
	}
}

// SetCreditLedger sets the optional credit exposure reporter.
func (s *Service) SetCreditLedger(c CreditLedger) { s.credit = c }

// SetNotifier sets the optional user notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// TransactionView is a transaction together with its payment schedule.
type TransactionView struct {
	Transaction *domain.Transaction `json:"transaction"`
	Payments    []*domain.Payment   `json:"payments"`
}

// ApproveRequest admits a new purchase into the engine.
type ApproveRequest struct {
	UserID         string        `json:"user_id" validate:"required"`
	MerchantID     string        `json:"merchant_id" validate:"required"`
	PrincipalMinor int64         `json:"principal_minor" validate:"required,gt=0"`
	Currency       string        `json:"currency" validate:"required,len=3"`
	Installments   int           `json:"installments" validate:"required,gt=0"`
	FirstDueDate   time.Time     `json:"first_due_date" validate:"required"`
	Items          []domain.Item `json:"items,omitempty"`
}

// ApproveTransaction admits a purchase: derives the installment plan,
// creates the transaction with its scheduled payments atomically, and
// approves it. The plan is derived before anything is persisted, so an
// invalid request leaves no trace.
func (s *Service) ApproveTransaction(ctx context.Context, req *ApproveRequest) (*TransactionView, error) {
	currency := money.Currency(req.Currency)

	specs, err := s.planner.Plan(req.PrincipalMinor, currency, req.Installments, req.FirstDueDate, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	txID := ulid.Make().String()
	tx, err := domain.NewTransaction(txID, req.UserID, req.MerchantID, money.New(req.PrincipalMinor, currency), req.Installments, req.Items)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", plan.ErrInvalidPlan, err)
	}

	payments := make([]*domain.Payment, len(specs))
	for i, spec := range specs {
		p, err := domain.NewPayment(ulid.Make().String(), txID, spec.Sequence, spec.Amount, spec.DueDate)
		if err != nil {
			return nil, fmt.Errorf("building payment %d: %w", spec.Sequence, err)
		}
		payments[i] = p
	}

	if err := tx.Approve(); err != nil {
		return nil, err
	}

	if err := s.store.CreateTransaction(ctx, tx, payments); err != nil {
		return nil, fmt.Errorf("persisting transaction: %w", err)
	}

	s.logger.Info("transaction approved",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"merchant_id", tx.MerchantID,
		"principal", tx.Principal.AmountMinor,
		"installments", tx.Installments,
	)

	s.publish(ctx, events.EventTransactionApproved, "transaction", tx.ID, events.TransactionApprovedData{
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		MerchantID:     tx.MerchantID,
		PrincipalMinor: tx.Principal.AmountMinor,
		Currency:       string(tx.Principal.Currency),
		Installments:   tx.Installments,
	})

	if s.credit != nil {
		if err := s.credit.RecordExposure(ctx, tx.UserID, tx.Principal); err != nil {
			s.logger.Error("recording credit exposure", "transaction_id", tx.ID, "error", err)
		}
	}

	return &TransactionView{Transaction: tx, Payments: payments}, nil
}

// GetTransaction returns a transaction with its derived status and payments.
func (s *Service) GetTransaction(ctx context.Context, id string) (*TransactionView, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	// Serve the projection even if a past write skipped the recompute.
	tx.SetDerivedStatus(domain.DeriveStatus(tx.Status, payments))
	return &TransactionView{Transaction: tx, Payments: payments}, nil
}

// ConfirmPayment executes one installment synchronously: register an
// intent with the gateway, move the payment to PROCESSING, confirm, and
// apply the outcome. A gateway timeout leaves the payment PROCESSING;
// the webhook or the stuck sweep resolves it later.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID, instrumentToken string) (*domain.Payment, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentScheduled {
		return nil, fmt.Errorf("%w: payment %s -> PROCESSING", domain.ErrInvalidTransition, p.Status)
	}

	intent, err := s.gateway.CreateIntent(ctx, p.ID, p.Amount, instrumentToken)
	if err != nil {
		return nil, fmt.Errorf("creating gateway intent: %w", err)
	}

	// Claim the payment before charging. Losing the version race here
	// means a concurrent confirm claimed it; the orphaned intent is never
	// confirmed and expires at the gateway.
	if err := p.BeginAttempt(intent.Ref); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayment(ctx, p, p.Version); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventPaymentProcessing, "payment", p.ID, map[string]string{
		"transaction_id": p.TransactionID,
		"payment_id":     p.ID,
		"gateway_ref":    intent.Ref,
	})

	result, err := s.gateway.ConfirmIntent(ctx, intent.Ref)
	if err != nil {
		if errors.Is(err, gateway.ErrTimeout) {
			s.logger.Warn("gateway confirm timed out, awaiting webhook",
				"payment_id", p.ID,
				"gateway_ref", intent.Ref,
			)
			return p, nil
		}
		return nil, fmt.Errorf("confirming gateway intent: %w", err)
	}

	switch result.Status {
	case gateway.IntentSucceeded:
		if err := s.applyGatewaySuccess(ctx, p, time.Now().UTC()); err != nil {
			return nil, err
		}
	case gateway.IntentFailed:
		reason := result.DeclineReason
		if reason == "" {
			reason = "declined"
		}
		if err := s.applyGatewayFailure(ctx, p, reason); err != nil {
			return nil, err
		}
	default:
		// PENDING or REQUIRES_ACTION: stays PROCESSING until the webhook.
		s.logger.Info("gateway confirm pending",
			"payment_id", p.ID,
			"gateway_status", result.Status,
		)
	}

	return p, nil
}

// applyGatewaySuccess completes a PROCESSING payment. A version conflict
// means the webhook already applied the same outcome; the payment is
// reloaded and returned as-is.
func (s *Service) applyGatewaySuccess(ctx context.Context, p *domain.Payment, paidAt time.Time) error {
	if err := p.GatewayConfirmed(paidAt); err != nil {
		return err
	}
	if err := s.store.UpdatePayment(ctx, p, p.Version); err != nil {
		if database.IsVersionConflict(err) {
			return s.reload(ctx, p)
		}
		return err
	}
	s.PaymentCompleted(ctx, p)
	return nil
}

func (s *Service) applyGatewayFailure(ctx context.Context, p *domain.Payment, reason string) error {
	if err := p.GatewayFailed(reason); err != nil {
		return err
	}
	if err := s.store.UpdatePayment(ctx, p, p.Version); err != nil {
		if database.IsVersionConflict(err) {
			return s.reload(ctx, p)
		}
		return err
	}
	s.PaymentFailed(ctx, p)
	return nil
}

func (s *Service) reload(ctx context.Context, p *domain.Payment) error {
	fresh, err := s.store.GetPayment(ctx, p.ID)
	if err != nil {
		return err
	}
	*p = *fresh
	return nil
}

// CancelPayment cancels a single installment that has not started
// processing (SCHEDULED, or FAILED mid-retry).
func (s *Service) CancelPayment(ctx context.Context, paymentID, reason string) (*domain.Payment, error) {
	var p *domain.Payment

	err := database.RetryOnConflict(ctx, 3, func() error {
		var err error
		p, err = s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := p.Cancel(reason); err != nil {
			return err
		}
		return s.store.UpdatePayment(ctx, p, p.Version)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment cancelled", "payment_id", p.ID, "reason", reason)

	s.publish(ctx, events.EventPaymentCancelled, "payment", p.ID, events.PaymentCancelledData{
		TransactionID: p.TransactionID,
		PaymentID:     p.ID,
		Reason:        reason,
	})

	s.releaseExposure(ctx, p.TransactionID, p.Amount)
	s.recomputeTransactionStatus(ctx, p.TransactionID)

	return p, nil
}

// CancelTransaction cancels a transaction and cascades to its payments.
// Allowed only while every payment is still SCHEDULED; once money has
// moved, installments must be cancelled individually.
func (s *Service) CancelTransaction(ctx context.Context, id string) (*TransactionView, error) {
	var tx *domain.Transaction
	var payments []*domain.Payment

	err := database.RetryOnConflict(ctx, 3, func() error {
		var err error
		tx, err = s.store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		payments, err = s.store.ListPayments(ctx, id)
		if err != nil {
			return err
		}

		if !domain.CancellableDirectly(payments) {
			return fmt.Errorf("%w: transaction %s has payments past SCHEDULED", ErrNotCancellable, id)
		}

		versions := make([]int64, len(payments))
		for i, p := range payments {
			versions[i] = p.Version
			if err := p.Cancel("transaction cancelled"); err != nil {
				return err
			}
		}
		if err := s.store.UpdatePayments(ctx, payments, versions); err != nil {
			return err
		}

		if err := tx.Cancel(); err != nil {
			return err
		}
		return s.store.UpdateTransaction(ctx, tx, tx.Version)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transaction cancelled", "transaction_id", tx.ID)

	s.publish(ctx, events.EventTransactionCancelled, "transaction", tx.ID, map[string]string{
		"transaction_id": tx.ID,
	})

	if s.credit != nil {
		if err := s.credit.ReleaseExposure(ctx, tx.UserID, tx.Principal); err != nil {
			s.logger.Error("releasing credit exposure", "transaction_id", tx.ID, "error", err)
		}
	}

	return &TransactionView{Transaction: tx, Payments: payments}, nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publishing event", "type", eventType, "aggregate_id", aggregateID, "error", err)
	}
}

func (s *Service) releaseExposure(ctx context.Context, transactionID string, amount money.Money) {
	if s.credit == nil {
		return
	}
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		s.logger.Error("loading transaction for exposure release", "transaction_id", transactionID, "error", err)
		return
	}
	if err := s.credit.ReleaseExposure(ctx, tx.UserID, amount); err != nil {
		s.logger.Error("releasing credit exposure", "transaction_id", transactionID, "error", err)
	}
}
