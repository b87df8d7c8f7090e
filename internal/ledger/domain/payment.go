package domain

import (
	"errors"
	"fmt"
	"time"

	"bnplengine/internal/common/money"
)

// PaymentStatus represents the status of a single installment.
type PaymentStatus string

const (
	PaymentScheduled  PaymentStatus = "SCHEDULED"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentCompleted  PaymentStatus = "COMPLETED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Payment is a single installment of a transaction. Payments are never
// deleted: failed and cancelled rows remain for audit.
type Payment struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transaction_id"`
	Sequence      int           `json:"sequence"`
	Amount        money.Money   `json:"amount"`
	DueDate       time.Time     `json:"due_date"`
	Status        PaymentStatus `json:"status"`
	RetryCount    int           `json:"retry_count"`
	GatewayRef    string        `json:"gateway_ref,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	// PaidMinor records the amount actually collected, which differs from
	// Amount when an early-settlement discount applied.
	PaidMinor    *int64     `json:"paid_minor,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewPayment creates a scheduled installment.
func NewPayment(id, transactionID string, sequence int, amount money.Money, dueDate time.Time) (*Payment, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if transactionID == "" {
		return nil, errors.New("transaction_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:            id,
		TransactionID: transactionID,
		Sequence:      sequence,
		Amount:        amount,
		DueDate:       dueDate,
		Status:        PaymentScheduled,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsTerminal returns true if no further transitions are possible.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentCompleted || p.Status == PaymentCancelled
}

func (p *Payment) transitionErr(event string) error {
	return fmt.Errorf("%w: payment %s event %s from %s", ErrInvalidTransition, p.ID, event, p.Status)
}

// BeginAttempt moves SCHEDULED -> PROCESSING and records the gateway
// intent reference.
func (p *Payment) BeginAttempt(gatewayRef string) error {
	if p.Status != PaymentScheduled {
		return p.transitionErr("beginAttempt")
	}
	now := time.Now().UTC()
	p.Status = PaymentProcessing
	p.GatewayRef = gatewayRef
	p.ProcessingAt = &now
	p.UpdatedAt = now
	return nil
}

// GatewayConfirmed moves PROCESSING -> COMPLETED.
func (p *Payment) GatewayConfirmed(paidAt time.Time) error {
	if p.Status != PaymentProcessing {
		return p.transitionErr("gatewayConfirmed")
	}
	paid := paidAt.UTC()
	amount := p.Amount.AmountMinor
	p.Status = PaymentCompleted
	p.PaidAt = &paid
	p.PaidMinor = &amount
	p.FailureReason = ""
	p.NextRetryAt = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// GatewayFailed moves PROCESSING -> FAILED, bumping the retry counter.
func (p *Payment) GatewayFailed(reason string) error {
	if p.Status != PaymentProcessing {
		return p.transitionErr("gatewayFailed")
	}
	p.Status = PaymentFailed
	p.RetryCount++
	p.FailureReason = reason
	p.ProcessingAt = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ScheduleRetry records the advisory next-attempt time on a failed payment.
func (p *Payment) ScheduleRetry(at time.Time) error {
	if p.Status != PaymentFailed {
		return p.transitionErr("scheduleRetry")
	}
	t := at.UTC()
	p.NextRetryAt = &t
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RetryEligible moves FAILED -> SCHEDULED for a fresh attempt, clearing the
// stale gateway reference and pushing the due date to the retry time.
func (p *Payment) RetryEligible(newDueDate time.Time) error {
	if p.Status != PaymentFailed {
		return p.transitionErr("retryEligible")
	}
	p.Status = PaymentScheduled
	p.GatewayRef = ""
	p.DueDate = newDueDate.UTC()
	p.NextRetryAt = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RetryExhausted moves FAILED -> CANCELLED once the retry budget is spent.
func (p *Payment) RetryExhausted() error {
	if p.Status != PaymentFailed {
		return p.transitionErr("retryExhausted")
	}
	p.Status = PaymentCancelled
	p.NextRetryAt = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel moves SCHEDULED or FAILED -> CANCELLED (manual cancellation).
func (p *Payment) Cancel(reason string) error {
	if p.Status != PaymentScheduled && p.Status != PaymentFailed {
		return p.transitionErr("manualCancel")
	}
	p.Status = PaymentCancelled
	if reason != "" {
		p.FailureReason = reason
	}
	p.NextRetryAt = nil
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// EarlySettle moves SCHEDULED -> COMPLETED directly, recording the
// discounted amount actually collected.
func (p *Payment) EarlySettle(paidAt time.Time, netMinor int64) error {
	if p.Status != PaymentScheduled {
		return p.transitionErr("earlySettle")
	}
	if netMinor < 0 || netMinor > p.Amount.AmountMinor {
		return fmt.Errorf("settlement amount %d out of range for payment %s", netMinor, p.ID)
	}
	paid := paidAt.UTC()
	p.Status = PaymentCompleted
	p.PaidAt = &paid
	p.PaidMinor = &netMinor
	p.UpdatedAt = time.Now().UTC()
	return nil
}
