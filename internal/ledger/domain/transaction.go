// Package domain contains the installment engine's core aggregates and
// their state machines.
package domain

import (
	"errors"
	"fmt"
	"time"

	"bnplengine/internal/common/money"
)

// ErrInvalidTransition is returned when a state transition is not in the
// transition table. This is a programming or race bug, not a business
// condition: callers log and discard, they never retry it.
var ErrInvalidTransition = errors.New("invalid transition")

// TransactionStatus represents the status of a BNPL transaction.
// It is a projection derived from the payment set, never mutated directly
// except for the admission states.
type TransactionStatus string

const (
	TransactionPendingApproval TransactionStatus = "PENDING_APPROVAL"
	TransactionApproved        TransactionStatus = "APPROVED"
	TransactionRejected        TransactionStatus = "REJECTED"
	TransactionPartiallyPaid   TransactionStatus = "PARTIALLY_PAID"
	TransactionCompleted       TransactionStatus = "COMPLETED"
	TransactionCancelled       TransactionStatus = "CANCELLED"
)

// Item is an informational line item on a transaction.
type Item struct {
	Name      string `json:"name"`
	UnitMinor int64  `json:"unit_minor"`
	Quantity  int    `json:"quantity"`
}

// Transaction is the aggregate root. It owns its payments: cancelling a
// transaction before any payment is processing cascades to the payments.
type Transaction struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	MerchantID   string            `json:"merchant_id"`
	Principal    money.Money       `json:"principal"`
	Installments int               `json:"installments"`
	Items        []Item            `json:"items,omitempty"`
	Status       TransactionStatus `json:"status"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewTransaction creates a transaction awaiting approval.
func NewTransaction(id, userID, merchantID string, principal money.Money, installments int, items []Item) (*Transaction, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if merchantID == "" {
		return nil, errors.New("merchant_id is required")
	}
	if !principal.IsPositive() {
		return nil, errors.New("principal must be positive")
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:           id,
		UserID:       userID,
		MerchantID:   merchantID,
		Principal:    principal,
		Installments: installments,
		Items:        items,
		Status:       TransactionPendingApproval,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Approve moves the transaction out of admission.
func (t *Transaction) Approve() error {
	if t.Status != TransactionPendingApproval {
		return fmt.Errorf("%w: transaction %s -> APPROVED", ErrInvalidTransition, t.Status)
	}
	t.Status = TransactionApproved
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Reject declines the transaction at admission. Absorbing.
func (t *Transaction) Reject() error {
	if t.Status != TransactionPendingApproval {
		return fmt.Errorf("%w: transaction %s -> REJECTED", ErrInvalidTransition, t.Status)
	}
	t.Status = TransactionRejected
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel marks the transaction cancelled. The caller must have verified the
// cancellation guard (no payment past SCHEDULED, or all non-terminal payments
// individually cancelled).
func (t *Transaction) Cancel() error {
	switch t.Status {
	case TransactionCompleted, TransactionCancelled, TransactionRejected:
		return fmt.Errorf("%w: transaction %s -> CANCELLED", ErrInvalidTransition, t.Status)
	}
	t.Status = TransactionCancelled
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SetDerivedStatus applies a recomputed status projection.
func (t *Transaction) SetDerivedStatus(status TransactionStatus) {
	if t.Status == status {
		return
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
}

// DeriveStatus recomputes the transaction-level status from its payments.
// Rejected and Cancelled are absorbing; otherwise the projection is:
// Completed iff every payment is COMPLETED, Cancelled iff every payment is
// CANCELLED, PartiallyPaid iff at least one is COMPLETED, Approved
// otherwise. The all-cancelled case covers installments cancelled one by
// one after a payment left SCHEDULED, where the cascade cancel is blocked.
func DeriveStatus(current TransactionStatus, payments []*Payment) TransactionStatus {
	if current == TransactionRejected || current == TransactionCancelled {
		return current
	}
	if current == TransactionPendingApproval {
		return current
	}
	if len(payments) == 0 {
		return TransactionApproved
	}

	completed, cancelled := 0, 0
	for _, p := range payments {
		switch p.Status {
		case PaymentCompleted:
			completed++
		case PaymentCancelled:
			cancelled++
		}
	}

	switch {
	case cancelled == len(payments):
		return TransactionCancelled
	case completed == len(payments):
		return TransactionCompleted
	case completed > 0:
		return TransactionPartiallyPaid
	default:
		return TransactionApproved
	}
}

// CancellableDirectly reports whether the whole transaction may still be
// cancelled in one operation: permitted only while no payment has left
// SCHEDULED.
func CancellableDirectly(payments []*Payment) bool {
	for _, p := range payments {
		if p.Status != PaymentScheduled {
			return false
		}
	}
	return true
}
