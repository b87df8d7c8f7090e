// Package store persists transactions and payments with per-row optimistic
// versioning.
package store

import (
	"context"
	"time"

	"bnplengine/internal/ledger/domain"
)

// Store is the persistence contract for the installment engine. Every write
// takes the version the caller read; a mismatch fails with
// database.ErrVersionConflict and forces a reload-and-retry.
type Store interface {
	// CreateTransaction persists a transaction and its payments atomically.
	CreateTransaction(ctx context.Context, tx *domain.Transaction, payments []*domain.Payment) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction, expectedVersion int64) error

	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Payment, error)
	ListPayments(ctx context.Context, transactionID string) ([]*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment, expectedVersion int64) error
	// UpdatePayments applies several payment writes in one transaction:
	// either all succeed or none are persisted.
	UpdatePayments(ctx context.Context, payments []*domain.Payment, expectedVersions []int64) error

	// ListDueForRetry returns FAILED payments whose next retry time has
	// arrived.
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error)
	// ListStuckProcessing returns payments sitting in PROCESSING since
	// before the cutoff (a requires_action that never resolved).
	ListStuckProcessing(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error)
}
