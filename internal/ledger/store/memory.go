package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bnplengine/internal/common/database"
	"bnplengine/internal/ledger/domain"
)

// MemoryStore implements Store in memory. It honors the same optimistic
// version contract as the Postgres store, which makes it suitable for unit
// tests and local development without a database.
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]*domain.Transaction
	payments     map[string]*domain.Payment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*domain.Transaction),
		payments:     make(map[string]*domain.Payment),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateTransaction persists a transaction and its payments.
func (s *MemoryStore) CreateTransaction(_ context.Context, t *domain.Transaction, payments []*domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s: %w", t.ID, database.ErrAlreadyExists)
	}

	s.transactions[t.ID] = copyTransaction(t)
	for _, p := range payments {
		s.payments[p.ID] = copyPayment(p)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound)
	}
	return copyTransaction(t), nil
}

// UpdateTransaction updates a transaction guarded by its version.
func (s *MemoryStore) UpdateTransaction(_ context.Context, t *domain.Transaction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.transactions[t.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", t.ID, database.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("transaction %s: %w", t.ID, database.ErrVersionConflict)
	}

	t.Version = expectedVersion + 1
	t.UpdatedAt = time.Now().UTC()
	s.transactions[t.ID] = copyTransaction(t)
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *MemoryStore) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, database.ErrNotFound)
	}
	return copyPayment(p), nil
}

// GetPaymentByGatewayRef retrieves a payment by gateway reference.
func (s *MemoryStore) GetPaymentByGatewayRef(_ context.Context, gatewayRef string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.GatewayRef == gatewayRef && gatewayRef != "" {
			return copyPayment(p), nil
		}
	}
	return nil, fmt.Errorf("payment with gateway ref %s: %w", gatewayRef, database.ErrNotFound)
}

// ListPayments lists a transaction's payments in sequence order.
func (s *MemoryStore) ListPayments(_ context.Context, transactionID string) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payments []*domain.Payment
	for _, p := range s.payments {
		if p.TransactionID == transactionID {
			payments = append(payments, copyPayment(p))
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].Sequence < payments[j].Sequence })
	return payments, nil
}

// UpdatePayment updates a payment guarded by its version.
func (s *MemoryStore) UpdatePayment(_ context.Context, p *domain.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePaymentLocked(p, expectedVersion)
}

// UpdatePayments applies all writes or none.
func (s *MemoryStore) UpdatePayments(_ context.Context, payments []*domain.Payment, expectedVersions []int64) error {
	if len(payments) != len(expectedVersions) {
		return fmt.Errorf("payments and expected versions length mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate all versions before touching anything.
	for i, p := range payments {
		stored, ok := s.payments[p.ID]
		if !ok {
			return fmt.Errorf("payment %s: %w", p.ID, database.ErrNotFound)
		}
		if stored.Version != expectedVersions[i] {
			return fmt.Errorf("payment %s: %w", p.ID, database.ErrVersionConflict)
		}
	}
	for i, p := range payments {
		if err := s.updatePaymentLocked(p, expectedVersions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) updatePaymentLocked(p *domain.Payment, expectedVersion int64) error {
	stored, ok := s.payments[p.ID]
	if !ok {
		return fmt.Errorf("payment %s: %w", p.ID, database.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("payment %s: %w", p.ID, database.ErrVersionConflict)
	}

	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now().UTC()
	s.payments[p.ID] = copyPayment(p)
	return nil
}

// ListDueForRetry returns failed payments whose retry time has arrived.
func (s *MemoryStore) ListDueForRetry(_ context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Payment
	for _, p := range s.payments {
		if p.Status == domain.PaymentFailed && p.NextRetryAt != nil && !p.NextRetryAt.After(now) {
			due = append(due, copyPayment(p))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListStuckProcessing returns payments processing since before the cutoff.
func (s *MemoryStore) ListStuckProcessing(_ context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*domain.Payment
	for _, p := range s.payments {
		if p.Status == domain.PaymentProcessing && p.ProcessingAt != nil && p.ProcessingAt.Before(before) {
			stuck = append(stuck, copyPayment(p))
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].ProcessingAt.Before(*stuck[j].ProcessingAt) })
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	dup := *t
	dup.Items = append([]domain.Item(nil), t.Items...)
	return &dup
}

func copyPayment(p *domain.Payment) *domain.Payment {
	dup := *p
	if p.PaidAt != nil {
		paidAt := *p.PaidAt
		dup.PaidAt = &paidAt
	}
	if p.PaidMinor != nil {
		paid := *p.PaidMinor
		dup.PaidMinor = &paid
	}
	if p.NextRetryAt != nil {
		next := *p.NextRetryAt
		dup.NextRetryAt = &next
	}
	if p.ProcessingAt != nil {
		processing := *p.ProcessingAt
		dup.ProcessingAt = &processing
	}
	return &dup
}
