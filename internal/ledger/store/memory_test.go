package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"bnplengine/internal/common/database"
	"bnplengine/internal/common/money"
	"bnplengine/internal/ledger/domain"
)

func seed(t *testing.T) (*MemoryStore, *domain.Transaction, []*domain.Payment) {
	t.Helper()
	st := NewMemoryStore()

	tx, err := domain.NewTransaction("txn-1", "user-1", "merchant-1", money.New(10000, "GBP"), 2, nil)
	if err != nil {
		t.Fatalf("creating transaction: %v", err)
	}
	if err := tx.Approve(); err != nil {
		t.Fatalf("approve: %v", err)
	}

	due := time.Now().Add(14 * 24 * time.Hour)
	p1, err := domain.NewPayment("pay-1", "txn-1", 0, money.New(5000, "GBP"), due)
	if err != nil {
		t.Fatalf("creating payment: %v", err)
	}
	p2, err := domain.NewPayment("pay-2", "txn-1", 1, money.New(5000, "GBP"), due.Add(14*24*time.Hour))
	if err != nil {
		t.Fatalf("creating payment: %v", err)
	}

	payments := []*domain.Payment{p1, p2}
	if err := st.CreateTransaction(context.Background(), tx, payments); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	return st, tx, payments
}

func TestCreateTransaction_DuplicateID(t *testing.T) {
	st, tx, _ := seed(t)
	err := st.CreateTransaction(context.Background(), tx, nil)
	if !errors.Is(err, database.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUpdatePayment_VersionContract(t *testing.T) {
	st, _, _ := seed(t)
	ctx := context.Background()

	p, err := st.GetPayment(ctx, "pay-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Version != 1 {
		t.Fatalf("expected initial version 1, got %d", p.Version)
	}

	if err := p.BeginAttempt("PI-1"); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if err := st.UpdatePayment(ctx, p, p.Version); err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("expected version bumped to 2, got %d", p.Version)
	}

	// A writer holding the old version must lose.
	stale, _ := st.GetPayment(ctx, "pay-1")
	stale.Version = 1
	err = st.UpdatePayment(ctx, stale, stale.Version)
	if !database.IsVersionConflict(err) {
		t.Errorf("expected version conflict, got %v", err)
	}

	// The winning write is intact.
	current, _ := st.GetPayment(ctx, "pay-1")
	if current.Status != domain.PaymentProcessing || current.GatewayRef != "PI-1" {
		t.Errorf("winning write lost: %s ref=%q", current.Status, current.GatewayRef)
	}
}

func TestUpdatePayments_AllOrNothing(t *testing.T) {
	st, _, _ := seed(t)
	ctx := context.Background()

	p1, _ := st.GetPayment(ctx, "pay-1")
	p2, _ := st.GetPayment(ctx, "pay-2")

	now := time.Now().UTC()
	if err := p1.EarlySettle(now, 4800); err != nil {
		t.Fatalf("earlySettle p1: %v", err)
	}
	if err := p2.EarlySettle(now, 4800); err != nil {
		t.Fatalf("earlySettle p2: %v", err)
	}

	// Stale version on the second write must leave both untouched.
	err := st.UpdatePayments(ctx, []*domain.Payment{p1, p2}, []int64{p1.Version, p2.Version + 99})
	if !database.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored1, _ := st.GetPayment(ctx, "pay-1")
	if stored1.Status != domain.PaymentScheduled {
		t.Errorf("pay-1 must be untouched after failed batch, got %s", stored1.Status)
	}

	// Correct versions apply both.
	if err := st.UpdatePayments(ctx, []*domain.Payment{p1, p2}, []int64{1, 1}); err != nil {
		t.Fatalf("batch update: %v", err)
	}
	stored1, _ = st.GetPayment(ctx, "pay-1")
	stored2, _ := st.GetPayment(ctx, "pay-2")
	if stored1.Status != domain.PaymentCompleted || stored2.Status != domain.PaymentCompleted {
		t.Errorf("expected both COMPLETED, got %s and %s", stored1.Status, stored2.Status)
	}
}

func TestGetPaymentByGatewayRef(t *testing.T) {
	st, _, _ := seed(t)
	ctx := context.Background()

	p, _ := st.GetPayment(ctx, "pay-1")
	if err := p.BeginAttempt("PI-42"); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if err := st.UpdatePayment(ctx, p, p.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	found, err := st.GetPaymentByGatewayRef(ctx, "PI-42")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != "pay-1" {
		t.Errorf("expected pay-1, got %s", found.ID)
	}

	if _, err := st.GetPaymentByGatewayRef(ctx, "PI-none"); !database.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := st.GetPaymentByGatewayRef(ctx, ""); !database.IsNotFound(err) {
		t.Errorf("empty ref must never match, got %v", err)
	}
}

func TestListPayments_SequenceOrder(t *testing.T) {
	st, _, _ := seed(t)

	payments, err := st.ListPayments(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
	for i, p := range payments {
		if p.Sequence != i {
			t.Errorf("position %d holds sequence %d", i, p.Sequence)
		}
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	st, _, _ := seed(t)
	ctx := context.Background()

	p, _ := st.GetPayment(ctx, "pay-1")
	p.Status = domain.PaymentCancelled

	fresh, _ := st.GetPayment(ctx, "pay-1")
	if fresh.Status != domain.PaymentScheduled {
		t.Error("mutating a returned payment must not affect the store")
	}

	tx, _ := st.GetTransaction(ctx, "txn-1")
	tx.Status = domain.TransactionCancelled

	freshTx, _ := st.GetTransaction(ctx, "txn-1")
	if freshTx.Status != domain.TransactionApproved {
		t.Error("mutating a returned transaction must not affect the store")
	}
}
