package domain

import (
	"testing"
	"time"

	"bnplengine/internal/common/money"
)

func newTestTransaction(t *testing.T) *Transaction {
	t.Helper()
	tx, err := NewTransaction("txn-1", "user-1", "merchant-1", money.New(15000, "GBP"), 3, nil)
	if err != nil {
		t.Fatalf("creating transaction: %v", err)
	}
	return tx
}

func paymentsInStatuses(t *testing.T, statuses ...PaymentStatus) []*Payment {
	t.Helper()
	payments := make([]*Payment, len(statuses))
	for i, status := range statuses {
		p, err := NewPayment("pay", "txn-1", i, money.New(5000, "GBP"), time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("creating payment: %v", err)
		}
		p.Status = status
		payments[i] = p
	}
	return payments
}

func TestTransaction_Admission(t *testing.T) {
	tx := newTestTransaction(t)
	if tx.Status != TransactionPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", tx.Status)
	}

	if err := tx.Approve(); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if tx.Status != TransactionApproved {
		t.Fatalf("expected APPROVED, got %s", tx.Status)
	}

	// Admission decisions are one-shot.
	if err := tx.Approve(); err == nil {
		t.Error("expected second approve to fail")
	}
	if err := tx.Reject(); err == nil {
		t.Error("expected reject after approve to fail")
	}
}

func TestTransaction_RejectIsAbsorbing(t *testing.T) {
	tx := newTestTransaction(t)
	if err := tx.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := tx.Cancel(); err == nil {
		t.Error("expected cancel after reject to fail")
	}

	derived := DeriveStatus(tx.Status, paymentsInStatuses(t, PaymentCompleted))
	if derived != TransactionRejected {
		t.Errorf("rejected must absorb, got %s", derived)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []PaymentStatus
		want     TransactionStatus
	}{
		{"all scheduled", []PaymentStatus{PaymentScheduled, PaymentScheduled, PaymentScheduled}, TransactionApproved},
		{"one processing", []PaymentStatus{PaymentProcessing, PaymentScheduled, PaymentScheduled}, TransactionApproved},
		{"one completed", []PaymentStatus{PaymentCompleted, PaymentScheduled, PaymentScheduled}, TransactionPartiallyPaid},
		{"mixed with failure", []PaymentStatus{PaymentCompleted, PaymentFailed, PaymentScheduled}, TransactionPartiallyPaid},
		{"all completed", []PaymentStatus{PaymentCompleted, PaymentCompleted, PaymentCompleted}, TransactionCompleted},
		{"completed and cancelled", []PaymentStatus{PaymentCompleted, PaymentCompleted, PaymentCancelled}, TransactionPartiallyPaid},
		{"all failed", []PaymentStatus{PaymentFailed, PaymentFailed, PaymentFailed}, TransactionApproved},
		{"all cancelled", []PaymentStatus{PaymentCancelled, PaymentCancelled, PaymentCancelled}, TransactionCancelled},
		{"cancelled and failed", []PaymentStatus{PaymentCancelled, PaymentFailed, PaymentCancelled}, TransactionApproved},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(TransactionApproved, paymentsInStatuses(t, tc.statuses...))
			if got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDeriveStatus_AbsorbingStates(t *testing.T) {
	payments := paymentsInStatuses(t, PaymentCompleted, PaymentCompleted)

	for _, status := range []TransactionStatus{TransactionCancelled, TransactionRejected, TransactionPendingApproval} {
		if got := DeriveStatus(status, payments); got != status {
			t.Errorf("%s must not be re-derived, got %s", status, got)
		}
	}
}

func TestCancellableDirectly(t *testing.T) {
	cases := []struct {
		name     string
		statuses []PaymentStatus
		want     bool
	}{
		{"all scheduled", []PaymentStatus{PaymentScheduled, PaymentScheduled}, true},
		{"one processing", []PaymentStatus{PaymentScheduled, PaymentProcessing}, false},
		{"one completed", []PaymentStatus{PaymentScheduled, PaymentCompleted}, false},
		{"one failed", []PaymentStatus{PaymentScheduled, PaymentFailed}, false},
		{"no payments", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var payments []*Payment
			if tc.statuses != nil {
				payments = paymentsInStatuses(t, tc.statuses...)
			}
			if got := CancellableDirectly(payments); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
