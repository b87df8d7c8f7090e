package domain

import (
	"errors"
	"testing"
	"time"

	"bnplengine/internal/common/money"
)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	p, err := NewPayment("pay-1", "txn-1", 0, money.New(5000, "GBP"), time.Now().Add(14*24*time.Hour))
	if err != nil {
		t.Fatalf("creating payment: %v", err)
	}
	return p
}

func TestNewPayment_Validation(t *testing.T) {
	due := time.Now().Add(time.Hour)

	cases := []struct {
		name          string
		id            string
		transactionID string
		amount        money.Money
	}{
		{"missing id", "", "txn-1", money.New(100, "GBP")},
		{"missing transaction", "pay-1", "", money.New(100, "GBP")},
		{"zero amount", "pay-1", "txn-1", money.New(0, "GBP")},
		{"negative amount", "pay-1", "txn-1", money.New(-100, "GBP")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPayment(tc.id, tc.transactionID, 0, tc.amount, due); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPayment_HappyPath(t *testing.T) {
	p := newTestPayment(t)

	if err := p.BeginAttempt("PI-1"); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if p.Status != PaymentProcessing {
		t.Fatalf("expected PROCESSING, got %s", p.Status)
	}
	if p.GatewayRef != "PI-1" {
		t.Errorf("expected gateway ref PI-1, got %q", p.GatewayRef)
	}
	if p.ProcessingAt == nil {
		t.Error("expected processing timestamp")
	}

	paidAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := p.GatewayConfirmed(paidAt); err != nil {
		t.Fatalf("gatewayConfirmed: %v", err)
	}
	if p.Status != PaymentCompleted {
		t.Fatalf("expected COMPLETED, got %s", p.Status)
	}
	if p.PaidAt == nil || !p.PaidAt.Equal(paidAt) {
		t.Errorf("expected paidAt %s, got %v", paidAt, p.PaidAt)
	}
	if p.PaidMinor == nil || *p.PaidMinor != 5000 {
		t.Errorf("expected paidMinor 5000, got %v", p.PaidMinor)
	}
	if !p.IsTerminal() {
		t.Error("completed payment should be terminal")
	}
}

func TestPayment_FailureBumpsRetryCount(t *testing.T) {
	p := newTestPayment(t)

	if err := p.BeginAttempt("PI-1"); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if err := p.GatewayFailed("insufficient funds"); err != nil {
		t.Fatalf("gatewayFailed: %v", err)
	}

	if p.Status != PaymentFailed {
		t.Fatalf("expected FAILED, got %s", p.Status)
	}
	if p.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", p.RetryCount)
	}
	if p.FailureReason != "insufficient funds" {
		t.Errorf("expected failure reason preserved, got %q", p.FailureReason)
	}
	if p.ProcessingAt != nil {
		t.Error("processing timestamp should be cleared on failure")
	}
}

func TestPayment_RetryCycle(t *testing.T) {
	p := newTestPayment(t)

	if err := p.BeginAttempt("PI-1"); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if err := p.GatewayFailed("declined"); err != nil {
		t.Fatalf("gatewayFailed: %v", err)
	}

	retryAt := time.Now().Add(24 * time.Hour)
	if err := p.ScheduleRetry(retryAt); err != nil {
		t.Fatalf("scheduleRetry: %v", err)
	}
	if p.NextRetryAt == nil {
		t.Fatal("expected next retry time")
	}

	newDue := time.Now().Add(25 * time.Hour)
	if err := p.RetryEligible(newDue); err != nil {
		t.Fatalf("retryEligible: %v", err)
	}
	if p.Status != PaymentScheduled {
		t.Fatalf("expected SCHEDULED after retry, got %s", p.Status)
	}
	if p.GatewayRef != "" {
		t.Error("stale gateway ref should be cleared for the next attempt")
	}
	if p.NextRetryAt != nil {
		t.Error("next retry time should be cleared")
	}
	if p.RetryCount != 1 {
		t.Errorf("retry count must survive the cycle, got %d", p.RetryCount)
	}

	// The second attempt reuses the same machine.
	if err := p.BeginAttempt("PI-2"); err != nil {
		t.Fatalf("second beginAttempt: %v", err)
	}
	if err := p.GatewayFailed("declined again"); err != nil {
		t.Fatalf("second gatewayFailed: %v", err)
	}
	if p.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", p.RetryCount)
	}
}

func TestPayment_RetryExhausted(t *testing.T) {
	p := newTestPayment(t)

	if err := p.BeginAttempt("PI-1"); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if err := p.GatewayFailed("declined"); err != nil {
		t.Fatalf("gatewayFailed: %v", err)
	}
	if err := p.RetryExhausted(); err != nil {
		t.Fatalf("retryExhausted: %v", err)
	}

	if p.Status != PaymentCancelled {
		t.Fatalf("expected CANCELLED, got %s", p.Status)
	}
	if !p.IsTerminal() {
		t.Error("cancelled payment should be terminal")
	}
}

func TestPayment_EarlySettle(t *testing.T) {
	p := newTestPayment(t)
	paidAt := time.Now().UTC()

	t.Run("discounted amount recorded", func(t *testing.T) {
		q := newTestPayment(t)
		if err := q.EarlySettle(paidAt, 4750); err != nil {
			t.Fatalf("earlySettle: %v", err)
		}
		if q.Status != PaymentCompleted {
			t.Fatalf("expected COMPLETED, got %s", q.Status)
		}
		if q.PaidMinor == nil || *q.PaidMinor != 4750 {
			t.Errorf("expected paidMinor 4750, got %v", q.PaidMinor)
		}
	})

	t.Run("net above face value rejected", func(t *testing.T) {
		q := newTestPayment(t)
		if err := q.EarlySettle(paidAt, 5001); err == nil {
			t.Error("expected range error")
		}
	})

	t.Run("negative net rejected", func(t *testing.T) {
		q := newTestPayment(t)
		if err := q.EarlySettle(paidAt, -1); err == nil {
			t.Error("expected range error")
		}
	})

	t.Run("only from scheduled", func(t *testing.T) {
		if err := p.BeginAttempt("PI-1"); err != nil {
			t.Fatalf("beginAttempt: %v", err)
		}
		if err := p.EarlySettle(paidAt, 4750); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestPayment_InvalidTransitions(t *testing.T) {
	paidAt := time.Now().UTC()

	cases := []struct {
		name  string
		setup func(p *Payment)
		apply func(p *Payment) error
	}{
		{
			"confirm without attempt",
			func(p *Payment) {},
			func(p *Payment) error { return p.GatewayConfirmed(paidAt) },
		},
		{
			"fail without attempt",
			func(p *Payment) {},
			func(p *Payment) error { return p.GatewayFailed("x") },
		},
		{
			"double attempt",
			func(p *Payment) { p.BeginAttempt("PI-1") },
			func(p *Payment) error { return p.BeginAttempt("PI-2") },
		},
		{
			"cancel while processing",
			func(p *Payment) { p.BeginAttempt("PI-1") },
			func(p *Payment) error { return p.Cancel("x") },
		},
		{
			"confirm after completion",
			func(p *Payment) {
				p.BeginAttempt("PI-1")
				p.GatewayConfirmed(paidAt)
			},
			func(p *Payment) error { return p.GatewayConfirmed(paidAt) },
		},
		{
			"retry a scheduled payment",
			func(p *Payment) {},
			func(p *Payment) error { return p.RetryEligible(paidAt) },
		},
		{
			"exhaust a completed payment",
			func(p *Payment) {
				p.BeginAttempt("PI-1")
				p.GatewayConfirmed(paidAt)
			},
			func(p *Payment) error { return p.RetryExhausted() },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPayment(t)
			tc.setup(p)
			if err := tc.apply(p); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestPayment_CancelFromFailed(t *testing.T) {
	p := newTestPayment(t)
	p.BeginAttempt("PI-1")
	p.GatewayFailed("declined")

	if err := p.Cancel("user requested"); err != nil {
		t.Fatalf("cancel from failed: %v", err)
	}
	if p.Status != PaymentCancelled {
		t.Fatalf("expected CANCELLED, got %s", p.Status)
	}
}
