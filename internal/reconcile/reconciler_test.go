package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"bnplengine/internal/common/money"
	"bnplengine/internal/ledger/domain"
	"bnplengine/internal/ledger/store"
)

type recordingHooks struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (h *recordingHooks) PaymentCompleted(_ context.Context, p *domain.Payment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, p.ID)
}

func (h *recordingHooks) PaymentFailed(_ context.Context, p *domain.Payment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, p.ID)
}

type fixture struct {
	store      *store.MemoryStore
	hooks      *recordingHooks
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	hooks := &recordingHooks{}
	cfg := Config{
		WebhookSecret:         "test-secret",
		RequiresActionTimeout: 30 * time.Minute,
		SweepInterval:         5 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:      st,
		hooks:      hooks,
		reconciler: NewReconciler(st, NewMemoryEventLog(), hooks, cfg, logger),
	}
}

// seedProcessing stores a transaction with one PROCESSING payment bound to
// the given intent ref.
func (f *fixture) seedProcessing(t *testing.T, intentRef string) *domain.Payment {
	t.Helper()
	ctx := context.Background()

	tx, err := domain.NewTransaction("txn-1", "user-1", "merchant-1", money.New(5000, "GBP"), 2, nil)
	if err != nil {
		t.Fatalf("creating transaction: %v", err)
	}
	if err := tx.Approve(); err != nil {
		t.Fatalf("approve: %v", err)
	}

	p, err := domain.NewPayment("pay-1", "txn-1", 0, money.New(5000, "GBP"), time.Now().Add(14*24*time.Hour))
	if err != nil {
		t.Fatalf("creating payment: %v", err)
	}
	if err := p.BeginAttempt(intentRef); err != nil {
		t.Fatalf("beginAttempt: %v", err)
	}
	if err := f.store.CreateTransaction(ctx, tx, []*domain.Payment{p}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	return p
}

func (f *fixture) payment(t *testing.T, id string) *domain.Payment {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("loading payment: %v", err)
	}
	return p
}

func TestReconcile_SucceededCompletesPayment(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")

	result, err := f.reconciler.Reconcile(context.Background(), &GatewayEvent{
		EventID:    "evt-1",
		IntentRef:  "PI-1",
		Outcome:    OutcomeSucceeded,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("expected APPLIED, got %s", result.Status)
	}

	p := f.payment(t, "pay-1")
	if p.Status != domain.PaymentCompleted {
		t.Errorf("expected COMPLETED, got %s", p.Status)
	}
	if len(f.hooks.completed) != 1 || f.hooks.completed[0] != "pay-1" {
		t.Errorf("expected completion hook for pay-1, got %v", f.hooks.completed)
	}
}

func TestReconcile_DuplicateEventIDIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")
	ctx := context.Background()

	event := &GatewayEvent{EventID: "evt-1", IntentRef: "PI-1", Outcome: OutcomeSucceeded}
	if _, err := f.reconciler.Reconcile(ctx, event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	result, err := f.reconciler.Reconcile(ctx, event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Status != StatusDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", result.Status)
	}
	if len(f.hooks.completed) != 1 {
		t.Errorf("expected hook to fire once, got %d", len(f.hooks.completed))
	}
}

func TestReconcile_FailedMarksPaymentFailed(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")

	result, err := f.reconciler.Reconcile(context.Background(), &GatewayEvent{
		EventID:   "evt-1",
		IntentRef: "PI-1",
		Outcome:   OutcomeFailed,
		Reason:    "insufficient funds",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusApplied {
		t.Fatalf("expected APPLIED, got %s", result.Status)
	}

	p := f.payment(t, "pay-1")
	if p.Status != domain.PaymentFailed {
		t.Errorf("expected FAILED, got %s", p.Status)
	}
	if p.FailureReason != "insufficient funds" {
		t.Errorf("expected reason preserved, got %q", p.FailureReason)
	}
	if p.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", p.RetryCount)
	}
	if len(f.hooks.failed) != 1 {
		t.Errorf("expected failure hook, got %v", f.hooks.failed)
	}
}

func TestReconcile_OutOfOrderSuccessAfterFailureIsStale(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")
	ctx := context.Background()

	if _, err := f.reconciler.Reconcile(ctx, &GatewayEvent{
		EventID:   "evt-fail",
		IntentRef: "PI-1",
		Outcome:   OutcomeFailed,
	}); err != nil {
		t.Fatalf("failure event: %v", err)
	}

	result, err := f.reconciler.Reconcile(ctx, &GatewayEvent{
		EventID:   "evt-late-success",
		IntentRef: "PI-1",
		Outcome:   OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("late success event: %v", err)
	}
	if result.Status != StatusStale {
		t.Fatalf("expected STALE, got %s", result.Status)
	}

	// The late success must not resurrect the failed payment.
	if p := f.payment(t, "pay-1"); p.Status != domain.PaymentFailed {
		t.Errorf("expected payment to stay FAILED, got %s", p.Status)
	}
}

func TestReconcile_UnknownIntentIsStale(t *testing.T) {
	f := newFixture(t)

	result, err := f.reconciler.Reconcile(context.Background(), &GatewayEvent{
		EventID:   "evt-1",
		IntentRef: "PI-unknown",
		Outcome:   OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusStale {
		t.Fatalf("expected STALE, got %s", result.Status)
	}
}

func TestReconcile_SucceededOnCompletedIsNoChange(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")
	ctx := context.Background()

	if _, err := f.reconciler.Reconcile(ctx, &GatewayEvent{
		EventID:   "evt-1",
		IntentRef: "PI-1",
		Outcome:   OutcomeSucceeded,
	}); err != nil {
		t.Fatalf("first event: %v", err)
	}

	// Same outcome under a fresh event ID, as after a gateway replay with
	// re-signed payloads.
	result, err := f.reconciler.Reconcile(ctx, &GatewayEvent{
		EventID:   "evt-2",
		IntentRef: "PI-1",
		Outcome:   OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if result.Status != StatusNoChange {
		t.Fatalf("expected NO_CHANGE, got %s", result.Status)
	}
	if len(f.hooks.completed) != 1 {
		t.Errorf("expected hook to fire once, got %d", len(f.hooks.completed))
	}
}

func TestReconcile_RequiresActionLeavesPaymentProcessing(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")

	result, err := f.reconciler.Reconcile(context.Background(), &GatewayEvent{
		EventID:   "evt-1",
		IntentRef: "PI-1",
		Outcome:   OutcomeRequiresAction,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", result.Status)
	}
	if p := f.payment(t, "pay-1"); p.Status != domain.PaymentProcessing {
		t.Errorf("expected payment to stay PROCESSING, got %s", p.Status)
	}
}

func TestVerifySignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event_id":"evt-1"}`)

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write(body)
	valid := hex.EncodeToString(mac.Sum(nil))

	if err := f.reconciler.VerifySignature(body, valid); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := f.reconciler.VerifySignature(body, "deadbeef"); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}
	if err := f.reconciler.VerifySignature([]byte(`tampered`), valid); err != ErrBadSignature {
		t.Errorf("expected ErrBadSignature for tampered body, got %v", err)
	}
}

func TestSweepStuck_ForcesTimedOutPaymentsToFailed(t *testing.T) {
	f := newFixture(t)
	f.seedProcessing(t, "PI-1")
	ctx := context.Background()

	// Within the timeout: untouched.
	f.reconciler.SweepStuck(ctx, time.Now().UTC())
	if p := f.payment(t, "pay-1"); p.Status != domain.PaymentProcessing {
		t.Fatalf("expected PROCESSING before timeout, got %s", p.Status)
	}

	// Past the timeout: forced to FAILED.
	f.reconciler.SweepStuck(ctx, time.Now().UTC().Add(time.Hour))
	p := f.payment(t, "pay-1")
	if p.Status != domain.PaymentFailed {
		t.Fatalf("expected FAILED after sweep, got %s", p.Status)
	}
	if len(f.hooks.failed) != 1 {
		t.Errorf("expected failure hook, got %v", f.hooks.failed)
	}
}
