// Package retry decides when failed payments become eligible for another
// attempt. The scheduler is advisory: it proposes timing and hands due
// payment IDs to a callback, it never mutates ledger state itself.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bnplengine/internal/ledger/domain"
	"bnplengine/internal/ledger/store"
)

// Policy configures retry behaviour.
type Policy struct {
	MaxAttempts int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	// Backoff holds fixed offsets from the failure time, indexed by the
	// retry count at failure (first failure -> Backoff[0], and so on).
	Backoff []time.Duration `envconfig:"RETRY_BACKOFF" default:"24h,72h,168h"`
	// GraceWindow extends the cutoff past the transaction's final due date.
	GraceWindow time.Duration `envconfig:"RETRY_GRACE_WINDOW" default:"72h"`
	// PollInterval is how often the due-retry scan runs.
	PollInterval time.Duration `envconfig:"RETRY_POLL_INTERVAL" default:"1m"`
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		GraceWindow:  72 * time.Hour,
		PollInterval: time.Minute,
	}
}

// NextAttempt computes when a payment that has failed retryCount times
// becomes eligible again. The second return is false when the retry budget
// is exhausted or the next attempt would land past the cutoff; the caller
// then performs retryExhausted instead.
func (p Policy) NextAttempt(retryCount int, failedAt, cutoff time.Time) (time.Time, bool) {
	if retryCount >= p.MaxAttempts {
		return time.Time{}, false
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	next := failedAt.Add(p.Backoff[idx])
	if !cutoff.IsZero() && next.After(cutoff) {
		return time.Time{}, false
	}
	return next, true
}

// Cutoff returns the hard retry cutoff for a transaction's final due date.
func (p Policy) Cutoff(finalDueDate time.Time) time.Time {
	return finalDueDate.Add(p.GraceWindow)
}

// RetryFunc is invoked for each payment due for a retry attempt. The
// implementation re-validates the payment is still FAILED before issuing
// the retryEligible transition, so duplicate firings are harmless.
type RetryFunc func(ctx context.Context, paymentID string) error

// Scheduler scans for due retries on a fixed interval and de-duplicates
// in-flight dispatches per payment ID.
type Scheduler struct {
	policy  Policy
	store   store.Store
	onRetry RetryFunc
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewScheduler creates a retry scheduler.
func NewScheduler(policy Policy, st store.Store, onRetry RetryFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		policy:   policy,
		store:    st,
		onRetry:  onRetry,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Run polls for due retries until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.PollInterval)
	defer ticker.Stop()

	s.logger.Info("retry scheduler started", "poll_interval", s.policy.PollInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one due-retry scan. Exposed separately so tests and operational
// tooling can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueForRetry(ctx, now, 100)
	if err != nil {
		s.logger.Error("due retry scan failed", "error", err)
		return
	}

	for _, p := range due {
		s.dispatch(ctx, p)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, p *domain.Payment) {
	// At most one in-flight dispatch per payment at any time.
	s.mu.Lock()
	if _, busy := s.inFlight[p.ID]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[p.ID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, p.ID)
		s.mu.Unlock()
	}()

	if err := s.onRetry(ctx, p.ID); err != nil {
		s.logger.Error("retry dispatch failed",
			"payment_id", p.ID,
			"transaction_id", p.TransactionID,
			"retry_count", p.RetryCount,
			"error", err,
		)
		return
	}

	s.logger.Info("retry dispatched",
		"payment_id", p.ID,
		"transaction_id", p.TransactionID,
		"retry_count", p.RetryCount,
	)
}
