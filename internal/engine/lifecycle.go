package engine

import (
	"context"
	"time"

	"bnplengine/internal/common/database"
	"bnplengine/internal/common/events"
	"bnplengine/internal/ledger/domain"
)

// PaymentCompleted runs after a payment reaches COMPLETED, whether via the
// synchronous confirm or a webhook. Everything here is best effort: the
// ledger transition has already been persisted.
func (s *Service) PaymentCompleted(ctx context.Context, p *domain.Payment) {
	paidAt := time.Now().UTC()
	if p.PaidAt != nil {
		paidAt = *p.PaidAt
	}

	s.logger.Info("payment completed",
		"payment_id", p.ID,
		"transaction_id", p.TransactionID,
		"amount", p.Amount.AmountMinor,
	)

	s.publish(ctx, events.EventPaymentCompleted, "payment", p.ID, events.PaymentCompletedData{
		TransactionID: p.TransactionID,
		PaymentID:     p.ID,
		AmountMinor:   p.Amount.AmountMinor,
		Currency:      string(p.Amount.Currency),
		PaidAt:        paidAt,
	})

	s.releaseExposure(ctx, p.TransactionID, p.Amount)
	s.recomputeTransactionStatus(ctx, p.TransactionID)

	if s.notifier != nil {
		tx, err := s.store.GetTransaction(ctx, p.TransactionID)
		if err == nil {
			if err := s.notifier.PaymentCompleted(ctx, tx.UserID, p.ID); err != nil {
				s.logger.Error("payment completion notification", "payment_id", p.ID, "error", err)
			}
		}
	}
}

// PaymentFailed runs after a payment reaches FAILED. It decides between
// scheduling a retry and exhausting the retry budget, which cancels the
// installment.
func (s *Service) PaymentFailed(ctx context.Context, p *domain.Payment) {
	s.logger.Warn("payment failed",
		"payment_id", p.ID,
		"transaction_id", p.TransactionID,
		"retry_count", p.RetryCount,
		"reason", p.FailureReason,
	)

	cutoff, err := s.retryCutoff(ctx, p.TransactionID)
	if err != nil {
		s.logger.Error("computing retry cutoff", "payment_id", p.ID, "error", err)
		cutoff = time.Time{}
	}

	now := time.Now().UTC()
	next, ok := s.retryPolicy.NextAttempt(p.RetryCount, now, cutoff)

	if ok {
		if err := p.ScheduleRetry(next); err != nil {
			s.logger.Error("scheduling retry", "payment_id", p.ID, "error", err)
			return
		}
		if err := s.store.UpdatePayment(ctx, p, p.Version); err != nil {
			s.logger.Error("persisting retry schedule", "payment_id", p.ID, "error", err)
			return
		}

		s.publish(ctx, events.EventPaymentFailed, "payment", p.ID, events.PaymentFailedData{
			TransactionID: p.TransactionID,
			PaymentID:     p.ID,
			RetryCount:    p.RetryCount,
			Reason:        p.FailureReason,
			NextRetryAt:   p.NextRetryAt,
		})
	} else {
		if err := p.RetryExhausted(); err != nil {
			s.logger.Error("exhausting retries", "payment_id", p.ID, "error", err)
			return
		}
		if err := s.store.UpdatePayment(ctx, p, p.Version); err != nil {
			s.logger.Error("persisting retry exhaustion", "payment_id", p.ID, "error", err)
			return
		}

		s.logger.Warn("payment retries exhausted",
			"payment_id", p.ID,
			"transaction_id", p.TransactionID,
			"retry_count", p.RetryCount,
		)

		s.publish(ctx, events.EventPaymentFailed, "payment", p.ID, events.PaymentFailedData{
			TransactionID: p.TransactionID,
			PaymentID:     p.ID,
			RetryCount:    p.RetryCount,
			Reason:        p.FailureReason,
		})
		s.publish(ctx, events.EventPaymentCancelled, "payment", p.ID, events.PaymentCancelledData{
			TransactionID: p.TransactionID,
			PaymentID:     p.ID,
			Reason:        "retry budget exhausted",
		})

		// The installment will never collect; release its exposure the same
		// way a manual cancellation does.
		s.releaseExposure(ctx, p.TransactionID, p.Amount)
	}

	s.recomputeTransactionStatus(ctx, p.TransactionID)

	if s.notifier != nil {
		tx, err := s.store.GetTransaction(ctx, p.TransactionID)
		if err == nil {
			if err := s.notifier.PaymentFailed(ctx, tx.UserID, p.ID, p.FailureReason); err != nil {
				s.logger.Error("payment failure notification", "payment_id", p.ID, "error", err)
			}
		}
	}
}

// RetryPayment moves a FAILED payment whose retry time has arrived back to
// SCHEDULED. Wired as the retry scheduler's callback. Duplicate firings
// and races with cancellation are harmless: the payment is re-validated
// under its current version.
func (s *Service) RetryPayment(ctx context.Context, paymentID string) error {
	var p *domain.Payment

	err := database.RetryOnConflict(ctx, 3, func() error {
		var err error
		p, err = s.store.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != domain.PaymentFailed {
			p = nil
			return nil
		}
		if p.NextRetryAt == nil || p.NextRetryAt.After(time.Now().UTC()) {
			p = nil
			return nil
		}
		if err := p.RetryEligible(time.Now().UTC()); err != nil {
			return err
		}
		return s.store.UpdatePayment(ctx, p, p.Version)
	})
	if err != nil || p == nil {
		return err
	}

	s.logger.Info("payment eligible for retry",
		"payment_id", p.ID,
		"transaction_id", p.TransactionID,
		"retry_count", p.RetryCount,
	)

	s.publish(ctx, events.EventPaymentRetried, "payment", p.ID, map[string]any{
		"transaction_id": p.TransactionID,
		"payment_id":     p.ID,
		"retry_count":    p.RetryCount,
	})

	return nil
}

// retryCutoff derives the hard retry deadline from the transaction's final
// installment due date.
func (s *Service) retryCutoff(ctx context.Context, transactionID string) (time.Time, error) {
	payments, err := s.store.ListPayments(ctx, transactionID)
	if err != nil {
		return time.Time{}, err
	}
	var final time.Time
	for _, p := range payments {
		if p.DueDate.After(final) {
			final = p.DueDate
		}
	}
	if final.IsZero() {
		return time.Time{}, nil
	}
	return s.retryPolicy.Cutoff(final), nil
}

// recomputeTransactionStatus re-derives the transaction projection from
// the payment set and persists it when it changed.
func (s *Service) recomputeTransactionStatus(ctx context.Context, transactionID string) {
	var terminal domain.TransactionStatus

	err := database.RetryOnConflict(ctx, 3, func() error {
		tx, err := s.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		payments, err := s.store.ListPayments(ctx, transactionID)
		if err != nil {
			return err
		}

		derived := domain.DeriveStatus(tx.Status, payments)
		if derived == tx.Status {
			return nil
		}

		tx.SetDerivedStatus(derived)
		if err := s.store.UpdateTransaction(ctx, tx, tx.Version); err != nil {
			return err
		}
		if derived == domain.TransactionCompleted || derived == domain.TransactionCancelled {
			terminal = derived
		}
		return nil
	})
	if err != nil {
		s.logger.Error("recomputing transaction status", "transaction_id", transactionID, "error", err)
		return
	}

	switch terminal {
	case domain.TransactionCompleted:
		s.logger.Info("transaction completed", "transaction_id", transactionID)
		s.publish(ctx, events.EventTransactionCompleted, "transaction", transactionID, map[string]string{
			"transaction_id": transactionID,
		})
	case domain.TransactionCancelled:
		s.logger.Info("transaction cancelled, all installments cancelled", "transaction_id", transactionID)
		s.publish(ctx, events.EventTransactionCancelled, "transaction", transactionID, map[string]string{
			"transaction_id": transactionID,
		})
	}
}
