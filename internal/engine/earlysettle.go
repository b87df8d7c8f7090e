package engine

import (
	"context"
	"fmt"
	"time"

	"bnplengine/internal/common/events"
	"bnplengine/internal/common/money"
	"bnplengine/internal/earlypay"
	"bnplengine/internal/gateway"
	"bnplengine/internal/ledger/domain"
)

// QuoteEarlyPayment prices an early settlement of the targeted payments.
// The quote is held in memory for its validity window; it never survives
// a restart, which is fine because callers re-quote on ErrQuoteNotFound.
func (s *Service) QuoteEarlyPayment(ctx context.Context, transactionID string, paymentIDs []string) (*earlypay.Quote, error) {
	if _, err := s.store.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	quote, err := s.calculator.Quote(transactionID, payments, paymentIDs, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.quotes.Put(quote)

	s.logger.Info("early payment quoted",
		"quote_id", quote.ID,
		"transaction_id", transactionID,
		"gross", quote.GrossMinor,
		"discount", quote.DiscountMinor,
		"net", quote.NetMinor,
	)

	return quote, nil
}

// SettleEarly charges the quoted net amount in one gateway call and
// completes every covered payment at its discounted value, all or nothing.
// The quote must still be within its validity window and every covered
// payment must still be SCHEDULED; otherwise the caller re-quotes.
func (s *Service) SettleEarly(ctx context.Context, quoteID, instrumentToken string) (*TransactionView, error) {
	now := time.Now().UTC()

	quote, err := s.quotes.Get(quoteID)
	if err != nil {
		return nil, err
	}
	if err := s.calculator.Validate(quote, now); err != nil {
		s.quotes.Remove(quoteID)
		return nil, err
	}

	payments, err := s.store.ListPayments(ctx, quote.TransactionID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Payment, len(payments))
	for _, p := range payments {
		byID[p.ID] = p
	}

	covered := make([]*domain.Payment, 0, len(quote.Lines))
	versions := make([]int64, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		p, ok := byID[line.PaymentID]
		if !ok {
			return nil, fmt.Errorf("%w: payment %s no longer exists", earlypay.ErrNotEligible, line.PaymentID)
		}
		if p.Status != domain.PaymentScheduled {
			return nil, fmt.Errorf("%w: payment %s is %s since quoting", earlypay.ErrNotEligible, p.ID, p.Status)
		}
		covered = append(covered, p)
		versions = append(versions, p.Version)
	}

	// One charge for the whole quote. A timeout here leaves the payments
	// SCHEDULED and the money position unknown; the quote stays cached so
	// support can reconcile against the gateway before retrying.
	net := money.New(quote.NetMinor, quote.Currency)
	intent, err := s.gateway.CreateIntent(ctx, quote.ID, net, instrumentToken)
	if err != nil {
		return nil, fmt.Errorf("creating settlement intent: %w", err)
	}
	result, err := s.gateway.ConfirmIntent(ctx, intent.Ref)
	if err != nil {
		return nil, fmt.Errorf("confirming settlement intent: %w", err)
	}
	if result.Status != gateway.IntentSucceeded {
		reason := result.DeclineReason
		if reason == "" {
			reason = string(result.Status)
		}
		return nil, fmt.Errorf("settlement charge declined: %s", reason)
	}

	for i, line := range quote.Lines {
		if err := covered[i].EarlySettle(now, line.NetMinor); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdatePayments(ctx, covered, versions); err != nil {
		return nil, err
	}

	s.quotes.Remove(quoteID)

	s.logger.Info("early settlement applied",
		"quote_id", quote.ID,
		"transaction_id", quote.TransactionID,
		"payments", len(covered),
		"net", quote.NetMinor,
	)

	s.publish(ctx, events.EventEarlySettlement, "transaction", quote.TransactionID, events.EarlySettlementData{
		TransactionID: quote.TransactionID,
		PaymentIDs:    quote.PaymentIDs(),
		GrossMinor:    quote.GrossMinor,
		DiscountMinor: quote.DiscountMinor,
		NetMinor:      quote.NetMinor,
	})

	gross := money.New(quote.GrossMinor, quote.Currency)
	s.releaseExposure(ctx, quote.TransactionID, gross)
	s.recomputeTransactionStatus(ctx, quote.TransactionID)

	return s.GetTransaction(ctx, quote.TransactionID)
}
