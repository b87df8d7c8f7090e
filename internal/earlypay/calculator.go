// Package earlypay computes early-settlement discounts for future
// installments and validates the short-lived quotes that carry them.
package earlypay

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"bnplengine/internal/common/money"
	"bnplengine/internal/ledger/domain"
)

var (
	// ErrNotEligible is returned when a targeted payment cannot be settled
	// early (wrong state, or already due).
	ErrNotEligible = errors.New("not eligible for early payment")
	// ErrQuoteExpired is returned when settlement is attempted past the
	// quote's validity window. The caller must re-quote.
	ErrQuoteExpired = errors.New("quote expired")
	// ErrQuoteNotFound is returned for unknown quote IDs.
	ErrQuoteNotFound = errors.New("quote not found")
)

// Policy configures the early-payment incentive.
type Policy struct {
	// RateBps is the incentive rate in basis points (500 = 5%).
	RateBps int64 `envconfig:"EARLYPAY_RATE_BPS" default:"500"`
	// NormalizationDays caps the benefit: paying earlier than this many
	// days yields the same discount as paying exactly this early.
	NormalizationDays int `envconfig:"EARLYPAY_NORMALIZATION_DAYS" default:"30"`
	// QuoteTTL is how long a quote may be honored.
	QuoteTTL time.Duration `envconfig:"EARLYPAY_QUOTE_TTL" default:"15m"`
	// MinNetMinor floors the net amount due (processing-cost floor).
	MinNetMinor int64 `envconfig:"EARLYPAY_MIN_NET_MINOR" default:"0"`
}

// DefaultPolicy returns the standard early-payment policy.
func DefaultPolicy() Policy {
	return Policy{
		RateBps:           500,
		NormalizationDays: 30,
		QuoteTTL:          15 * time.Minute,
		MinNetMinor:       0,
	}
}

// Line is the per-payment breakdown within a quote.
type Line struct {
	PaymentID     string `json:"payment_id"`
	AmountMinor   int64  `json:"amount_minor"`
	DiscountMinor int64  `json:"discount_minor"`
	NetMinor      int64  `json:"net_minor"`
}

// Quote is a transient early-settlement offer. Quotes are value objects
// with a validity window; they are never persisted.
type Quote struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	Lines         []Line         `json:"lines"`
	GrossMinor    int64          `json:"gross_minor"`
	DiscountMinor int64          `json:"discount_minor"`
	NetMinor      int64          `json:"net_minor"`
	Currency      money.Currency `json:"currency"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// PaymentIDs returns the payment IDs the quote covers.
func (q *Quote) PaymentIDs() []string {
	ids := make([]string, len(q.Lines))
	for i, l := range q.Lines {
		ids[i] = l.PaymentID
	}
	return ids
}

// Calculator computes quotes under a fixed policy.
type Calculator struct {
	policy Policy
}

// NewCalculator creates a calculator.
func NewCalculator(policy Policy) *Calculator {
	return &Calculator{policy: policy}
}

// Quote prices the early settlement of the targeted payments as of now.
// Only SCHEDULED payments with a future due date are eligible.
func (c *Calculator) Quote(transactionID string, payments []*domain.Payment, targetIDs []string, now time.Time) (*Quote, error) {
	if len(targetIDs) == 0 {
		return nil, fmt.Errorf("%w: no payments targeted", ErrNotEligible)
	}

	byID := make(map[string]*domain.Payment, len(payments))
	for _, p := range payments {
		byID[p.ID] = p
	}

	quote := &Quote{
		ID:            ulid.Make().String(),
		TransactionID: transactionID,
		CreatedAt:     now.UTC(),
		ExpiresAt:     now.UTC().Add(c.policy.QuoteTTL),
	}

	for _, id := range targetIDs {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: payment %s not part of transaction %s", ErrNotEligible, id, transactionID)
		}
		if p.Status != domain.PaymentScheduled {
			return nil, fmt.Errorf("%w: payment %s is %s", ErrNotEligible, id, p.Status)
		}
		if !p.DueDate.After(now) {
			return nil, fmt.Errorf("%w: payment %s is already due", ErrNotEligible, id)
		}

		discount := c.discount(p.Amount, p.DueDate, now)
		net := p.Amount.AmountMinor - discount
		if net < c.policy.MinNetMinor {
			net = c.policy.MinNetMinor
		}
		if net < 0 {
			net = 0
		}
		if net > p.Amount.AmountMinor {
			net = p.Amount.AmountMinor
		}
		discount = p.Amount.AmountMinor - net

		quote.Lines = append(quote.Lines, Line{
			PaymentID:     p.ID,
			AmountMinor:   p.Amount.AmountMinor,
			DiscountMinor: discount,
			NetMinor:      net,
		})
		quote.GrossMinor += p.Amount.AmountMinor
		quote.DiscountMinor += discount
		quote.NetMinor += net
		quote.Currency = p.Amount.Currency
	}

	return quote, nil
}

// discount = amount * rate * min(1, daysEarly / normalizationWindow).
func (c *Calculator) discount(amount money.Money, dueDate, now time.Time) int64 {
	daysEarly := dueDate.Sub(now).Hours() / 24
	if daysEarly <= 0 {
		return 0
	}

	factor := daysEarly / float64(c.policy.NormalizationDays)
	if factor > 1 {
		factor = 1
	}

	full := amount.Percentage(c.policy.RateBps)
	return int64(math.Round(float64(full.AmountMinor) * factor))
}

// Validate checks a quote is still honorable as of asOf.
func (c *Calculator) Validate(q *Quote, asOf time.Time) error {
	if asOf.After(q.ExpiresAt) {
		return fmt.Errorf("%w: quote %s expired at %s", ErrQuoteExpired, q.ID, q.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// QuoteCache holds live quotes in memory. Quotes are transient by design:
// losing them only forces a re-quote.
type QuoteCache struct {
	mu     sync.Mutex
	quotes map[string]*Quote
}

// NewQuoteCache creates an empty quote cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]*Quote)}
}

// Put stores a quote and evicts any expired ones.
func (c *QuoteCache) Put(q *Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	for id, stale := range c.quotes {
		if now.After(stale.ExpiresAt) {
			delete(c.quotes, id)
		}
	}
	c.quotes[q.ID] = q
}

// Get retrieves a quote by ID.
func (c *QuoteCache) Get(id string) (*Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.quotes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, id)
	}
	return q, nil
}

// Remove deletes a quote once settled.
func (c *QuoteCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotes, id)
}
