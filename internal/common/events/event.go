package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventTransactionApproved  = "bnpl.transaction.approved"
	EventTransactionCompleted = "bnpl.transaction.completed"
	EventTransactionCancelled = "bnpl.transaction.cancelled"

	EventPaymentProcessing = "bnpl.payment.processing"
	EventPaymentCompleted  = "bnpl.payment.completed"
	EventPaymentFailed     = "bnpl.payment.failed"
	EventPaymentRetried    = "bnpl.payment.retried"
	EventPaymentCancelled  = "bnpl.payment.cancelled"
	EventEarlySettlement   = "bnpl.payment.early_settled"
)

// TransactionApprovedData is the data for bnpl.transaction.approved events
type TransactionApprovedData struct {
	TransactionID  string `json:"transaction_id"`
	UserID         string `json:"user_id"`
	MerchantID     string `json:"merchant_id"`
	PrincipalMinor int64  `json:"principal_minor"`
	Currency       string `json:"currency"`
	Installments   int    `json:"installments"`
}

// PaymentCompletedData is the data for bnpl.payment.completed events
type PaymentCompletedData struct {
	TransactionID string    `json:"transaction_id"`
	PaymentID     string    `json:"payment_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	PaidAt        time.Time `json:"paid_at"`
}

// PaymentFailedData is the data for bnpl.payment.failed events
type PaymentFailedData struct {
	TransactionID string     `json:"transaction_id"`
	PaymentID     string     `json:"payment_id"`
	RetryCount    int        `json:"retry_count"`
	Reason        string     `json:"reason,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// PaymentCancelledData is the data for bnpl.payment.cancelled events
type PaymentCancelledData struct {
	TransactionID string `json:"transaction_id"`
	PaymentID     string `json:"payment_id"`
	Reason        string `json:"reason,omitempty"`
}

// EarlySettlementData is the data for bnpl.payment.early_settled events
type EarlySettlementData struct {
	TransactionID string   `json:"transaction_id"`
	PaymentIDs    []string `json:"payment_ids"`
	GrossMinor    int64    `json:"gross_minor"`
	DiscountMinor int64    `json:"discount_minor"`
	NetMinor      int64    `json:"net_minor"`
}
