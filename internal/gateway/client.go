// Package gateway talks to the external payment gateway over NATS
// request-reply. The gateway is authoritative for money movement; this
// package only translates calls and results.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"bnplengine/internal/common/money"
)

// NATS subjects exposed by the gateway service.
const (
	SubjectIntentCreate  = "gateway.intent.create"
	SubjectIntentConfirm = "gateway.intent.confirm"
	SubjectRefund        = "gateway.refund"
)

// ErrTimeout reports that the gateway did not answer within the request
// timeout. The charge may still complete; resolution arrives by webhook.
var ErrTimeout = errors.New("gateway request timed out")

// IntentStatus is the gateway's view of an intent.
type IntentStatus string

const (
	IntentPending        IntentStatus = "PENDING"
	IntentSucceeded      IntentStatus = "SUCCEEDED"
	IntentFailed         IntentStatus = "FAILED"
	IntentRequiresAction IntentStatus = "REQUIRES_ACTION"
)

// Config holds gateway client configuration.
type Config struct {
	RequestTimeout time.Duration `envconfig:"GATEWAY_REQUEST_TIMEOUT" default:"30s"`
	MerchantRef    string        `envconfig:"GATEWAY_MERCHANT_REF" default:"bnpl-engine"`
}

// Intent is the result of creating or confirming a payment intent.
type Intent struct {
	Ref           string       `json:"ref"`
	Status        IntentStatus `json:"status"`
	DeclineReason string       `json:"declineReason,omitempty"`
}

// Client is the contract to the payment gateway.
type Client interface {
	// CreateIntent registers a charge with the gateway and returns its
	// intent reference.
	CreateIntent(ctx context.Context, paymentID string, amount money.Money, instrumentToken string) (*Intent, error)
	// ConfirmIntent attempts to execute the charge synchronously. A
	// timeout is returned as ErrTimeout; the caller must leave the
	// payment in flight and wait for the webhook.
	ConfirmIntent(ctx context.Context, intentRef string) (*Intent, error)
	// Refund reverses a captured charge.
	Refund(ctx context.Context, intentRef string, amount money.Money, reason string) error
}

type createRequest struct {
	IntentRef       string `json:"intentRef"`
	MerchantRef     string `json:"merchantRef"`
	PaymentID       string `json:"paymentId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	InstrumentToken string `json:"instrumentToken"`
}

type confirmRequest struct {
	IntentRef string `json:"intentRef"`
}

type refundRequest struct {
	IntentRef string `json:"intentRef"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

type gatewayResponse struct {
	Success       bool   `json:"success"`
	IntentRef     string `json:"intentRef"`
	Status        string `json:"status"`
	DeclineReason string `json:"declineReason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NATSClient implements Client over core NATS request-reply.
type NATSClient struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSClient creates a gateway client on an existing NATS connection.
func NewNATSClient(cfg Config, nc *nats.Conn, logger *slog.Logger) *NATSClient {
	return &NATSClient{config: cfg, nc: nc, logger: logger}
}

var _ Client = (*NATSClient)(nil)

// CreateIntent registers a charge with the gateway.
func (c *NATSClient) CreateIntent(ctx context.Context, paymentID string, amount money.Money, instrumentToken string) (*Intent, error) {
	intentRef := fmt.Sprintf("PI-%s", ulid.Make().String())

	c.logger.Info("creating gateway intent",
		"payment_id", paymentID,
		"intent_ref", intentRef,
		"amount", amount.AmountMinor,
		"currency", amount.Currency,
		"instrument", maskToken(instrumentToken),
	)

	req := createRequest{
		IntentRef:       intentRef,
		MerchantRef:     c.config.MerchantRef,
		PaymentID:       paymentID,
		Amount:          amount.AmountMinor,
		Currency:        string(amount.Currency),
		InstrumentToken: instrumentToken,
	}

	resp, err := c.request(ctx, SubjectIntentCreate, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("gateway rejected intent: %s", resp.Error)
	}

	ref := resp.IntentRef
	if ref == "" {
		ref = intentRef
	}
	return &Intent{Ref: ref, Status: IntentStatus(resp.Status)}, nil
}

// ConfirmIntent executes the charge.
func (c *NATSClient) ConfirmIntent(ctx context.Context, intentRef string) (*Intent, error) {
	c.logger.Info("confirming gateway intent", "intent_ref", intentRef)

	resp, err := c.request(ctx, SubjectIntentConfirm, confirmRequest{IntentRef: intentRef})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("gateway confirm error: %s", resp.Error)
	}

	return &Intent{
		Ref:           intentRef,
		Status:        IntentStatus(resp.Status),
		DeclineReason: resp.DeclineReason,
	}, nil
}

// Refund reverses a captured charge.
func (c *NATSClient) Refund(ctx context.Context, intentRef string, amount money.Money, reason string) error {
	c.logger.Info("refunding gateway intent",
		"intent_ref", intentRef,
		"amount", amount.AmountMinor,
	)

	resp, err := c.request(ctx, SubjectRefund, refundRequest{
		IntentRef: intentRef,
		Amount:    amount.AmountMinor,
		Currency:  string(amount.Currency),
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("gateway refund error: %s", resp.Error)
	}
	return nil
}

func (c *NATSClient) request(ctx context.Context, subject string, payload any) (*gatewayResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}

	var resp gatewayResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal gateway response: %w", err)
	}
	return &resp, nil
}

func maskToken(token string) string {
	if len(token) > 8 {
		return token[:4] + "****" + token[len(token)-4:]
	}
	return "****"
}
