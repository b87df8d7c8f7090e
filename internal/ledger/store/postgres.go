package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bnplengine/internal/common/database"
	"bnplengine/internal/common/money"
	"bnplengine/internal/ledger/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// CreateTransaction inserts a transaction and its payments atomically.
func (s *PostgresStore) CreateTransaction(ctx context.Context, t *domain.Transaction, payments []*domain.Payment) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		items, _ := json.Marshal(t.Items)

		_, err := tx.Exec(ctx, `
			INSERT INTO bnpl_transactions (
				id, user_id, merchant_id, principal_minor, currency,
				installments, status, items, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			t.ID, t.UserID, t.MerchantID, t.Principal.AmountMinor, t.Principal.Currency,
			t.Installments, t.Status, items, t.Version, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("transaction %s: %w", t.ID, database.ErrAlreadyExists)
			}
			return fmt.Errorf("inserting transaction: %w", err)
		}

		for _, p := range payments {
			if err := insertPayment(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertPayment(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bnpl_payments (
			id, transaction_id, sequence, amount_minor, currency, due_date,
			status, retry_count, gateway_ref, failure_reason, paid_at,
			paid_minor, next_retry_at, processing_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		p.ID, p.TransactionID, p.Sequence, p.Amount.AmountMinor, p.Amount.Currency, p.DueDate,
		p.Status, p.RetryCount, nullStr(p.GatewayRef), nullStr(p.FailureReason), p.PaidAt,
		p.PaidMinor, p.NextRetryAt, p.ProcessingAt, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, merchant_id, principal_minor, currency,
			   installments, status, items, version, created_at, updated_at
		FROM bnpl_transactions
		WHERE id = $1
	`, id)

	var t domain.Transaction
	var principal int64
	var currency string
	var items []byte

	err := row.Scan(
		&t.ID, &t.UserID, &t.MerchantID, &principal, &currency,
		&t.Installments, &t.Status, &items, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, database.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	t.Principal = money.New(principal, money.Currency(currency))
	_ = json.Unmarshal(items, &t.Items)
	return &t, nil
}

// UpdateTransaction updates a transaction guarded by its version.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *domain.Transaction, expectedVersion int64) error {
	t.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, `
		UPDATE bnpl_transactions
		SET status = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $4
	`, t.ID, t.Status, t.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, "bnpl_transactions", t.ID)
	}

	t.Version = expectedVersion + 1
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	row := s.db.QueryRow(ctx, paymentSelect+` WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, database.ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// GetPaymentByGatewayRef retrieves a payment by its gateway intent reference.
func (s *PostgresStore) GetPaymentByGatewayRef(ctx context.Context, gatewayRef string) (*domain.Payment, error) {
	row := s.db.QueryRow(ctx, paymentSelect+` WHERE gateway_ref = $1`, gatewayRef)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment with gateway ref %s: %w", gatewayRef, database.ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// ListPayments lists a transaction's payments in sequence order.
func (s *PostgresStore) ListPayments(ctx context.Context, transactionID string) ([]*domain.Payment, error) {
	rows, err := s.db.Query(ctx, paymentSelect+` WHERE transaction_id = $1 ORDER BY sequence`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// UpdatePayment updates a payment guarded by its version.
func (s *PostgresStore) UpdatePayment(ctx context.Context, p *domain.Payment, expectedVersion int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.updatePaymentTx(ctx, tx, p, expectedVersion)
	})
}

// UpdatePayments applies several payment writes in a single transaction.
func (s *PostgresStore) UpdatePayments(ctx context.Context, payments []*domain.Payment, expectedVersions []int64) error {
	if len(payments) != len(expectedVersions) {
		return errors.New("payments and expected versions length mismatch")
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, p := range payments {
			if err := s.updatePaymentTx(ctx, tx, p, expectedVersions[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) updatePaymentTx(ctx context.Context, tx pgx.Tx, p *domain.Payment, expectedVersion int64) error {
	p.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		UPDATE bnpl_payments
		SET status = $2, retry_count = $3, gateway_ref = $4, failure_reason = $5,
			paid_at = $6, paid_minor = $7, due_date = $8, next_retry_at = $9,
			processing_at = $10, version = version + 1, updated_at = $11
		WHERE id = $1 AND version = $12
	`,
		p.ID, p.Status, p.RetryCount, nullStr(p.GatewayRef), nullStr(p.FailureReason),
		p.PaidAt, p.PaidMinor, p.DueDate, p.NextRetryAt,
		p.ProcessingAt, p.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, "bnpl_payments", p.ID)
	}

	p.Version = expectedVersion + 1
	return nil
}

// ListDueForRetry returns failed payments whose retry time has arrived.
func (s *PostgresStore) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.Payment, error) {
	rows, err := s.db.Query(ctx, paymentSelect+`
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3
	`, domain.PaymentFailed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due retries: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// ListStuckProcessing returns payments processing since before the cutoff.
func (s *PostgresStore) ListStuckProcessing(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	rows, err := s.db.Query(ctx, paymentSelect+`
		WHERE status = $1 AND processing_at IS NOT NULL AND processing_at < $2
		ORDER BY processing_at ASC
		LIMIT $3
	`, domain.PaymentProcessing, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stuck payments: %w", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// classifyMiss distinguishes a version conflict from a missing row after a
// zero-row UPDATE.
func (s *PostgresStore) classifyMiss(ctx context.Context, table, id string) error {
	var exists bool
	err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking %s existence: %w", table, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, database.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, database.ErrVersionConflict)
}

const paymentSelect = `
	SELECT id, transaction_id, sequence, amount_minor, currency, due_date,
		   status, retry_count, gateway_ref, failure_reason, paid_at,
		   paid_minor, next_retry_at, processing_at, version, created_at, updated_at
	FROM bnpl_payments
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var amount int64
	var currency string
	var gatewayRef, failureReason *string

	err := row.Scan(
		&p.ID, &p.TransactionID, &p.Sequence, &amount, &currency, &p.DueDate,
		&p.Status, &p.RetryCount, &gatewayRef, &failureReason, &p.PaidAt,
		&p.PaidMinor, &p.NextRetryAt, &p.ProcessingAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Amount = money.New(amount, money.Currency(currency))
	if gatewayRef != nil {
		p.GatewayRef = *gatewayRef
	}
	if failureReason != nil {
		p.FailureReason = *failureReason
	}
	return &p, nil
}

func scanPayments(rows pgx.Rows) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
