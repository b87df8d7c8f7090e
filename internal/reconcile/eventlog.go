package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"bnplengine/internal/common/database"
)

// LogEntry records a processed gateway event. Replayed deliveries of the
// same event ID return the recorded result instead of reprocessing.
type LogEntry struct {
	EventID    string    `json:"event_id"`
	IntentRef  string    `json:"intent_ref"`
	Outcome    Outcome   `json:"outcome"`
	Result     Status    `json:"result"`
	PaymentID  string    `json:"payment_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// EventLog persists processed gateway event IDs for idempotency.
type EventLog interface {
	Get(ctx context.Context, eventID string) (*LogEntry, error)
	Record(ctx context.Context, entry *LogEntry) error
}

// PostgresEventLog implements EventLog on the bnpl_gateway_events table.
type PostgresEventLog struct {
	db *database.DB
}

// NewPostgresEventLog creates a Postgres-backed event log.
func NewPostgresEventLog(db *database.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

var _ EventLog = (*PostgresEventLog)(nil)

// Get retrieves a processed event by ID.
func (l *PostgresEventLog) Get(ctx context.Context, eventID string) (*LogEntry, error) {
	row := l.db.QueryRow(ctx, `
		SELECT event_id, intent_ref, outcome, result, payment_id, received_at
		FROM bnpl_gateway_events
		WHERE event_id = $1
	`, eventID)

	var e LogEntry
	var paymentID *string
	err := row.Scan(&e.EventID, &e.IntentRef, &e.Outcome, &e.Result, &paymentID, &e.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("gateway event %s: %w", eventID, database.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning gateway event: %w", err)
	}
	if paymentID != nil {
		e.PaymentID = *paymentID
	}
	return &e, nil
}

// Record stores a processed event. Conflicting inserts for the same event
// ID are ignored: the first recorded result wins.
func (l *PostgresEventLog) Record(ctx context.Context, entry *LogEntry) error {
	var paymentID *string
	if entry.PaymentID != "" {
		paymentID = &entry.PaymentID
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO bnpl_gateway_events (event_id, intent_ref, outcome, result, payment_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, entry.EventID, entry.IntentRef, entry.Outcome, entry.Result, paymentID, entry.ReceivedAt)
	if err != nil {
		return fmt.Errorf("recording gateway event: %w", err)
	}
	return nil
}

// MemoryEventLog implements EventLog in memory for tests and local runs.
type MemoryEventLog struct {
	mu      sync.Mutex
	entries map[string]*LogEntry
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{entries: make(map[string]*LogEntry)}
}

var _ EventLog = (*MemoryEventLog)(nil)

// Get retrieves a processed event by ID.
func (l *MemoryEventLog) Get(_ context.Context, eventID string) (*LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[eventID]
	if !ok {
		return nil, fmt.Errorf("gateway event %s: %w", eventID, database.ErrNotFound)
	}
	dup := *e
	return &dup, nil
}

// Record stores a processed event; the first recorded result wins.
func (l *MemoryEventLog) Record(_ context.Context, entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[entry.EventID]; ok {
		return nil
	}
	dup := *entry
	l.entries[entry.EventID] = &dup
	return nil
}
