package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	buffering "iiot-gateway/internal/buffering/domain"
)

const defaultDeadLetterTable = "buffer_dead_letters"

// DeadLetterStore keeps buffered entries that left the queue undelivered.
type DeadLetterStore struct {
	db    *sql.DB
	table string
}

// DeadLetterOption configures the store.
type DeadLetterOption func(*DeadLetterStore)

// WithDeadLetterTable overrides the table name.
func WithDeadLetterTable(table string) DeadLetterOption {
	return func(store *DeadLetterStore) {
		if table != "" {
			store.table = table
		}
	}
}

// NewDeadLetterStore constructs a dead-letter store.
func NewDeadLetterStore(db *sql.DB, opts ...DeadLetterOption) *DeadLetterStore {
	store := &DeadLetterStore{db: db, table: defaultDeadLetterTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// EnsureSchema creates the dead-letter table when missing.
func (s *DeadLetterStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	statements := []string{fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	entry_id TEXT PRIMARY KEY,
	destination TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	error_message TEXT,
	queued_at TIMESTAMPTZ NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 1
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_destination ON %[1]s (destination, last_seen_at DESC)`, s.table),
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("dead letter store: ensure schema: %w", err)
		}
	}
	return nil
}

// Record inserts or refreshes the row for entry. Repeated calls for the
// same entry keep one row.
func (s *DeadLetterStore) Record(ctx context.Context, entry buffering.Entry) error {
	if s == nil || s.db == nil {
		return errors.New("dead letter store: nil db")
	}
	if entry.ID == "" {
		return errors.New("dead letter store: empty entry id")
	}
	message := ""
	if entry.ErrorMessage != nil {
		message = *entry.ErrorMessage
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	entry_id,
	destination,
	payload,
	status,
	retry_count,
	max_retries,
	error_message,
	queued_at,
	first_seen_at,
	last_seen_at,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $9, 1
)
ON CONFLICT (entry_id)
DO UPDATE SET
	status = EXCLUDED.status,
	retry_count = EXCLUDED.retry_count,
	error_message = EXCLUDED.error_message,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %s.attempts + 1`, s.table, s.table)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Destination,
		entry.Payload,
		string(entry.Status),
		entry.RetryCount,
		entry.MaxRetries,
		nullableString(message),
		entry.TimestampQueued,
		now,
	)
	return err
}

// ListByDestination returns the newest dead letters for destination.
func (s *DeadLetterStore) ListByDestination(ctx context.Context, destination string, limit int) ([]buffering.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dead letter store: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT entry_id, destination, payload, status, retry_count, max_retries, error_message,
	queued_at, first_seen_at, last_seen_at, attempts
FROM %s
WHERE destination = $1
ORDER BY last_seen_at DESC
LIMIT $2`, s.table), destination, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []buffering.DeadLetter{}
	for rows.Next() {
		var (
			letter  buffering.DeadLetter
			status  string
			message sql.NullString
		)
		if err := rows.Scan(
			&letter.EntryID,
			&letter.Destination,
			&letter.Payload,
			&status,
			&letter.RetryCount,
			&letter.MaxRetries,
			&message,
			&letter.QueuedAt,
			&letter.FirstSeenAt,
			&letter.LastSeenAt,
			&letter.Attempts,
		); err != nil {
			return nil, err
		}
		letter.Status = buffering.Status(status)
		letter.ErrorMessage = message.String
		result = append(result, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
