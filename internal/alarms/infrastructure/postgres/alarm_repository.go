package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "iiot-gateway/internal/alarms/domain"
)

const defaultAlarmsTable = "alarms"

const alarmColumns = `id, rule_id, name, description, tag_id, severity,
	timestamp_triggered, timestamp_cleared, state, value_at_trigger,
	acknowledged_by, acknowledged_at, cleared_by, cleared_at, created_at, updated_at`

// AlarmRepository is the authoritative Postgres store for alarms.
type AlarmRepository struct {
	db    *sql.DB
	table string
}

// AlarmRepositoryOption configures the repository.
type AlarmRepositoryOption func(*AlarmRepository)

// WithAlarmsTable overrides the table name.
func WithAlarmsTable(table string) AlarmRepositoryOption {
	return func(r *AlarmRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db *sql.DB, opts ...AlarmRepositoryOption) *AlarmRepository {
	repo := &AlarmRepository{db: db, table: defaultAlarmsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// EnsureSchema creates the alarm table and its indexes when missing.
func (r *AlarmRepository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	rule_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	tag_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	timestamp_triggered TIMESTAMPTZ NOT NULL,
	timestamp_cleared TIMESTAMPTZ,
	state TEXT NOT NULL DEFAULT 'active',
	value_at_trigger DOUBLE PRECISION NOT NULL,
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	cleared_by TEXT,
	cleared_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_state ON %[1]s (state)`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_timestamp ON %[1]s (timestamp_triggered DESC)`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_rule_id ON %[1]s (rule_id)`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_tag_id ON %[1]s (tag_id)`, r.table),
	}
	for _, statement := range statements {
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("alarm repo: ensure schema: %w", err)
		}
	}
	return nil
}

// InsertBatch inserts alarms in one transaction. Rows whose id already
// exists are skipped; the number of inserted rows is returned.
func (r *AlarmRepository) InsertBatch(ctx context.Context, batch []alarms.Alarm) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO NOTHING`, r.table, alarmColumns))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, alarm := range batch {
		if alarm.ID == "" || alarm.RuleID == "" || alarm.TagID == "" {
			return 0, errors.New("alarm repo: missing fields")
		}
		createdAt := alarm.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		updatedAt := alarm.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}
		result, err := stmt.ExecContext(ctx,
			alarm.ID,
			alarm.RuleID,
			alarm.Name,
			nullableString(alarm.Description),
			alarm.TagID,
			alarm.Severity,
			alarm.TimestampTriggered.UTC(),
			nullableTime(alarm.TimestampCleared),
			alarm.State,
			alarm.ValueAtTrigger,
			nullableString(alarm.AcknowledgedBy),
			nullableTime(alarm.AcknowledgedAt),
			nullableString(alarm.ClearedBy),
			nullableTime(alarm.ClearedAt),
			createdAt,
			updatedAt,
		)
		if err != nil {
			return 0, err
		}
		if affected, err := result.RowsAffected(); err == nil {
			inserted += int(affected)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListActive returns alarms in state active, newest trigger first.
func (r *AlarmRepository) ListActive(ctx context.Context) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	return r.query(ctx, fmt.Sprintf(`
SELECT %s
FROM %s
WHERE state = $1
ORDER BY timestamp_triggered DESC`, alarmColumns, r.table), alarms.StateActive)
}

// ListRecent returns up to limit alarms of any state, newest trigger first.
func (r *AlarmRepository) ListRecent(ctx context.Context, limit int) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if limit <= 0 {
		return nil, errors.New("alarm repo: invalid limit")
	}
	return r.query(ctx, fmt.Sprintf(`
SELECT %s
FROM %s
ORDER BY timestamp_triggered DESC
LIMIT $1`, alarmColumns, r.table), limit)
}

// GetByID fetches an alarm by id. A missing alarm returns nil, nil.
func (r *AlarmRepository) GetByID(ctx context.Context, id string) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1`, alarmColumns, r.table), id)
	return scanAlarm(row)
}

// Acknowledge moves an active alarm to acknowledged. It reports false when
// the alarm is missing or no longer active.
func (r *AlarmRepository) Acknowledge(ctx context.Context, id string, actor *string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alarm repo: nil db")
	}
	return r.transition(ctx, fmt.Sprintf(`
UPDATE %s
SET state = $2, acknowledged_by = $3, acknowledged_at = $4, updated_at = $4
WHERE id = $1 AND state IN (%s)`, r.table, stateList(alarms.StateAcknowledged)),
		id, alarms.StateAcknowledged, nullableString(actor), at.UTC())
}

// Clear moves an active or acknowledged alarm to cleared.
func (r *AlarmRepository) Clear(ctx context.Context, id string, actor *string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alarm repo: nil db")
	}
	return r.transition(ctx, fmt.Sprintf(`
UPDATE %s
SET state = $2, timestamp_cleared = $4, cleared_by = $3, cleared_at = $4, updated_at = $4
WHERE id = $1 AND state IN (%s)`, r.table, stateList(alarms.StateCleared)),
		id, alarms.StateCleared, nullableString(actor), at.UTC())
}

func (r *AlarmRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *AlarmRepository) query(ctx context.Context, query string, args ...any) ([]alarms.Alarm, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]alarms.Alarm, 0)
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// stateList renders the legal source states of target as a SQL literal list.
// The values are package constants, never user input.
func stateList(target string) string {
	sources := alarms.SourceStates(target)
	quoted := make([]string, 0, len(sources))
	for _, state := range sources {
		quoted = append(quoted, "'"+state+"'")
	}
	return strings.Join(quoted, ", ")
}

type alarmScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row alarmScanner) (*alarms.Alarm, error) {
	var alarm alarms.Alarm
	var description, acknowledgedBy, clearedBy sql.NullString
	var timestampCleared, acknowledgedAt, clearedAt sql.NullTime
	if err := row.Scan(
		&alarm.ID,
		&alarm.RuleID,
		&alarm.Name,
		&description,
		&alarm.TagID,
		&alarm.Severity,
		&alarm.TimestampTriggered,
		&timestampCleared,
		&alarm.State,
		&alarm.ValueAtTrigger,
		&acknowledgedBy,
		&acknowledgedAt,
		&clearedBy,
		&clearedAt,
		&alarm.CreatedAt,
		&alarm.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	alarm.TimestampTriggered = alarm.TimestampTriggered.UTC()
	alarm.CreatedAt = alarm.CreatedAt.UTC()
	alarm.UpdatedAt = alarm.UpdatedAt.UTC()
	alarm.Description = stringPtr(description)
	alarm.AcknowledgedBy = stringPtr(acknowledgedBy)
	alarm.ClearedBy = stringPtr(clearedBy)
	alarm.TimestampCleared = timePtr(timestampCleared)
	alarm.AcknowledgedAt = timePtr(acknowledgedAt)
	alarm.ClearedAt = timePtr(clearedAt)
	return &alarm, nil
}

func nullableString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullableTime(value *time.Time) sql.NullTime {
	if value == nil || value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
