package buffering

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// DefaultMaxRetries is the retry ceiling assigned to new entries.
const DefaultMaxRetries = 3

// Status is the delivery state of a buffered entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

var (
	ErrEmptyDestination = errors.New("buffering: destination is empty")
	ErrBadDestination   = errors.New("buffering: destination contains NUL")
	ErrEmptyID          = errors.New("buffering: entry id is empty")
	ErrInvalidStatus    = errors.New("buffering: invalid status")
	ErrMalformedEntry   = errors.New("buffering: malformed entry")
)

// ValidateDestination rejects names that cannot key a queue. NUL separates
// the destination from the rest of a storage key.
func ValidateDestination(destination string) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	if strings.IndexByte(destination, 0) >= 0 {
		return ErrBadDestination
	}
	return nil
}

// DeadLetter is an entry that left the queue undelivered, as kept by the
// dead-letter store.
type DeadLetter struct {
	EntryID      string    `json:"entry_id"`
	Destination  string    `json:"destination"`
	Payload      string    `json:"payload"`
	Status       Status    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	ErrorMessage string    `json:"error_message,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Attempts     int       `json:"attempts"`
}

// Entry is a payload waiting for delivery to one destination.
type Entry struct {
	ID              string     `json:"id"`
	Destination     string     `json:"destination"`
	Payload         string     `json:"payload"`
	TimestampQueued time.Time  `json:"timestamp_queued"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	Status          Status     `json:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewEntry builds a pending entry queued at now.
func NewEntry(id, destination, payload string, maxRetries int, now time.Time) (*Entry, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if err := ValidateDestination(destination); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	now = now.UTC()
	return &Entry{
		ID:              id,
		Destination:     destination,
		Payload:         payload,
		TimestampQueued: now,
		MaxRetries:      maxRetries,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// RecordAttempt increments the retry counter. It returns true when the
// entry has exhausted its retries and was marked failed.
func (e *Entry) RecordAttempt(now time.Time) bool {
	now = now.UTC()
	e.RetryCount++
	e.LastAttemptAt = &now
	e.UpdatedAt = now
	if e.Exhausted() {
		e.Status = StatusFailed
		return true
	}
	return false
}

// Exhausted reports whether retry_count has passed max_retries.
func (e *Entry) Exhausted() bool {
	return e.RetryCount > e.MaxRetries
}

// SetStatus records a status change and an optional error message.
func (e *Entry) SetStatus(status Status, errorMessage *string, now time.Time) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	now = now.UTC()
	e.Status = status
	e.UpdatedAt = now
	if errorMessage != nil {
		msg := *errorMessage
		e.ErrorMessage = &msg
	}
	if status == StatusCompleted {
		e.CompletedAt = &now
	}
	return nil
}

// Encode serializes the entry for a queue store.
func Encode(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a stored entry. Records without an id or destination are
// rejected as malformed.
func Decode(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Join(ErrMalformedEntry, err)
	}
	if e.ID == "" || e.Destination == "" {
		return nil, ErrMalformedEntry
	}
	return &e, nil
}
