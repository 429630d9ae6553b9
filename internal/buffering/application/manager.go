package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	buffering "iiot-gateway/internal/buffering/domain"
	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/observability/metrics"
)

const defaultTimeout = 5 * time.Second

// Manager is the store-and-forward buffer. It holds no locks of its own;
// atomicity comes from the queue store.
type Manager struct {
	store       QueueStore
	deadLetters DeadLetterStore
	logger      logrus.FieldLogger
	clock       Clock
	maxRetries  int
	timeout     time.Duration
	newID       func() string
}

// Option customizes the manager.
type Option func(*Manager)

// WithDeadLetterStore records exhausted and failed entries.
func WithDeadLetterStore(store DeadLetterStore) Option {
	return func(m *Manager) {
		m.deadLetters = store
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMaxRetries sets the retry ceiling given to new entries.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithTimeout bounds every queue store call.
func WithTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager constructs a buffer manager over store.
func NewManager(store QueueStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("buffering: nil queue store")
	}
	m := &Manager{
		store:      store,
		logger:     logging.Discard(),
		clock:      systemClock{},
		maxRetries: buffering.DefaultMaxRetries,
		timeout:    defaultTimeout,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Enqueue appends payload to the tail of destination's queue and returns the
// new entry id.
func (m *Manager) Enqueue(ctx context.Context, destination, payload string) (string, error) {
	const op = "buffer.enqueue"
	if err := buffering.ValidateDestination(destination); err != nil {
		return "", faults.Validation(op, "%v", err)
	}
	entry, err := buffering.NewEntry(m.newID(), destination, payload, m.maxRetries, m.clock.Now())
	if err != nil {
		return "", faults.Validation(op, "%v", err)
	}
	data, err := buffering.Encode(entry)
	if err != nil {
		return "", fmt.Errorf("%s: encode: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.Push(ctx, destination, entry.ID, data); err != nil {
		metrics.IncBufferEnqueue(destination, metrics.ResultError)
		m.logger.WithError(err).WithField("destination", destination).Error("enqueue failed")
		return "", faults.Transient(op, err)
	}
	metrics.IncBufferEnqueue(destination, metrics.ResultSuccess)
	m.logger.WithFields(logrus.Fields{"destination": destination, "entry_id": entry.ID}).Debug("entry queued")
	return entry.ID, nil
}

// Peek returns up to limit entries from the head, oldest first, without
// removing them. Unreadable records are skipped. A store failure yields an
// empty result.
func (m *Manager) Peek(ctx context.Context, destination string, limit int) []buffering.Entry {
	if buffering.ValidateDestination(destination) != nil || limit <= 0 {
		return []buffering.Entry{}
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	records, err := m.store.Range(ctx, destination, limit)
	if err != nil {
		m.logger.WithError(err).WithField("destination", destination).Error("peek failed")
		return []buffering.Entry{}
	}

	entries := make([]buffering.Entry, 0, len(records))
	for _, record := range records {
		log := m.logger.WithFields(logrus.Fields{"destination": destination, "entry_id": record.ID})
		if record.Data == nil {
			log.Warn("queued id has no entry body, skipping")
			continue
		}
		entry, err := buffering.Decode(record.Data)
		if err != nil {
			log.WithError(err).Warn("malformed entry, skipping")
			continue
		}
		entries = append(entries, *entry)
	}
	return entries
}

// Acknowledge removes the oldest min(len(ids), size) entries. Removal is
// positional: callers acknowledge the prefix they obtained from Peek.
func (m *Manager) Acknowledge(ctx context.Context, destination string, ids []string) (int, error) {
	const op = "buffer.acknowledge"
	if err := buffering.ValidateDestination(destination); err != nil {
		return 0, faults.Validation(op, "%v", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	removed, err := m.store.PopOldest(ctx, destination, len(ids))
	if err != nil {
		m.logger.WithError(err).WithField("destination", destination).Error("acknowledge failed")
		return 0, faults.Transient(op, err)
	}
	if removed < 0 {
		removed = 0
	}
	metrics.AddBufferAcknowledged(destination, removed)
	return removed, nil
}

// IncrementRetry records a failed delivery attempt. An entry whose retry
// count passes its ceiling is marked failed, dead-lettered and removed from
// the queue. It reports false when the entry is not queued.
func (m *Manager) IncrementRetry(ctx context.Context, destination, id string) (bool, error) {
	const op = "buffer.increment_retry"
	if err := buffering.ValidateDestination(destination); err != nil {
		return false, faults.Validation(op, "%v", err)
	}
	if id == "" {
		return false, faults.Validation(op, "entry id is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var exhausted bool
	found, err := m.store.Update(ctx, destination, id, func(data []byte) ([]byte, bool, error) {
		entry, err := buffering.Decode(data)
		if err != nil {
			return nil, false, err
		}
		exhausted = entry.RecordAttempt(m.clock.Now())
		if exhausted {
			if err := m.deadLetter(ctx, *entry); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
		next, err := buffering.Encode(entry)
		return next, false, err
	})
	if err != nil {
		return false, m.updateError(op, destination, id, err)
	}
	if !found {
		return false, nil
	}
	metrics.IncBufferRetry(destination)
	if exhausted {
		metrics.IncBufferDeadLetter(destination)
		m.logger.WithFields(logrus.Fields{"destination": destination, "entry_id": id}).Warn("entry exhausted retries, dead-lettered")
	}
	return true, nil
}

// UpdateStatus records status on an entry. Completed entries leave the
// queue, failed entries are dead-lettered, other statuses are updated in
// place without changing order.
func (m *Manager) UpdateStatus(ctx context.Context, destination, id string, status buffering.Status, errorMessage *string) (bool, error) {
	const op = "buffer.update_status"
	if err := buffering.ValidateDestination(destination); err != nil {
		return false, faults.Validation(op, "%v", err)
	}
	if id == "" {
		return false, faults.Validation(op, "entry id is empty")
	}
	if !status.Valid() {
		return false, faults.Validation(op, "unknown status %q", status)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	found, err := m.store.Update(ctx, destination, id, func(data []byte) ([]byte, bool, error) {
		entry, err := buffering.Decode(data)
		if err != nil {
			return nil, false, err
		}
		if err := entry.SetStatus(status, errorMessage, m.clock.Now()); err != nil {
			return nil, false, err
		}
		switch status {
		case buffering.StatusCompleted:
			return nil, true, nil
		case buffering.StatusFailed:
			if err := m.deadLetter(ctx, *entry); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
		next, err := buffering.Encode(entry)
		return next, false, err
	})
	if err != nil {
		return false, m.updateError(op, destination, id, err)
	}
	if found && status == buffering.StatusFailed {
		metrics.IncBufferDeadLetter(destination)
	}
	return found, nil
}

// Clear drops every entry queued for destination.
func (m *Manager) Clear(ctx context.Context, destination string) (int, error) {
	const op = "buffer.clear"
	if err := buffering.ValidateDestination(destination); err != nil {
		return 0, faults.Validation(op, "%v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	removed, err := m.store.Clear(ctx, destination)
	if err != nil {
		m.logger.WithError(err).WithField("destination", destination).Error("clear failed")
		return 0, faults.Transient(op, err)
	}
	metrics.SetBufferSize(destination, 0)
	m.logger.WithFields(logrus.Fields{"destination": destination, "removed": removed}).Info("queue cleared")
	return removed, nil
}

// Size returns the queue length, or 0 when the store is unreachable.
func (m *Manager) Size(ctx context.Context, destination string) int {
	if buffering.ValidateDestination(destination) != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	size, err := m.store.Len(ctx, destination)
	if err != nil {
		m.logger.WithError(err).WithField("destination", destination).Error("size failed")
		return 0
	}
	metrics.SetBufferSize(destination, size)
	return size
}

// IsEmpty reports whether the queue holds no entries. An unreachable store
// reads as empty.
func (m *Manager) IsEmpty(ctx context.Context, destination string) bool {
	return m.Size(ctx, destination) == 0
}

func (m *Manager) deadLetter(ctx context.Context, entry buffering.Entry) error {
	if m.deadLetters == nil {
		m.logger.WithFields(logrus.Fields{
			"destination": entry.Destination,
			"entry_id":    entry.ID,
			"retry_count": entry.RetryCount,
			"payload":     entry.Payload,
		}).Warn("no dead-letter store configured, dropping entry")
		return nil
	}
	if err := m.deadLetters.Record(ctx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}
	return nil
}

func (m *Manager) updateError(op, destination, id string, err error) error {
	m.logger.WithError(err).WithFields(logrus.Fields{"destination": destination, "entry_id": id}).Error("update failed")
	if errors.Is(err, buffering.ErrMalformedEntry) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return faults.Transient(op, err)
}
