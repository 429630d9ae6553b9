package application

import (
	"context"
	"time"

	buffering "iiot-gateway/internal/buffering/domain"
)

// Record is a raw queue element. A nil Data means the id is queued but its
// entry body is missing or unreadable.
type Record struct {
	ID   string
	Data []byte
}

// UpdateFunc rewrites one stored entry. Returning remove=true drops the entry
// from the queue; an error aborts the update and leaves the store unchanged.
type UpdateFunc func(data []byte) (next []byte, remove bool, err error)

// QueueStore keeps one FIFO queue per destination plus an index from entry id
// to entry body. Push appends at the tail; Range and PopOldest read and remove
// from the head. Implementations must make each call atomic.
type QueueStore interface {
	Push(ctx context.Context, destination, id string, data []byte) error
	// Range returns up to limit records from the head, oldest first.
	Range(ctx context.Context, destination string, limit int) ([]Record, error)
	// PopOldest removes up to n records from the head and returns how many
	// were removed.
	PopOldest(ctx context.Context, destination string, n int) (int, error)
	// Update applies fn to the entry with id. It reports false when the id
	// is not queued.
	Update(ctx context.Context, destination, id string, fn UpdateFunc) (bool, error)
	Len(ctx context.Context, destination string) (int, error)
	// Clear drops the whole queue and returns how many entries it held.
	Clear(ctx context.Context, destination string) (int, error)
}

// DeadLetterStore keeps entries that left the queue without delivery.
// Record must be idempotent per entry id.
type DeadLetterStore interface {
	Record(ctx context.Context, entry buffering.Entry) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
