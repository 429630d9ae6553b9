package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/buffering/application"
	buffering "iiot-gateway/internal/buffering/domain"
	"iiot-gateway/internal/buffering/infrastructure/memory"
	"iiot-gateway/internal/faults"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	entries map[string]buffering.Entry
	err     error
}

func (r *recordingDeadLetters) Record(_ context.Context, entry buffering.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.entries == nil {
		r.entries = make(map[string]buffering.Entry)
	}
	r.entries[entry.ID] = entry
	return nil
}

type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Push(context.Context, string, string, []byte) error { return errDown }
func (brokenStore) Range(context.Context, string, int) ([]application.Record, error) {
	return nil, errDown
}
func (brokenStore) PopOldest(context.Context, string, int) (int, error) { return 0, errDown }
func (brokenStore) Update(context.Context, string, string, application.UpdateFunc) (bool, error) {
	return false, errDown
}
func (brokenStore) Len(context.Context, string) (int, error)   { return 0, errDown }
func (brokenStore) Clear(context.Context, string) (int, error) { return 0, errDown }

func newManager(t *testing.T, opts ...application.Option) (*application.Manager, *memory.QueueStore) {
	t.Helper()
	store := memory.NewQueueStore()
	seq := 0
	base := []application.Option{
		application.WithClock(&fixedClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}),
		application.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	}
	manager, err := application.NewManager(store, append(base, opts...)...)
	require.NoError(t, err)
	return manager, store
}

func payloads(entries []buffering.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Payload)
	}
	return out
}

func entryIDs(entries []buffering.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestPeekReturnsEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)
	var want []string
	for i := 0; i < 25; i++ {
		p := fmt.Sprintf("P%d", i)
		want = append(want, p)
		_, err := manager.Enqueue(ctx, "D", p)
		require.NoError(t, err)
	}

	assert.Equal(t, want, payloads(manager.Peek(ctx, "D", 100)))
	assert.Equal(t, want[:5], payloads(manager.Peek(ctx, "D", 5)))
}

func TestEnqueuePeekAcknowledgeScenario(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)
	for _, p := range []string{"P1", "P2", "P3"} {
		_, err := manager.Enqueue(ctx, "D", p)
		require.NoError(t, err)
	}

	batch := manager.Peek(ctx, "D", 2)
	require.Equal(t, []string{"P1", "P2"}, payloads(batch))
	for _, entry := range batch {
		assert.Equal(t, buffering.StatusPending, entry.Status)
		assert.Equal(t, 0, entry.RetryCount)
		assert.Equal(t, buffering.DefaultMaxRetries, entry.MaxRetries)
	}

	removed, err := manager.Acknowledge(ctx, "D", entryIDs(batch))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, manager.Size(ctx, "D"))
	assert.Equal(t, []string{"P3"}, payloads(manager.Peek(ctx, "D", 1)))
}

func TestAcknowledgeNeverOverRemoves(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)
	_, err := manager.Enqueue(ctx, "D", "P1")
	require.NoError(t, err)

	removed, err := manager.Acknowledge(ctx, "D", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, manager.Size(ctx, "D"))
	assert.True(t, manager.IsEmpty(ctx, "D"))

	removed, err = manager.Acknowledge(ctx, "D", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 0, manager.Size(ctx, "D"))

	removed, err = manager.Acknowledge(ctx, "D", nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestIncrementRetryDeadLettersAfterCeiling(t *testing.T) {
	ctx := context.Background()
	dlq := &recordingDeadLetters{}
	manager, _ := newManager(t, application.WithDeadLetterStore(dlq))
	id, err := manager.Enqueue(ctx, "D", "P1")
	require.NoError(t, err)
	_, err = manager.Enqueue(ctx, "D", "P2")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		ok, err := manager.IncrementRetry(ctx, "D", id)
		require.NoError(t, err)
		require.True(t, ok)
		peeked := manager.Peek(ctx, "D", 1)
		require.Len(t, peeked, 1)
		assert.Equal(t, id, peeked[0].ID, "retried entry keeps its position")
		assert.Equal(t, i, peeked[0].RetryCount)
		assert.NotNil(t, peeked[0].LastAttemptAt)
	}

	ok, err := manager.IncrementRetry(ctx, "D", id)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"P2"}, payloads(manager.Peek(ctx, "D", 10)))
	require.Contains(t, dlq.entries, id)
	assert.Equal(t, buffering.StatusFailed, dlq.entries[id].Status)
	assert.Equal(t, 4, dlq.entries[id].RetryCount)

	ok, err = manager.IncrementRetry(ctx, "D", id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementRetryKeepsEntryWhenDeadLetterFails(t *testing.T) {
	ctx := context.Background()
	dlq := &recordingDeadLetters{err: errors.New("postgres down")}
	manager, _ := newManager(t, application.WithDeadLetterStore(dlq), application.WithMaxRetries(0))
	id, err := manager.Enqueue(ctx, "D", "P1")
	require.NoError(t, err)

	ok, err := manager.IncrementRetry(ctx, "D", id)
	assert.False(t, ok)
	assert.True(t, faults.IsTransient(err))

	peeked := manager.Peek(ctx, "D", 1)
	require.Len(t, peeked, 1)
	assert.Equal(t, 0, peeked[0].RetryCount)
}

func TestIncrementRetryMissingEntry(t *testing.T) {
	manager, _ := newManager(t)
	ok, err := manager.IncrementRetry(context.Background(), "D", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	dlq := &recordingDeadLetters{}
	manager, _ := newManager(t, application.WithDeadLetterStore(dlq))
	var ids []string
	for _, p := range []string{"P1", "P2", "P3", "P4"} {
		id, err := manager.Enqueue(ctx, "D", p)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msg := "sink timeout"
	ok, err := manager.UpdateStatus(ctx, "D", ids[1], buffering.StatusProcessing, &msg)
	require.NoError(t, err)
	assert.True(t, ok)
	peeked := manager.Peek(ctx, "D", 10)
	assert.Equal(t, []string{"P1", "P2", "P3", "P4"}, payloads(peeked), "status updates keep order")
	assert.Equal(t, buffering.StatusProcessing, peeked[1].Status)
	assert.Equal(t, "sink timeout", *peeked[1].ErrorMessage)

	ok, err = manager.UpdateStatus(ctx, "D", ids[2], buffering.StatusCompleted, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = manager.UpdateStatus(ctx, "D", ids[3], buffering.StatusFailed, &msg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, dlq.entries, ids[3])

	assert.Equal(t, []string{"P1", "P2"}, payloads(manager.Peek(ctx, "D", 10)))

	ok, err = manager.UpdateStatus(ctx, "D", ids[2], buffering.StatusPending, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = manager.UpdateStatus(ctx, "D", ids[0], "lost", nil)
	assert.True(t, faults.IsValidation(err))
}

func TestClearDropsDestination(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)
	for _, p := range []string{"P1", "P2"} {
		_, err := manager.Enqueue(ctx, "D", p)
		require.NoError(t, err)
	}
	_, err := manager.Enqueue(ctx, "E", "Q1")
	require.NoError(t, err)

	removed, err := manager.Clear(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, manager.IsEmpty(ctx, "D"))
	assert.Equal(t, 1, manager.Size(ctx, "E"))
}

func TestPeekSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t)
	_, err := manager.Enqueue(ctx, "D", "P1")
	require.NoError(t, err)
	require.NoError(t, store.Push(ctx, "D", "junk", []byte("{broken")))
	_, err = manager.Enqueue(ctx, "D", "P2")
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P2"}, payloads(manager.Peek(ctx, "D", 10)))
	assert.Equal(t, 3, manager.Size(ctx, "D"))
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	manager, err := application.NewManager(brokenStore{})
	require.NoError(t, err)

	_, err = manager.Enqueue(ctx, "D", "P1")
	assert.True(t, faults.IsTransient(err))
	assert.ErrorIs(t, err, errDown)

	_, err = manager.Acknowledge(ctx, "D", []string{"x"})
	assert.True(t, faults.IsTransient(err))
	_, err = manager.IncrementRetry(ctx, "D", "x")
	assert.True(t, faults.IsTransient(err))
	_, err = manager.Clear(ctx, "D")
	assert.True(t, faults.IsTransient(err))

	assert.Empty(t, manager.Peek(ctx, "D", 10))
	assert.Equal(t, 0, manager.Size(ctx, "D"))
	assert.True(t, manager.IsEmpty(ctx, "D"))
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t)

	_, err := manager.Enqueue(ctx, "", "P1")
	assert.True(t, faults.IsValidation(err))
	assert.Empty(t, manager.Peek(ctx, "D", 0))
	assert.Empty(t, manager.Peek(ctx, "D", -1))

	_, err = application.NewManager(nil)
	assert.Error(t, err)
}

func TestDestinationWithNULIsRejected(t *testing.T) {
	ctx := context.Background()
	manager, store := newManager(t)
	_, err := manager.Enqueue(ctx, "a", "P1")
	require.NoError(t, err)

	bad := "a\x00b"
	_, err = manager.Enqueue(ctx, bad, "P2")
	assert.True(t, faults.IsValidation(err))
	assert.Contains(t, err.Error(), "NUL")
	_, err = manager.Acknowledge(ctx, bad, []string{"id-001"})
	assert.True(t, faults.IsValidation(err))
	_, err = manager.IncrementRetry(ctx, bad, "id-001")
	assert.True(t, faults.IsValidation(err))
	_, err = manager.UpdateStatus(ctx, bad, "id-001", buffering.StatusProcessing, nil)
	assert.True(t, faults.IsValidation(err))
	_, err = manager.Clear(ctx, "a\x00")
	assert.True(t, faults.IsValidation(err))
	assert.Empty(t, manager.Peek(ctx, bad, 10))
	assert.Zero(t, manager.Size(ctx, bad))

	size, err := store.Len(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
