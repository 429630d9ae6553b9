// Package storetest holds the behaviour every queue store must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/buffering/application"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) application.QueueStore

// Run exercises store through the queue store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("fifo order", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("pop oldest", func(t *testing.T) { testPopOldest(t, newStore(t)) })
	t.Run("update in place", func(t *testing.T) { testUpdateInPlace(t, newStore(t)) })
	t.Run("update remove", func(t *testing.T) { testUpdateRemove(t, newStore(t)) })
	t.Run("update error leaves entry", func(t *testing.T) { testUpdateError(t, newStore(t)) })
	t.Run("destinations isolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("clear", func(t *testing.T) { testClear(t, newStore(t)) })
	t.Run("concurrent pop", func(t *testing.T) { testConcurrentPop(t, newStore(t)) })
}

func push(t *testing.T, store application.QueueStore, destination string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.Push(context.Background(), destination, id, []byte(`{"id":"`+id+`"}`)))
	}
}

func ids(records []application.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func testFIFO(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "influxdb", "e1", "e2", "e3")

	records, err := store.Range(ctx, "influxdb", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(records))
	assert.JSONEq(t, `{"id":"e1"}`, string(records[0].Data))

	records, err = store.Range(ctx, "influxdb", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids(records))

	size, err := store.Len(ctx, "influxdb")
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	records, err = store.Range(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testPopOldest(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "nats", "e1", "e2", "e3")

	removed, err := store.PopOldest(ctx, "nats", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	records, err := store.Range(ctx, "nats", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids(records))

	removed, err = store.PopOldest(ctx, "nats", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = store.PopOldest(ctx, "nats", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	found, err := store.Update(ctx, "nats", "e1", func(data []byte) ([]byte, bool, error) {
		return data, false, nil
	})
	require.NoError(t, err)
	assert.False(t, found, "popped entries leave the index")
}

func testUpdateInPlace(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "influxdb", "e1", "e2", "e3")

	found, err := store.Update(ctx, "influxdb", "e2", func(data []byte) ([]byte, bool, error) {
		return []byte(`{"id":"e2","retry_count":1}`), false, nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	records, err := store.Range(ctx, "influxdb", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(records))
	assert.JSONEq(t, `{"id":"e2","retry_count":1}`, string(records[1].Data))

	found, err = store.Update(ctx, "influxdb", "nope", func(data []byte) ([]byte, bool, error) {
		t.Fatal("fn must not run for a missing id")
		return nil, false, nil
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func testUpdateRemove(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "influxdb", "e1", "e2", "e3")

	found, err := store.Update(ctx, "influxdb", "e2", func([]byte) ([]byte, bool, error) {
		return nil, true, nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	records, err := store.Range(ctx, "influxdb", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, ids(records))
	size, err := store.Len(ctx, "influxdb")
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func testUpdateError(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "influxdb", "e1")
	boom := errors.New("boom")

	_, err := store.Update(ctx, "influxdb", "e1", func([]byte) ([]byte, bool, error) {
		return nil, true, boom
	})
	assert.ErrorIs(t, err, boom)

	records, err := store.Range(ctx, "influxdb", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"id":"e1"}`, string(records[0].Data))
}

func testIsolation(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "influxdb", "a1", "a2")
	push(t, store, "nats", "b1")

	removed, err := store.PopOldest(ctx, "nats", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	size, err := store.Len(ctx, "influxdb")
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func testClear(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	push(t, store, "influxdb", "e1", "e2")
	push(t, store, "nats", "n1")

	removed, err := store.Clear(ctx, "influxdb")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	size, err := store.Len(ctx, "influxdb")
	require.NoError(t, err)
	assert.Zero(t, size)
	size, err = store.Len(ctx, "nats")
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	removed, err = store.Clear(ctx, "influxdb")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func testConcurrentPop(t *testing.T, store application.QueueStore) {
	ctx := context.Background()
	const total = 20
	for i := 0; i < total; i++ {
		push(t, store, "influxdb", fmt.Sprintf("e%02d", i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.PopOldest(ctx, "influxdb", 3)
			assert.NoError(t, err)
			mu.Lock()
			removed += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	size, err := store.Len(ctx, "influxdb")
	require.NoError(t, err)
	assert.Equal(t, total, removed+size, "every entry is removed at most once")
	assert.Equal(t, total, removed)
}
