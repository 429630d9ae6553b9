package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/buffering/application"
	"iiot-gateway/internal/buffering/infrastructure/storetest"
)

func newTestStore(t *testing.T) (*QueueStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewQueueStore(client, WithKeyPrefix("test:"))
	require.NoError(t, err)
	return store, srv
}

func TestQueueStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) application.QueueStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestQueueStoreKeyLayout(t *testing.T) {
	ctx := context.Background()
	store, srv := newTestStore(t)
	require.NoError(t, store.Push(ctx, "influxdb", "e1", []byte(`{"id":"e1"}`)))
	require.NoError(t, store.Push(ctx, "influxdb", "e2", []byte(`{"id":"e2"}`)))

	list, err := srv.List("test:queue:influxdb")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, list, "tail append keeps the oldest id at the head")
	assert.Equal(t, `{"id":"e1"}`, srv.HGet("test:entries:influxdb", "e1"))
}

func TestRangeReportsOrphanedIDs(t *testing.T) {
	ctx := context.Background()
	store, srv := newTestStore(t)
	require.NoError(t, store.Push(ctx, "nats", "e1", []byte(`{"id":"e1"}`)))
	_, err := srv.Lpush("test:queue:nats", "ghost")
	require.NoError(t, err)

	records, err := store.Range(ctx, "nats", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ghost", records[0].ID)
	assert.Nil(t, records[0].Data)
	assert.NotNil(t, records[1].Data)
}

func TestQueueStoreSurfacesConnectionErrors(t *testing.T) {
	ctx := context.Background()
	store, srv := newTestStore(t)
	srv.Close()

	assert.Error(t, store.Push(ctx, "nats", "e1", []byte("{}")))
	_, err := store.Range(ctx, "nats", 1)
	assert.Error(t, err)
	_, err = store.Len(ctx, "nats")
	assert.Error(t, err)
}

func TestNewQueueStoreRejectsNilClient(t *testing.T) {
	_, err := NewQueueStore(nil)
	assert.Error(t, err)
}
