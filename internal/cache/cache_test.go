package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	_, ok, err := c.Get(ctx, "alarms:active")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "alarms:active", []byte(`[]`), time.Minute))
	value, ok, err := c.Get(ctx, "alarms:active")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`[]`), value)

	require.NoError(t, c.Delete(ctx, "alarms:active", "missing"))
	_, ok, _ = c.Get(ctx, "alarms:active")
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 300*time.Second))
	now = now.Add(299 * time.Second)
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryScanByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	for _, key := range []string{"alarms:history:limit:10", "alarms:history:limit:50", "alarms:active"} {
		require.NoError(t, c.Set(ctx, key, []byte("x"), 0))
	}

	keys, err := c.Scan(ctx, "alarms:history:limit:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alarms:history:limit:10", "alarms:history:limit:50"}, keys)
}

func TestNoopAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var c Cache = Noop{}
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	keys, err := c.Scan(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
