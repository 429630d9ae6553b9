package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buffering "iiot-gateway/internal/buffering/domain"
)

func TestDeadLetterStore_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	store := NewDeadLetterStore(db, WithDeadLetterTable("buffer_dead_letters_it"))
	require.NoError(t, store.EnsureSchema(ctx))
	_, _ = db.ExecContext(ctx, "DELETE FROM buffer_dead_letters_it")

	queued := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	entry, err := buffering.NewEntry("dl-1", "influxdb", "temp,tag=t1 value=1", 3, queued)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		entry.RecordAttempt(queued.Add(time.Duration(i+1) * time.Minute))
	}

	require.NoError(t, store.Record(ctx, *entry))
	require.NoError(t, store.Record(ctx, *entry))

	letters, err := store.ListByDestination(ctx, "influxdb", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "dl-1", letters[0].EntryID)
	assert.Equal(t, buffering.StatusFailed, letters[0].Status)
	assert.Equal(t, 4, letters[0].RetryCount)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.True(t, letters[0].QueuedAt.Equal(queued))
}

func TestDeadLetterStoreRejectsNilDB(t *testing.T) {
	var store *DeadLetterStore
	assert.Error(t, store.Record(context.Background(), buffering.Entry{ID: "x"}))
	assert.Error(t, NewDeadLetterStore(nil).Record(context.Background(), buffering.Entry{ID: "x"}))
}
