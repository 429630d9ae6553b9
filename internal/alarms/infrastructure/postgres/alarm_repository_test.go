package postgres

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "iiot-gateway/internal/alarms/domain"
)

func openTestRepository(t *testing.T) (*AlarmRepository, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewAlarmRepository(db, WithAlarmsTable("alarms_it"))
	require.NoError(t, repo.EnsureSchema(context.Background()))
	_, _ = db.ExecContext(context.Background(), "DELETE FROM alarms_it")
	return repo, db
}

func testAlarm(id string, triggered time.Time) alarms.Alarm {
	return alarms.Alarm{
		ID:                 id,
		RuleID:             "rule-temp",
		Name:               "Temperature high",
		TagID:              "boiler.temp",
		Severity:           alarms.SeverityHigh,
		TimestampTriggered: triggered,
		State:              alarms.StateActive,
		ValueAtTrigger:     91.5,
		CreatedAt:          triggered,
		UpdatedAt:          triggered,
	}
}

func TestAlarmRepositoryLifecycle_Postgres(t *testing.T) {
	repo, _ := openTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	inserted, err := repo.InsertBatch(ctx, []alarms.Alarm{
		testAlarm("a-1", base),
		testAlarm("a-2", base.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = repo.InsertBatch(ctx, []alarms.Alarm{testAlarm("a-1", base)})
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a-2", active[0].ID)

	operator := "op-1"
	ok, err := repo.Acknowledge(ctx, "a-1", &operator, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Acknowledge(ctx, "a-1", &operator, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Clear(ctx, "a-1", nil, base.Add(4*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Clear(ctx, "a-1", nil, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	alarm, err := repo.GetByID(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, alarm)
	assert.Equal(t, alarms.StateCleared, alarm.State)
	require.NotNil(t, alarm.AcknowledgedBy)
	assert.Equal(t, "op-1", *alarm.AcknowledgedBy)
	assert.Nil(t, alarm.ClearedBy)
	require.NotNil(t, alarm.TimestampCleared)
	assert.True(t, alarm.TimestampCleared.Equal(base.Add(4*time.Minute)))

	missing, err := repo.GetByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	history, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "a-2", history[0].ID)
}

func TestAlarmRepositoryAcknowledgeSingleWinner_Postgres(t *testing.T) {
	repo, _ := openTestRepository(t)
	ctx := context.Background()
	_, err := repo.InsertBatch(ctx, []alarms.Alarm{testAlarm("race-1", time.Now().UTC())})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Acknowledge(ctx, "race-1", nil, time.Now().UTC())
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestAlarmRepositoryRejectsNilDB(t *testing.T) {
	var repo *AlarmRepository
	_, err := repo.ListActive(context.Background())
	assert.Error(t, err)
	_, err = NewAlarmRepository(nil).Acknowledge(context.Background(), "x", nil, time.Now())
	assert.Error(t, err)
}

func TestStateList(t *testing.T) {
	assert.Equal(t, "'active'", stateList(alarms.StateAcknowledged))
	assert.Equal(t, "'active', 'acknowledged'", stateList(alarms.StateCleared))
}
