package application

import (
	"context"
	"time"

	alarms "iiot-gateway/internal/alarms/domain"
)

// Store is the authoritative alarm store.
type Store interface {
	InsertBatch(ctx context.Context, batch []alarms.Alarm) (int, error)
	ListActive(ctx context.Context) ([]alarms.Alarm, error)
	ListRecent(ctx context.Context, limit int) ([]alarms.Alarm, error)
	GetByID(ctx context.Context, id string) (*alarms.Alarm, error)
	Acknowledge(ctx context.Context, id string, actor *string, at time.Time) (bool, error)
	Clear(ctx context.Context, id string, actor *string, at time.Time) (bool, error)
}

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type  string       `json:"type"`
	Alarm alarms.Alarm `json:"alarm"`
}

// Event types.
const (
	EventActive       = alarms.StateActive
	EventAcknowledged = alarms.StateAcknowledged
	EventCleared      = alarms.StateCleared
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
