package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyBatch = errors.New("telemetry: no data points")
	ErrEmptyTagID = errors.New("telemetry: empty tag id")
)

// DataPoint is one sampled value of a tag.
type DataPoint struct {
	TagID     string    `json:"tag_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Quality   string    `json:"quality,omitempty"`
}

// Batch is the unit buffered and forwarded to sinks.
type Batch struct {
	Points []DataPoint `json:"points"`
}

// Validate checks that every point names a tag and has a timestamp.
func (b Batch) Validate() error {
	if len(b.Points) == 0 {
		return ErrEmptyBatch
	}
	for i, point := range b.Points {
		if point.TagID == "" {
			return fmt.Errorf("point %d: %w", i, ErrEmptyTagID)
		}
		if point.Timestamp.IsZero() {
			return fmt.Errorf("point %d: missing timestamp", i)
		}
	}
	return nil
}

// EncodeBatch serializes a batch as a buffer payload.
func EncodeBatch(b Batch) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeBatch parses a buffer payload.
func DecodeBatch(payload string) (Batch, error) {
	var b Batch
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return Batch{}, fmt.Errorf("telemetry: decode batch: %w", err)
	}
	return b, nil
}

// ParseTimestamp accepts epoch milliseconds or seconds.
func ParseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("telemetry: invalid timestamp")
	}
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}
