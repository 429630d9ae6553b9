package influxdb

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	telemetry "iiot-gateway/internal/telemetry/domain"
)

const defaultMeasurement = "measurement"

// PointWriter is the blocking write surface of the InfluxDB client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sink writes telemetry batches as InfluxDB points tagged by tag_id.
type Sink struct {
	writer      PointWriter
	measurement string
	close       func()
}

// Option customizes the sink.
type Option func(*Sink)

// WithMeasurement sets the measurement name.
func WithMeasurement(name string) Option {
	return func(s *Sink) {
		if name != "" {
			s.measurement = name
		}
	}
}

// NewSink wraps an existing writer.
func NewSink(writer PointWriter, opts ...Option) (*Sink, error) {
	if writer == nil {
		return nil, errors.New("influxdb sink: nil writer")
	}
	sink := &Sink{writer: writer, measurement: defaultMeasurement}
	for _, opt := range opts {
		opt(sink)
	}
	return sink, nil
}

// Dial creates a client for url and returns a sink writing to org/bucket.
func Dial(url, token, org, bucket string, opts ...Option) (*Sink, error) {
	if url == "" || bucket == "" {
		return nil, errors.New("influxdb sink: url and bucket are required")
	}
	client := influxdb2.NewClient(url, token)
	sink, err := NewSink(client.WriteAPIBlocking(org, bucket), opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	sink.close = client.Close
	return sink, nil
}

// Write decodes payload and writes one point per data point.
func (s *Sink) Write(ctx context.Context, payload string) error {
	batch, err := telemetry.DecodeBatch(payload)
	if err != nil {
		return err
	}
	if len(batch.Points) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(batch.Points))
	for _, p := range batch.Points {
		points = append(points, influxdb2.NewPoint(
			s.measurement,
			map[string]string{"tag_id": p.TagID},
			map[string]interface{}{"value": p.Value},
			p.Timestamp,
		))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

// Close releases the client created by Dial.
func (s *Sink) Close() error {
	if s != nil && s.close != nil {
		s.close()
	}
	return nil
}
