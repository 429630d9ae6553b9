package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "iiot-gateway/internal/telemetry/domain"
)

type mockWriteAPI struct {
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	m.points = append(m.points, point...)
	return m.err
}

func payload(t *testing.T, points ...telemetry.DataPoint) string {
	t.Helper()
	p, err := telemetry.EncodeBatch(telemetry.Batch{Points: points})
	require.NoError(t, err)
	return p
}

func TestSinkWritesOnePointPerDataPoint(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	writer := &mockWriteAPI{}
	sink, err := NewSink(writer, WithMeasurement("plant"))
	require.NoError(t, err)

	err = sink.Write(context.Background(), payload(t,
		telemetry.DataPoint{TagID: "t1", Value: 10, Timestamp: ts},
		telemetry.DataPoint{TagID: "t2", Value: 20.5, Timestamp: ts},
	))
	require.NoError(t, err)
	require.Len(t, writer.points, 2)
	assert.Equal(t, "plant", writer.points[0].Name())
	assert.Equal(t, "t1", writer.points[0].TagList()[0].Value)
	assert.Equal(t, 20.5, writer.points[1].FieldList()[0].Value)
	assert.Equal(t, ts, writer.points[0].Time())
}

func TestSinkPropagatesErrors(t *testing.T) {
	sink, err := NewSink(&mockWriteAPI{err: errors.New("503")})
	require.NoError(t, err)

	err = sink.Write(context.Background(), payload(t, telemetry.DataPoint{TagID: "t1", Value: 1, Timestamp: time.Now()}))
	assert.Error(t, err)
	assert.Error(t, sink.Write(context.Background(), "{oops"))
}

func TestDialWritesLineProtocol(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/write", r.URL.Path)
		assert.Equal(t, "edge", r.URL.Query().Get("bucket"))
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := Dial(srv.URL, "token", "org", "edge")
	require.NoError(t, err)
	defer sink.Close()

	ts := time.Unix(1714550400, 0).UTC()
	require.NoError(t, sink.Write(context.Background(), payload(t, telemetry.DataPoint{TagID: "t1", Value: 42, Timestamp: ts})))
	assert.Contains(t, body, "measurement,tag_id=t1 value=42")
}
