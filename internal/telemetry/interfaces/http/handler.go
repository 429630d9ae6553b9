package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/telemetry/application"
	telemetry "iiot-gateway/internal/telemetry/domain"
)

const maxIngestPayload = 4 << 20

// Ingestor processes a decoded batch.
type Ingestor interface {
	Ingest(ctx context.Context, batch telemetry.Batch) (application.Result, error)
}

// IngestHandler accepts telemetry over HTTP.
type IngestHandler struct {
	ingestor Ingestor
	logger   logrus.FieldLogger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingestor Ingestor, logger logrus.FieldLogger) (*IngestHandler, error) {
	if ingestor == nil {
		return nil, errors.New("telemetry ingest: nil ingestor")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &IngestHandler{ingestor: ingestor, logger: logger.WithField("component", "telemetry-http")}, nil
}

// ServeHTTP handles POST /api/v1/telemetry.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestPayload)).Decode(&req); err != nil {
		h.logger.WithError(err).Debug("decode telemetry failed")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	batch, err := req.toBatch()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), batch)
	if err != nil {
		status := faults.StatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.WithError(err).WithField("points", len(batch.Points)).Error("telemetry ingest failed")
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(result)
}

// ingestRequest takes either explicit points or a gateway snapshot of
// tag values sharing one timestamp.
type ingestRequest struct {
	TS      int64              `json:"ts"`
	Values  map[string]float64 `json:"values"`
	Quality string             `json:"quality"`
	Points  []ingestPoint      `json:"points"`
}

type ingestPoint struct {
	TagID     string             `json:"tag_id"`
	Value     *float64           `json:"value"`
	TS        int64              `json:"ts"`
	Timestamp *time.Time         `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
	Quality   string             `json:"quality"`
}

func (r ingestRequest) toBatch() (telemetry.Batch, error) {
	points := r.Points
	if len(points) == 0 && r.TS != 0 {
		points = []ingestPoint{{TS: r.TS, Values: r.Values, Quality: r.Quality}}
	}
	if len(points) == 0 {
		return telemetry.Batch{}, errors.New("no telemetry points")
	}

	var batch telemetry.Batch
	for i, point := range points {
		ts, err := point.time()
		if err != nil {
			return telemetry.Batch{}, fmt.Errorf("point %d: %w", i, err)
		}
		if point.TagID != "" {
			if point.Value == nil {
				return telemetry.Batch{}, fmt.Errorf("point %d: missing value", i)
			}
			batch.Points = append(batch.Points, telemetry.DataPoint{
				TagID:     point.TagID,
				Value:     *point.Value,
				Timestamp: ts,
				Quality:   point.Quality,
			})
			continue
		}
		if len(point.Values) == 0 {
			return telemetry.Batch{}, fmt.Errorf("point %d: empty values", i)
		}
		tags := make([]string, 0, len(point.Values))
		for tag := range point.Values {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			batch.Points = append(batch.Points, telemetry.DataPoint{
				TagID:     tag,
				Value:     point.Values[tag],
				Timestamp: ts,
				Quality:   point.Quality,
			})
		}
	}
	return batch, nil
}

func (p ingestPoint) time() (time.Time, error) {
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		return p.Timestamp.UTC(), nil
	}
	return telemetry.ParseTimestamp(p.TS)
}
