package application

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	alarms "iiot-gateway/internal/alarms/domain"
	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/observability/metrics"
	telemetry "iiot-gateway/internal/telemetry/domain"
)

const opIngest = "telemetry.ingest"

// RuleEvaluator turns data points into alarm records. Rearm lets rules
// whose records were never stored raise again on the next match.
type RuleEvaluator interface {
	EvaluateBatch(points []telemetry.DataPoint) []alarms.AlarmRecord
	Rearm(ruleIDs ...string)
}

// AlarmSink accepts raised alarms.
type AlarmSink interface {
	AddAlarms(ctx context.Context, records []alarms.AlarmRecord) (bool, error)
}

// Delivery forwards an encoded batch to every destination, buffering
// whatever cannot be written now.
type Delivery interface {
	DeliverAll(ctx context.Context, payload string) error
}

// Result summarises one ingested batch.
type Result struct {
	Points int `json:"points"`
	Alarms int `json:"alarms"`
}

// Ingestor runs rule evaluation and store-and-forward delivery for
// incoming telemetry.
type Ingestor struct {
	rules    RuleEvaluator
	alarms   AlarmSink
	delivery Delivery
	logger   logrus.FieldLogger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithRules enables alarm evaluation.
func WithRules(rules RuleEvaluator, sink AlarmSink) Option {
	return func(i *Ingestor) {
		i.rules = rules
		i.alarms = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngestor constructs an ingestor delivering through delivery.
func NewIngestor(delivery Delivery, opts ...Option) (*Ingestor, error) {
	if delivery == nil {
		return nil, errors.New("telemetry ingest: nil delivery")
	}
	i := &Ingestor{delivery: delivery, logger: logging.Discard()}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.WithField("component", "telemetry-ingest")
	return i, nil
}

// Ingest validates batch, raises alarms for matching rules and hands the
// batch to the forwarder. Alarm failures are logged and do not block
// delivery; a delivery error means at least one destination neither
// accepted nor buffered the batch.
func (i *Ingestor) Ingest(ctx context.Context, batch telemetry.Batch) (Result, error) {
	start := time.Now()
	result, err := i.ingest(ctx, batch)
	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
	}
	metrics.ObserveIngest(outcome, time.Since(start))
	return result, err
}

func (i *Ingestor) ingest(ctx context.Context, batch telemetry.Batch) (Result, error) {
	if i == nil {
		return Result{}, faults.NotConfigured(opIngest, "telemetry ingestor")
	}
	if err := batch.Validate(); err != nil {
		return Result{}, faults.Validation(opIngest, "%v", err)
	}
	result := Result{Points: len(batch.Points)}

	if i.rules != nil && i.alarms != nil {
		records := i.rules.EvaluateBatch(batch.Points)
		if len(records) > 0 {
			added, err := i.alarms.AddAlarms(ctx, records)
			switch {
			case err != nil:
				i.logger.WithError(err).WithField("count", len(records)).Error("raise alarms failed")
				i.rules.Rearm(ruleIDs(records)...)
			case added:
				result.Alarms = len(records)
			default:
				i.rules.Rearm(ruleIDs(records)...)
			}
		}
	}

	payload, err := telemetry.EncodeBatch(batch)
	if err != nil {
		return result, err
	}
	if err := i.delivery.DeliverAll(ctx, payload); err != nil {
		return result, faults.Transient(opIngest, err)
	}
	return result, nil
}

func ruleIDs(records []alarms.AlarmRecord) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.RuleID)
	}
	return ids
}
