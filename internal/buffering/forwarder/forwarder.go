package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	buffering "iiot-gateway/internal/buffering/domain"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/observability/metrics"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 100
)

// Sink delivers one payload to a downstream system.
type Sink interface {
	Write(ctx context.Context, payload string) error
}

// Buffer is the queue the forwarder drains.
type Buffer interface {
	Enqueue(ctx context.Context, destination, payload string) (string, error)
	Peek(ctx context.Context, destination string, limit int) []buffering.Entry
	Acknowledge(ctx context.Context, destination string, ids []string) (int, error)
	IncrementRetry(ctx context.Context, destination, id string) (bool, error)
	UpdateStatus(ctx context.Context, destination, id string, status buffering.Status, errorMessage *string) (bool, error)
	IsEmpty(ctx context.Context, destination string) bool
}

// Forwarder delivers payloads to sinks and falls back to the buffer when a
// sink is unreachable. Buffered entries are drained oldest first.
type Forwarder struct {
	buffer    Buffer
	sinks     map[string]Sink
	interval  time.Duration
	batchSize int
	logger    logrus.FieldLogger
}

// Option customizes the forwarder.
type Option func(*Forwarder)

// WithInterval sets the drain period.
func WithInterval(interval time.Duration) Option {
	return func(f *Forwarder) {
		if interval > 0 {
			f.interval = interval
		}
	}
}

// WithBatchSize sets how many entries one drain round peeks.
func WithBatchSize(size int) Option {
	return func(f *Forwarder) {
		if size > 0 {
			f.batchSize = size
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a forwarder. sinks maps destination names to sinks.
func New(buffer Buffer, sinks map[string]Sink, opts ...Option) (*Forwarder, error) {
	if buffer == nil {
		return nil, errors.New("forwarder: nil buffer")
	}
	copied := make(map[string]Sink, len(sinks))
	for name, sink := range sinks {
		if name == "" || sink == nil {
			return nil, fmt.Errorf("forwarder: invalid sink %q", name)
		}
		copied[name] = sink
	}
	f := &Forwarder{
		buffer:    buffer,
		sinks:     copied,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Destinations returns the configured destination names in sorted order.
func (f *Forwarder) Destinations() []string {
	names := make([]string, 0, len(f.sinks))
	for name := range f.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver sends payload to destination. When entries are already queued
// the payload is queued behind them; when the sink fails it is queued for
// a later drain. An error means the payload was neither delivered nor
// buffered.
func (f *Forwarder) Deliver(ctx context.Context, destination, payload string) error {
	sink, ok := f.sinks[destination]
	if !ok {
		return fmt.Errorf("forwarder: unknown destination %q", destination)
	}
	log := f.logger.WithField("destination", destination)
	if !f.buffer.IsEmpty(ctx, destination) {
		_, err := f.buffer.Enqueue(ctx, destination, payload)
		return err
	}
	if err := f.write(ctx, destination, sink, payload); err != nil {
		log.WithError(err).Warn("sink unavailable, buffering payload")
		if _, enqueueErr := f.buffer.Enqueue(ctx, destination, payload); enqueueErr != nil {
			return errors.Join(err, enqueueErr)
		}
	}
	return nil
}

// DeliverAll sends payload to every destination.
func (f *Forwarder) DeliverAll(ctx context.Context, payload string) error {
	var errs []error
	for _, destination := range f.Destinations() {
		if err := f.Deliver(ctx, destination, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drain delivers up to one batch of queued entries for destination, oldest
// first. It acknowledges the delivered prefix and stops at the first
// failure, recording a retry on the failed entry so order is kept.
func (f *Forwarder) Drain(ctx context.Context, destination string) (int, error) {
	sink, ok := f.sinks[destination]
	if !ok {
		return 0, fmt.Errorf("forwarder: unknown destination %q", destination)
	}
	entries := f.buffer.Peek(ctx, destination, f.batchSize)
	if len(entries) == 0 {
		return 0, nil
	}

	delivered := make([]string, 0, len(entries))
	var failed *buffering.Entry
	var writeErr error
	for i := range entries {
		if err := f.write(ctx, destination, sink, entries[i].Payload); err != nil {
			failed = &entries[i]
			writeErr = err
			break
		}
		delivered = append(delivered, entries[i].ID)
	}

	log := f.logger.WithField("destination", destination)
	removed := 0
	if len(delivered) > 0 {
		var err error
		removed, err = f.buffer.Acknowledge(ctx, destination, delivered)
		if err != nil {
			return 0, err
		}
		log.WithField("count", removed).Debug("drained entries")
	}
	if failed == nil {
		return removed, nil
	}

	message := writeErr.Error()
	if _, err := f.buffer.UpdateStatus(ctx, destination, failed.ID, buffering.StatusPending, &message); err != nil {
		log.WithError(err).WithField("entry_id", failed.ID).Warn("record delivery error failed")
	}
	if _, err := f.buffer.IncrementRetry(ctx, destination, failed.ID); err != nil {
		return removed, err
	}
	log.WithError(writeErr).WithFields(logrus.Fields{
		"entry_id":    failed.ID,
		"retry_count": failed.RetryCount + 1,
	}).Warn("delivery failed, will retry")
	return removed, nil
}

// Run drains every destination each interval until ctx is done. Drains run
// on this goroutine only, so two rounds never overlap.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.DrainAll(ctx)
		}
	}
}

// DrainAll runs one drain round over all destinations.
func (f *Forwarder) DrainAll(ctx context.Context) {
	for _, destination := range f.Destinations() {
		if ctx.Err() != nil {
			return
		}
		if _, err := f.Drain(ctx, destination); err != nil {
			f.logger.WithError(err).WithField("destination", destination).Error("drain failed")
		}
	}
}

func (f *Forwarder) write(ctx context.Context, destination string, sink Sink, payload string) error {
	start := time.Now()
	err := sink.Write(ctx, payload)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveDelivery(destination, result, time.Since(start))
	return err
}
