package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "gateway_"

	resultSuccess = "success"
	resultError   = "error"

	cacheHit   = "hit"
	cacheMiss  = "miss"
	cacheError = "error"
)

var (
	registerOnce sync.Once

	bufferEnqueueTotal    *prometheus.CounterVec
	bufferAckTotal        *prometheus.CounterVec
	bufferRetryTotal      *prometheus.CounterVec
	bufferDeadLetterTotal *prometheus.CounterVec
	bufferSize            *prometheus.GaugeVec

	forwarderDeliveryTotal   *prometheus.CounterVec
	forwarderDeliveryLatency *prometheus.HistogramVec

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	alarmEventsTotal *prometheus.CounterVec
	alarmCacheTotal  *prometheus.CounterVec

	alarmExportTotal   *prometheus.CounterVec
	alarmExportLatency *prometheus.HistogramVec
)

// Init registers gateway metrics and DB-backed gauges.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		bufferEnqueueTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buffer_enqueue_total",
				Help: "Total buffered entries by destination and result",
			},
			[]string{"destination", "result"},
		)
		bufferAckTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buffer_acknowledged_total",
				Help: "Total entries removed by acknowledgment",
			},
			[]string{"destination"},
		)
		bufferRetryTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buffer_retry_total",
				Help: "Total delivery retries recorded",
			},
			[]string{"destination"},
		)
		bufferDeadLetterTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buffer_dead_letter_total",
				Help: "Total entries dead-lettered after exhausting retries",
			},
			[]string{"destination"},
		)
		bufferSize = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "buffer_size",
				Help: "Last observed queue length per destination",
			},
			[]string{"destination"},
		)

		forwarderDeliveryTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "forwarder_delivery_total",
				Help: "Total sink deliveries by destination and result",
			},
			[]string{"destination", "result"},
		)
		forwarderDeliveryLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "forwarder_delivery_latency_seconds",
				Help:    "Sink delivery latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"destination", "result"},
		)

		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total telemetry ingest requests by result",
			},
			[]string{"result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Telemetry ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Total alarm lifecycle events by type",
			},
			[]string{"event"},
		)
		alarmCacheTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_cache_total",
				Help: "Alarm query cache lookups by outcome",
			},
			[]string{"outcome"},
		)

		alarmExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_export_total",
				Help: "Total alarm history exports by format and result",
			},
			[]string{"format", "result"},
		)
		alarmExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alarm_export_latency_seconds",
				Help:    "Alarm history export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			bufferEnqueueTotal,
			bufferAckTotal,
			bufferRetryTotal,
			bufferDeadLetterTotal,
			bufferSize,
			forwarderDeliveryTotal,
			forwarderDeliveryLatency,
			ingestRequests,
			ingestLatency,
			alarmEventsTotal,
			alarmCacheTotal,
			alarmExportTotal,
			alarmExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncBufferEnqueue counts an enqueue attempt.
func IncBufferEnqueue(destination, result string) {
	if result == "" {
		result = resultSuccess
	}
	if bufferEnqueueTotal != nil {
		bufferEnqueueTotal.WithLabelValues(label(destination), result).Inc()
	}
}

// AddBufferAcknowledged counts entries removed by acknowledgment.
func AddBufferAcknowledged(destination string, count int) {
	if count <= 0 {
		return
	}
	if bufferAckTotal != nil {
		bufferAckTotal.WithLabelValues(label(destination)).Add(float64(count))
	}
}

// IncBufferRetry counts a recorded retry.
func IncBufferRetry(destination string) {
	if bufferRetryTotal != nil {
		bufferRetryTotal.WithLabelValues(label(destination)).Inc()
	}
}

// IncBufferDeadLetter counts a dead-lettered entry.
func IncBufferDeadLetter(destination string) {
	if bufferDeadLetterTotal != nil {
		bufferDeadLetterTotal.WithLabelValues(label(destination)).Inc()
	}
}

// SetBufferSize records the last observed queue length.
func SetBufferSize(destination string, size int) {
	if size < 0 {
		size = 0
	}
	if bufferSize != nil {
		bufferSize.WithLabelValues(label(destination)).Set(float64(size))
	}
}

// ObserveDelivery records one sink delivery.
func ObserveDelivery(destination, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if forwarderDeliveryTotal != nil {
		forwarderDeliveryTotal.WithLabelValues(label(destination), result).Inc()
	}
	if forwarderDeliveryLatency != nil {
		forwarderDeliveryLatency.WithLabelValues(label(destination), result).Observe(duration.Seconds())
	}
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(label(event)).Inc()
	}
}

// IncCacheHit counts a cache hit.
func IncCacheHit() { incCache(cacheHit) }

// IncCacheMiss counts a cache miss.
func IncCacheMiss() { incCache(cacheMiss) }

// IncCacheError counts a failed cache call.
func IncCacheError() { incCache(cacheError) }

func incCache(outcome string) {
	if alarmCacheTotal != nil {
		alarmCacheTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveAlarmExport records export latency and result.
func ObserveAlarmExport(format, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if alarmExportTotal != nil {
		alarmExportTotal.WithLabelValues(label(format), result).Inc()
	}
	if alarmExportLatency != nil {
		alarmExportLatency.WithLabelValues(label(format), result).Observe(duration.Seconds())
	}
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
