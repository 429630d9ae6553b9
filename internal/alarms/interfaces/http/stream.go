package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	alarmapp "iiot-gateway/internal/alarms/application"
	"iiot-gateway/internal/observability/logging"
)

const (
	subscriberBuffer       = 16
	defaultKeepAlive       = 15 * time.Second
	streamEventReady       = "ready"
	streamEventKeepAlive   = "ping"
	streamEventAlarmPrefix = "alarm."
)

type streamMessage struct {
	event   string
	payload []byte
}

// SSEBroker fans out alarm events to connected clients. Slow clients drop
// events instead of blocking the notifier.
type SSEBroker struct {
	logger  logrus.FieldLogger
	mu      sync.Mutex
	clients map[chan streamMessage]struct{}
	dropped uint64
}

// NewSSEBroker constructs a broker.
func NewSSEBroker(logger logrus.FieldLogger) *SSEBroker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SSEBroker{
		logger:  logger.WithField("component", "alarm-stream"),
		clients: make(map[chan streamMessage]struct{}),
	}
}

// Notify implements AlarmNotifier.
func (b *SSEBroker) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.WithError(err).WithField("alarm_id", event.Alarm.ID).Warn("encode alarm event failed")
		return
	}
	b.broadcast(streamMessage{event: streamEventAlarmPrefix + event.Type, payload: payload})
}

// subscribe registers a new client channel.
func (b *SSEBroker) subscribe() chan streamMessage {
	if b == nil {
		return nil
	}
	ch := make(chan streamMessage, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// unsubscribe removes a client channel.
func (b *SSEBroker) unsubscribe(ch chan streamMessage) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.clients[ch]
	delete(b.clients, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Subscribers returns the number of connected clients.
func (b *SSEBroker) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(msg streamMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- msg:
		default:
			b.dropped++
			b.logger.WithField("dropped_total", b.dropped).Debug("alarm stream client lagging")
		}
	}
}

// StreamHandler serves the SSE alarm stream.
type StreamHandler struct {
	broker    *SSEBroker
	keepAlive time.Duration
}

// NewStreamHandler constructs a stream handler. A non-positive keepAlive
// uses the default interval.
func NewStreamHandler(broker *SSEBroker, keepAlive time.Duration) *StreamHandler {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &StreamHandler{broker: broker, keepAlive: keepAlive}
}

// ServeHTTP handles GET /api/v1/alarms/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.broker.subscribe()
	defer h.broker.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	writeEvent(w, streamEventReady, []byte("{}"))
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	done := r.Context().Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, msg.event, msg.payload)
			flusher.Flush()
		case <-ticker.C:
			writeEvent(w, streamEventKeepAlive, []byte("{}"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload []byte) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
