package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	buffering "iiot-gateway/internal/buffering/domain"
	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
)

const (
	routePrefix       = "/api/v1/buffering/"
	defaultPeekLimit  = 10
	maxPeekLimit      = 1000
	defaultDeadLimit  = 100
	maxRequestPayload = 1 << 20
)

// Buffer is the queue surface exposed over HTTP.
type Buffer interface {
	Enqueue(ctx context.Context, destination, payload string) (string, error)
	Peek(ctx context.Context, destination string, limit int) []buffering.Entry
	Acknowledge(ctx context.Context, destination string, ids []string) (int, error)
	IncrementRetry(ctx context.Context, destination, id string) (bool, error)
	UpdateStatus(ctx context.Context, destination, id string, status buffering.Status, errorMessage *string) (bool, error)
	Clear(ctx context.Context, destination string) (int, error)
	Size(ctx context.Context, destination string) int
	IsEmpty(ctx context.Context, destination string) bool
}

// DeadLetterReader lists entries that left a queue undelivered.
type DeadLetterReader interface {
	ListByDestination(ctx context.Context, destination string, limit int) ([]buffering.DeadLetter, error)
}

// Handler provides buffer inspection and control endpoints. A nil buffer
// answers 503 so callers can tell an unconfigured gateway from a missing
// entry.
type Handler struct {
	buffer      Buffer
	deadLetters DeadLetterReader
	logger      logrus.FieldLogger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDeadLetters exposes the dead-letter store read-only.
func WithDeadLetters(reader DeadLetterReader) HandlerOption {
	return func(h *Handler) {
		h.deadLetters = reader
	}
}

// NewHandler constructs a handler.
func NewHandler(buffer Buffer, logger logrus.FieldLogger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{buffer: buffer, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type enqueueRequest struct {
	Payload string `json:"payload"`
}

type acknowledgeRequest struct {
	IDs []string `json:"ids"`
}

type statusRequest struct {
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message"`
}

// ServeHTTP handles /api/v1/buffering/{action}/{destination}[/{id}].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, routePrefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, routePrefix), "/"), "/")
	if len(parts) < 2 || parts[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if h.buffer == nil {
		http.Error(w, faults.NotConfigured("buffering", "queue store").Error(), http.StatusServiceUnavailable)
		return
	}
	action, destination := parts[0], parts[1]
	id := ""
	if len(parts) == 3 {
		id = parts[2]
	} else if len(parts) > 3 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case action == "pending" && id == "":
		h.requireMethod(w, r, http.MethodGet, func() { h.handlePending(w, r, destination) })
	case action == "size" && id == "":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleSize(w, r, destination) })
	case action == "enqueue" && id == "":
		h.requireMethod(w, r, http.MethodPost, func() { h.handleEnqueue(w, r, destination) })
	case action == "acknowledge" && id == "":
		h.requireMethod(w, r, http.MethodPost, func() { h.handleAcknowledge(w, r, destination) })
	case action == "retry" && id != "":
		h.requireMethod(w, r, http.MethodPost, func() { h.handleRetry(w, r, destination, id) })
	case action == "status" && id != "":
		h.requireMethod(w, r, http.MethodPut, func() { h.handleStatus(w, r, destination, id) })
	case action == "clear" && id == "":
		h.requireMethod(w, r, http.MethodDelete, func() { h.handleClear(w, r, destination) })
	case action == "dead-letters" && id == "":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleDeadLetters(w, r, destination) })
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	next()
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request, destination string) {
	limit := defaultPeekLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxPeekLimit {
		limit = maxPeekLimit
	}
	entries := h.buffer.Peek(r.Context(), destination, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"destination": destination,
		"entries":     entries,
		"count":       len(entries),
	})
}

func (h *Handler) handleSize(w http.ResponseWriter, r *http.Request, destination string) {
	size := h.buffer.Size(r.Context(), destination)
	writeJSON(w, http.StatusOK, map[string]any{
		"destination": destination,
		"size":        size,
		"is_empty":    size == 0,
	})
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request, destination string) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.buffer.Enqueue(r.Context(), destination, req.Payload)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"destination": destination, "id": id})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request, destination string) {
	var req acknowledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	removed, err := h.buffer.Acknowledge(r.Context(), destination, req.IDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destination": destination, "removed": removed})
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request, destination, id string) {
	ok, err := h.buffer.IncrementRetry(r.Context(), destination, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !ok {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destination": destination, "id": id, "retried": true})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, destination, id string) {
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := buffering.Status(req.Status)
	ok, err := h.buffer.UpdateStatus(r.Context(), destination, id, status, req.ErrorMessage)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !ok {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destination": destination, "id": id, "status": status})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request, destination string) {
	removed, err := h.buffer.Clear(r.Context(), destination)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destination": destination, "removed": removed})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request, destination string) {
	if h.deadLetters == nil {
		h.respondError(w, faults.NotConfigured("buffering.dead_letters", "dead letter store"))
		return
	}
	limit := defaultDeadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxPeekLimit)
	}
	letters, err := h.deadLetters.ListByDestination(r.Context(), destination, limit)
	if err != nil {
		h.respondError(w, faults.Transient("buffering.dead_letters", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"destination":  destination,
		"dead_letters": letters,
		"count":        len(letters),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := faults.StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("buffering request failed")
	}
	http.Error(w, err.Error(), status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestPayload))
	if err := decoder.Decode(dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
