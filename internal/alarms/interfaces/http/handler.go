package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	alarms "iiot-gateway/internal/alarms/domain"
	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/observability/metrics"
)

const (
	routeRoot         = "/api/v1/alarms"
	defaultListLimit  = 100
	maxListLimit      = 1000
	maxRequestPayload = 1 << 20
)

// Service is the alarm lifecycle surface exposed over HTTP.
type Service interface {
	AddAlarms(ctx context.Context, records []alarms.AlarmRecord) (bool, error)
	GetActiveAlarms(ctx context.Context) ([]alarms.Alarm, error)
	GetHistory(ctx context.Context, limit int) ([]alarms.Alarm, error)
	GetByID(ctx context.Context, id string) (*alarms.Alarm, error)
	Acknowledge(ctx context.Context, id string, actor *string) (bool, error)
	Clear(ctx context.Context, id string, actor *string) (bool, error)
}

// Handler provides alarm HTTP endpoints.
type Handler struct {
	service Service
	logger  logrus.FieldLogger
}

// NewHandler constructs a handler. A nil service answers 503.
func NewHandler(service Service, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{service: service, logger: logger}
}

type transitionRequest struct {
	Actor *string `json:"actor"`
}

// ServeHTTP handles /api/v1/alarms and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path != routeRoot && !strings.HasPrefix(path, routeRoot+"/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if h.service == nil {
		http.Error(w, faults.NotConfigured("alarms", "alarm service").Error(), http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(path, routeRoot), "/")
	var parts []string
	if rest != "" {
		parts = strings.Split(rest, "/")
	}

	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		h.handleList(w, r)
	case len(parts) == 0 && r.Method == http.MethodPost:
		h.handleCreate(w, r)
	case len(parts) == 0:
		w.WriteHeader(http.StatusMethodNotAllowed)
	case len(parts) == 1 && parts[0] == "history":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleHistory(w, r) })
	case len(parts) == 2 && parts[0] == "history" && parts[1] == "export":
		h.requireMethod(w, r, http.MethodGet, func() { h.handleExport(w, r) })
	case len(parts) == 1:
		h.requireMethod(w, r, http.MethodGet, func() { h.handleGet(w, r, parts[0]) })
	case len(parts) == 2 && parts[1] == "acknowledge":
		h.requireMethod(w, r, http.MethodPut, func() { h.handleTransition(w, r, parts[0], h.service.Acknowledge) })
	case len(parts) == 2 && parts[1] == "clear":
		h.requireMethod(w, r, http.MethodPut, func() { h.handleTransition(w, r, parts[0], h.service.Clear) })
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

// handleList returns active alarms, or with ?state= the matching alarms
// among the most recent 2*limit.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		list, err := h.service.GetActiveAlarms(r.Context())
		if err != nil {
			h.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	switch state {
	case alarms.StateActive, alarms.StateAcknowledged, alarms.StateCleared:
	default:
		http.Error(w, "state must be active, acknowledged or cleared", http.StatusBadRequest)
		return
	}
	history, err := h.service.GetHistory(r.Context(), limit*2)
	if err != nil {
		h.respondError(w, err)
		return
	}
	filtered := make([]alarms.Alarm, 0, limit)
	for _, alarm := range history {
		if alarm.State != state {
			continue
		}
		filtered = append(filtered, alarm)
		if len(filtered) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var record alarms.AlarmRecord
	if !decodeBody(w, r, &record, false) {
		return
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	added, err := h.service.AddAlarms(r.Context(), []alarms.AlarmRecord{record})
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !added {
		if err := record.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "alarm rejected", http.StatusBadRequest)
		return
	}
	alarm, err := h.service.GetByID(r.Context(), record.ID)
	if err != nil || alarm == nil {
		writeJSON(w, http.StatusCreated, map[string]any{"id": record.ID})
		return
	}
	writeJSON(w, http.StatusCreated, alarm)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := h.service.GetHistory(r.Context(), limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = FormatXLSX
	}
	if format != FormatXLSX && format != FormatPDF {
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}
	start := time.Now()
	list, err := h.service.GetHistory(r.Context(), limit)
	if err != nil {
		metrics.ObserveAlarmExport(format, metrics.ResultError, time.Since(start))
		h.respondError(w, err)
		return
	}
	data, contentType, err := BuildHistoryExport(format, list, time.Now().UTC())
	if err != nil {
		metrics.ObserveAlarmExport(format, metrics.ResultError, time.Since(start))
		h.respondError(w, err)
		return
	}
	metrics.ObserveAlarmExport(format, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="alarm-history.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	alarm, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if alarm == nil {
		http.Error(w, alarms.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

type transitionFunc func(ctx context.Context, id string, actor *string) (bool, error)

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, id string, apply transitionFunc) {
	var req transitionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	ok, err := apply(r.Context(), id, req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !ok {
		http.Error(w, "alarm not found or not in a state that allows this action", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "updated": true})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := faults.StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).Error("alarm request failed")
	}
	http.Error(w, err.Error(), status)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return 0, false
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestPayload))
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
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
