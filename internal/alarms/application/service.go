package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	alarms "iiot-gateway/internal/alarms/domain"
	"iiot-gateway/internal/cache"
	"iiot-gateway/internal/faults"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/observability/metrics"
)

// Cache keys shared with every reader of the alarm cache.
const (
	KeyActive          = "alarms:active"
	KeyHistory         = "alarms:history"
	KeyHistoryPrefix   = "alarms:history:limit:"
	keyAlarmPrefix     = "alarm:"
	DefaultCacheTTL    = 300 * time.Second
	DefaultHistorySize = 100
	MaxHistorySize     = 1000
	defaultTimeout     = 5 * time.Second
)

// Service owns the alarm lifecycle. Transitions are single-winner through
// the store's conditional updates; the cache is read-through and dropped on
// every successful write.
type Service struct {
	store          Store
	cache          cache.Cache
	cacheTTL       time.Duration
	notifier       AlarmNotifier
	clock          Clock
	logger         logrus.FieldLogger
	timeout        time.Duration
	historyCeiling int
	newID          func() string
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithCache assigns the read-through cache.
func WithCache(c cache.Cache) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithCacheTTL sets the lifetime of cached query results.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout bounds every store and cache call.
func WithTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithHistoryCeiling caps the history limit.
func WithHistoryCeiling(ceiling int) ServiceOption {
	return func(s *Service) {
		if ceiling > 0 {
			s.historyCeiling = ceiling
		}
	}
}

// WithIDGenerator replaces the uuid generator used for records without id.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs an alarm service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("alarms: nil store")
	}
	service := &Service{
		store:          store,
		cache:          cache.Noop{},
		cacheTTL:       DefaultCacheTTL,
		clock:          systemClock{},
		logger:         logging.Discard(),
		timeout:        defaultTimeout,
		historyCeiling: MaxHistorySize,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(service)
	}
	service.logger = service.logger.WithField("component", "alarms")
	return service, nil
}

// AddAlarms validates each record on its own, drops the invalid ones and
// bulk inserts the rest. It returns false without touching storage when no
// record is valid.
func (s *Service) AddAlarms(ctx context.Context, records []alarms.AlarmRecord) (bool, error) {
	if s == nil || s.store == nil {
		return false, faults.NotConfigured("alarms.add", "alarm store")
	}
	now := s.clock.Now()
	batch := make([]alarms.Alarm, 0, len(records))
	for i, record := range records {
		if err := record.Validate(); err != nil {
			s.logger.WithFields(logrus.Fields{"index": i, "rule_id": record.RuleID}).WithError(err).Warn("invalid alarm record skipped")
			continue
		}
		batch = append(batch, record.ToAlarm(s.newID, now))
	}
	if len(batch) == 0 {
		s.logger.Warn("no valid alarms to add")
		return false, nil
	}

	storeCtx, cancel := s.withTimeout(ctx)
	inserted, err := s.store.InsertBatch(storeCtx, batch)
	cancel()
	if err != nil {
		s.logger.WithError(err).WithField("count", len(batch)).Error("insert alarms failed")
		return false, faults.Transient("alarms.add", err)
	}
	s.logger.WithFields(logrus.Fields{"count": len(batch), "inserted": inserted}).Info("alarms added")

	committed := detach(ctx)
	s.invalidate(committed)
	for _, alarm := range batch {
		s.notify(committed, EventActive, alarm)
	}
	return true, nil
}

// GetActiveAlarms returns active alarms, newest trigger first.
func (s *Service) GetActiveAlarms(ctx context.Context) ([]alarms.Alarm, error) {
	if s == nil || s.store == nil {
		return nil, faults.NotConfigured("alarms.active", "alarm store")
	}
	if cached, ok := s.readCache(ctx, KeyActive); ok {
		return cached, nil
	}
	storeCtx, cancel := s.withTimeout(ctx)
	list, err := s.store.ListActive(storeCtx)
	cancel()
	if err != nil {
		s.logger.WithError(err).Error("list active alarms failed")
		return nil, faults.Transient("alarms.active", err)
	}
	s.fillCache(ctx, KeyActive, list)
	return list, nil
}

// GetHistory returns up to limit alarms of any state, newest trigger first.
// Non-positive limits fall back to the default size and large ones are capped.
func (s *Service) GetHistory(ctx context.Context, limit int) ([]alarms.Alarm, error) {
	if s == nil || s.store == nil {
		return nil, faults.NotConfigured("alarms.history", "alarm store")
	}
	limit = s.clampLimit(limit)
	key := HistoryKey(limit)
	if cached, ok := s.readCache(ctx, key); ok {
		return cached, nil
	}
	storeCtx, cancel := s.withTimeout(ctx)
	list, err := s.store.ListRecent(storeCtx, limit)
	cancel()
	if err != nil {
		s.logger.WithError(err).WithField("limit", limit).Error("list alarm history failed")
		return nil, faults.Transient("alarms.history", err)
	}
	s.fillCache(ctx, key, list)
	return list, nil
}

// GetByID reads an alarm straight from the store. Missing alarms return nil.
func (s *Service) GetByID(ctx context.Context, id string) (*alarms.Alarm, error) {
	if s == nil || s.store == nil {
		return nil, faults.NotConfigured("alarms.get", "alarm store")
	}
	if id == "" {
		return nil, faults.Validation("alarms.get", "alarm id required")
	}
	storeCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	alarm, err := s.store.GetByID(storeCtx, id)
	if err != nil {
		s.logger.WithError(err).WithField("alarm_id", id).Error("get alarm failed")
		return nil, faults.Transient("alarms.get", err)
	}
	return alarm, nil
}

// Acknowledge moves an active alarm to acknowledged. It returns false when
// the alarm is missing or not active.
func (s *Service) Acknowledge(ctx context.Context, id string, actor *string) (bool, error) {
	if s == nil || s.store == nil {
		return false, faults.NotConfigured("alarms.acknowledge", "alarm store")
	}
	return s.transition(ctx, "alarms.acknowledge", EventAcknowledged, id, actor, s.store.Acknowledge)
}

// Clear moves an active or acknowledged alarm to cleared. It returns false
// when the alarm is missing or already cleared.
func (s *Service) Clear(ctx context.Context, id string, actor *string) (bool, error) {
	if s == nil || s.store == nil {
		return false, faults.NotConfigured("alarms.clear", "alarm store")
	}
	return s.transition(ctx, "alarms.clear", EventCleared, id, actor, s.store.Clear)
}

type transitionFunc func(ctx context.Context, id string, actor *string, at time.Time) (bool, error)

func (s *Service) transition(ctx context.Context, op, event, id string, actor *string, apply transitionFunc) (bool, error) {
	if id == "" {
		return false, faults.Validation(op, "alarm id required")
	}
	logger := s.logger.WithFields(logrus.Fields{"alarm_id": id, "event": event})

	storeCtx, cancel := s.withTimeout(ctx)
	ok, err := apply(storeCtx, id, actor, s.clock.Now().UTC())
	cancel()
	if err != nil {
		logger.WithError(err).Error("alarm transition failed")
		return false, faults.Transient(op, err)
	}
	if !ok {
		logger.Warn("alarm not found or not in a source state")
		return false, nil
	}
	logger.Info("alarm transitioned")

	committed := detach(ctx)
	s.invalidate(committed, id)
	alarm := alarms.Alarm{ID: id, State: event}
	if current, err := s.GetByID(committed, id); err == nil && current != nil {
		alarm = *current
	}
	s.notify(committed, event, alarm)
	return true, nil
}

// HistoryKey returns the cache key of a history page.
func HistoryKey(limit int) string {
	return fmt.Sprintf("%s%d", KeyHistoryPrefix, limit)
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	if limit > s.historyCeiling {
		limit = s.historyCeiling
	}
	return limit
}

func (s *Service) readCache(ctx context.Context, key string) ([]alarms.Alarm, bool) {
	cacheCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	data, ok, err := s.cache.Get(cacheCtx, key)
	if err != nil {
		metrics.IncCacheError()
		s.logger.WithError(err).WithField("key", key).Warn("alarm cache read failed")
		return nil, false
	}
	if !ok {
		metrics.IncCacheMiss()
		return nil, false
	}
	var list []alarms.Alarm
	if err := json.Unmarshal(data, &list); err != nil {
		metrics.IncCacheError()
		s.logger.WithError(err).WithField("key", key).Warn("alarm cache entry unreadable")
		return nil, false
	}
	metrics.IncCacheHit()
	return list, true
}

func (s *Service) fillCache(ctx context.Context, key string, list []alarms.Alarm) {
	data, err := json.Marshal(list)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("alarm cache encode failed")
		return
	}
	cacheCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.cache.Set(cacheCtx, key, data, s.cacheTTL); err != nil {
		metrics.IncCacheError()
		s.logger.WithError(err).WithField("key", key).Warn("alarm cache write failed")
	}
}

// invalidate drops every cached alarm query. Failures are logged only; the
// TTL bounds how long a stale entry can survive.
func (s *Service) invalidate(ctx context.Context, ids ...string) {
	cacheCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{KeyActive, KeyHistory}
	for _, id := range ids {
		keys = append(keys, keyAlarmPrefix+id)
	}
	if err := s.cache.Delete(cacheCtx, keys...); err != nil {
		metrics.IncCacheError()
		s.logger.WithError(err).Warn("alarm cache invalidation failed")
	}
	pages, err := s.cache.Scan(cacheCtx, KeyHistoryPrefix)
	if err != nil {
		metrics.IncCacheError()
		s.logger.WithError(err).Warn("alarm cache scan failed")
		return
	}
	if len(pages) == 0 {
		return
	}
	if err := s.cache.Delete(cacheCtx, pages...); err != nil {
		metrics.IncCacheError()
		s.logger.WithError(err).WithField("pages", len(pages)).Warn("alarm history invalidation failed")
	}
}

func (s *Service) notify(ctx context.Context, eventType string, alarm alarms.Alarm) {
	metrics.IncAlarmEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlarmEvent{Type: eventType, Alarm: alarm})
}

// detach keeps the request values but drops its cancellation. Work that
// follows a committed write must finish even if the caller has gone away.
func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}
