package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	alarmapp "iiot-gateway/internal/alarms/application"
	alarms "iiot-gateway/internal/alarms/domain"
	"iiot-gateway/internal/observability/logging"
)

const (
	eventEscalated        = "escalated"
	defaultRequestTimeout = 5 * time.Second
)

// RuleReader looks up the rule an alarm was raised by.
type RuleReader interface {
	Rule(id string) (alarms.AlarmRule, bool)
}

// AlarmReader loads the current alarm record.
type AlarmReader interface {
	GetByID(ctx context.Context, id string) (*alarms.Alarm, error)
}

// Clock provides time for throttling.
type Clock interface {
	Now() time.Time
}

// Notifier renders alarm lifecycle events and sends them over a Channel.
// High and critical alarms still active after the escalation delay are sent
// once more as escalated.
type Notifier struct {
	alarms   AlarmReader
	rules    RuleReader
	channel  Channel
	template *Template
	clock    Clock
	logger   logrus.FieldLogger
	throttle *throttle

	escalation     time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRuleReader adds rule names and conditions to notifications.
func WithRuleReader(rules RuleReader) Option {
	return func(n *Notifier) {
		n.rules = rules
	}
}

// WithEscalation re-sends high and critical alarms still active after the
// given delay. Zero disables escalation.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the clock used for throttling.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRequestTimeout bounds the alarm lookup of an escalation check.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets the minimum interval between notifications for the same
// alarm and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.throttle.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical content for the same alarm and
// event within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.throttle.window = window
		}
	}
}

// NewNotifier constructs a notifier. A nil template uses DefaultTemplate.
func NewNotifier(alarmReader AlarmReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if alarmReader == nil {
		return nil, errors.New("alarm notifier: nil alarm reader")
	}
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		var err error
		if template, err = NewTemplate(""); err != nil {
			return nil, err
		}
	}
	n := &Notifier{
		alarms:         alarmReader,
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         logging.Discard(),
		throttle:       newThrottle(),
		requestTimeout: defaultRequestTimeout,
		pending:        make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithField("component", "alarm-notifier")
	return n, nil
}

// Notify implements AlarmNotifier.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if n == nil {
		return
	}
	alarm := event.Alarm
	n.send(ctx, event.Type, alarm)

	switch event.Type {
	case alarmapp.EventActive:
		n.arm(alarm)
	case alarmapp.EventAcknowledged:
		n.disarm(alarm.ID)
	case alarmapp.EventCleared:
		n.disarm(alarm.ID)
		n.throttle.forget(alarm.ID)
	}
}

// Close stops pending escalations.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	pending := n.pending
	n.pending = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range pending {
		timer.Stop()
	}
}

func (n *Notifier) send(ctx context.Context, event string, alarm alarms.Alarm) {
	logger := n.logger.WithFields(logrus.Fields{"alarm_id": alarm.ID, "event": event})
	content, err := n.template.Render(n.templateData(event, alarm))
	if err != nil {
		logger.WithError(err).Warn("render alarm notification failed")
		return
	}
	now := n.clock.Now().UTC()
	if !n.throttle.allow(alarm.ID, event, content, now) {
		logger.Debug("alarm notification throttled")
		return
	}
	msg := Message{AlarmID: alarm.ID, Event: event, Severity: alarm.Severity, Content: content}
	if err := n.channel.Send(ctx, msg); err != nil {
		logger.WithError(err).Warn("send alarm notification failed")
		return
	}
	n.throttle.record(alarm.ID, event, content, now)
}

func (n *Notifier) arm(alarm alarms.Alarm) {
	if n.escalation <= 0 || alarm.ID == "" || severityRank(alarm.Severity) < severityRank(alarms.SeverityHigh) {
		return
	}
	id := alarm.ID
	timer := time.AfterFunc(n.escalation, func() { n.escalate(id) })
	n.mu.Lock()
	previous := n.pending[id]
	n.pending[id] = timer
	n.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
}

func (n *Notifier) disarm(alarmID string) {
	n.mu.Lock()
	timer := n.pending[alarmID]
	delete(n.pending, alarmID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// escalate re-sends the alarm if the store still reports it active.
func (n *Notifier) escalate(alarmID string) {
	n.mu.Lock()
	delete(n.pending, alarmID)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
	defer cancel()
	current, err := n.alarms.GetByID(ctx, alarmID)
	if err != nil {
		n.logger.WithError(err).WithField("alarm_id", alarmID).Warn("escalation lookup failed")
		return
	}
	if current == nil || current.State != alarms.StateActive {
		return
	}
	n.send(ctx, eventEscalated, *current)
}

func (n *Notifier) templateData(event string, alarm alarms.Alarm) TemplateData {
	data := TemplateData{
		AlarmID:      alarm.ID,
		TagID:        alarm.TagID,
		Rule:         alarm.Name,
		RuleID:       alarm.RuleID,
		TriggerValue: fmt.Sprintf("%.2f", alarm.ValueAtTrigger),
		Status:       alarm.State,
		Severity:     alarm.Severity,
		Suggestion:   suggestionFor(alarm.Severity),
		Actor:        actorFor(event, alarm),
		Event:        event,
		EventLabel:   eventLabel(event),
	}
	if data.Rule == "" {
		data.Rule = alarm.RuleID
	}
	if alarm.Description != nil {
		data.Description = *alarm.Description
	}
	if n.rules != nil {
		if rule, ok := n.rules.Rule(alarm.RuleID); ok {
			if rule.Name != "" {
				data.Rule = rule.Name
			}
			data.Condition = rule.Condition
		}
	}
	triggered := alarm.TimestampTriggered
	if triggered.IsZero() {
		triggered = alarm.CreatedAt
	}
	data.TriggeredAt = triggered.UTC().Format(time.RFC3339)
	return data
}

func actorFor(event string, alarm alarms.Alarm) string {
	var actor *string
	switch event {
	case alarmapp.EventAcknowledged:
		actor = alarm.AcknowledgedBy
	case alarmapp.EventCleared:
		actor = alarm.ClearedBy
	}
	if actor == nil {
		return ""
	}
	return *actor
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.EventActive:
		return "Triggered"
	case alarmapp.EventAcknowledged:
		return "Acknowledged"
	case alarmapp.EventCleared:
		return "Cleared"
	case eventEscalated:
		return "Escalated"
	}
	return event
}

func suggestionFor(severity string) string {
	switch severityRank(severity) {
	case 4:
		return "Stop the affected equipment if safe and page the on-call engineer."
	case 3:
		return "Inspect the tag source and act before the value worsens."
	case 2:
		return "Check the trend and confirm the reading."
	default:
		return "No action required; keep watching the tag."
	}
}

func severityRank(severity string) int {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case alarms.SeverityCritical:
		return 4
	case alarms.SeverityHigh:
		return 3
	case alarms.SeverityMedium:
		return 2
	case alarms.SeverityLow:
		return 1
	}
	return 0
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
