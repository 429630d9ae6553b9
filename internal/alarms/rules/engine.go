// Package rules turns telemetry into alarm records.
package rules

import (
	"sync"

	"github.com/sirupsen/logrus"

	alarms "iiot-gateway/internal/alarms/domain"
	"iiot-gateway/internal/observability/logging"
	telemetry "iiot-gateway/internal/telemetry/domain"
)

type compiledRule struct {
	rule      alarms.AlarmRule
	condition alarms.Condition
}

// Engine evaluates data points against the active rules of their tag.
// A rule raises once when its condition starts to hold and again only after
// the condition has stopped holding in between.
type Engine struct {
	logger logrus.FieldLogger

	mu     sync.Mutex
	byTag  map[string][]compiledRule
	byID   map[string]alarms.AlarmRule
	firing map[string]bool
}

// NewEngine constructs an engine with no rules.
func NewEngine(logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		logger: logger.WithField("component", "rules"),
		byTag:  make(map[string][]compiledRule),
		byID:   make(map[string]alarms.AlarmRule),
		firing: make(map[string]bool),
	}
}

// Load replaces the rule set. Inactive rules are dropped; invalid ones are
// logged and skipped. It returns the number of rules kept.
func (e *Engine) Load(ruleSet []alarms.AlarmRule) int {
	byTag := make(map[string][]compiledRule)
	byID := make(map[string]alarms.AlarmRule)
	kept := 0
	for _, rule := range ruleSet {
		if !rule.IsActive {
			continue
		}
		if err := rule.Validate(); err != nil {
			e.logger.WithError(err).WithField("rule_id", rule.ID).Warn("alarm rule skipped")
			continue
		}
		condition, _ := alarms.ParseCondition(rule.Condition)
		byTag[rule.TagID] = append(byTag[rule.TagID], compiledRule{rule: rule, condition: condition})
		byID[rule.ID] = rule
		kept++
	}

	e.mu.Lock()
	e.byTag = byTag
	e.byID = byID
	e.firing = make(map[string]bool)
	e.mu.Unlock()
	e.logger.WithField("rules", kept).Info("alarm rules loaded")
	return kept
}

// Rule returns a loaded rule by id.
func (e *Engine) Rule(id string) (alarms.AlarmRule, bool) {
	if e == nil {
		return alarms.AlarmRule{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.byID[id]
	return rule, ok
}

// Evaluate returns the alarm records raised by point.
func (e *Engine) Evaluate(point telemetry.DataPoint) []alarms.AlarmRecord {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var records []alarms.AlarmRecord
	for _, compiled := range e.byTag[point.TagID] {
		id := compiled.rule.ID
		if !compiled.condition.Matches(point.Value) {
			delete(e.firing, id)
			continue
		}
		if e.firing[id] {
			continue
		}
		e.firing[id] = true
		records = append(records, newRecord(compiled.rule, point))
	}
	return records
}

// Rearm lets the given rules raise again on their next matching point.
// Callers use it when the raised records could not be stored.
func (e *Engine) Rearm(ruleIDs ...string) {
	if e == nil || len(ruleIDs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ruleIDs {
		delete(e.firing, id)
	}
}

// EvaluateBatch evaluates points in order.
func (e *Engine) EvaluateBatch(points []telemetry.DataPoint) []alarms.AlarmRecord {
	var records []alarms.AlarmRecord
	for _, point := range points {
		records = append(records, e.Evaluate(point)...)
	}
	return records
}

func newRecord(rule alarms.AlarmRule, point telemetry.DataPoint) alarms.AlarmRecord {
	value := point.Value
	return alarms.AlarmRecord{
		RuleID:             rule.ID,
		Name:               rule.Name,
		Description:        rule.Description,
		TagID:              rule.TagID,
		Severity:           rule.Severity,
		TimestampTriggered: point.Timestamp,
		State:              alarms.StateActive,
		ValueAtTrigger:     &value,
	}
}
