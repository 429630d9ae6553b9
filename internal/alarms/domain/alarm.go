package alarms

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	StateActive       = "active"
	StateAcknowledged = "acknowledged"
	StateCleared      = "cleared"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Alarm is an alarm instance raised against a tag. Alarms are never deleted;
// cleared is terminal.
type Alarm struct {
	ID                 string     `json:"id"`
	RuleID             string     `json:"rule_id"`
	Name               string     `json:"name"`
	Description        *string    `json:"description,omitempty"`
	TagID              string     `json:"tag_id"`
	Severity           string     `json:"severity"`
	TimestampTriggered time.Time  `json:"timestamp_triggered"`
	TimestampCleared   *time.Time `json:"timestamp_cleared,omitempty"`
	State              string     `json:"state"`
	ValueAtTrigger     float64    `json:"value_at_trigger"`
	AcknowledgedBy     *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	ClearedBy          *string    `json:"cleared_by,omitempty"`
	ClearedAt          *time.Time `json:"cleared_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AlarmRecord is an incoming alarm before validation.
type AlarmRecord struct {
	ID                 string    `json:"id,omitempty"`
	RuleID             string    `json:"rule_id" validate:"required"`
	Name               string    `json:"name"`
	Description        *string   `json:"description,omitempty"`
	TagID              string    `json:"tag_id" validate:"required"`
	Severity           string    `json:"severity" validate:"required,oneof=low medium high critical"`
	TimestampTriggered time.Time `json:"timestamp_triggered"`
	State              string    `json:"state,omitempty" validate:"omitempty,eq=active"`
	ValueAtTrigger     *float64  `json:"value_at_trigger" validate:"required"`
}

// Validate checks the minimum fields an alarm needs.
func (r AlarmRecord) Validate() error {
	if err := validate.Struct(r); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidAlarm, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
	}
	return nil
}

// ToAlarm builds an active alarm from a validated record. Missing id,
// name and trigger time are filled from newID, rule_id and now.
func (r AlarmRecord) ToAlarm(newID func() string, now time.Time) Alarm {
	now = now.UTC()
	alarm := Alarm{
		ID:                 r.ID,
		RuleID:             r.RuleID,
		Name:               r.Name,
		Description:        r.Description,
		TagID:              r.TagID,
		Severity:           r.Severity,
		TimestampTriggered: r.TimestampTriggered.UTC(),
		State:              StateActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if r.ValueAtTrigger != nil {
		alarm.ValueAtTrigger = *r.ValueAtTrigger
	}
	if alarm.ID == "" {
		alarm.ID = newID()
	}
	if alarm.Name == "" {
		alarm.Name = r.RuleID
	}
	if r.TimestampTriggered.IsZero() {
		alarm.TimestampTriggered = now
	}
	return alarm
}

// SourceStates returns the states an alarm may move to target from.
func SourceStates(target string) []string {
	switch target {
	case StateAcknowledged:
		return []string{StateActive}
	case StateCleared:
		return []string{StateActive, StateAcknowledged}
	default:
		return nil
	}
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to string) bool {
	for _, state := range SourceStates(to) {
		if state == from {
			return true
		}
	}
	return false
}
