package alarms

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
)

// Longest operators first so ">=" is not read as ">".
var operatorsByLength = []Operator{
	OperatorGreaterOrEqual,
	OperatorLessOrEqual,
	OperatorEqual,
	OperatorNotEqual,
	OperatorGreater,
	OperatorLess,
}

// AlarmRule defines a threshold condition on one tag. Rules are read-only
// to the alarm lifecycle.
type AlarmRule struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Description *string `yaml:"description" json:"description,omitempty"`
	TagID       string  `yaml:"tag_id" json:"tag_id"`
	Condition   string  `yaml:"condition" json:"condition"`
	Severity    string  `yaml:"severity" json:"severity"`
	IsActive    bool    `yaml:"is_active" json:"is_active"`
}

// Validate checks rule invariants.
func (r AlarmRule) Validate() error {
	if r.ID == "" {
		return errors.New("alarm rule: empty id")
	}
	if r.TagID == "" {
		return errors.New("alarm rule: empty tag id")
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("alarm rule: invalid severity %q", r.Severity)
	}
	if _, err := ParseCondition(r.Condition); err != nil {
		return err
	}
	return nil
}

// Condition is a parsed "value <op> <threshold>" expression.
type Condition struct {
	Operator  Operator
	Threshold float64
}

// ParseCondition parses expressions such as "value > 80" or "value<=-5.5".
func ParseCondition(expr string) (Condition, error) {
	rest := strings.TrimSpace(expr)
	if !strings.HasPrefix(rest, "value") {
		return Condition{}, fmt.Errorf("%w: %q", ErrInvalidCondition, expr)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "value"))
	for _, op := range operatorsByLength {
		if !strings.HasPrefix(rest, string(op)) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(rest, string(op)))
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("%w: %q", ErrInvalidCondition, expr)
		}
		return Condition{Operator: op, Threshold: threshold}, nil
	}
	return Condition{}, fmt.Errorf("%w: %q", ErrInvalidCondition, expr)
}

// Matches reports whether value satisfies the condition.
func (c Condition) Matches(value float64) bool {
	switch c.Operator {
	case OperatorGreater:
		return value > c.Threshold
	case OperatorGreaterOrEqual:
		return value >= c.Threshold
	case OperatorLess:
		return value < c.Threshold
	case OperatorLessOrEqual:
		return value <= c.Threshold
	case OperatorEqual:
		return value == c.Threshold
	case OperatorNotEqual:
		return value != c.Threshold
	default:
		return false
	}
}

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual, OperatorEqual, OperatorNotEqual:
		return true
	default:
		return false
	}
}
