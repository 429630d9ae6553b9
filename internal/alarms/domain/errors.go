package alarms

import "errors"

var (
	// ErrNotFound indicates a missing alarm record.
	ErrNotFound = errors.New("alarm: not found")
	// ErrInvalidAlarm wraps record validation failures.
	ErrInvalidAlarm = errors.New("alarm: invalid record")
	// ErrInvalidCondition indicates a rule condition that cannot be parsed.
	ErrInvalidCondition = errors.New("alarm rule: invalid condition")
)
