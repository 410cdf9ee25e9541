package wblink

import (
	"errors"
	"fmt"
)

// ConfigError is returned when a configuration value is rejected at
// the point of mutation or construction. The previous valid state is
// retained.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// TransportError is returned when injection or capture failed on
// every card involved in an operation. It is always retryable: a
// single occurrence never indicates a broken engine.
type TransportError struct {
	Op    string
	Cards int
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed on all %d card(s): %v", e.Op, e.Cards, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation.
func (e *TransportError) Retryable() bool { return true }

// FatalError marks a failure the process cannot continue from, such
// as a broken crypto subsystem or no monitor-mode capable card.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Reason
	}
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsConfig reports whether err is, or wraps, a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
