package models

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an invalid parameter set or intervention schedule.
// It is raised before any simulation starts and is fatal to the run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateError reports a persisted population that cannot be resumed under the
// current configuration.
type StateError struct {
	Replicate int
	Reason    string
}

func (e *StateError) Error() string {
	if e.Replicate < 0 {
		return "state error: " + e.Reason
	}
	return fmt.Sprintf("state error: snapshot %d: %s", e.Replicate, e.Reason)
}

// InvariantViolation reports a numeric invariant broken while stepping.
// It aborts only the affected replicate; Seed and Timestep are enough to
// reproduce it.
type InvariantViolation struct {
	Replicate int
	Seed      int64
	Timestep  int
	Reason    string
}

func (e *InvariantViolation) Error() string {
	var b strings.Builder
	b.WriteString("invariant violation")
	if e.Replicate >= 0 {
		fmt.Fprintf(&b, " in replicate %d (seed %d)", e.Replicate, e.Seed)
	}
	fmt.Fprintf(&b, " at timestep %d: %s", e.Timestep, e.Reason)
	return b.String()
}

// NewInvariantViolation builds a violation that is not yet bound to a replicate.
// The driver fills in Replicate and Seed before surfacing it.
func NewInvariantViolation(timestep int, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{
		Replicate: -1,
		Timestep:  timestep,
		Reason:    fmt.Sprintf(format, args...),
	}
}
