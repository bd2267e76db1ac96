// Package types defines shared types used across the lockdown agent.
package types

import (
	"fmt"
	"time"
)

// LockState represents the network lockdown state of the host.
type LockState string

const (
	StateOpen      LockState = "open"
	StateLocking   LockState = "locking"
	StateLocked    LockState = "locked"
	StateUnlocking LockState = "unlocking"
)

// InTransition reports whether the state is one of the transient states.
func (s LockState) InTransition() bool {
	return s == StateLocking || s == StateUnlocking
}

// ViolationCategory classifies a violation.
type ViolationCategory string

const (
	CategoryApplication ViolationCategory = "application"
	CategoryNetwork     ViolationCategory = "network"
	CategoryEnvironment ViolationCategory = "environment"
	CategoryOther       ViolationCategory = "other"
)

// ReportLevel returns the level string the backend collector expects for
// violations of this category.
func (c ViolationCategory) ReportLevel() string {
	switch c {
	case CategoryApplication:
		return "VIOLATION_APP"
	case CategoryNetwork:
		return "VIOLATION_NET"
	case CategoryEnvironment:
		return "VIOLATION_ENV"
	default:
		return "VIOLATION_OTH"
	}
}

// EventKind is the type of an event flowing over the event bus.
type EventKind string

const (
	EventInfo           EventKind = "info"
	EventError          EventKind = "error"
	EventViolation      EventKind = "violation"
	EventLockSuccess    EventKind = "lock_success"
	EventUnlockSuccess  EventKind = "unlock_success"
	EventMonitorStarted EventKind = "monitor_started"
	EventMonitorStopped EventKind = "monitor_stopped"
)

// Event is an immutable notification emitted by a worker.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Category  ViolationCategory `json:"category,omitempty"`
	Message   string            `json:"message"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Info creates an informational event.
func Info(source, format string, args ...interface{}) Event {
	return newEvent(EventInfo, "", source, fmt.Sprintf(format, args...))
}

// Error creates an error event.
func Error(source, format string, args ...interface{}) Event {
	return newEvent(EventError, "", source, fmt.Sprintf(format, args...))
}

// Violation creates a violation event of the given category.
func Violation(category ViolationCategory, source, format string, args ...interface{}) Event {
	return newEvent(EventViolation, category, source, fmt.Sprintf(format, args...))
}

// StateChange creates a state-change notice (lock/unlock/monitor).
func StateChange(kind EventKind, source, message string) Event {
	return newEvent(kind, "", source, message)
}

func newEvent(kind EventKind, category ViolationCategory, source, msg string) Event {
	return Event{
		Kind:      kind,
		Category:  category,
		Message:   msg,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// IsViolation reports whether the event is a violation.
func (e Event) IsViolation() bool {
	return e.Kind == EventViolation
}

// ReportLevel maps the event to the level string used by the backend.
func (e Event) ReportLevel() string {
	switch e.Kind {
	case EventViolation:
		return e.Category.ReportLevel()
	case EventError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// LogRecord is the record shape accepted by the backend collector.
type LogRecord struct {
	StudentID string `json:"student_id"`
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Status is a snapshot of the controller state.
type Status struct {
	State          LockState `json:"state"`
	MonitorRunning bool      `json:"monitor_running"`
	GuardHeld      bool      `json:"guard_held"`
	WatchdogActive bool      `json:"watchdog_active"`
	LastError      string    `json:"last_error,omitempty"`
	Since          time.Time `json:"since"`
}
