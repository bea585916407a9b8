package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator failures so callers can decide whether
// to retry, re-read state, or start over. Tenant-isolation violations are
// deliberately reported as not_found to avoid leaking record existence.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindStateConflict   ErrorKind = "state_conflict"
	KindAgentExecution  ErrorKind = "agent_execution"
	KindFlowUnresumable ErrorKind = "flow_unresumable"
)

// Error is the structured error surfaced across component boundaries.
// FlowID and Phase are filled in where known so callers can act without
// parsing messages.
type Error struct {
	Kind    ErrorKind
	FlowID  string
	Phase   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.FlowID != "" {
		return fmt.Sprintf("%s: flow %s: %s", e.Kind, e.FlowID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches against another *Error by kind, so
// errors.Is(err, &Error{Kind: KindNotFound}) works for any wrapped depth
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewValidationError reports malformed caller input; never retried.
// flowID and phase are "" where not applicable.
func NewValidationError(flowID, phase, message string) *Error {
	return &Error{Kind: KindValidation, FlowID: flowID, Phase: phase, Message: message}
}

// NewNotFound reports an absent record. Cross-tenant access constructs
// the same error so a prober cannot distinguish wrong tenant from absent.
func NewNotFound(flowID, phase string) *Error {
	return &Error{Kind: KindNotFound, FlowID: flowID, Phase: phase, Message: "not found"}
}

// NewStateConflict reports lease contention or an optimistic-concurrency
// loss; the caller should re-read fresh state and retry
func NewStateConflict(flowID, phase, message string) *Error {
	return &Error{Kind: KindStateConflict, FlowID: flowID, Phase: phase, Message: message}
}

// NewAgentExecutionError reports an external engine failure for a phase
func NewAgentExecutionError(flowID, phase string, err error) *Error {
	return &Error{Kind: KindAgentExecution, FlowID: flowID, Phase: phase, Err: err}
}

// NewFlowUnresumable reports a dead flow; the caller must start a new one
func NewFlowUnresumable(flowID, message string) *Error {
	return &Error{Kind: KindFlowUnresumable, FlowID: flowID, Message: message}
}

// KindOf extracts the kind from any error in the chain, or "" for plain
// errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsStateConflict reports whether err is a lease or concurrency conflict
func IsStateConflict(err error) bool {
	return KindOf(err) == KindStateConflict
}

// IsValidationError reports whether err is malformed-input rejection
func IsValidationError(err error) bool {
	return KindOf(err) == KindValidation
}

// IsAgentExecutionFailure reports whether err came from the agent engine
func IsAgentExecutionFailure(err error) bool {
	return KindOf(err) == KindAgentExecution
}

// IsFlowUnresumable reports whether err marks a dead flow
func IsFlowUnresumable(err error) bool {
	return KindOf(err) == KindFlowUnresumable
}
