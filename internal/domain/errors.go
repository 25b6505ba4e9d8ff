package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrComplaintNotFound    = errors.New("complaint not found")
	ErrInvalidPriority      = errors.New("invalid priority")
	ErrInvalidTimeline      = errors.New("acknowledgment deadline must precede resolution deadline")
	ErrEscalationSkipsLevel = errors.New("escalation may only raise one level at a time")
)

// InvalidTransitionError is returned when the requested status is not the
// immediate successor of the current one. The complaint is left unchanged.
type InvalidTransitionError struct {
	ComplaintID string
	From        ComplaintStatus
	To          ComplaintStatus
	// Expected is set when the caller supplied a precondition that no longer holds.
	Expected ComplaintStatus
}

func (e *InvalidTransitionError) Error() string {
	if e.Expected != "" && e.Expected != e.From {
		return fmt.Sprintf("complaint %s: stale transition to %s (expected %s, current %s)", e.ComplaintID, e.To, e.Expected, e.From)
	}
	return fmt.Sprintf("complaint %s: invalid transition %s -> %s", e.ComplaintID, e.From, e.To)
}

// TerminalStateError is returned for mutations attempted on a closed complaint.
type TerminalStateError struct {
	ComplaintID string
	Attempted   string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("complaint %s is closed; %s rejected", e.ComplaintID, e.Attempted)
}

// NotTerminalError is returned when reopening a complaint that is not closed.
type NotTerminalError struct {
	ComplaintID string
	Status      ComplaintStatus
}

func (e *NotTerminalError) Error() string {
	return fmt.Sprintf("complaint %s is %s; only closed complaints can be reopened", e.ComplaintID, e.Status)
}

// UnknownDepartmentError is returned only when no department was supplied.
type UnknownDepartmentError struct {
	Department string
}

func (e *UnknownDepartmentError) Error() string {
	return fmt.Sprintf("department is required (got %q)", e.Department)
}

// EvaluationTimeoutError is returned when an escalation evaluation, or any
// other exclusive section on a complaint, could not complete inside its time
// bound. The complaint keeps its prior state.
type EvaluationTimeoutError struct {
	ComplaintID string
	Timeout     time.Duration
	Err         error
}

func (e *EvaluationTimeoutError) Error() string {
	return fmt.Sprintf("complaint %s: evaluation exceeded %s", e.ComplaintID, e.Timeout)
}

func (e *EvaluationTimeoutError) Unwrap() error {
	return e.Err
}

// SinkUnavailableError reports that an event could not be delivered and was
// buffered for retry. The mutation that produced it stays committed.
type SinkUnavailableError struct {
	ComplaintID string
	EventID     string
	Err         error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("event %s for complaint %s buffered: %v", e.EventID, e.ComplaintID, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error {
	return e.Err
}
