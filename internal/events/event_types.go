package events

import (
	"time"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventStatusChanged       EventType = "status_changed"
	EventEscalated           EventType = "escalated"
	EventReminderDue         EventType = "reminder_due"
	EventDeadlineApproaching EventType = "deadline_approaching"
)

// AlertEvaluationDegraded marks a DeadlineApproaching event raised because a
// complaint keeps failing evaluation rather than because a deadline is near.
const AlertEvaluationDegraded = "evaluation_degraded"

// AlertStuck marks a DeadlineApproaching event raised because an ORANGE or
// BLUE complaint has gone too long without a status change.
const AlertStuck = "stuck"

// Event is one entry of a complaint's outbound stream. Sequence is assigned
// by the sink and is gapless per complaint.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	ComplaintID string    `json:"complaint_id"`
	Sequence    int64     `json:"sequence"`
	Actor       string    `json:"actor,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload"`
}

// StatusChangedPayload payload.
type StatusChangedPayload struct {
	OldStatus       domain.ComplaintStatus `json:"old_status"`
	NewStatus       domain.ComplaintStatus `json:"new_status"`
	Department      string                 `json:"department"`
	Reopened        bool                   `json:"reopened,omitempty"`
	EscalationLevel int                    `json:"escalation_level"`
}

// EscalatedPayload payload.
type EscalatedPayload struct {
	FromLevel      int              `json:"from_level"`
	ToLevel        int              `json:"to_level"`
	Authority      domain.Authority `json:"authority"`
	Tier           string           `json:"tier"`
	Department     string           `json:"department"`
	ResponseWindow string           `json:"response_window"`
	RespondBy      time.Time        `json:"respond_by"`
	Deadline       time.Time        `json:"deadline"`
	OverdueBy      string           `json:"overdue_by"`
}

// ReminderDuePayload payload.
type ReminderDuePayload struct {
	Status         domain.ComplaintStatus `json:"status"`
	Department     string                 `json:"department"`
	DaysOpen       int                    `json:"days_open"`
	LastReminderAt *time.Time             `json:"last_reminder_at,omitempty"`
}

// DeadlineKind names which deadline a DeadlineApproaching event refers to.
type DeadlineKind string

const (
	DeadlineAcknowledgment DeadlineKind = "acknowledgment"
	DeadlineResolution     DeadlineKind = "resolution"
)

// DeadlineApproachingPayload payload. Alert is set for standing alerts: a
// degraded alert carries Failures and LastError, a stuck alert carries
// Status and StalledFor.
type DeadlineApproachingPayload struct {
	Deadline   DeadlineKind `json:"deadline,omitempty"`
	DueAt      time.Time    `json:"due_at,omitempty"`
	Remaining  string       `json:"remaining,omitempty"`
	Department string       `json:"department"`
	Alert      string       `json:"alert,omitempty"`
	Failures   int          `json:"failures,omitempty"`
	LastError  string       `json:"last_error,omitempty"`

	Status     domain.ComplaintStatus `json:"status,omitempty"`
	StalledFor string                 `json:"stalled_for,omitempty"`
}
