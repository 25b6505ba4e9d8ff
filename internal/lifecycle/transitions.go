// Package lifecycle contains the complaint state machine. Functions here are
// pure: they mutate the complaint handed to them and never perform I/O, so the
// caller decides what copy is mutated and when it becomes visible.
package lifecycle

import (
	"time"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// ActorReopen is recorded when no actor is given for a reopen.
const ActorReopen = "reopen"

var forward = map[domain.ComplaintStatus]domain.ComplaintStatus{
	domain.StatusRed:    domain.StatusOrange,
	domain.StatusOrange: domain.StatusBlue,
	domain.StatusBlue:   domain.StatusGreen,
	domain.StatusGreen:  domain.StatusBlack,
}

// Next returns the immediate successor of status.
func Next(status domain.ComplaintStatus) (domain.ComplaintStatus, bool) {
	next, ok := forward[status]
	return next, ok
}

// CanTransition reports whether target is the immediate successor of current.
func CanTransition(current, target domain.ComplaintStatus) bool {
	next, ok := Next(current)
	return ok && next == target
}

// CurrentStatus is a pure read of the complaint's status.
func CurrentStatus(c *domain.Complaint) domain.ComplaintStatus {
	return c.Status
}

// Transition moves c one step forward to target. On reaching BLACK the
// complaint is closed and its escalation level is frozen.
func Transition(c *domain.Complaint, target domain.ComplaintStatus, actor string, at time.Time) error {
	if c.Status.Terminal() {
		return &domain.TerminalStateError{ComplaintID: c.ID, Attempted: "transition to " + string(target)}
	}
	if !target.Valid() || !CanTransition(c.Status, target) {
		return &domain.InvalidTransitionError{ComplaintID: c.ID, From: c.Status, To: target}
	}

	from := c.Status
	c.Status = target
	c.LastTransitionAt = at
	if target == domain.StatusBlack {
		closed := at
		c.ClosedAt = &closed
	}
	c.AppendHistory(domain.HistoryEntry{
		At:    at,
		Kind:  domain.HistoryStatusChanged,
		Actor: actor,
		Detail: map[string]any{
			"from": string(from),
			"to":   string(target),
		},
	})
	return nil
}

// Reopen is the sole backward edge, BLACK -> GREEN. The escalation level is
// kept so escalation resumes from the next rung.
func Reopen(c *domain.Complaint, actor string, at time.Time) error {
	if !c.Status.Terminal() {
		return &domain.NotTerminalError{ComplaintID: c.ID, Status: c.Status}
	}
	if actor == "" {
		actor = ActorReopen
	}
	c.Status = domain.StatusGreen
	c.LastTransitionAt = at
	c.ClosedAt = nil
	c.ReopenCount++
	c.AppendHistory(domain.HistoryEntry{
		At:    at,
		Kind:  domain.HistoryStatusChanged,
		Actor: actor,
		Detail: map[string]any{
			"from":             string(domain.StatusBlack),
			"to":               string(domain.StatusGreen),
			"reopen":           true,
			"escalation_level": c.EscalationLevel,
		},
	})
	return nil
}
