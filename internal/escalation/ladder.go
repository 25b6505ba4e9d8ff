// Package escalation decides when an overdue complaint moves up the
// administrative hierarchy and records the move.
package escalation

import (
	"time"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/sla"
)

// Decision is the result of one evaluation. A zero Decision means no change.
type Decision struct {
	Raise          bool
	Level          int
	Authority      domain.Authority
	ResponseWindow time.Duration
	RespondBy      time.Time
	Deadline       time.Time
	OverdueBy      time.Duration
}

// None reports whether the decision leaves the complaint unchanged.
func (d Decision) None() bool {
	return !d.Raise
}

// Ladder evaluates complaints against the escalation rules of an SLA table.
type Ladder struct {
	table *sla.Table
}

func NewLadder(table *sla.Table) *Ladder {
	return &Ladder{table: table}
}

// Evaluate returns at most a one-level raise. Level n+1 fires when the
// governing deadline is overdue by the cumulative offsets of levels 1..n+1
// and the response window granted at level n has elapsed.
func (l *Ladder) Evaluate(c *domain.Complaint, now time.Time) Decision {
	if c.Status.Terminal() || c.EscalationLevel >= domain.MaxEscalationLevel {
		return Decision{}
	}
	deadline, ok := c.GoverningDeadline()
	if !ok {
		return Decision{}
	}
	overdue := now.Sub(deadline)
	if overdue <= 0 {
		return Decision{}
	}

	next := c.EscalationLevel + 1
	var threshold time.Duration
	var rule sla.EscalationRule
	found := false
	for _, r := range l.table.Ladder(c.Priority) {
		if r.Level > next {
			break
		}
		threshold += r.Offset
		if r.Level == next {
			rule, found = r, true
		}
	}
	if !found || overdue < threshold {
		return Decision{}
	}

	if c.LastEscalatedAt != nil {
		if now.Before(*c.LastEscalatedAt) {
			return Decision{}
		}
		if prev, ok := l.table.Rule(c.Priority, c.EscalationLevel); ok && now.Sub(*c.LastEscalatedAt) < prev.ResponseWindow {
			return Decision{}
		}
	}

	return Decision{
		Raise:          true,
		Level:          next,
		Authority:      rule.Authority,
		ResponseWindow: rule.ResponseWindow,
		RespondBy:      now.Add(rule.ResponseWindow),
		Deadline:       deadline,
		OverdueBy:      overdue,
	}
}

// Apply records d on c. Applying a decision whose level was already reached
// is a no-op and reports false.
func (l *Ladder) Apply(d Decision, c *domain.Complaint, now time.Time) (bool, error) {
	if !d.Raise {
		return false, nil
	}
	if c.Status.Terminal() {
		return false, &domain.TerminalStateError{ComplaintID: c.ID, Attempted: "escalation"}
	}
	if d.Level <= c.EscalationLevel {
		return false, nil
	}
	if d.Level != c.EscalationLevel+1 {
		return false, domain.ErrEscalationSkipsLevel
	}

	from := c.EscalationLevel
	at := now
	c.EscalationLevel = d.Level
	c.LastEscalatedAt = &at
	c.AppendHistory(domain.HistoryEntry{
		At:    now,
		Kind:  domain.HistoryEscalated,
		Actor: "escalation",
		Detail: map[string]any{
			"from_level":      from,
			"to_level":        d.Level,
			"authority":       string(d.Authority),
			"tier":            d.Authority.Tier(),
			"response_window": d.ResponseWindow.String(),
			"respond_by":      d.RespondBy,
			"deadline":        d.Deadline,
			"overdue_by":      d.OverdueBy.String(),
		},
	})
	return true, nil
}
