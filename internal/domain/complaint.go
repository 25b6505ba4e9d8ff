package domain

import (
	"strings"
	"time"
)

// ComplaintStatus enumerates the color-coded lifecycle states.
type ComplaintStatus string

const (
	StatusRed    ComplaintStatus = "RED"
	StatusOrange ComplaintStatus = "ORANGE"
	StatusBlue   ComplaintStatus = "BLUE"
	StatusGreen  ComplaintStatus = "GREEN"
	StatusBlack  ComplaintStatus = "BLACK"
)

// Statuses lists every status in lifecycle order.
var Statuses = []ComplaintStatus{StatusRed, StatusOrange, StatusBlue, StatusGreen, StatusBlack}

// Valid reports whether s is a known status.
func (s ComplaintStatus) Valid() bool {
	switch s {
	case StatusRed, StatusOrange, StatusBlue, StatusGreen, StatusBlack:
		return true
	}
	return false
}

// Terminal reports whether s is the closed state.
func (s ComplaintStatus) Terminal() bool {
	return s == StatusBlack
}

// ComplaintPriority enumerates urgency assigned at routing.
type ComplaintPriority string

const (
	PriorityCritical ComplaintPriority = "CRITICAL"
	PriorityHigh     ComplaintPriority = "HIGH"
	PriorityMedium   ComplaintPriority = "MEDIUM"
	PriorityLow      ComplaintPriority = "LOW"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []ComplaintPriority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Valid reports whether p is a known priority.
func (p ComplaintPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ParsePriority normalizes user input into a priority.
func ParsePriority(raw string) (ComplaintPriority, error) {
	p := ComplaintPriority(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", ErrInvalidPriority
	}
	return p, nil
}

// Authority is the office a complaint is escalated to.
type Authority string

const (
	AuthorityDepartmentHead     Authority = "DEPARTMENT_HEAD"
	AuthorityDistrictAuthority  Authority = "DISTRICT_AUTHORITY"
	AuthorityStateSecretariat   Authority = "STATE_SECRETARIAT"
	AuthorityPoliticalExecutive Authority = "POLITICAL_EXECUTIVE"
)

// Tier names the rung of the administrative hierarchy the authority sits on.
func (a Authority) Tier() string {
	switch a {
	case AuthorityDepartmentHead:
		return "Departmental"
	case AuthorityDistrictAuthority:
		return "Administrative"
	case AuthorityStateSecretariat:
		return "Secretariat"
	case AuthorityPoliticalExecutive:
		return "Political Executive"
	default:
		return "Unknown"
	}
}

// MaxEscalationLevel is the top of the ladder.
const MaxEscalationLevel = 4

// Complaint is the aggregate tracked by the engine. Values handed out by the
// service are snapshots; callers never observe a complaint mid-mutation.
type Complaint struct {
	ID                 string
	Category           string
	Department         string
	Priority           ComplaintPriority
	Status             ComplaintStatus
	CreatedAt          time.Time
	AckDeadline        time.Time
	ResolutionDeadline time.Time
	// ResolutionStretch is the upper bound of the department's resolution
	// range. It is informational and never used for escalation.
	ResolutionStretch time.Time
	EscalationLevel   int
	LastTransitionAt  time.Time
	LastEscalatedAt   *time.Time
	ClosedAt          *time.Time
	ReopenCount       int
	History           []HistoryEntry
}

// Clone returns a copy whose history slice can be appended to without
// affecting the receiver. History entries themselves are never modified.
func (c *Complaint) Clone() *Complaint {
	if c == nil {
		return nil
	}
	out := *c
	out.History = make([]HistoryEntry, len(c.History), len(c.History)+2)
	copy(out.History, c.History)
	if c.LastEscalatedAt != nil {
		t := *c.LastEscalatedAt
		out.LastEscalatedAt = &t
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// AppendHistory records an entry, assigning the next sequence number.
func (c *Complaint) AppendHistory(entry HistoryEntry) {
	entry.Sequence = len(c.History) + 1
	c.History = append(c.History, entry)
}

// GoverningDeadline returns the deadline that currently drives overdue math.
func (c *Complaint) GoverningDeadline() (time.Time, bool) {
	switch c.Status {
	case StatusRed, StatusOrange:
		return c.AckDeadline, true
	case StatusBlue, StatusGreen:
		return c.ResolutionDeadline, true
	default:
		return time.Time{}, false
	}
}

// OverdueBy reports how far past its governing deadline the complaint is.
// Non-positive values mean the complaint is on time.
func (c *Complaint) OverdueBy(now time.Time) time.Duration {
	deadline, ok := c.GoverningDeadline()
	if !ok {
		return 0
	}
	return now.Sub(deadline)
}

// IsOverdue reports whether the governing deadline has passed.
func (c *Complaint) IsOverdue(now time.Time) bool {
	return c.OverdueBy(now) > 0
}

// StalledFor reports how long an ORANGE or BLUE complaint has gone without a
// status change. Other statuses never stall and report zero.
func (c *Complaint) StalledFor(now time.Time) time.Duration {
	if c.Status != StatusOrange && c.Status != StatusBlue {
		return 0
	}
	return now.Sub(c.LastTransitionAt)
}
