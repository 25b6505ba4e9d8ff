package domain

import "time"

// HistoryKind captures what changed in a history entry.
type HistoryKind string

const (
	HistoryCreated          HistoryKind = "CREATED"
	HistoryStatusChanged    HistoryKind = "STATUS_CHANGED"
	HistoryEscalated        HistoryKind = "ESCALATED"
	HistoryTimelineAdjusted HistoryKind = "TIMELINE_ADJUSTED"
)

// HistoryEntry is an immutable audit trail entry.
type HistoryEntry struct {
	Sequence int
	At       time.Time
	Kind     HistoryKind
	Actor    string
	Detail   map[string]any
}

// Stats aggregates counts over all complaints for dashboards.
type Stats struct {
	Total             int
	Overdue           int
	Stuck             int
	ByStatus          map[ComplaintStatus]int
	ByEscalationLevel map[int]int
	ByDepartment      map[string]DepartmentStats
}

// DepartmentStats summarizes one department's workload.
type DepartmentStats struct {
	Active   int
	Overdue  int
	Stuck    int
	Resolved int
}
