package dto

import (
	"time"

	"github.com/spec-kit/complaint-engine/internal/domain"
)

// CreateComplaintRequest is the routed complaint handed over by the router.
type CreateComplaintRequest struct {
	Category   string     `json:"category"`
	Department string     `json:"department"`
	Priority   string     `json:"priority"`
	CreatedAt  *time.Time `json:"created_at"`
}

// TransitionRequest asks for the next status. ExpectedFrom makes the request
// conditional on the status the caller last saw.
type TransitionRequest struct {
	Target       domain.ComplaintStatus `json:"target"`
	Actor        string                 `json:"actor"`
	ExpectedFrom domain.ComplaintStatus `json:"expected_from"`
}

// ReopenRequest payload.
type ReopenRequest struct {
	Actor string `json:"actor"`
}

// TimelineRequest moves one or both deadlines.
type TimelineRequest struct {
	AckDeadline        *time.Time `json:"ack_deadline"`
	ResolutionDeadline *time.Time `json:"resolution_deadline"`
	Actor              string     `json:"actor"`
	Reason             string     `json:"reason"`
}

// ComplaintSummary response.
type ComplaintSummary struct {
	ID                 string                   `json:"id"`
	Category           string                   `json:"category"`
	Department         string                   `json:"department"`
	Priority           domain.ComplaintPriority `json:"priority"`
	Status             domain.ComplaintStatus   `json:"status"`
	EscalationLevel    int                      `json:"escalation_level"`
	CreatedAt          time.Time                `json:"created_at"`
	AckDeadline        time.Time                `json:"ack_deadline"`
	ResolutionDeadline time.Time                `json:"resolution_deadline"`
	Overdue            bool                     `json:"overdue"`
	OverdueBy          string                   `json:"overdue_by,omitempty"`
	StalledFor         string                   `json:"stalled_for,omitempty"`
}

// ComplaintDetailResponse provides the full complaint including history.
type ComplaintDetailResponse struct {
	ComplaintSummary
	ResolutionStretch time.Time         `json:"resolution_stretch"`
	LastTransitionAt  time.Time         `json:"last_transition_at"`
	LastEscalatedAt   *time.Time        `json:"last_escalated_at"`
	ClosedAt          *time.Time        `json:"closed_at"`
	ReopenCount       int               `json:"reopen_count"`
	History           []HistoryResponse `json:"history"`
}

// HistoryResponse is one audit entry.
type HistoryResponse struct {
	Sequence int                `json:"sequence"`
	At       time.Time          `json:"at"`
	Kind     domain.HistoryKind `json:"kind"`
	Actor    string             `json:"actor"`
	Detail   map[string]any     `json:"detail,omitempty"`
}

// StatsResponse aggregates dashboard counts.
type StatsResponse struct {
	Total             int                                `json:"total"`
	Overdue           int                                `json:"overdue"`
	Stuck             int                                `json:"stuck"`
	StuckAfter        string                             `json:"stuck_after"`
	ByStatus          map[domain.ComplaintStatus]int     `json:"by_status"`
	ByEscalationLevel map[int]int                        `json:"by_escalation_level"`
	ByDepartment      map[string]DepartmentStatsResponse `json:"by_department"`
	PendingEvents     int                                `json:"pending_events"`
}

// DepartmentStatsResponse summarizes one department.
type DepartmentStatsResponse struct {
	Active   int `json:"active"`
	Overdue  int `json:"overdue"`
	Stuck    int `json:"stuck"`
	Resolved int `json:"resolved"`
}
