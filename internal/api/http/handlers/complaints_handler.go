package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/complaint-engine/internal/api/dto"
	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/events"
	"github.com/spec-kit/complaint-engine/internal/service"
	apperrors "github.com/spec-kit/complaint-engine/pkg/util/errorutil"
)

// EventLog exposes the per-complaint event stream kept by the sink.
type EventLog interface {
	Events(complaintID string) []events.Event
	PendingCount() int
}

// ComplaintsHandler serves the complaint lifecycle endpoints.
type ComplaintsHandler struct {
	service *service.ComplaintService
	events  EventLog
	logger  *zap.Logger
	now     func() time.Time
}

// NewComplaintsHandler constructs handler.
func NewComplaintsHandler(complaintService *service.ComplaintService, eventLog EventLog, logger *zap.Logger) *ComplaintsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplaintsHandler{
		service: complaintService,
		events:  eventLog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create POST /complaints.
func (h *ComplaintsHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateComplaintRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Category) == "" {
		return apperrors.NewValidationError("category required", nil)
	}
	if strings.TrimSpace(req.Department) == "" {
		return &domain.UnknownDepartmentError{Department: req.Department}
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return err
	}

	input := service.RouteInput{
		Category:   req.Category,
		Department: req.Department,
		Priority:   priority,
	}
	if req.CreatedAt != nil {
		input.CreatedAt = req.CreatedAt.UTC()
	}
	complaint, err := h.service.CreateRouted(c.UserContext(), input)
	buffered, err := h.committed(err)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data":           complaintDetail(complaint, h.now()),
		"event_buffered": buffered,
	})
}

// Get GET /complaints/:id.
func (h *ComplaintsHandler) Get(c *fiber.Ctx) error {
	complaint, err := h.service.GetStatus(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": complaintDetail(complaint, h.now())})
}

// Transition POST /complaints/:id/transitions.
func (h *ComplaintsHandler) Transition(c *fiber.Ctx) error {
	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	req.Target = domain.ComplaintStatus(strings.ToUpper(strings.TrimSpace(string(req.Target))))
	req.ExpectedFrom = domain.ComplaintStatus(strings.ToUpper(strings.TrimSpace(string(req.ExpectedFrom))))
	if !req.Target.Valid() {
		return apperrors.NewValidationError("unknown target status", map[string]any{"target": req.Target})
	}
	if req.ExpectedFrom != "" && !req.ExpectedFrom.Valid() {
		return apperrors.NewValidationError("unknown expected_from status", map[string]any{"expected_from": req.ExpectedFrom})
	}

	complaint, err := h.service.RequestTransition(c.UserContext(), c.Params("id"), service.TransitionRequest{
		Target:       req.Target,
		Actor:        req.Actor,
		ExpectedFrom: req.ExpectedFrom,
	})
	buffered, err := h.committed(err)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": complaintSummary(complaint, h.now()), "event_buffered": buffered})
}

// Reopen POST /complaints/:id/reopen.
func (h *ComplaintsHandler) Reopen(c *fiber.Ctx) error {
	var req dto.ReopenRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	complaint, err := h.service.Reopen(c.UserContext(), c.Params("id"), req.Actor)
	buffered, err := h.committed(err)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": complaintSummary(complaint, h.now()), "event_buffered": buffered})
}

// AdjustTimeline POST /complaints/:id/timeline.
func (h *ComplaintsHandler) AdjustTimeline(c *fiber.Ctx) error {
	var req dto.TimelineRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.AckDeadline == nil && req.ResolutionDeadline == nil {
		return apperrors.NewValidationError("ack_deadline or resolution_deadline required", nil)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return apperrors.NewValidationError("actor required", nil)
	}
	complaint, err := h.service.AdjustTimeline(c.UserContext(), c.Params("id"), service.TimelineAdjustment{
		AckDeadline:        utcPtr(req.AckDeadline),
		ResolutionDeadline: utcPtr(req.ResolutionDeadline),
		Actor:              req.Actor,
		Reason:             req.Reason,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": complaintDetail(complaint, h.now())})
}

// Events GET /complaints/:id/events.
func (h *ComplaintsHandler) Events(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.service.GetStatus(id); err != nil {
		return err
	}
	stream := h.events.Events(id)
	if stream == nil {
		stream = []events.Event{}
	}
	return c.JSON(fiber.Map{"data": stream})
}

// Overdue GET /complaints/overdue.
func (h *ComplaintsHandler) Overdue(c *fiber.Ctx) error {
	now := h.now()
	overdue := h.service.ListOverdue(now)
	items := make([]dto.ComplaintSummary, 0, len(overdue))
	for _, complaint := range overdue {
		items = append(items, complaintSummary(complaint, now))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Stuck GET /complaints/stuck.
func (h *ComplaintsHandler) Stuck(c *fiber.Ctx) error {
	now := h.now()
	stuck := h.service.ListStuck(now)
	items := make([]dto.ComplaintSummary, 0, len(stuck))
	for _, complaint := range stuck {
		item := complaintSummary(complaint, now)
		item.StalledFor = complaint.StalledFor(now).Round(time.Minute).String()
		items = append(items, item)
	}
	return c.JSON(fiber.Map{"data": items})
}

// Stats GET /stats.
func (h *ComplaintsHandler) Stats(c *fiber.Ctx) error {
	st := h.service.Stats(h.now())
	resp := dto.StatsResponse{
		Total:             st.Total,
		Overdue:           st.Overdue,
		Stuck:             st.Stuck,
		StuckAfter:        h.service.StuckAfter().String(),
		ByStatus:          st.ByStatus,
		ByEscalationLevel: st.ByEscalationLevel,
		ByDepartment:      make(map[string]dto.DepartmentStatsResponse, len(st.ByDepartment)),
		PendingEvents:     h.events.PendingCount(),
	}
	for name, d := range st.ByDepartment {
		resp.ByDepartment[name] = dto.DepartmentStatsResponse{Active: d.Active, Overdue: d.Overdue, Stuck: d.Stuck, Resolved: d.Resolved}
	}
	return c.JSON(fiber.Map{"data": resp})
}

// committed treats a buffered event as success: the mutation is already
// durable and the sink retries delivery.
func (h *ComplaintsHandler) committed(err error) (bool, error) {
	var unavailable *domain.SinkUnavailableError
	if errors.As(err, &unavailable) {
		h.logger.Warn("event buffered", zap.String("complaint_id", unavailable.ComplaintID), zap.Error(err))
		return true, nil
	}
	return false, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func complaintSummary(c *domain.Complaint, now time.Time) dto.ComplaintSummary {
	s := dto.ComplaintSummary{
		ID:                 c.ID,
		Category:           c.Category,
		Department:         c.Department,
		Priority:           c.Priority,
		Status:             c.Status,
		EscalationLevel:    c.EscalationLevel,
		CreatedAt:          c.CreatedAt,
		AckDeadline:        c.AckDeadline,
		ResolutionDeadline: c.ResolutionDeadline,
	}
	if !c.Status.Terminal() && c.IsOverdue(now) {
		s.Overdue = true
		s.OverdueBy = c.OverdueBy(now).Round(time.Minute).String()
	}
	return s
}

func complaintDetail(c *domain.Complaint, now time.Time) dto.ComplaintDetailResponse {
	history := make([]dto.HistoryResponse, 0, len(c.History))
	for _, entry := range c.History {
		history = append(history, dto.HistoryResponse{
			Sequence: entry.Sequence,
			At:       entry.At,
			Kind:     entry.Kind,
			Actor:    entry.Actor,
			Detail:   entry.Detail,
		})
	}
	return dto.ComplaintDetailResponse{
		ComplaintSummary:  complaintSummary(c, now),
		ResolutionStretch: c.ResolutionStretch,
		LastTransitionAt:  c.LastTransitionAt,
		LastEscalatedAt:   c.LastEscalatedAt,
		ClosedAt:          c.ClosedAt,
		ReopenCount:       c.ReopenCount,
		History:           history,
	}
}
