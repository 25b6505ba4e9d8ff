package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/escalation"
	"github.com/spec-kit/complaint-engine/internal/events"
	"github.com/spec-kit/complaint-engine/internal/lifecycle"
	"github.com/spec-kit/complaint-engine/internal/observability"
	"github.com/spec-kit/complaint-engine/internal/sla"
)

const (
	actorSystem     = "system"
	actorRouter     = "router"
	actorEscalation = "escalation"

	defaultEvaluationTimeout = 2 * time.Second
	defaultMutationTimeout   = 5 * time.Second
	defaultStuckAfter        = 72 * time.Hour
)

// ComplaintStore persists complaints. Save receives the full complaint and
// the history entries appended by the mutation being committed.
type ComplaintStore interface {
	Save(ctx context.Context, c *domain.Complaint, appended []domain.HistoryEntry) error
	LoadAll(ctx context.Context) ([]*domain.Complaint, error)
}

// EventAppender accepts events for delivery.
type EventAppender interface {
	Append(ctx context.Context, event events.Event) (events.Event, error)
}

// ComplaintDependencies bundles collaborators for the complaint service.
type ComplaintDependencies struct {
	Calculator        *sla.Calculator
	Ladder            *escalation.Ladder
	Sink              EventAppender
	Store             ComplaintStore
	Logger            *zap.Logger
	Metrics           *observability.Metrics
	Now               func() time.Time
	EvaluationTimeout time.Duration
	// MutationTimeout bounds how long a caller-driven change may hold a
	// complaint, persistence included.
	MutationTimeout time.Duration
	// StuckAfter is how long an ORANGE or BLUE complaint may go without a
	// status change before it is reported as stuck.
	StuckAfter time.Duration
}

// ComplaintService owns every complaint in the process. Each complaint has
// its own exclusive token; readers load an immutable snapshot and never wait.
type ComplaintService struct {
	calc        *sla.Calculator
	ladder      *escalation.Ladder
	sink        EventAppender
	store       ComplaintStore
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	evalTimeout time.Duration
	mutTimeout  time.Duration
	stuckAfter  time.Duration

	// mu guards the index only; it is never held while a token is held.
	mu      sync.RWMutex
	records map[string]*record
}

type record struct {
	token    chan struct{}
	snapshot atomic.Pointer[domain.Complaint]
}

func newRecord(c *domain.Complaint) *record {
	r := &record{token: make(chan struct{}, 1)}
	r.snapshot.Store(c)
	return r
}

func (r *record) acquire(ctx context.Context) error {
	select {
	case r.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *record) release() {
	<-r.token
}

// NewComplaintService constructs the service.
func NewComplaintService(deps ComplaintDependencies) *ComplaintService {
	s := &ComplaintService{
		calc:        deps.Calculator,
		ladder:      deps.Ladder,
		sink:        deps.Sink,
		store:       deps.Store,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         deps.Now,
		evalTimeout: deps.EvaluationTimeout,
		mutTimeout:  deps.MutationTimeout,
		stuckAfter:  deps.StuckAfter,
		records:     make(map[string]*record),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.evalTimeout <= 0 {
		s.evalTimeout = defaultEvaluationTimeout
	}
	if s.mutTimeout <= 0 {
		s.mutTimeout = defaultMutationTimeout
	}
	if s.stuckAfter <= 0 {
		s.stuckAfter = defaultStuckAfter
	}
	return s
}

// RouteInput describes a classified complaint handed over by the router.
type RouteInput struct {
	Category   string
	Department string
	Priority   domain.ComplaintPriority
	CreatedAt  time.Time
}

// TransitionRequest asks for the next status. When ExpectedFrom is set the
// request only applies if the complaint is still in that status.
type TransitionRequest struct {
	Target       domain.ComplaintStatus
	Actor        string
	ExpectedFrom domain.ComplaintStatus
}

// TimelineAdjustment moves deadlines on an open complaint. Nil fields keep
// the current value.
type TimelineAdjustment struct {
	AckDeadline        *time.Time
	ResolutionDeadline *time.Time
	Actor              string
	Reason             string
}

// CreateRouted computes deadlines, records the complaint as RED and moves
// it straight to ORANGE. A *domain.SinkUnavailableError is returned together
// with the created complaint when the event could not be delivered.
func (s *ComplaintService) CreateRouted(ctx context.Context, input RouteInput) (*domain.Complaint, error) {
	if !input.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPriority, input.Priority)
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	deadlines, err := s.calc.ComputeDeadlines(input.Department, input.Priority, createdAt)
	if err != nil {
		return nil, err
	}

	c := &domain.Complaint{
		ID:                 uuid.NewString(),
		Category:           strings.TrimSpace(input.Category),
		Department:         strings.TrimSpace(input.Department),
		Priority:           input.Priority,
		Status:             domain.StatusRed,
		CreatedAt:          createdAt,
		AckDeadline:        deadlines.Ack,
		ResolutionDeadline: deadlines.Resolution,
		ResolutionStretch:  deadlines.ResolutionStretch,
		LastTransitionAt:   createdAt,
	}
	c.AppendHistory(domain.HistoryEntry{
		At:    createdAt,
		Kind:  domain.HistoryCreated,
		Actor: actorRouter,
		Detail: map[string]any{
			"category":            c.Category,
			"department":          c.Department,
			"priority":            string(c.Priority),
			"ack_deadline":        deadlines.Ack,
			"resolution_deadline": deadlines.Resolution,
			"resolution_stretch":  deadlines.ResolutionStretch,
			"sla_source":          string(deadlines.Source),
			"sla_method":          string(deadlines.Method),
		},
	})
	if err := lifecycle.Transition(c, domain.StatusOrange, actorRouter, createdAt); err != nil {
		return nil, err
	}

	if err := s.save(ctx, c, c.History); err != nil {
		return nil, err
	}

	r := newRecord(c)
	r.token <- struct{}{}
	s.mu.Lock()
	s.records[c.ID] = r
	s.mu.Unlock()
	defer r.release()

	s.metrics.RecordTransition(string(domain.StatusRed), string(domain.StatusOrange))
	s.logger.Info("complaint routed",
		zap.String("complaint_id", c.ID),
		zap.String("department", c.Department),
		zap.String("priority", string(c.Priority)),
		zap.Time("ack_deadline", c.AckDeadline),
		zap.Time("resolution_deadline", c.ResolutionDeadline))

	err = s.emit(ctx, events.Event{
		Type:        events.EventStatusChanged,
		ComplaintID: c.ID,
		Actor:       actorRouter,
		Timestamp:   createdAt,
		Payload: events.StatusChangedPayload{
			OldStatus:  domain.StatusRed,
			NewStatus:  domain.StatusOrange,
			Department: c.Department,
		},
	})
	return c.Clone(), err
}

// RequestTransition moves a complaint one step forward.
func (s *ComplaintService) RequestTransition(ctx context.Context, id string, req TransitionRequest) (*domain.Complaint, error) {
	actor := defaultActor(req.Actor)
	var from domain.ComplaintStatus
	at := s.now()

	updated, err := s.mutate(ctx, id, func(c *domain.Complaint) error {
		from = c.Status
		if req.ExpectedFrom != "" && !c.Status.Terminal() && c.Status != req.ExpectedFrom {
			return &domain.InvalidTransitionError{ComplaintID: c.ID, From: c.Status, To: req.Target, Expected: req.ExpectedFrom}
		}
		return lifecycle.Transition(c, req.Target, actor, at)
	}, func(c *domain.Complaint) events.Event {
		return events.Event{
			Type:        events.EventStatusChanged,
			ComplaintID: c.ID,
			Actor:       actor,
			Timestamp:   at,
			Payload: events.StatusChangedPayload{
				OldStatus:       from,
				NewStatus:       c.Status,
				Department:      c.Department,
				EscalationLevel: c.EscalationLevel,
			},
		}
	})
	if updated != nil {
		s.metrics.RecordTransition(string(from), string(req.Target))
	}
	return updated, err
}

// Reopen moves a closed complaint back to GREEN.
func (s *ComplaintService) Reopen(ctx context.Context, id, actor string) (*domain.Complaint, error) {
	at := s.now()
	if actor == "" {
		actor = lifecycle.ActorReopen
	}
	updated, err := s.mutate(ctx, id, func(c *domain.Complaint) error {
		return lifecycle.Reopen(c, actor, at)
	}, func(c *domain.Complaint) events.Event {
		return events.Event{
			Type:        events.EventStatusChanged,
			ComplaintID: c.ID,
			Actor:       actor,
			Timestamp:   at,
			Payload: events.StatusChangedPayload{
				OldStatus:       domain.StatusBlack,
				NewStatus:       domain.StatusGreen,
				Department:      c.Department,
				Reopened:        true,
				EscalationLevel: c.EscalationLevel,
			},
		}
	})
	if updated != nil {
		s.metrics.RecordTransition(string(domain.StatusBlack), string(domain.StatusGreen))
	}
	return updated, err
}

// AdjustTimeline records an authorized change of deadlines.
func (s *ComplaintService) AdjustTimeline(ctx context.Context, id string, adj TimelineAdjustment) (*domain.Complaint, error) {
	at := s.now()
	return s.mutate(ctx, id, func(c *domain.Complaint) error {
		if c.Status.Terminal() {
			return &domain.TerminalStateError{ComplaintID: c.ID, Attempted: "timeline adjustment"}
		}
		ack, res := c.AckDeadline, c.ResolutionDeadline
		if adj.AckDeadline != nil {
			ack = *adj.AckDeadline
		}
		if adj.ResolutionDeadline != nil {
			res = *adj.ResolutionDeadline
		}
		if !ack.Before(res) {
			return domain.ErrInvalidTimeline
		}
		c.AppendHistory(domain.HistoryEntry{
			At:    at,
			Kind:  domain.HistoryTimelineAdjusted,
			Actor: defaultActor(adj.Actor),
			Detail: map[string]any{
				"old_ack_deadline":        c.AckDeadline,
				"new_ack_deadline":        ack,
				"old_resolution_deadline": c.ResolutionDeadline,
				"new_resolution_deadline": res,
				"reason":                  adj.Reason,
			},
		})
		c.AckDeadline, c.ResolutionDeadline = ack, res
		if c.ResolutionStretch.Before(res) {
			c.ResolutionStretch = res
		}
		return nil
	}, nil)
}

// Escalate evaluates one complaint and applies a raise if due. The exclusive
// section is bounded by the evaluation timeout; exceeding it returns a
// *domain.EvaluationTimeoutError and leaves the complaint unchanged.
func (s *ComplaintService) Escalate(ctx context.Context, id string, now time.Time) (escalation.Decision, error) {
	r, err := s.lookup(id)
	if err != nil {
		return escalation.Decision{}, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.evalTimeout)
	defer cancel()
	if err := r.acquire(evalCtx); err != nil {
		return escalation.Decision{}, s.timeoutError(ctx, id, s.evalTimeout, err)
	}
	defer r.release()

	cur := r.snapshot.Load()
	d := s.ladder.Evaluate(cur, now)
	if d.None() {
		return d, nil
	}
	next := cur.Clone()
	applied, err := s.ladder.Apply(d, next, now)
	if err != nil || !applied {
		return escalation.Decision{}, err
	}
	if err := s.save(evalCtx, next, next.History[len(cur.History):]); err != nil {
		if evalCtx.Err() != nil {
			return escalation.Decision{}, s.timeoutError(ctx, id, s.evalTimeout, err)
		}
		return escalation.Decision{}, err
	}
	r.snapshot.Store(next)

	s.metrics.RecordEscalation(string(next.Priority), d.Level)
	s.logger.Warn("complaint escalated",
		zap.String("complaint_id", id),
		zap.Int("level", d.Level),
		zap.String("authority", string(d.Authority)),
		zap.Duration("overdue_by", d.OverdueBy))

	err = s.emit(ctx, events.Event{
		Type:        events.EventEscalated,
		ComplaintID: id,
		Actor:       actorEscalation,
		Timestamp:   now,
		Payload: events.EscalatedPayload{
			FromLevel:      cur.EscalationLevel,
			ToLevel:        d.Level,
			Authority:      d.Authority,
			Tier:           d.Authority.Tier(),
			Department:     next.Department,
			ResponseWindow: d.ResponseWindow.String(),
			RespondBy:      d.RespondBy,
			Deadline:       d.Deadline,
			OverdueBy:      d.OverdueBy.String(),
		},
	})
	return d, err
}

func (s *ComplaintService) timeoutError(parent context.Context, id string, bound time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	s.metrics.RecordEvaluationFailure("timeout")
	return &domain.EvaluationTimeoutError{ComplaintID: id, Timeout: bound, Err: err}
}

// Emit appends a notification event for a complaint while holding its
// token, so it is ordered with the complaint's state-change events. Closed
// complaints are skipped and report false.
func (s *ComplaintService) Emit(ctx context.Context, id string, build func(c *domain.Complaint) (events.Event, bool)) (bool, error) {
	r, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	evalCtx, cancel := context.WithTimeout(ctx, s.evalTimeout)
	defer cancel()
	if err := r.acquire(evalCtx); err != nil {
		return false, s.timeoutError(ctx, id, s.evalTimeout, err)
	}
	defer r.release()

	cur := r.snapshot.Load()
	if cur.Status.Terminal() {
		return false, nil
	}
	event, ok := build(cur)
	if !ok {
		return false, nil
	}
	event.ComplaintID = id
	return true, s.emit(ctx, event)
}

// Alert appends an operational event built from the complaint's latest
// snapshot without taking its token, so it still goes out while the
// complaint is held by a stalled mutation. The sink keeps it in sequence
// with the complaint's other events. Closed complaints are skipped.
func (s *ComplaintService) Alert(ctx context.Context, id string, build func(c *domain.Complaint) (events.Event, bool)) (bool, error) {
	r, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	cur := r.snapshot.Load()
	if cur.Status.Terminal() {
		return false, nil
	}
	event, ok := build(cur)
	if !ok {
		return false, nil
	}
	event.ComplaintID = id
	return true, s.emit(ctx, event)
}

// GetStatus returns a snapshot of the complaint.
func (s *ComplaintService) GetStatus(id string) (*domain.Complaint, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.snapshot.Load().Clone(), nil
}

// CurrentStatus returns only the status of the complaint.
func (s *ComplaintService) CurrentStatus(id string) (domain.ComplaintStatus, error) {
	r, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	return lifecycle.CurrentStatus(r.snapshot.Load()), nil
}

// ListOverdue returns open complaints past their governing deadline, most
// overdue first.
func (s *ComplaintService) ListOverdue(now time.Time) []*domain.Complaint {
	var out []*domain.Complaint
	for _, c := range s.snapshots() {
		if !c.Status.Terminal() && c.IsOverdue(now) {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].OverdueBy(now), out[j].OverdueBy(now)
		if oi != oj {
			return oi > oj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StuckAfter reports the threshold used to flag stuck complaints.
func (s *ComplaintService) StuckAfter() time.Duration {
	return s.stuckAfter
}

// ListStuck returns ORANGE and BLUE complaints that have gone longer than
// the stuck threshold without a status change, longest stalled first.
func (s *ComplaintService) ListStuck(now time.Time) []*domain.Complaint {
	var out []*domain.Complaint
	for _, c := range s.snapshots() {
		if c.StalledFor(now) > s.stuckAfter {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].StalledFor(now), out[j].StalledFor(now)
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveComplaints returns IDs of complaints not yet closed, oldest first.
func (s *ComplaintService) ActiveComplaints() []string {
	snaps := s.snapshots()
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
	ids := make([]string, 0, len(snaps))
	for _, c := range snaps {
		if !c.Status.Terminal() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Stats aggregates counts over every complaint.
func (s *ComplaintService) Stats(now time.Time) domain.Stats {
	st := domain.Stats{
		ByStatus:          make(map[domain.ComplaintStatus]int, len(domain.Statuses)),
		ByEscalationLevel: make(map[int]int, domain.MaxEscalationLevel+1),
		ByDepartment:      make(map[string]domain.DepartmentStats),
	}
	for _, status := range domain.Statuses {
		st.ByStatus[status] = 0
	}
	for level := 0; level <= domain.MaxEscalationLevel; level++ {
		st.ByEscalationLevel[level] = 0
	}
	for _, c := range s.snapshots() {
		st.Total++
		st.ByStatus[c.Status]++
		st.ByEscalationLevel[c.EscalationLevel]++
		dept := st.ByDepartment[c.Department]
		if c.Status.Terminal() {
			dept.Resolved++
		} else {
			dept.Active++
			if c.IsOverdue(now) {
				dept.Overdue++
				st.Overdue++
			}
			if c.StalledFor(now) > s.stuckAfter {
				dept.Stuck++
				st.Stuck++
			}
		}
		st.ByDepartment[c.Department] = dept
	}
	return st
}

// Restore loads persisted complaints into memory. Complaints already known
// are left untouched.
func (s *ComplaintService) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	loaded, err := s.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore complaints: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range loaded {
		if _, ok := s.records[c.ID]; ok {
			continue
		}
		s.records[c.ID] = newRecord(c)
		n++
	}
	s.logger.Info("complaints restored", zap.Int("count", n))
	return n, nil
}

// mutate runs fn on a private copy under the complaint's token, persists the
// result and then publishes it. A failed fn or save leaves the complaint
// untouched. The optional event is appended after the commit. Waiting for
// the token and persisting share the mutation timeout.
func (s *ComplaintService) mutate(ctx context.Context, id string, fn func(*domain.Complaint) error, event func(*domain.Complaint) events.Event) (*domain.Complaint, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	mutCtx, cancel := context.WithTimeout(ctx, s.mutTimeout)
	defer cancel()
	if err := r.acquire(mutCtx); err != nil {
		return nil, s.timeoutError(ctx, id, s.mutTimeout, err)
	}
	defer r.release()

	cur := r.snapshot.Load()
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.save(mutCtx, next, next.History[len(cur.History):]); err != nil {
		if mutCtx.Err() != nil {
			return nil, s.timeoutError(ctx, id, s.mutTimeout, err)
		}
		return nil, err
	}
	r.snapshot.Store(next)

	if event == nil {
		return next.Clone(), nil
	}
	return next.Clone(), s.emit(ctx, event(next))
}

func (s *ComplaintService) save(ctx context.Context, c *domain.Complaint, appended []domain.HistoryEntry) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, c, appended); err != nil {
		return fmt.Errorf("persist complaint %s: %w", c.ID, err)
	}
	return nil
}

func (s *ComplaintService) emit(ctx context.Context, event events.Event) error {
	if s.sink == nil {
		return nil
	}
	appended, err := s.sink.Append(ctx, event)
	if err != nil {
		var unavailable *domain.SinkUnavailableError
		if errors.As(err, &unavailable) {
			s.logger.Warn("event buffered for retry",
				zap.String("complaint_id", event.ComplaintID),
				zap.String("event_id", appended.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(unavailable.Err))
		}
		return err
	}
	return nil
}

func (s *ComplaintService) lookup(id string) (*record, error) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrComplaintNotFound
	}
	return r, nil
}

func (s *ComplaintService) snapshots() []*domain.Complaint {
	s.mu.RLock()
	records := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	out := make([]*domain.Complaint, 0, len(records))
	for _, r := range records {
		out = append(out, r.snapshot.Load())
	}
	return out
}

func defaultActor(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return actorSystem
	}
	return actor
}
