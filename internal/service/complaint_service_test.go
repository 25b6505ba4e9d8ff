package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/escalation"
	"github.com/spec-kit/complaint-engine/internal/events"
	"github.com/spec-kit/complaint-engine/internal/sla"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type memoryStore struct {
	mu       sync.Mutex
	saved    map[string]*domain.Complaint
	appended int
	fail     error
	entered  chan struct{}
	block    chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string]*domain.Complaint)}
}

func (m *memoryStore) Save(ctx context.Context, c *domain.Complaint, appended []domain.HistoryEntry) error {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saved[c.ID] = c.Clone()
	m.appended += len(appended)
	return nil
}

func (m *memoryStore) LoadAll(context.Context) ([]*domain.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Complaint, 0, len(m.saved))
	for _, c := range m.saved {
		out = append(out, c.Clone())
	}
	return out, nil
}

type capturePublisher struct {
	mu      sync.Mutex
	failing atomic.Bool
	got     []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	if p.failing.Load() {
		return errors.New("publisher offline")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, e)
	return nil
}

func (p *capturePublisher) ofType(t events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.got {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc   *ComplaintService
	store *memoryStore
	pub   *capturePublisher
	sink  *events.Sink
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table := sla.Default()
	calc, err := sla.NewCalculator(table)
	require.NoError(t, err)

	h := &harness{
		store: newMemoryStore(),
		pub:   &capturePublisher{},
		clock: &fakeClock{now: t0},
	}
	h.sink = events.NewSink(h.pub, time.Second, nil, nil)
	h.svc = NewComplaintService(ComplaintDependencies{
		Calculator:        calc,
		Ladder:            escalation.NewLadder(table),
		Sink:              h.sink,
		Store:             h.store,
		Now:               h.clock.Now,
		EvaluationTimeout: 50 * time.Millisecond,
	})
	return h
}

func (h *harness) create(t *testing.T, department string, priority domain.ComplaintPriority) *domain.Complaint {
	t.Helper()
	c, err := h.svc.CreateRouted(context.Background(), RouteInput{
		Category:   "water supply",
		Department: department,
		Priority:   priority,
		CreatedAt:  t0,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) step(t *testing.T, id string, target domain.ComplaintStatus) {
	t.Helper()
	_, err := h.svc.RequestTransition(context.Background(), id, TransitionRequest{Target: target, Actor: "officer"})
	require.NoError(t, err)
}

func TestCreateRouted(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "unlisted office", domain.PriorityCritical)

	assert.Equal(t, domain.StatusOrange, c.Status)
	assert.Equal(t, t0.Add(2*time.Hour), c.AckDeadline)
	assert.Equal(t, t0.Add(24*time.Hour), c.ResolutionDeadline)
	assert.Equal(t, t0.Add(48*time.Hour), c.ResolutionStretch)
	assert.Zero(t, c.EscalationLevel)

	require.Len(t, c.History, 2)
	assert.Equal(t, domain.HistoryCreated, c.History[0].Kind)
	assert.Equal(t, t0.Add(48*time.Hour), c.History[0].Detail["resolution_stretch"])
	assert.Equal(t, domain.HistoryStatusChanged, c.History[1].Kind)
	assert.Equal(t, "RED", c.History[1].Detail["from"])

	changed := h.pub.ofType(events.EventStatusChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, c.ID, changed[0].ComplaintID)
	assert.Equal(t, int64(1), changed[0].Sequence)
	assert.Equal(t, 2, h.store.appended)

	status, err := h.svc.CurrentStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrange, status)
}

func TestCreateRoutedRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateRouted(context.Background(), RouteInput{Department: " ", Priority: domain.PriorityLow})
	var unknown *domain.UnknownDepartmentError
	require.ErrorAs(t, err, &unknown)

	_, err = h.svc.CreateRouted(context.Background(), RouteInput{Department: "water", Priority: "SOMETIME"})
	require.ErrorIs(t, err, domain.ErrInvalidPriority)

	assert.Empty(t, h.svc.ActiveComplaints())
	assert.Empty(t, h.pub.got)
}

func TestRequestTransitionLifecycle(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)

	for _, target := range []domain.ComplaintStatus{domain.StatusBlue, domain.StatusGreen, domain.StatusBlack} {
		h.step(t, c.ID, target)
	}

	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlack, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.Len(t, got.History, 5)
	assert.Len(t, h.pub.ofType(events.EventStatusChanged), 4)
	assert.Empty(t, h.svc.ActiveComplaints())

	_, err = h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusGreen})
	var terminal *domain.TerminalStateError
	require.ErrorAs(t, err, &terminal)
}

func TestRequestTransitionRejectsSkip(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)

	_, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusGreen})
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusOrange, invalid.From)

	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrange, got.Status)
	assert.Len(t, got.History, 2)
	assert.Len(t, h.pub.got, 1)
}

func TestRequestTransitionUnknownComplaint(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.RequestTransition(context.Background(), "nope", TransitionRequest{Target: domain.StatusBlue})
	require.ErrorIs(t, err, domain.ErrComplaintNotFound)
	_, err = h.svc.GetStatus("nope")
	require.ErrorIs(t, err, domain.ErrComplaintNotFound)
}

func TestConcurrentValidAndStaleTransitions(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t)
		c := h.create(t, "water", domain.PriorityMedium)

		requests := []TransitionRequest{
			{Target: domain.StatusBlue, Actor: "ack-workflow", ExpectedFrom: domain.StatusOrange},
			{Target: domain.StatusGreen, Actor: "resolve-workflow", ExpectedFrom: domain.StatusOrange},
		}
		errs := make([]error, len(requests))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for j, req := range requests {
			wg.Add(1)
			go func(j int, req TransitionRequest) {
				defer wg.Done()
				<-start
				_, errs[j] = h.svc.RequestTransition(context.Background(), c.ID, req)
			}(j, req)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		var invalid *domain.InvalidTransitionError
		require.ErrorAs(t, errs[1], &invalid)

		got, err := h.svc.GetStatus(c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusBlue, got.Status)
		assert.Len(t, got.History, 3)
	}
}

func TestConcurrentDuplicateTransitionsApplyOnce(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "road", domain.PriorityLow)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusBlue, ExpectedFrom: domain.StatusOrange})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 3)
}

func TestReopenKeepsEscalationLevel(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "health", domain.PriorityCritical)

	_, err := h.svc.Reopen(context.Background(), c.ID, "citizen")
	var notTerminal *domain.NotTerminalError
	require.ErrorAs(t, err, &notTerminal)

	// Ack deadline is t0+1h for health; level 1 fires 24h after it.
	_, err = h.svc.Escalate(context.Background(), c.ID, t0.Add(25*time.Hour))
	require.NoError(t, err)
	for _, target := range []domain.ComplaintStatus{domain.StatusBlue, domain.StatusGreen, domain.StatusBlack} {
		h.step(t, c.ID, target)
	}

	reopened, err := h.svc.Reopen(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGreen, reopened.Status)
	assert.Equal(t, 1, reopened.EscalationLevel)
	assert.Nil(t, reopened.ClosedAt)

	last := h.pub.ofType(events.EventStatusChanged)
	payload := last[len(last)-1].Payload.(events.StatusChangedPayload)
	assert.True(t, payload.Reopened)
	assert.Equal(t, 1, payload.EscalationLevel)
}

func TestEscalateCriticalWithoutAcknowledgment(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "unlisted office", domain.PriorityCritical)
	ctx := context.Background()

	d, err := h.svc.Escalate(ctx, c.ID, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, d.None())

	d, err = h.svc.Escalate(ctx, c.ID, t0.Add(26*time.Hour))
	require.NoError(t, err)
	require.True(t, d.Raise)
	assert.Equal(t, 1, d.Level)
	assert.Equal(t, domain.AuthorityDepartmentHead, d.Authority)
	assert.Equal(t, 48*time.Hour, d.ResponseWindow)

	d, err = h.svc.Escalate(ctx, c.ID, t0.Add(26*time.Hour))
	require.NoError(t, err)
	assert.True(t, d.None(), "second evaluation at the same instant is a no-op")

	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Len(t, got.History, 3)

	escalated := h.pub.ofType(events.EventEscalated)
	require.Len(t, escalated, 1)
	payload := escalated[0].Payload.(events.EscalatedPayload)
	assert.Equal(t, "Departmental", payload.Tier)
	assert.Equal(t, int64(2), escalated[0].Sequence)
}

func TestEscalateTimesOutWhileComplaintBusy(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "unlisted office", domain.PriorityCritical)

	h.store.entered = make(chan struct{}, 1)
	h.store.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusBlue})
		done <- err
	}()
	<-h.store.entered

	_, err := h.svc.Escalate(context.Background(), c.ID, t0.Add(30*time.Hour))
	var timeout *domain.EvaluationTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, c.ID, timeout.ComplaintID)

	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.EscalationLevel)
	assert.Equal(t, domain.StatusOrange, got.Status, "in-flight mutation not yet visible")

	close(h.store.block)
	require.NoError(t, <-done)
}

func TestPersistenceFailureAbortsMutation(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)
	h.store.fail = errors.New("disk full")

	_, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusBlue})
	require.Error(t, err)

	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrange, got.Status)
	assert.Len(t, got.History, 2)
	assert.Len(t, h.pub.got, 1)
}

func TestSinkFailureKeepsCommittedState(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)
	h.pub.failing.Store(true)

	updated, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusBlue})
	var unavailable *domain.SinkUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.NotNil(t, updated)
	assert.Equal(t, domain.StatusBlue, updated.Status)
	assert.Equal(t, 1, h.sink.PendingCount())

	h.pub.failing.Store(false)
	n, err := h.sink.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.pub.ofType(events.EventStatusChanged), 2)
}

func TestAdjustTimeline(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)
	ctx := context.Background()

	tooEarly := c.AckDeadline.Add(-time.Minute)
	_, err := h.svc.AdjustTimeline(ctx, c.ID, TimelineAdjustment{ResolutionDeadline: &tooEarly})
	require.ErrorIs(t, err, domain.ErrInvalidTimeline)

	later := c.ResolutionStretch.Add(24 * time.Hour)
	updated, err := h.svc.AdjustTimeline(ctx, c.ID, TimelineAdjustment{ResolutionDeadline: &later, Actor: "commissioner", Reason: "monsoon"})
	require.NoError(t, err)
	assert.Equal(t, later, updated.ResolutionDeadline)
	assert.Equal(t, later, updated.ResolutionStretch)
	last := updated.History[len(updated.History)-1]
	assert.Equal(t, domain.HistoryTimelineAdjusted, last.Kind)
	assert.Equal(t, "commissioner", last.Actor)
	assert.Len(t, h.pub.got, 1, "timeline adjustments emit no event")

	for _, target := range []domain.ComplaintStatus{domain.StatusBlue, domain.StatusGreen, domain.StatusBlack} {
		h.step(t, c.ID, target)
	}
	_, err = h.svc.AdjustTimeline(ctx, c.ID, TimelineAdjustment{ResolutionDeadline: &later})
	var terminal *domain.TerminalStateError
	require.ErrorAs(t, err, &terminal)
}

func TestListOverdueAndStats(t *testing.T) {
	h := newHarness(t)
	critical := h.create(t, "unlisted office", domain.PriorityCritical)
	high := h.create(t, "water", domain.PriorityHigh)
	low := h.create(t, "road", domain.PriorityLow)
	closed := h.create(t, "water", domain.PriorityCritical)
	for _, target := range []domain.ComplaintStatus{domain.StatusBlue, domain.StatusGreen, domain.StatusBlack} {
		h.step(t, closed.ID, target)
	}

	now := t0.Add(20 * time.Hour)
	overdue := h.svc.ListOverdue(now)
	require.Len(t, overdue, 2)
	assert.Equal(t, critical.ID, overdue[0].ID, "most overdue first")
	assert.Equal(t, high.ID, overdue[1].ID)

	stats := h.svc.Stats(now)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Overdue)
	assert.Equal(t, 3, stats.ByStatus[domain.StatusOrange])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusBlack])
	assert.Equal(t, 0, stats.ByStatus[domain.StatusRed])
	assert.Equal(t, 4, stats.ByEscalationLevel[0])
	assert.Equal(t, domain.DepartmentStats{Active: 1, Overdue: 1, Resolved: 1}, stats.ByDepartment["water"])
	assert.Equal(t, domain.DepartmentStats{Active: 1}, stats.ByDepartment["road"])

	active := h.svc.ActiveComplaints()
	assert.ElementsMatch(t, []string{critical.ID, high.ID, low.ID}, active)
}

func TestRestoreLoadsPersistedComplaints(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)
	h.step(t, c.ID, domain.StatusBlue)

	fresh := NewComplaintService(ComplaintDependencies{
		Calculator: h.svc.calc,
		Ladder:     h.svc.ladder,
		Store:      h.store,
	})
	n, err := fresh.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := fresh.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlue, got.Status)
	assert.Len(t, got.History, 3)

	n, err = fresh.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEmitSkipsClosedComplaints(t *testing.T) {
	h := newHarness(t)
	open := h.create(t, "water", domain.PriorityHigh)
	closed := h.create(t, "water", domain.PriorityHigh)
	for _, target := range []domain.ComplaintStatus{domain.StatusBlue, domain.StatusGreen, domain.StatusBlack} {
		h.step(t, closed.ID, target)
	}

	build := func(c *domain.Complaint) (events.Event, bool) {
		return events.Event{Type: events.EventReminderDue, Payload: events.ReminderDuePayload{Status: c.Status}}, true
	}
	sent, err := h.svc.Emit(context.Background(), open.ID, build)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = h.svc.Emit(context.Background(), closed.ID, build)
	require.NoError(t, err)
	assert.False(t, sent)

	reminders := h.pub.ofType(events.EventReminderDue)
	require.Len(t, reminders, 1)
	assert.Equal(t, open.ID, reminders[0].ComplaintID)
}

func TestMutationTimeoutReleasesComplaint(t *testing.T) {
	h := newHarness(t)
	h.svc.mutTimeout = 50 * time.Millisecond
	c := h.create(t, "water", domain.PriorityHigh)

	h.store.block = make(chan struct{})
	_, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusBlue})
	var timeout *domain.EvaluationTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := h.svc.GetStatus(c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOrange, got.Status)

	h.store.block = nil
	h.step(t, c.ID, domain.StatusBlue)
	assert.Len(t, h.pub.ofType(events.EventStatusChanged), 2)
}

func TestAlertGoesOutWhileComplaintHeld(t *testing.T) {
	h := newHarness(t)
	c := h.create(t, "water", domain.PriorityHigh)

	h.store.entered = make(chan struct{}, 1)
	h.store.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.RequestTransition(context.Background(), c.ID, TransitionRequest{Target: domain.StatusBlue})
		done <- err
	}()
	<-h.store.entered

	build := func(cur *domain.Complaint) (events.Event, bool) {
		return events.Event{
			Type:    events.EventDeadlineApproaching,
			Payload: events.DeadlineApproachingPayload{Department: cur.Department, Alert: events.AlertEvaluationDegraded},
		}, true
	}
	_, err := h.svc.Emit(context.Background(), c.ID, build)
	var timeout *domain.EvaluationTimeoutError
	require.ErrorAs(t, err, &timeout, "token-holding emit waits behind the stalled save")

	sent, err := h.svc.Alert(context.Background(), c.ID, build)
	require.NoError(t, err)
	assert.True(t, sent)

	close(h.store.block)
	require.NoError(t, <-done)

	alerts := h.pub.ofType(events.EventDeadlineApproaching)
	require.Len(t, alerts, 1)
	assert.Equal(t, c.ID, alerts[0].ComplaintID)
	assert.Equal(t, int64(2), alerts[0].Sequence)
	changed := h.pub.ofType(events.EventStatusChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, int64(3), changed[1].Sequence)
}

func TestListStuckAndStats(t *testing.T) {
	h := newHarness(t)
	orange := h.create(t, "water", domain.PriorityLow)
	blue := h.create(t, "road", domain.PriorityLow)
	moving := h.create(t, "water", domain.PriorityLow)

	h.clock.Set(t0.Add(10 * time.Hour))
	h.step(t, blue.ID, domain.StatusBlue)
	h.step(t, moving.ID, domain.StatusBlue)
	h.step(t, moving.ID, domain.StatusGreen)

	assert.Empty(t, h.svc.ListStuck(t0.Add(72*time.Hour)), "exactly at the threshold is not stuck")

	stuck := h.svc.ListStuck(t0.Add(80 * time.Hour))
	require.Len(t, stuck, 1)
	assert.Equal(t, orange.ID, stuck[0].ID)

	now := t0.Add(90 * time.Hour)
	stuck = h.svc.ListStuck(now)
	require.Len(t, stuck, 2)
	assert.Equal(t, orange.ID, stuck[0].ID, "longest stalled first")
	assert.Equal(t, blue.ID, stuck[1].ID)

	stats := h.svc.Stats(now)
	assert.Equal(t, 2, stats.Stuck)
	assert.Equal(t, 1, stats.ByDepartment["water"].Stuck)
	assert.Equal(t, 1, stats.ByDepartment["road"].Stuck)
	assert.Equal(t, 72*time.Hour, h.svc.StuckAfter())
}
