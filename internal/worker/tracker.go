package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/escalation"
	"github.com/spec-kit/complaint-engine/internal/events"
	"github.com/spec-kit/complaint-engine/internal/observability"
)

const (
	defaultTickInterval    = time.Minute
	defaultReminderCadence = 7 * 24 * time.Hour
	defaultLeadTime        = 2 * time.Hour
	defaultConcurrency     = 8
	defaultDegradedAfter   = 3
	defaultStuckAfter      = 72 * time.Hour
)

// Engine is the slice of the complaint service the tracker drives.
type Engine interface {
	ActiveComplaints() []string
	GetStatus(id string) (*domain.Complaint, error)
	Escalate(ctx context.Context, id string, now time.Time) (escalation.Decision, error)
	Emit(ctx context.Context, id string, build func(c *domain.Complaint) (events.Event, bool)) (bool, error)
	Alert(ctx context.Context, id string, build func(c *domain.Complaint) (events.Event, bool)) (bool, error)
}

// Flusher retries buffered events.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

type TrackerConfig struct {
	TickInterval    time.Duration
	ReminderCadence time.Duration
	LeadTime        time.Duration
	Concurrency     int
	DegradedAfter   int
	StuckAfter      time.Duration
}

// Tracker is the engine's heartbeat. Each sweep escalates overdue
// complaints, sends periodic citizen reminders, warns ahead of deadlines and
// flags complaints that stopped moving.
type Tracker struct {
	engine  Engine
	flusher Flusher
	guard   SweepGuard
	cfg     TrackerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	Now     func() time.Time

	mu   sync.Mutex
	book map[string]*trackState

	sweepMu sync.Mutex
	cron    *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
}

// trackState fields are only touched by the goroutine holding the
// complaint's guard; t.mu protects the book map itself.
type trackState struct {
	lastReminder time.Time
	warned       map[events.DeadlineKind]time.Time
	failures     int
	alerted      bool
	// stuckSince is the LastTransitionAt a stuck alert was raised for.
	stuckSince time.Time
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Flushed   int
	Evaluated int
	Skipped   int
	Escalated int
	Reminders int
	Warnings  int
	Stuck     int
	Failures  int
	Alerts    int
}

func NewTracker(engine Engine, flusher Flusher, guard SweepGuard, cfg TrackerConfig, logger *zap.Logger, metrics *observability.Metrics) *Tracker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.ReminderCadence <= 0 {
		cfg.ReminderCadence = defaultReminderCadence
	}
	if cfg.LeadTime < 0 {
		cfg.LeadTime = defaultLeadTime
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = defaultDegradedAfter
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	if guard == nil {
		guard = NewLocalGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		engine:  engine,
		flusher: flusher,
		guard:   guard,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		Now:     func() time.Time { return time.Now().UTC() },
		book:    make(map[string]*trackState),
	}
}

// Start schedules sweeps every TickInterval. A tick that fires while the
// previous sweep is still running is skipped.
func (t *Tracker) Start(ctx context.Context) {
	t.runCtx, t.cancel = context.WithCancel(ctx)
	cronLog := cronLogger{t.logger.Sugar()}
	t.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	t.cron.Schedule(cron.Every(t.cfg.TickInterval), cron.FuncJob(func() {
		report, err := t.Sweep(t.runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("sweep ended early", zap.Error(err))
		}
		t.logger.Debug("sweep finished",
			zap.Int("evaluated", report.Evaluated),
			zap.Int("escalated", report.Escalated),
			zap.Int("failures", report.Failures),
			zap.Duration("duration", report.Duration))
	}))
	t.cron.Start()
	t.logger.Info("tracker started", zap.Duration("tick", t.cfg.TickInterval))
}

// Stop cancels the running sweep, which stops at the next complaint
// boundary, and waits for it to return or for ctx to expire.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cron == nil {
		return nil
	}
	t.cancel()
	done := t.cron.Stop()
	select {
	case <-done.Done():
		t.logger.Info("tracker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass over every active complaint. Per-complaint failures
// are counted, never returned; the error is non-nil only when ctx ends the
// sweep early.
func (t *Tracker) Sweep(ctx context.Context) (SweepReport, error) {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()

	now := t.Now()
	report := SweepReport{StartedAt: now}
	start := time.Now()

	if t.flusher != nil {
		n, err := t.flusher.Flush(ctx)
		report.Flushed = n
		if err != nil {
			t.logger.Warn("buffered events not delivered", zap.Error(err))
		}
	}

	ids := t.engine.ActiveComplaints()
	t.prune(ids)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(t.cfg.Concurrency)
	var stopErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		id := id
		g.Go(func() error {
			out := t.track(ctx, id, now)
			mu.Lock()
			report.add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	t.metrics.RecordSweep(report.Duration, report.Evaluated)
	return report, stopErr
}

type outcome struct {
	skipped   bool
	escalated bool
	reminder  bool
	warnings  int
	stuck     bool
	failed    bool
	alerted   bool
}

func (r *SweepReport) add(o outcome) {
	if o.skipped {
		r.Skipped++
		return
	}
	r.Evaluated++
	if o.escalated {
		r.Escalated++
	}
	if o.reminder {
		r.Reminders++
	}
	r.Warnings += o.warnings
	if o.stuck {
		r.Stuck++
	}
	if o.failed {
		r.Failures++
	}
	if o.alerted {
		r.Alerts++
	}
}

func (t *Tracker) track(ctx context.Context, id string, now time.Time) outcome {
	release, ok, err := t.guard.Acquire(ctx, id)
	if err != nil {
		t.logger.Warn("sweep guard unavailable", zap.String("complaint_id", id), zap.Error(err))
		return t.fail(ctx, id, now, err)
	}
	if !ok {
		return outcome{skipped: true}
	}
	defer release()

	c, err := t.engine.GetStatus(id)
	if err != nil || c.Status.Terminal() {
		return outcome{skipped: true}
	}

	var out outcome
	var errs []error

	d, err := t.engine.Escalate(ctx, id, now)
	if err != nil && !isBuffered(err) {
		errs = append(errs, err)
	} else if d.Raise {
		out.escalated = true
	}

	sent, err := t.remind(ctx, id, c, now)
	if err != nil {
		errs = append(errs, err)
	}
	out.reminder = sent

	n, err := t.warn(ctx, id, c, now)
	if err != nil {
		errs = append(errs, err)
	}
	out.warnings = n

	stuck, err := t.flagStuck(ctx, id, c, now)
	if err != nil {
		errs = append(errs, err)
	}
	out.stuck = stuck

	if len(errs) > 0 {
		failed := t.fail(ctx, id, now, errors.Join(errs...))
		failed.escalated, failed.reminder, failed.warnings, failed.stuck = out.escalated, out.reminder, out.warnings, out.stuck
		return failed
	}
	st := t.state(id)
	st.failures, st.alerted = 0, false
	return out
}

func (t *Tracker) remind(ctx context.Context, id string, c *domain.Complaint, now time.Time) (bool, error) {
	st := t.state(id)
	base := st.lastReminder
	if base.IsZero() {
		base = c.CreatedAt
	}
	if now.Sub(base) < t.cfg.ReminderCadence {
		return false, nil
	}
	sent, err := t.engine.Emit(ctx, id, func(cur *domain.Complaint) (events.Event, bool) {
		payload := events.ReminderDuePayload{
			Status:     cur.Status,
			Department: cur.Department,
			DaysOpen:   int(now.Sub(cur.CreatedAt).Hours() / 24),
		}
		if !st.lastReminder.IsZero() {
			last := st.lastReminder
			payload.LastReminderAt = &last
		}
		return events.Event{Type: events.EventReminderDue, Actor: "tracker", Timestamp: now, Payload: payload}, true
	})
	if err != nil && !isBuffered(err) {
		return false, err
	}
	if sent {
		st.lastReminder = now
	}
	return sent, nil
}

func (t *Tracker) warn(ctx context.Context, id string, c *domain.Complaint, now time.Time) (int, error) {
	type due struct {
		kind events.DeadlineKind
		at   time.Time
	}
	var candidates []due
	if c.Status == domain.StatusRed || c.Status == domain.StatusOrange {
		candidates = append(candidates, due{events.DeadlineAcknowledgment, c.AckDeadline})
	}
	candidates = append(candidates, due{events.DeadlineResolution, c.ResolutionDeadline})

	st := t.state(id)
	sent := 0
	for _, cand := range candidates {
		remaining := cand.at.Sub(now)
		if remaining <= 0 || remaining > t.cfg.LeadTime {
			continue
		}
		if st.warned[cand.kind].Equal(cand.at) {
			continue
		}
		ok, err := t.engine.Emit(ctx, id, func(cur *domain.Complaint) (events.Event, bool) {
			return events.Event{
				Type:      events.EventDeadlineApproaching,
				Actor:     "tracker",
				Timestamp: now,
				Payload: events.DeadlineApproachingPayload{
					Deadline:   cand.kind,
					DueAt:      cand.at,
					Remaining:  remaining.String(),
					Department: cur.Department,
				},
			}, true
		})
		if err != nil && !isBuffered(err) {
			return sent, err
		}
		if ok {
			st.warned[cand.kind] = cand.at
			sent++
		}
	}
	return sent, nil
}

// flagStuck raises one stuck alert per stall of an ORANGE or BLUE complaint.
// A later status change starts a new stall.
func (t *Tracker) flagStuck(ctx context.Context, id string, c *domain.Complaint, now time.Time) (bool, error) {
	stalled := c.StalledFor(now)
	if stalled <= t.cfg.StuckAfter {
		return false, nil
	}
	st := t.state(id)
	if st.stuckSince.Equal(c.LastTransitionAt) {
		return false, nil
	}
	sent, err := t.engine.Emit(ctx, id, func(cur *domain.Complaint) (events.Event, bool) {
		if !cur.LastTransitionAt.Equal(c.LastTransitionAt) {
			return events.Event{}, false
		}
		return events.Event{
			Type:      events.EventDeadlineApproaching,
			Actor:     "tracker",
			Timestamp: now,
			Payload: events.DeadlineApproachingPayload{
				Department: cur.Department,
				Alert:      events.AlertStuck,
				Status:     cur.Status,
				StalledFor: stalled.String(),
			},
		}, true
	})
	if err != nil && !isBuffered(err) {
		return false, err
	}
	if sent {
		st.stuckSince = c.LastTransitionAt
		t.logger.Warn("complaint stuck",
			zap.String("complaint_id", id),
			zap.String("status", string(c.Status)),
			zap.Duration("stalled_for", stalled))
	}
	return sent, nil
}

// fail counts a failed evaluation and raises the standing alert once the
// complaint has failed DegradedAfter sweeps in a row. The alert bypasses the
// complaint's token since a held token is a common cause of the failures.
func (t *Tracker) fail(ctx context.Context, id string, now time.Time, cause error) outcome {
	out := outcome{failed: true}
	reason := "error"
	var timeout *domain.EvaluationTimeoutError
	if errors.As(cause, &timeout) {
		reason = "timeout"
	} else {
		// Timeouts are counted by the engine itself.
		t.metrics.RecordEvaluationFailure(reason)
	}
	t.logger.Warn("complaint evaluation failed", zap.String("complaint_id", id), zap.String("reason", reason), zap.Error(cause))

	st := t.state(id)
	st.failures++
	failures := st.failures
	if failures < t.cfg.DegradedAfter || st.alerted {
		return out
	}
	sent, err := t.engine.Alert(ctx, id, func(cur *domain.Complaint) (events.Event, bool) {
		return events.Event{
			Type:      events.EventDeadlineApproaching,
			Actor:     "tracker",
			Timestamp: now,
			Payload: events.DeadlineApproachingPayload{
				Department: cur.Department,
				Alert:      events.AlertEvaluationDegraded,
				Failures:   failures,
				LastError:  cause.Error(),
			},
		}, true
	})
	if err != nil && !isBuffered(err) {
		t.logger.Error("standing alert not raised", zap.String("complaint_id", id), zap.Error(err))
		return out
	}
	if sent {
		st.alerted = true
		out.alerted = true
		t.logger.Error("complaint evaluation degraded", zap.String("complaint_id", id), zap.Int("failures", failures))
	}
	return out
}

func (t *Tracker) state(id string) *trackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.book[id]
	if !ok {
		st = &trackState{warned: make(map[events.DeadlineKind]time.Time)}
		t.book[id] = st
	}
	return st
}

// prune forgets complaints that are no longer active.
func (t *Tracker) prune(active []string) {
	keep := make(map[string]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.book {
		if _, ok := keep[id]; !ok {
			delete(t.book, id)
		}
	}
}

func isBuffered(err error) bool {
	var unavailable *domain.SinkUnavailableError
	return errors.As(err, &unavailable)
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
