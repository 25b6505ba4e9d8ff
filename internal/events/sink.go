package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/complaint-engine/internal/domain"
	"github.com/spec-kit/complaint-engine/internal/observability"
)

// Sink is the append-only event log. Appends for one complaint are
// serialized and numbered; different complaints never contend. Delivery to
// each publisher is in order per complaint: once an event is buffered, later
// events for the same complaint queue behind it. A Fanout is unpacked and
// delivery is tracked per member, so a retry only reaches the publishers
// that missed the event.
type Sink struct {
	targets   []Publisher
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu      sync.Mutex
	lanes   map[string]*lane
	backlog atomic.Int64
}

type lane struct {
	mu      sync.Mutex
	seq     int64
	log     []Event
	pending []*delivery
}

// delivery is a buffered event and the publishers that already have it.
type delivery struct {
	event Event
	done  []bool
}

// NewSink returns a sink delivering to publisher. A nil publisher only records.
func NewSink(publisher Publisher, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	var targets []Publisher
	switch p := publisher.(type) {
	case nil:
	case Fanout:
		for _, member := range p {
			if member != nil {
				targets = append(targets, member)
			}
		}
	default:
		targets = []Publisher{p}
	}
	return &Sink{
		targets:   targets,
		timeout:   timeout,
		logger:    logger,
		metrics:   metrics,
		lanes:     make(map[string]*lane),
	}
}

func (s *Sink) lane(complaintID string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[complaintID]
	if !ok {
		l = &lane{}
		s.lanes[complaintID] = l
	}
	return l
}

// Append records the event and attempts delivery. The returned event carries
// its assigned ID and sequence. When delivery fails the event stays buffered
// and a *domain.SinkUnavailableError is returned.
func (s *Sink) Append(ctx context.Context, event Event) (Event, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l := s.lane(event.ComplaintID)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event.Sequence = l.seq
	l.log = append(l.log, event)
	l.pending = append(l.pending, &delivery{event: event, done: make([]bool, len(s.targets))})
	s.backlog.Add(1)

	err := s.drain(ctx, l)
	s.metrics.SetSinkBacklog(s.PendingCount())
	if err != nil {
		s.metrics.RecordEvent(string(event.Type), "buffered")
		return event, &domain.SinkUnavailableError{ComplaintID: event.ComplaintID, EventID: event.ID, Err: err}
	}
	return event, nil
}

// drain delivers buffered events in order and stops at the first event some
// publisher still rejects. The caller holds l.mu.
func (s *Sink) drain(ctx context.Context, l *lane) error {
	for len(l.pending) > 0 {
		next := l.pending[0]
		if err := s.deliver(ctx, next); err != nil {
			return err
		}
		l.pending = l.pending[1:]
		s.backlog.Add(-1)
		s.metrics.RecordEvent(string(next.event.Type), "published")
	}
	l.pending = nil
	return nil
}

// deliver publishes to every target that has not accepted the event yet.
func (s *Sink) deliver(ctx context.Context, d *delivery) error {
	var errs []error
	for i, target := range s.targets {
		if d.done[i] {
			continue
		}
		if err := s.publish(ctx, target, d.event); err != nil {
			errs = append(errs, err)
			continue
		}
		d.done[i] = true
	}
	return errors.Join(errs...)
}

func (s *Sink) publish(ctx context.Context, target Publisher, event Event) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return target.Publish(ctx, event)
}

// Flush retries buffered events for every complaint. It returns how many
// events were delivered and the joined errors of lanes that still fail.
func (s *Sink) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.lanes))
	lanes := make(map[string]*lane, len(s.lanes))
	for id, l := range s.lanes {
		ids = append(ids, id)
		lanes[id] = l
	}
	s.mu.Unlock()
	sort.Strings(ids)

	delivered := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		l := lanes[id]
		l.mu.Lock()
		before := len(l.pending)
		if before == 0 {
			l.mu.Unlock()
			continue
		}
		err := s.drain(ctx, l)
		delivered += before - len(l.pending)
		l.mu.Unlock()
		if err != nil {
			s.logger.Warn("event delivery still failing", zap.String("complaint_id", id), zap.Error(err))
			errs = append(errs, &domain.SinkUnavailableError{ComplaintID: id, Err: err})
		}
	}
	s.metrics.SetSinkBacklog(s.PendingCount())
	return delivered, errors.Join(errs...)
}

// Events returns a copy of the complaint's event log in sequence order.
func (s *Sink) Events(complaintID string) []Event {
	s.mu.Lock()
	l, ok := s.lanes[complaintID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.log...)
}

// PendingCount returns the number of buffered, undelivered events.
func (s *Sink) PendingCount() int {
	return int(s.backlog.Load())
}
