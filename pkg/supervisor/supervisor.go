// Package supervisor is the entry point for running untrusted code.
//
// A Supervisor accepts one mission at a time. Each mission gets its own
// relay and executor pair and a watchdog: if no status report arrives within
// the deadline since the last one, the pair is torn down, a timeout marker is
// appended to whatever output was captured and the completion callback still
// fires. A fresh pair is provisioned right away, so the supervisor is always
// ready for the next mission.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docker/execops/pkg/executor"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/relay"
	"github.com/docker/execops/pkg/telemetry"
)

var (
	ErrBusy            = errors.New("a mission is already running")
	ErrUnavailable     = errors.New("supervisor unavailable: no execution pair")
	ErrClosed          = errors.New("supervisor closed")
	ErrInvalidDeadline = errors.New("deadline must be positive")
)

const (
	DefaultDeadline    = time.Second
	DefaultMaxLifetime = 10 * time.Second
	DefaultDrainGrace  = 250 * time.Millisecond

	TimeoutMarker  = "Error: Code timed out. Possible infinite loop.\n"
	LifetimeMarker = "Error: Mission exceeded maximum lifetime.\n"
	CancelMarker   = "Error: Execution ended by caller.\n"
	CloseMarker    = "Error: Supervisor closed.\n"
)

// State is where the supervisor stands in the lifecycle of a mission.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAsyncPending
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateAsyncPending:
		return "async_pending"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// run is the bookkeeping of the active mission.
type run struct {
	m       mission.Mission
	pair    *pair
	started time.Time
	rearms  int
	failed  bool

	// Set once teardown has been ordered.
	draining bool
	outcome  mission.Outcome
	marker   string

	lifetime *time.Timer
	drain    *time.Timer
	span     trace.Span
	done     chan struct{}
}

type Supervisor struct {
	spawn          Spawner
	executorConfig executor.Config
	onComplete     func(mission.Result)
	onFatal        func(error)
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
	maxOutputBytes int

	ctx        context.Context
	cancel     context.CancelFunc
	events     chan relay.Event
	dispatched chan struct{}

	mu          sync.Mutex
	deadline    time.Duration
	maxLifetime time.Duration
	drainGrace  time.Duration
	nextID      int64
	pair        *pair
	active      *run
	state       State
	fatal       error
	closed      bool

	// watchdog is the single armed timer; seq identifies the latest arm.
	watchdog *time.Timer
	seq      uint64
}

// New creates a supervisor and provisions its first execution pair.
func New(opts ...Opt) (*Supervisor, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		executorConfig: executor.DefaultConfig(),
		tracer:         otel.Tracer("github.com/docker/execops/pkg/supervisor"),
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan relay.Event, 64),
		dispatched:     make(chan struct{}),
		deadline:       DefaultDeadline,
		maxLifetime:    DefaultMaxLifetime,
		drainGrace:     DefaultDrainGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawn == nil {
		s.spawn = executorSpawner(s.executorConfig)
	}

	p, err := s.provision()
	if err != nil {
		cancel()
		return nil, err
	}
	s.pair = p

	go s.dispatch()
	return s, nil
}

// Submit starts a mission and returns its id without waiting for it to
// finish. The result is delivered to the completion callback.
func (s *Supervisor) Submit(ctx context.Context, code string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return 0, ErrClosed
	case s.fatal != nil:
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, s.fatal)
	case s.active != nil:
		return 0, ErrBusy
	case s.pair == nil:
		return 0, ErrUnavailable
	}

	s.nextID++
	m := mission.Mission{ID: s.nextID, Payload: code, Deadline: s.deadline}

	_, span := s.tracer.Start(ctx, "mission",
		trace.WithAttributes(
			attribute.Int64("mission.id", m.ID),
			attribute.Int64("mission.deadline_ms", m.Deadline.Milliseconds()),
		))

	r := &run{
		m:       m,
		pair:    s.pair,
		started: time.Now(),
		span:    span,
		done:    make(chan struct{}),
	}
	s.pair = nil

	if err := r.pair.relay.Relay(m); err != nil {
		span.RecordError(err)
		span.End()
		r.pair.teardown()
		s.replace()
		return 0, fmt.Errorf("relaying mission %d: %w", m.ID, err)
	}

	s.active = r
	s.state = StateRunning
	s.arm(r)
	if s.maxLifetime > 0 {
		id := m.ID
		r.lifetime = time.AfterFunc(s.maxLifetime, func() { s.expireLifetime(id) })
	}

	slog.Debug("Mission submitted", "mission", m.ID, "deadline", m.Deadline)
	return m.ID, nil
}

// Cancel ends the active mission the way a watchdog expiry would, with
// marker appended to its output instead of the timeout notice. It reports
// whether a mission was cancelled.
func (s *Supervisor) Cancel(marker string) bool {
	if marker == "" {
		marker = CancelMarker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if r == nil || r.draining {
		return false
	}
	s.abort(r, mission.OutcomeCancelled, marker)
	return true
}

// CancelMission is Cancel restricted to mission id: a mission that already
// ended, or one that is not current, is left alone.
func (s *Supervisor) CancelMission(id int64, marker string) bool {
	if marker == "" {
		marker = CancelMarker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if r == nil || r.m.ID != id || r.draining {
		return false
	}
	s.abort(r, mission.OutcomeCancelled, marker)
	return true
}

// SetDeadline changes the deadline of the missions submitted afterwards.
func (s *Supervisor) SetDeadline(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDeadline
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = d
	return nil
}

func (s *Supervisor) Deadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Active reports whether a mission is in flight.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close cancels the active mission, waits for its completion callback and
// releases the idle pair. Later submissions fail with ErrClosed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	var wait chan struct{}
	if r := s.active; r != nil {
		if !r.draining {
			s.abort(r, mission.OutcomeCancelled, CloseMarker)
		}
		wait = r.done
	}
	s.mu.Unlock()

	if wait != nil {
		<-wait
	}

	s.mu.Lock()
	p := s.pair
	s.pair = nil
	s.mu.Unlock()
	if p != nil {
		p.teardown()
	}

	s.cancel()
	<-s.dispatched
	slog.Debug("Supervisor closed")
}

// dispatch reads every relay event. Events whose mission is not the active
// one are stale and dropped.
func (s *Supervisor) dispatch() {
	defer close(s.dispatched)

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.mu.Lock()
			c := s.handle(ev)
			s.mu.Unlock()
			c.deliver()
		}
	}
}

func (s *Supervisor) handle(ev relay.Event) *completion {
	r := s.active
	if r == nil || ev.MissionID != r.m.ID {
		s.metrics.StaleResult()
		slog.Debug("Dropping stale relay event", "mission", ev.MissionID, "kind", ev.Kind)
		return nil
	}

	if ev.Kind == relay.EventRecords {
		if !r.draining || !ev.Final {
			return nil
		}
		return s.finalize(r, ev.Records, ev.Truncated)
	}

	if r.draining {
		return nil
	}

	switch ev.Status {
	case mission.KindAsync:
		s.rearm(r)
		s.state = StateAsyncPending
	case mission.KindSuccess, mission.KindFailure:
		if ev.Status == mission.KindFailure {
			r.failed = true
		}
		if ev.Pending > 0 {
			s.rearm(r)
			s.state = StateAsyncPending
			return nil
		}
		outcome := mission.OutcomeCompleted
		if r.failed {
			outcome = mission.OutcomeFailed
		}
		s.teardown(r, outcome, "")
	}
	return nil
}

// abort forcibly ends r with marker appended to its output.
func (s *Supervisor) abort(r *run, outcome mission.Outcome, marker string) {
	slog.Info("Aborting mission", "mission", r.m.ID, "outcome", outcome)
	s.teardown(r, outcome, marker)
}

// teardown stops the watchdog, terminates the pair and waits, bounded by
// the drain grace, for the relay to hand over its vault.
func (s *Supervisor) teardown(r *run, outcome mission.Outcome, marker string) {
	s.disarm()
	if r.lifetime != nil {
		r.lifetime.Stop()
	}

	r.draining = true
	r.outcome = outcome
	r.marker = marker
	s.state = StateDraining

	r.pair.teardown()

	id := r.m.ID
	r.drain = time.AfterFunc(s.drainGrace, func() { s.expireDrain(id) })
}

func (s *Supervisor) expireDrain(id int64) {
	s.mu.Lock()
	r := s.active
	if r == nil || r.m.ID != id || !r.draining {
		s.mu.Unlock()
		return
	}
	slog.Warn("Relay did not hand over its vault in time", "mission", id)
	c := s.finalize(r, nil, false)
	s.mu.Unlock()
	c.deliver()
}

func (s *Supervisor) expireLifetime(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if r == nil || r.m.ID != id || r.draining {
		return
	}
	s.abort(r, mission.OutcomeTimedOut, LifetimeMarker)
}

// completion is what must happen once the lock is released.
type completion struct {
	result     mission.Result
	onComplete func(mission.Result)
	fatal      error
	onFatal    func(error)
	done       chan struct{}
}

func (c *completion) deliver() {
	if c == nil {
		return
	}
	if c.fatal != nil && c.onFatal != nil {
		c.onFatal(c.fatal)
	}
	if c.onComplete != nil {
		c.onComplete(c.result)
	}
	close(c.done)
}

// finalize builds the result of r, returns the supervisor to idle and
// provisions the next pair.
func (s *Supervisor) finalize(r *run, records []string, truncated bool) *completion {
	if r.drain != nil {
		r.drain.Stop()
	}

	var out strings.Builder
	for _, rec := range records {
		out.WriteString(rec)
	}
	out.WriteString(r.marker)

	duration := time.Since(r.started)
	res := mission.Result{
		MissionID: r.m.ID,
		Output:    out.String(),
		Outcome:   r.outcome,
		Started:   r.started,
		Duration:  duration,
		Rearms:    r.rearms,
		Truncated: truncated,
	}

	r.span.SetAttributes(
		attribute.String("mission.outcome", string(r.outcome)),
		attribute.Int("mission.rearms", r.rearms),
	)
	if r.outcome != mission.OutcomeCompleted {
		r.span.SetStatus(codes.Error, string(r.outcome))
	}
	r.span.End()

	s.metrics.MissionFinished(r.outcome, duration)
	slog.Debug("Mission finalized", "mission", r.m.ID, "outcome", r.outcome, "duration", duration)

	s.active = nil
	s.state = StateIdle
	if !s.closed {
		s.replace()
	}

	return &completion{
		result:     res,
		onComplete: s.onComplete,
		fatal:      s.fatal,
		onFatal:    s.onFatal,
		done:       r.done,
	}
}

// replace provisions the pair for the next mission. Failing to do so leaves
// the supervisor unable to honor any later submission.
func (s *Supervisor) replace() {
	p, err := s.provision()
	if err != nil {
		s.fatal = err
		slog.Error("Failed to provision a replacement execution pair", "error", err)
		return
	}
	s.pair = p
}
