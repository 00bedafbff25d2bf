// Package relay mediates between one executor and the supervisor.
//
// A Relay owns the receive end of an executor's side channel and the vault,
// the ordered buffer of output fragments produced by the current mission.
// Status reports are forwarded upward as soon as they arrive; output is only
// delivered when the supervisor asks for it with Flush or Burn.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/docker/execops/pkg/mission"
)

var (
	ErrAlreadyConnected = errors.New("relay already connected")
	ErrAlreadyAttached  = errors.New("relay already attached to an executor")
	ErrNotWired         = errors.New("relay is not wired")
	ErrBurned           = errors.New("relay burned")
)

// TruncationMarker is appended to the vault once MaxOutputBytes is reached.
const TruncationMarker = "Error: Output limit exceeded, further output discarded.\n"

// EventKind tells the supervisor what an Event carries.
type EventKind int

const (
	// EventStatus forwards one status report of the executor.
	EventStatus EventKind = iota
	// EventRecords carries a flushed vault.
	EventRecords
)

// Event travels from a relay up to the supervisor.
type Event struct {
	Kind      EventKind
	MissionID int64

	// Set for EventStatus.
	Status  mission.Kind
	Pending int
	Err     string

	// Set for EventRecords.
	Records   []string
	Truncated bool
	Final     bool
}

// Target is the executor missions are relayed to.
type Target interface {
	Execute(m mission.Mission) error
}

type Opt func(*Relay)

// WithMaxOutputBytes bounds the size of the vault. Zero means unbounded.
func WithMaxOutputBytes(n int) Opt {
	return func(r *Relay) {
		r.maxOutputBytes = n
	}
}

// WithCommandBuffer sets how many commands may be queued before callers block.
func WithCommandBuffer(n int) Opt {
	return func(r *Relay) {
		if n > 0 {
			r.commandBuffer = n
		}
	}
}

// Relay is one relay goroutine together with its vault.
type Relay struct {
	ctx            context.Context
	maxOutputBytes int
	commandBuffer  int

	commands chan func()
	done     chan struct{}

	mu        sync.Mutex
	connected bool
	attached  bool
	burning   bool

	// Owned by the relay goroutine.
	up        chan<- Event
	side      <-chan mission.Report
	target    Target
	missionID int64
	vault     []string
	size      int
	truncated bool
	burned    bool
}

// New starts a relay goroutine that lives until Burn is processed or ctx ends.
func New(ctx context.Context, opts ...Opt) *Relay {
	r := &Relay{
		ctx:           ctx,
		commandBuffer: 16,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.commands = make(chan func(), r.commandBuffer)

	go r.loop()
	return r
}

// Connect wires the upward channel to the supervisor.
func (r *Relay) Connect(up chan<- Event) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return ErrAlreadyConnected
	}
	r.connected = true
	r.mu.Unlock()

	return r.post(func() { r.up = up })
}

// AttachExecutorChannel wires the side channel of an executor and the
// executor itself, which receives the missions passed to Relay.
func (r *Relay) AttachExecutorChannel(side <-chan mission.Report, target Target) error {
	r.mu.Lock()
	if r.attached {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	r.attached = true
	r.mu.Unlock()

	return r.post(func() {
		r.side = side
		r.target = target
	})
}

// Relay forwards a mission down to the executor and remembers its id, so
// the next flush can be matched to it. A mission the executor refuses is
// reported upward as a failure.
func (r *Relay) Relay(m mission.Mission) error {
	r.mu.Lock()
	wired := r.connected && r.attached
	r.mu.Unlock()
	if !wired {
		return ErrNotWired
	}

	return r.post(func() {
		r.missionID = m.ID
		if err := r.target.Execute(m); err != nil {
			slog.Error("Executor refused mission", "mission", m.ID, "error", err)
			r.send(Event{Kind: EventStatus, MissionID: m.ID, Status: mission.KindFailure, Err: err.Error()})
		}
	})
}

// Flush sends the vault upward and clears it.
func (r *Relay) Flush() error {
	return r.post(func() { r.flush(false) })
}

// Burn flushes the vault one last time and stops the relay goroutine.
// Whatever the executor sends afterwards is discarded.
func (r *Relay) Burn() error {
	r.mu.Lock()
	if r.burning {
		r.mu.Unlock()
		return ErrBurned
	}
	r.burning = true
	r.mu.Unlock()

	return r.post(func() {
		r.drain()
		r.flush(true)
		r.burned = true
	})
}

// Done is closed once the relay goroutine has returned.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) loop() {
	defer close(r.done)

	for !r.burned {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.commands:
			cmd()
		case rep := <-r.side:
			r.handle(rep)
		}
	}
}

// post queues a command for the relay goroutine without waiting for it to
// run, so the supervisor may order a flush while it is the one reading the
// events the flush produces.
func (r *Relay) post(cmd func()) error {
	select {
	case <-r.done:
		return ErrBurned
	default:
	}

	select {
	case r.commands <- cmd:
		return nil
	case <-r.done:
		return ErrBurned
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Relay) handle(rep mission.Report) {
	if rep.Kind == mission.KindOutput {
		r.store(rep.Fragment)
		return
	}

	r.send(Event{
		Kind:      EventStatus,
		MissionID: rep.MissionID,
		Status:    rep.Kind,
		Pending:   rep.Pending,
		Err:       rep.Err,
	})
}

func (r *Relay) store(fragment string) {
	if r.truncated {
		return
	}
	if r.maxOutputBytes > 0 && r.size+len(fragment) > r.maxOutputBytes {
		r.vault = append(r.vault, TruncationMarker)
		r.truncated = true
		slog.Warn("Mission output truncated", "mission", r.missionID, "limit", r.maxOutputBytes)
		return
	}
	r.vault = append(r.vault, fragment)
	r.size += len(fragment)
}

// drain moves output already waiting on the side channel into the vault.
// Status reports are dropped: the supervisor has stopped listening for them.
func (r *Relay) drain() {
	if r.side == nil {
		return
	}
	for {
		select {
		case rep := <-r.side:
			if rep.Kind == mission.KindOutput {
				r.store(rep.Fragment)
			}
		default:
			return
		}
	}
}

func (r *Relay) flush(final bool) {
	records := r.vault
	truncated := r.truncated

	r.vault = nil
	r.size = 0
	r.truncated = false

	r.send(Event{
		Kind:      EventRecords,
		MissionID: r.missionID,
		Records:   records,
		Truncated: truncated,
		Final:     final,
	})
}

func (r *Relay) send(ev Event) {
	if r.up == nil {
		return
	}
	select {
	case r.up <- ev:
	case <-r.ctx.Done():
	}
}
