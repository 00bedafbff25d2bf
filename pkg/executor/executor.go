// Package executor runs untrusted JavaScript inside an embedded goja runtime
// owned by a single goroutine.
//
// Output-producing calls and continuation scheduling are injected into the
// runtime's global scope, so everything the code prints or schedules is
// accounted for and pushed over the side channel bound with Connect. The
// executor goroutine never dies because of evaluated code: thrown values and
// Go panics are recovered and reported as failures.
package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/render"
)

var (
	ErrAlreadyConnected = errors.New("executor already connected")
	ErrNotConnected     = errors.New("executor not connected")
	ErrTerminated       = errors.New("executor terminated")
)

const (
	asyncFaultPrefix = "Error in asynchronous callback: "
	faultPrefix      = "Error: "
)

// Config tunes one executor.
type Config struct {
	// MaxCallStackSize bounds JavaScript recursion; deeper calls throw a
	// RangeError reported as a failure.
	MaxCallStackSize int
	// MaxStringLength bounds the strings built by String.prototype.repeat,
	// padStart and padEnd; longer results throw a RangeError. Zero disables
	// the bound.
	MaxStringLength int
	// EchoResult pushes the rendered completion value of the top-level run
	// when it is not undefined.
	EchoResult bool
	// QueueSize is the capacity of the job queue feeding the executor goroutine.
	QueueSize int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxCallStackSize: 10000,
		MaxStringLength:  1 << 24,
		EchoResult:       true,
		QueueSize:        64,
	}
}

// Executor runs missions one at a time on its own goroutine.
type Executor struct {
	cfg Config

	jobs     chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	side       chan<- mission.Report
	timers     map[int64]*continuation
	nextTimer  int64
	terminated bool

	// Owned by the executor goroutine.
	vm       *goja.Runtime
	renderer *render.Renderer
	current  int64
}

// New creates an executor and starts its goroutine.
func New(cfg Config) *Executor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	e := &Executor{
		cfg:      cfg,
		jobs:     make(chan func(), cfg.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		timers:   make(map[int64]*continuation),
		vm:       goja.New(),
		renderer: render.New(),
	}
	if cfg.MaxCallStackSize > 0 {
		e.vm.SetMaxCallStackSize(cfg.MaxCallStackSize)
	}
	e.install()
	if cfg.MaxStringLength > 0 {
		e.limitStrings(cfg.MaxStringLength)
	}

	go e.loop()
	return e
}

// Connect binds the side channel. It must be called exactly once, before
// any mission is executed.
func (e *Executor) Connect(side chan<- mission.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return ErrTerminated
	}
	if e.side != nil {
		return ErrAlreadyConnected
	}
	e.side = side
	return nil
}

// Execute queues a mission for the executor goroutine.
func (e *Executor) Execute(m mission.Mission) error {
	e.mu.Lock()
	connected, terminated := e.side != nil, e.terminated
	e.mu.Unlock()

	if terminated {
		return ErrTerminated
	}
	if !connected {
		return ErrNotConnected
	}
	if !e.post(func() { e.run(m) }) {
		return ErrTerminated
	}
	return nil
}

// Terminate interrupts whatever the runtime is doing, cancels every
// scheduled continuation and drops any report produced afterwards.
func (e *Executor) Terminate() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.terminated = true
		for id, c := range e.timers {
			c.timer.Stop()
			delete(e.timers, id)
		}
		e.mu.Unlock()

		close(e.quit)
		e.vm.Interrupt(ErrTerminated)
		slog.Debug("Executor terminated")
	})
}

// Done is closed once the executor goroutine has returned.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Pending returns the number of continuations still scheduled.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func (e *Executor) loop() {
	defer close(e.done)

	for {
		select {
		case <-e.quit:
			return
		case job := <-e.jobs:
			job()
		}
	}
}

func (e *Executor) post(job func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}

	select {
	case e.jobs <- job:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Executor) run(m mission.Mission) {
	e.current = m.ID

	v, err := e.guard(func() (goja.Value, error) {
		return e.vm.RunString(m.Payload)
	})
	if err != nil {
		if interrupted(err) {
			return
		}
		msg := e.describe(err)
		e.output(faultPrefix + msg + "\n")
		e.emit(mission.Report{Kind: mission.KindFailure, MissionID: m.ID, Pending: e.Pending(), Err: msg})
		return
	}

	if e.cfg.EchoResult && v != nil && !goja.IsUndefined(v) {
		e.output(e.renderer.Value(v) + "\n")
	}
	e.emit(mission.Report{Kind: mission.KindSuccess, MissionID: m.ID, Pending: e.Pending()})
}

// guard runs f and converts a Go panic escaping the runtime into an error.
func (e *Executor) guard(f func() (goja.Value, error)) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Recovered panic while running mission", "mission", e.current, "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return f()
}

func (e *Executor) output(fragment string) {
	e.emit(mission.Report{Kind: mission.KindOutput, MissionID: e.current, Fragment: fragment})
}

func (e *Executor) emit(r mission.Report) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	select {
	case e.side <- r:
		e.mu.Unlock()
		return
	default:
	}
	e.mu.Unlock()

	// The side channel is full: wait for room without holding the lock
	// Terminate needs.
	select {
	case <-e.quit:
	case e.side <- r:
	}
}

// describe turns a runtime error into the one-line text of a diagnostic.
func (e *Executor) describe(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return e.describeValue(ex.Value())
	}
	line, _, _ := strings.Cut(err.Error(), "\n")
	return line
}

func (e *Executor) describeValue(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		name, msg := str(obj.Get("name")), str(obj.Get("message"))
		if name == "" || name == "Error" {
			return msg
		}
		return name + ": " + msg
	}
	if s, ok := v.Export().(string); ok {
		return s
	}
	return e.renderer.Value(v)
}

func str(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func interrupted(err error) bool {
	var ie *goja.InterruptedError
	return errors.As(err, &ie)
}
