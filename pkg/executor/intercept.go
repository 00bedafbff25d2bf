package executor

import (
	"time"

	"github.com/dop251/goja"

	"github.com/docker/execops/pkg/mission"
)

const (
	consoleLabel     = "(console object restricted)"
	setTimeoutLabel  = "(setTimeout function restricted)"
	setIntervalLabel = "(setInterval function restricted)"
	timerLabel       = "(timer function restricted)"
	globalLabel      = "(this keyword restricted)"

	// minInterval keeps a zero-delay setInterval from spinning the executor.
	minInterval = time.Millisecond
)

// continuation is a callback scheduled by setTimeout or setInterval.
type continuation struct {
	id        int64
	missionID int64
	fn        goja.Callable
	args      []goja.Value
	interval  time.Duration
	periodic  bool
	timer     *time.Timer
}

// install injects the console object and the timer functions into the
// runtime and registers them, along with the global object, as restricted
// values for the renderer.
func (e *Executor) install() {
	console := e.vm.NewObject()
	methods := []struct {
		name   string
		prefix string
	}{
		{"log", ""},
		{"info", ""},
		{"debug", ""},
		{"warn", "Warning: "},
		{"error", "Error: "},
	}
	for _, m := range methods {
		fn := e.vm.ToValue(e.consoleMethod(m.prefix))
		_ = console.Set(m.name, fn)
		e.renderer.Restrict(fn, consoleLabel)
	}
	_ = e.vm.Set("console", console)
	e.renderer.Restrict(console, consoleLabel)

	timers := []struct {
		name  string
		label string
		fn    func(goja.FunctionCall) goja.Value
	}{
		{"setTimeout", setTimeoutLabel, func(call goja.FunctionCall) goja.Value { return e.schedule(call, false) }},
		{"setInterval", setIntervalLabel, func(call goja.FunctionCall) goja.Value { return e.schedule(call, true) }},
		{"clearTimeout", timerLabel, e.clear},
		{"clearInterval", timerLabel, e.clear},
	}
	for _, t := range timers {
		fn := e.vm.ToValue(t.fn)
		_ = e.vm.Set(t.name, fn)
		e.renderer.Restrict(fn, t.label)
	}

	e.renderer.Restrict(e.vm.GlobalObject(), globalLabel)
}

func (e *Executor) consoleMethod(prefix string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		e.output(prefix + e.renderer.Args(call.Arguments) + "\n")
		return goja.Undefined()
	}
}

func (e *Executor) schedule(call goja.FunctionCall, periodic bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(e.vm.NewTypeError("callback must be a function"))
	}

	delay := max(time.Duration(call.Argument(1).ToInteger())*time.Millisecond, 0)
	if periodic {
		delay = max(delay, minInterval)
	}

	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return goja.Undefined()
	}

	e.nextTimer++
	c := &continuation{
		id:        e.nextTimer,
		missionID: e.current,
		fn:        fn,
		args:      args,
		interval:  delay,
		periodic:  periodic,
	}
	c.timer = time.AfterFunc(delay, func() {
		e.post(func() { e.fire(c) })
	})
	e.timers[c.id] = c

	return e.vm.ToValue(c.id)
}

func (e *Executor) clear(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()

	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.timers[id]; ok {
		c.timer.Stop()
		delete(e.timers, id)
	}
	return goja.Undefined()
}

// fire runs a continuation under the same fault discipline as a top-level
// run, bracketed by an async report and a terminal report.
func (e *Executor) fire(c *continuation) {
	e.mu.Lock()
	if _, live := e.timers[c.id]; !live {
		e.mu.Unlock()
		return
	}
	if !c.periodic {
		delete(e.timers, c.id)
	}
	e.mu.Unlock()

	e.current = c.missionID
	e.emit(mission.Report{Kind: mission.KindAsync, MissionID: c.missionID})

	_, err := e.guard(func() (goja.Value, error) {
		return c.fn(goja.Undefined(), c.args...)
	})
	if err != nil && interrupted(err) {
		return
	}

	if c.periodic {
		e.mu.Lock()
		if _, live := e.timers[c.id]; live && !e.terminated {
			c.timer.Reset(c.interval)
		}
		e.mu.Unlock()
	}

	if err != nil {
		msg := e.describe(err)
		e.output(asyncFaultPrefix + msg + "\n")
		e.emit(mission.Report{Kind: mission.KindFailure, MissionID: c.missionID, Pending: e.Pending(), Err: msg})
		return
	}
	e.emit(mission.Report{Kind: mission.KindSuccess, MissionID: c.missionID, Pending: e.Pending()})
}
