// Package app ties a supervisor to the mission history and offers the
// blocking and streaming submission styles used by the CLI and the server.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/execops/pkg/config"
	"github.com/docker/execops/pkg/executor"
	"github.com/docker/execops/pkg/history"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/supervisor"
)

type App struct {
	sup   *supervisor.Supervisor
	store history.Store

	mu      sync.Mutex
	codes   map[int64]string
	waiters map[int64]chan mission.Result
	subs    map[int]chan mission.Result
	nextSub int
}

// SupervisorOptions translates cfg into supervisor options.
func SupervisorOptions(cfg *config.Config) []supervisor.Opt {
	execCfg := executor.DefaultConfig()
	if cfg.MaxCallStackSize > 0 {
		execCfg.MaxCallStackSize = cfg.MaxCallStackSize
	}
	execCfg.MaxStringLength = cfg.MaxStringLength
	execCfg.EchoResult = cfg.Echo()

	return []supervisor.Opt{
		supervisor.WithDeadline(cfg.Deadline()),
		supervisor.WithMaxLifetime(cfg.MaxLifetime()),
		supervisor.WithDrainGrace(cfg.DrainGrace()),
		supervisor.WithMaxOutputBytes(cfg.MaxOutputBytes),
		supervisor.WithExecutorConfig(execCfg),
	}
}

// New creates the supervisor. store may be nil, in which case nothing is
// recorded.
func New(store history.Store, opts ...supervisor.Opt) (*App, error) {
	a := &App{
		store:   store,
		codes:   make(map[int64]string),
		waiters: make(map[int64]chan mission.Result),
		subs:    make(map[int]chan mission.Result),
	}

	opts = append(opts, supervisor.WithOnComplete(a.complete))
	sup, err := supervisor.New(opts...)
	if err != nil {
		return nil, err
	}
	a.sup = sup
	return a, nil
}

// Run submits code and blocks until its result is delivered. If ctx ends
// first the mission is cancelled; the result of the cancelled mission is
// still returned, along with ctx's error.
func (a *App) Run(ctx context.Context, code string) (mission.Result, error) {
	w := make(chan mission.Result, 1)

	// Holding the lock across Submit keeps the completion callback from
	// looking for the waiter before it is registered.
	a.mu.Lock()
	id, err := a.sup.Submit(ctx, code)
	if err != nil {
		a.mu.Unlock()
		return mission.Result{}, err
	}
	a.codes[id] = code
	a.waiters[id] = w
	a.mu.Unlock()

	select {
	case res := <-w:
		return res, nil
	case <-ctx.Done():
		slog.Debug("Caller gave up, cancelling mission", "mission", id)
		// Only this call's mission: a later one may already be running.
		a.sup.CancelMission(id, supervisor.CancelMarker)
		return <-w, ctx.Err()
	}
}

// Submit starts a mission without waiting for it. Its result is delivered
// to subscribers.
func (a *App) Submit(ctx context.Context, code string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.sup.Submit(ctx, code)
	if err != nil {
		return 0, err
	}
	a.codes[id] = code
	return id, nil
}

// Subscribe streams every result until ctx ends. Results are dropped for a
// subscriber that does not keep up.
func (a *App) Subscribe(ctx context.Context) <-chan mission.Result {
	ch := make(chan mission.Result, 16)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (a *App) Cancel(marker string) bool {
	return a.sup.Cancel(marker)
}

func (a *App) SetDeadline(d time.Duration) error {
	return a.sup.SetDeadline(d)
}

func (a *App) Deadline() time.Duration {
	return a.sup.Deadline()
}

func (a *App) Active() bool {
	return a.sup.Active()
}

// History returns the store results are recorded in, or nil.
func (a *App) History() history.Store {
	return a.store
}

// ApplyConfig applies the settings that may change between missions.
func (a *App) ApplyConfig(cfg *config.Config) error {
	if err := a.sup.SetDeadline(cfg.Deadline()); err != nil {
		return err
	}
	slog.Info("Configuration reloaded", "deadline", cfg.Deadline())
	return nil
}

// Close cancels any active mission and closes the history store.
func (a *App) Close() error {
	a.sup.Close()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

func (a *App) complete(res mission.Result) {
	a.mu.Lock()
	code := a.codes[res.MissionID]
	delete(a.codes, res.MissionID)
	w := a.waiters[res.MissionID]
	delete(a.waiters, res.MissionID)
	for _, sub := range a.subs {
		select {
		case sub <- res:
		default:
			slog.Warn("Subscriber not keeping up, dropping result", "mission", res.MissionID)
		}
	}
	a.mu.Unlock()

	if w != nil {
		w <- res
	}

	if a.store != nil {
		if err := a.store.Add(context.Background(), history.NewRecord(code, res)); err != nil {
			slog.Error("Failed to record mission", "mission", res.MissionID, "error", err)
		}
	}
}
