package supervisor

import (
	"fmt"
	"log/slog"

	"github.com/docker/execops/pkg/executor"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/relay"
)

// Worker runs missions in isolation and reports over a side channel.
// *executor.Executor is the production implementation.
type Worker interface {
	Connect(side chan<- mission.Report) error
	Execute(m mission.Mission) error
	Terminate()
}

// Spawner creates a fresh worker for every execution pair.
type Spawner func() (Worker, error)

var _ Worker = (*executor.Executor)(nil)

func executorSpawner(cfg executor.Config) Spawner {
	return func() (Worker, error) {
		return executor.New(cfg), nil
	}
}

// pair is one relay wired to one worker through a private side channel.
// It is owned by a single mission and never reused.
type pair struct {
	relay  *relay.Relay
	worker Worker
}

const sideBuffer = 256

// provision creates and wires a new pair. It must be called with s.mu held.
func (s *Supervisor) provision() (*pair, error) {
	worker, err := s.spawn()
	if err != nil {
		return nil, fmt.Errorf("spawning executor: %w", err)
	}

	side := make(chan mission.Report, sideBuffer)
	if err := worker.Connect(side); err != nil {
		worker.Terminate()
		return nil, fmt.Errorf("connecting executor: %w", err)
	}

	r := relay.New(s.ctx, relay.WithMaxOutputBytes(s.maxOutputBytes))
	if err := r.Connect(s.events); err != nil {
		worker.Terminate()
		_ = r.Burn()
		return nil, fmt.Errorf("connecting relay: %w", err)
	}
	if err := r.AttachExecutorChannel(side, worker); err != nil {
		worker.Terminate()
		_ = r.Burn()
		return nil, fmt.Errorf("attaching relay: %w", err)
	}

	s.metrics.PairProvisioned()
	slog.Debug("Execution pair provisioned")
	return &pair{relay: r, worker: worker}, nil
}

// teardown terminates the worker first, so nothing it produces after the
// decision reaches the vault, then burns the relay.
func (p *pair) teardown() {
	p.worker.Terminate()
	if err := p.relay.Burn(); err != nil {
		slog.Debug("Relay already gone", "error", err)
	}
}
