package supervisor

import (
	"time"

	"github.com/docker/execops/pkg/executor"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/telemetry"
)

type Opt func(*Supervisor)

// WithDeadline sets the silence interval after which a mission is
// considered hung.
func WithDeadline(d time.Duration) Opt {
	return func(s *Supervisor) {
		if d > 0 {
			s.deadline = d
		}
	}
}

// WithMaxLifetime bounds the total duration of a mission, however often its
// continuations re-arm the watchdog. Zero disables the ceiling.
func WithMaxLifetime(d time.Duration) Opt {
	return func(s *Supervisor) {
		s.maxLifetime = d
	}
}

// WithDrainGrace sets how long a burned relay gets to hand over its vault.
func WithDrainGrace(d time.Duration) Opt {
	return func(s *Supervisor) {
		if d > 0 {
			s.drainGrace = d
		}
	}
}

// WithMaxOutputBytes bounds the vault of every relay.
func WithMaxOutputBytes(n int) Opt {
	return func(s *Supervisor) {
		s.maxOutputBytes = n
	}
}

// WithExecutorConfig configures the executors started by the default spawner.
func WithExecutorConfig(cfg executor.Config) Opt {
	return func(s *Supervisor) {
		s.executorConfig = cfg
	}
}

// WithSpawner replaces the function creating executors.
func WithSpawner(spawn Spawner) Opt {
	return func(s *Supervisor) {
		s.spawn = spawn
	}
}

// WithOnComplete sets the callback invoked exactly once per mission.
func WithOnComplete(fn func(mission.Result)) Opt {
	return func(s *Supervisor) {
		s.onComplete = fn
	}
}

// WithOnFatal sets the callback invoked when a replacement pair cannot be
// provisioned. The supervisor refuses every later submission.
func WithOnFatal(fn func(error)) Opt {
	return func(s *Supervisor) {
		s.onFatal = fn
	}
}

func WithMetrics(m *telemetry.Metrics) Opt {
	return func(s *Supervisor) {
		s.metrics = m
	}
}
