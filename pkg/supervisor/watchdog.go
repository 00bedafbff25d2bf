package supervisor

import (
	"log/slog"
	"time"

	"github.com/docker/execops/pkg/mission"
)

// arm replaces the watchdog with one firing after the mission deadline.
// Every arm bumps seq, so a timer that already fired and is waiting on the
// lock recognizes itself as stale.
func (s *Supervisor) arm(r *run) {
	s.disarm()

	s.seq++
	seq, id := s.seq, r.m.ID
	s.watchdog = time.AfterFunc(r.m.Deadline, func() { s.expire(seq, id) })
}

func (s *Supervisor) rearm(r *run) {
	r.rearms++
	s.metrics.Rearmed()
	r.span.AddEvent("rearm")
	s.arm(r)
}

func (s *Supervisor) disarm() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.seq++
}

func (s *Supervisor) expire(seq uint64, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if seq != s.seq || r == nil || r.m.ID != id || r.draining {
		slog.Debug("Ignoring stale watchdog", "mission", id)
		return
	}

	slog.Info("Mission timed out", "mission", id, "deadline", r.m.Deadline)
	s.teardown(r, mission.OutcomeTimedOut, TimeoutMarker)
}
