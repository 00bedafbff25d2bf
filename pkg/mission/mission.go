// Package mission holds the types shared by the supervisor, the relay and
// the executor: the submitted code unit, the reports flowing over the side
// channel and the final result handed to callers.
package mission

import (
	"strings"
	"time"
)

// Mission is one submitted code unit.
type Mission struct {
	ID       int64
	Payload  string
	Deadline time.Duration
}

// Kind tags a report sent by an executor over its side channel.
type Kind int

const (
	// KindOutput carries one rendered output fragment.
	KindOutput Kind = iota
	// KindAsync signals that a deferred or periodic continuation started running.
	KindAsync
	// KindSuccess ends a run (top-level or continuation) without a fault.
	KindSuccess
	// KindFailure ends a run that raised a fault.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindAsync:
		return "async"
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends a run.
func (k Kind) Terminal() bool {
	return k == KindSuccess || k == KindFailure
}

// Report is the side-channel message from an executor to its relay.
type Report struct {
	Kind      Kind
	MissionID int64
	// Fragment is set for KindOutput.
	Fragment string
	// Pending is the number of continuations still scheduled once a
	// terminal report is sent.
	Pending int
	// Err describes the fault of a KindFailure report.
	Err string
}

// Outcome is how a mission ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is handed to the completion callback exactly once per mission.
type Result struct {
	MissionID int64         `json:"mission_id"`
	Output    string        `json:"output"`
	Outcome   Outcome       `json:"outcome"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	// Rearms counts watchdog re-arms caused by async reports.
	Rearms    int  `json:"rearms"`
	Truncated bool `json:"truncated,omitempty"`
}

// Lines splits the output into display lines, dropping the empty tail left
// by the final line break.
func (r Result) Lines() []string {
	if r.Output == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(r.Output, "\n"), "\n")
}
