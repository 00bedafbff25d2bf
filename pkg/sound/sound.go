// Package sound plays a system sound when a mission ends.
package sound

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"time"

	"github.com/docker/execops/pkg/mission"
)

// Event is the kind of sound to play.
type Event int

const (
	None Event = iota
	Success
	Failure
)

// ForOutcome picks the sound for a mission outcome. Cancelled missions are
// silent, since the user asked for them to end.
func ForOutcome(o mission.Outcome) Event {
	switch o {
	case mission.OutcomeCompleted:
		return Success
	case mission.OutcomeCancelled:
		return None
	default:
		return Failure
	}
}

// command returns the program and arguments playing event on goos, or nil.
func command(goos string, event Event, lookPath func(string) (string, error)) []string {
	if event == None {
		return nil
	}
	ok := event == Success

	switch goos {
	case "darwin":
		if ok {
			return []string{"afplay", "/System/Library/Sounds/Glass.aiff"}
		}
		return []string{"afplay", "/System/Library/Sounds/Basso.aiff"}
	case "linux":
		path, err := lookPath("paplay")
		if err != nil {
			return nil
		}
		if ok {
			return []string{path, "/usr/share/sounds/freedesktop/stereo/complete.oga"}
		}
		return []string{path, "/usr/share/sounds/freedesktop/stereo/dialog-error.oga"}
	case "windows":
		script := `[System.Media.SystemSounds]::Hand.Play()`
		if ok {
			script = `[System.Media.SystemSounds]::Asterisk.Play()`
		}
		return []string{"powershell", "-NoProfile", "-NonInteractive", "-Command", script}
	default:
		return nil
	}
}

// Hooks replaced in tests.
var (
	lookPath = exec.LookPath
	start    = func(ctx context.Context, args []string) error {
		return exec.CommandContext(ctx, args[0], args[1:]...).Run()
	}
)

// Play plays the sound for outcome in the background. Failures are logged
// at debug level only.
func Play(outcome mission.Outcome) {
	args := command(runtime.GOOS, ForOutcome(outcome), lookPath)
	if args == nil {
		return
	}
	go play(outcome, args)
}

// PlayWait is Play for callers about to exit: it returns once the sound has
// played, or after five seconds.
func PlayWait(outcome mission.Outcome) {
	args := command(runtime.GOOS, ForOutcome(outcome), lookPath)
	if args == nil {
		return
	}
	play(outcome, args)
}

func play(outcome mission.Outcome, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := start(ctx, args); err != nil {
		slog.Debug("Failed to play sound", "outcome", outcome, "error", err)
	}
}
