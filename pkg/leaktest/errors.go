package leaktest

import (
	"errors"
	"fmt"
	"time"
)

// ErrStopped marks a run that ended because an operator requested a stop.
var ErrStopped = errors.New("test stopped")

// ErrAlreadyRunning is returned when a run or manual action is attempted
// while a test is in progress.
var ErrAlreadyRunning = errors.New("test already in progress")

// ErrNoChambersEnabled is returned when a run is started with every chamber
// disabled.
var ErrNoChambersEnabled = errors.New("no chambers enabled")

// PhaseTimeoutError marks a phase that exceeded its allotted time. It aborts
// the run but never skips cleanup: emptying still executes.
type PhaseTimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("%s phase timeout after %s", e.Phase, e.Timeout)
}

// IsPhaseTimeout reports whether err is a phase timeout.
func IsPhaseTimeout(err error) bool {
	var pt *PhaseTimeoutError
	return errors.As(err, &pt)
}
