package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLocked is returned when another invocation holds the project lock.
var ErrLocked = errors.New("project is locked by another botvisor invocation")

// AlreadyRunningError is returned by Start when a live worker is recorded.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("already running (pid %d)", e.PID)
}

// EnvironmentError reports a missing working directory, executable or script.
type EnvironmentError struct {
	What string
	Path string
	Err  error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.What, e.Path, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// StartFailedError is returned when the worker could not be launched or
// exited before the settle delay elapsed. Tail holds the last log lines.
type StartFailedError struct {
	PID     int
	LogPath string
	Tail    []string
	Err     error
}

func (e *StartFailedError) Error() string {
	var b strings.Builder
	if e.PID > 0 {
		fmt.Fprintf(&b, "start failed: pid %d exited during startup", e.PID)
	} else {
		b.WriteString("start failed")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StartFailedError) Unwrap() error { return e.Err }

// StopFailedError is returned when the worker survives the forceful signal.
// The registry keeps pointing at the still-live pid.
type StopFailedError struct {
	PID int
	Err error
}

func (e *StopFailedError) Error() string {
	msg := fmt.Sprintf("stop failed: pid %d is still running after SIGKILL", e.PID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StopFailedError) Unwrap() error { return e.Err }
