package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKilled is returned by Spawn when Kill tore the process down before
	// it passed its start checks.
	ErrKilled = errors.New("process killed during start")
	// ErrNoBinary is returned when the supervisor has no executable configured.
	ErrNoBinary = errors.New("no executable configured")
	// ErrRunning is returned by WhileStopped when a process is running.
	ErrRunning = errors.New("process is running")
)

// CrashError reports a process that exited before it became ready and before
// its minimum alive time elapsed.
type CrashError struct {
	Process  string
	MinAlive time.Duration
	After    time.Duration
	ExitErr  error
	Logs     []LogEntry
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("%s crashed before minimum alive time %s (after %s)", e.Process, e.MinAlive, e.After.Round(time.Millisecond))
	if e.ExitErr != nil {
		msg += ": " + e.ExitErr.Error()
	}
	return msg
}

func (e *CrashError) Unwrap() error { return e.ExitErr }

// IsCrashErr reports whether err wraps a *CrashError.
func IsCrashErr(err error) bool {
	var ce *CrashError
	return errors.As(err, &ce)
}
