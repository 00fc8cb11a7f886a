//go:build unix

package sysproc

import (
	"context"
	"errors"
	"log/slog"
	"syscall"
)

type unixAdapter struct{ gopsAdapter }

func newPlatform() (Adapter, error) { return unixAdapter{}, nil }

// KillTree signals the process group first; children are started with
// Setpgid so the group id equals pid. Descendants that moved to another group
// are killed individually.
func (a unixAdapter) KillTree(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	kids := descendants(ctx, pid)
	var errs []error
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if err := a.Kill(ctx, pid); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range kids {
		if err := a.Kill(ctx, c); err != nil {
			slog.Debug("kill descendant", "pid", c, "err", err)
		}
	}
	return errors.Join(errs...)
}
