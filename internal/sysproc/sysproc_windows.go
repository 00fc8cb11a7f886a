//go:build windows

package sysproc

import (
	"context"
	"errors"
	"log/slog"
)

type windowsAdapter struct{ gopsAdapter }

func newPlatform() (Adapter, error) { return windowsAdapter{}, nil }

// KillTree terminates descendants before the root so none is left orphaned.
func (a windowsAdapter) KillTree(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	kids := descendants(ctx, pid)
	for i := len(kids) - 1; i >= 0; i-- {
		if err := a.Kill(ctx, kids[i]); err != nil {
			slog.Debug("kill descendant", "pid", kids[i], "err", err)
		}
	}
	return errors.Join(a.Kill(ctx, pid))
}
