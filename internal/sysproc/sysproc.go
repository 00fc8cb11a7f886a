// Package sysproc hides the OS-specific parts of process lifecycle management:
// finding who listens on a port and killing processes or whole process trees.
package sysproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

var ErrUnsupportedOS = errors.New("process management is not supported on this OS")

// Adapter is the OS capability set the supervisor and orchestrator rely on.
type Adapter interface {
	// PIDsOnPort lists processes listening on the TCP port.
	PIDsOnPort(ctx context.Context, port int) ([]int, error)
	// Kill terminates a single process. A process that is already gone is not an error.
	Kill(ctx context.Context, pid int) error
	// KillTree terminates pid and every descendant.
	KillTree(ctx context.Context, pid int) error
}

// New returns the adapter for the running OS.
func New() (Adapter, error) { return newPlatform() }

type gopsAdapter struct{}

func (gopsAdapter) PIDsOnPort(ctx context.Context, port int) ([]int, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	seen := make(map[int]struct{})
	var out []int
	for _, c := range conns {
		if c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if c.Status != "" && c.Status != "LISTEN" {
			continue
		}
		pid := int(c.Pid)
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out, nil
}

func (gopsAdapter) Kill(ctx context.Context, pid int) error {
	p, err := gproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, gproc.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
			return nil
		}
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// descendants walks the process table and returns every transitive child of
// root, deepest last.
func descendants(ctx context.Context, root int) []int {
	procs, err := gproc.ProcessesWithContext(ctx)
	if err != nil {
		slog.Debug("process table unavailable", "err", err)
		return nil
	}
	children := make(map[int32][]int32, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p.Pid)
	}
	var out []int
	queue := []int32{int32(root)}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if int(c) == root {
				continue
			}
			out = append(out, int(c))
			queue = append(queue, c)
		}
	}
	return out
}

// Reclaim kills every process listening on the given ports except the caller
// itself. Failures are logged and skipped.
func Reclaim(ctx context.Context, a Adapter, ports ...int) []int {
	self := os.Getpid()
	var killed []int
	for _, port := range ports {
		if port <= 0 {
			continue
		}
		pids, err := a.PIDsOnPort(ctx, port)
		if err != nil {
			slog.Warn("list processes on port", "port", port, "err", err)
			continue
		}
		for _, pid := range pids {
			if pid == self {
				continue
			}
			if err := a.Kill(ctx, pid); err != nil {
				slog.Warn("reclaim port", "port", port, "pid", pid, "err", err)
				continue
			}
			slog.Info("reclaimed port", "port", port, "pid", pid)
			killed = append(killed, pid)
		}
	}
	return killed
}
