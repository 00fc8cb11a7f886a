package service

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/nodevisor/internal/detector"
	"github.com/loykin/nodevisor/internal/env"
	"github.com/loykin/nodevisor/internal/health"
	"github.com/loykin/nodevisor/internal/process"
	"github.com/loykin/nodevisor/internal/sysproc"
)

const (
	BackendName   = "backend"
	AppServerName = "app-server"
)

var ErrStillRunning = errors.New("cannot remove storage while the app server is running")

// ProcessConfig holds the launch parameters shared by both services.
type ProcessConfig struct {
	Binary           string        `toml:"binary" mapstructure:"binary"`
	Args             []string      `toml:"args" mapstructure:"args"`
	WorkDir          string        `toml:"work_dir" mapstructure:"work_dir"`
	MinAlive         time.Duration `toml:"min_alive" mapstructure:"min_alive"`
	PortReleaseDelay time.Duration `toml:"port_release_delay" mapstructure:"port_release_delay"`
	LogCapacity      int           `toml:"log_capacity" mapstructure:"log_capacity"`

	HealthDelay    time.Duration `toml:"health_delay" mapstructure:"health_delay"`
	HealthTimeout  time.Duration `toml:"health_timeout" mapstructure:"health_timeout"`
	HealthDeadline time.Duration `toml:"health_deadline" mapstructure:"health_deadline"`
}

// Deps are the collaborators injected into a service.
type Deps struct {
	Adapter sysproc.Adapter
	// Env supplies the base environment; nil uses the OS environment.
	Env *env.Env
	// Output receives a copy of the child's output lines.
	Output  io.Writer
	OnEvent func(process.Event)
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Env == nil {
		d.Env = env.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

func newSupervisor(name string, pc ProcessConfig, det detector.Detector, d Deps) *process.Supervisor {
	// zero selects the default delay, negative disables it
	if pc.PortReleaseDelay == 0 {
		pc.PortReleaseDelay = process.DefaultPortReleaseDelay
	}
	return process.New(process.Config{
		Name:             name,
		Binary:           pc.Binary,
		Detector:         det,
		Adapter:          d.Adapter,
		MinAlive:         pc.MinAlive,
		PortReleaseDelay: pc.PortReleaseDelay,
		LogCapacity:      pc.LogCapacity,
		Output:           d.Output,
		OnEvent:          d.OnEvent,
		Logger:           d.Logger,
	})
}

func healthOptions(pc ProcessConfig, s health.Strategy, log *slog.Logger) health.Options {
	return health.Options{
		Strategy: s,
		Delay:    pc.HealthDelay,
		Deadline: pc.HealthDeadline,
		Logger:   log,
	}
}
