package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/nodevisor/internal/detector"
	"github.com/loykin/nodevisor/internal/env"
	"github.com/loykin/nodevisor/internal/health"
	"github.com/loykin/nodevisor/internal/ollama"
	"github.com/loykin/nodevisor/internal/process"
)

// DefaultBackendReadyPattern matches the backend's startup line.
const DefaultBackendReadyPattern = "Listening on "

// BackendConfig describes the inference backend process.
type BackendConfig struct {
	ProcessConfig `mapstructure:",squash"`
	// ReadyPattern ends the start window early once an output line matches.
	ReadyPattern string `toml:"ready_pattern" mapstructure:"ready_pattern"`
	// Client tunes the API client; BaseURL is derived from the options.
	Client ollama.Config `toml:"-" mapstructure:"-"`
}

// Backend runs the inference backend and exposes a client for its API.
type Backend struct {
	cfg  BackendConfig
	sup  *process.Supervisor
	env  *env.Env
	log  *slog.Logger
	deps Deps

	mu       sync.RWMutex
	opts     BackendOptions
	defaults BackendOptions
}

func NewBackend(cfg BackendConfig, defaults BackendOptions, d Deps) (*Backend, error) {
	d = d.withDefaults()
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"serve"}
	}
	if cfg.ReadyPattern == "" {
		cfg.ReadyPattern = DefaultBackendReadyPattern
	}
	pat, err := detector.NewPattern(cfg.ReadyPattern)
	if err != nil {
		return nil, err
	}
	return &Backend{
		cfg:      cfg,
		sup:      newSupervisor(BackendName, cfg.ProcessConfig, pat, d),
		env:      d.Env,
		log:      d.Logger.With("process", BackendName),
		deps:     d,
		opts:     defaults,
		defaults: defaults,
	}, nil
}

// Spawn starts the backend and waits until its API answers.
func (b *Backend) Spawn(ctx context.Context) error {
	opts := b.Options()
	if err := b.sup.Spawn(b.env.Merge(opts.Env()), b.cfg.Args, b.cfg.WorkDir); err != nil {
		return err
	}
	client := b.clientFor(opts)
	strategy := health.Fixed{Timeout: b.cfg.HealthTimeout}
	err := health.WaitUntilHealthy(ctx, BackendName, func(ctx context.Context) error {
		if !b.sup.IsRunning() {
			return health.Permanent(fmt.Errorf("%s exited while waiting for health", BackendName))
		}
		return client.Health(ctx)
	}, healthOptions(b.cfg.ProcessConfig, strategy, b.deps.Logger))
	if err != nil {
		b.sup.Kill()
		return err
	}
	return nil
}

func (b *Backend) Kill() { b.sup.Kill() }

func (b *Backend) IsRunning() bool { return b.sup.IsRunning() }

func (b *Backend) Status() process.Status { return b.sup.Status() }

func (b *Backend) LastNLogs(n int) []process.LogEntry { return b.sup.LastNLogs(n) }

func (b *Backend) Options() BackendOptions {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opts
}

// SetOptions merges partial into the current options. A running process keeps
// its old environment until it is spawned again.
func (b *Backend) SetOptions(partial BackendOptions) BackendOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = b.opts.Merge(partial)
	return b.opts
}

func (b *Backend) SetDefaultOptions() BackendOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = b.defaults
	return b.opts
}

func (b *Backend) BaseURL() string { return b.Options().BaseURL() }

func (b *Backend) Ports() []int { return b.Options().Ports() }

// Client returns an API client bound to the current options.
func (b *Backend) Client() *ollama.Client { return b.clientFor(b.Options()) }

func (b *Backend) clientFor(o BackendOptions) *ollama.Client {
	cc := b.cfg.Client
	cc.BaseURL = o.BaseURL()
	if cc.Logger == nil {
		cc.Logger = b.deps.Logger
	}
	return ollama.New(cc)
}
