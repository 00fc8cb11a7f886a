package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/nodevisor/internal/detector"
	"github.com/loykin/nodevisor/internal/env"
	"github.com/loykin/nodevisor/internal/health"
	"github.com/loykin/nodevisor/internal/process"
)

const (
	DefaultHealthPath   = "/v2/health_check"
	DefaultReadyPattern = "listening on "
)

// AppServerConfig describes the application server process.
type AppServerConfig struct {
	ProcessConfig `mapstructure:",squash"`
	HealthPath    string `toml:"health_path" mapstructure:"health_path"`
	// ReadyPattern is matched against output lines; ReadyFile, when set, is
	// also accepted as a readiness signal.
	ReadyPattern string `toml:"ready_pattern" mapstructure:"ready_pattern"`
	ReadyFile    string `toml:"ready_file" mapstructure:"ready_file"`
	// StoragePath is the default node storage directory.
	StoragePath string `toml:"storage_path" mapstructure:"storage_path"`
}

// AppServer runs the application server.
type AppServer struct {
	cfg  AppServerConfig
	sup  *process.Supervisor
	env  *env.Env
	log  *slog.Logger
	deps Deps
	http *http.Client

	mu       sync.RWMutex
	opts     AppServerOptions
	defaults AppServerOptions
}

func NewAppServer(cfg AppServerConfig, defaults AppServerOptions, d Deps) (*AppServer, error) {
	d = d.withDefaults()
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.ReadyPattern == "" {
		cfg.ReadyPattern = DefaultReadyPattern
	}
	pat, err := detector.NewPattern(cfg.ReadyPattern)
	if err != nil {
		return nil, err
	}
	var det detector.Detector = pat
	if cfg.ReadyFile != "" {
		det = detector.Any{pat, detector.NewReadyFile(cfg.ReadyFile)}
	}
	if defaults.NodeStoragePath == "" {
		defaults.NodeStoragePath = cfg.StoragePath
	}
	return &AppServer{
		cfg:      cfg,
		sup:      newSupervisor(AppServerName, cfg.ProcessConfig, det, d),
		env:      d.Env,
		log:      d.Logger.With("process", AppServerName),
		deps:     d,
		http:     &http.Client{},
		opts:     defaults,
		defaults: defaults,
	}, nil
}

// Spawn starts the app server and waits until its health endpoint returns 200.
// Attempt timeouts grow linearly with every retry.
func (a *AppServer) Spawn(ctx context.Context) error {
	opts := a.Options()
	if err := a.sup.Spawn(a.env.Merge(opts.Env()), a.cfg.Args, a.cfg.WorkDir); err != nil {
		return err
	}
	base := a.cfg.HealthTimeout
	if base <= 0 {
		base = health.DefaultAttemptTimeout
	}
	probe := health.HTTPCheck(a.http, a.HealthURL(), http.StatusOK)
	err := health.WaitUntilHealthy(ctx, AppServerName, func(ctx context.Context) error {
		if !a.sup.IsRunning() {
			return health.Permanent(fmt.Errorf("%s exited while waiting for health", AppServerName))
		}
		return probe(ctx)
	}, healthOptions(a.cfg.ProcessConfig, health.Growing{Base: base}, a.deps.Logger))
	if err != nil {
		a.sup.Kill()
		return err
	}
	return nil
}

func (a *AppServer) Kill() { a.sup.Kill() }

func (a *AppServer) IsRunning() bool { return a.sup.IsRunning() }

func (a *AppServer) Status() process.Status { return a.sup.Status() }

func (a *AppServer) LastNLogs(n int) []process.LogEntry { return a.sup.LastNLogs(n) }

func (a *AppServer) Options() AppServerOptions {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.opts
}

func (a *AppServer) SetOptions(partial AppServerOptions) AppServerOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts = a.opts.Merge(partial)
	return a.opts
}

func (a *AppServer) SetDefaultOptions() AppServerOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts = a.defaults
	return a.opts
}

func (a *AppServer) BaseURL() string { return a.Options().BaseURL() }

func (a *AppServer) HealthURL() string { return a.BaseURL() + a.cfg.HealthPath }

func (a *AppServer) Ports() []int { return a.Options().Ports() }

// RemoveStorage deletes the node storage directory entry by entry. With
// preserveIdentity the secrets file keeps only its identity key line. A Spawn
// issued meanwhile waits until the removal is done.
func (a *AppServer) RemoveStorage(preserveIdentity bool) error {
	dir := a.Options().NodeStoragePath
	start := time.Now()
	err := a.sup.WhileStopped(func() error {
		return removeStorage(dir, preserveIdentity)
	})
	if errors.Is(err, process.ErrRunning) {
		return ErrStillRunning
	}
	if err != nil {
		return err
	}
	a.log.Info("storage removed", "dir", dir, "preserve_identity", preserveIdentity,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
