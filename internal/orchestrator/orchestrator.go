// Package orchestrator runs the backend and the app server as one unit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loykin/nodevisor/internal/env"
	"github.com/loykin/nodevisor/internal/events"
	"github.com/loykin/nodevisor/internal/logger"
	"github.com/loykin/nodevisor/internal/metrics"
	"github.com/loykin/nodevisor/internal/ollama"
	"github.com/loykin/nodevisor/internal/process"
	"github.com/loykin/nodevisor/internal/service"
	"github.com/loykin/nodevisor/internal/sysproc"
)

const DefaultModel = "llama3.2:1b"

var (
	ErrStillRunning = service.ErrStillRunning
	// ErrAborted is returned by a Spawn interrupted by Kill.
	ErrAborted = errors.New("spawn aborted by kill")
)

// Service is the part of a managed service the orchestrator drives.
type Service interface {
	Spawn(ctx context.Context) error
	Kill()
	IsRunning() bool
	Status() process.Status
	LastNLogs(n int) []process.LogEntry
	Ports() []int
}

type Backend interface {
	Service
	Options() service.BackendOptions
	SetOptions(service.BackendOptions) service.BackendOptions
	SetDefaultOptions() service.BackendOptions
	BaseURL() string
}

type AppServer interface {
	Service
	Options() service.AppServerOptions
	SetOptions(service.AppServerOptions) service.AppServerOptions
	SetDefaultOptions() service.AppServerOptions
	RemoveStorage(preserveIdentity bool) error
}

// ModelClient is the backend API used to ensure the default model.
type ModelClient interface {
	ListInstalledModels(ctx context.Context) ([]ollama.Model, error)
	PullModel(ctx context.Context, name string, progress func(ollama.PullEvent)) error
	CreateModelFromLocalFile(ctx context.Context, name, path string, opts ...ollama.CreateOption) error
}

// Config describes both services and the model they need.
type Config struct {
	DefaultModel string `toml:"default_model" mapstructure:"default_model"`
	// ModelFile is a bundled GGUF file preferred over a network pull.
	ModelFile string `toml:"model_file" mapstructure:"model_file"`

	Backend   service.BackendConfig   `toml:"backend" mapstructure:"backend"`
	AppServer service.AppServerConfig `toml:"app_server" mapstructure:"app_server"`
	// Options override the built-in defaults of both services.
	Options service.Options `toml:"options" mapstructure:"options"`
}

// Deps carries injected collaborators. Nil services are built from Config.
type Deps struct {
	Backend   Backend
	AppServer AppServer
	Models    func(baseURL string) ModelClient
	Adapter   sysproc.Adapter
	// Env is the base environment of both services; nil uses the OS environment.
	Env *env.Env
	Bus *events.Bus
	// Publisher additionally receives every event.
	Publisher events.Publisher
	// LogFiles, when it has a Dir, receives a rotating copy of each service's output.
	LogFiles logger.FileConfig
	Logger   *slog.Logger
}

type Orchestrator struct {
	cfg     Config
	backend Backend
	app     AppServer
	models  func(baseURL string) ModelClient
	adapter sysproc.Adapter
	bus     *events.Bus
	pub     events.Publisher
	log     *slog.Logger
	closers []io.Closer

	spawnMu sync.Mutex
	gen     atomic.Uint64

	mu    sync.RWMutex
	state State
}

func New(cfg Config, d Deps) (*Orchestrator, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Bus == nil {
		d.Bus = events.NewBus(events.DefaultBuffer)
	}
	if d.Adapter == nil {
		a, err := sysproc.New()
		if err != nil {
			return nil, err
		}
		d.Adapter = a
	}
	o := &Orchestrator{
		cfg:     cfg,
		adapter: d.Adapter,
		bus:     d.Bus,
		pub:     events.Multi(d.Bus, d.Publisher),
		log:     d.Logger.With("component", "orchestrator"),
		state:   Idle,
	}
	o.backend = d.Backend
	if o.backend == nil {
		b, err := service.NewBackend(cfg.Backend,
			service.DefaultBackendOptions().Merge(cfg.Options.Backend),
			o.serviceDeps(service.BackendName, d))
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("backend: %w", err)
		}
		o.backend = b
	}
	o.app = d.AppServer
	if o.app == nil {
		app, err := service.NewAppServer(cfg.AppServer,
			service.DefaultAppServerOptions(cfg.AppServer.StoragePath).Merge(cfg.Options.AppServer),
			o.serviceDeps(service.AppServerName, d))
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("app server: %w", err)
		}
		o.app = app
	}
	o.models = d.Models
	if o.models == nil {
		o.models = o.defaultModels
	}
	metrics.SetOrchestratorState(string(Idle), stateNames)
	return o, nil
}

func (o *Orchestrator) serviceDeps(name string, d Deps) service.Deps {
	sd := service.Deps{Adapter: d.Adapter, Env: d.Env, OnEvent: o.processEvent, Logger: d.Logger}
	if w := d.LogFiles.Writer(name); w != nil {
		o.closers = append(o.closers, w)
		sd.Output = w
	}
	return sd
}

func (o *Orchestrator) defaultModels(baseURL string) ModelClient {
	if c, ok := o.backend.(interface{ Client() *ollama.Client }); ok {
		return c.Client()
	}
	return ollama.New(ollama.Config{BaseURL: baseURL, Logger: o.log})
}

// Events returns the bus every lifecycle event is published on.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

func (o *Orchestrator) Subscribe() *events.Subscription { return o.bus.Subscribe() }

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.log.Debug("state changed", "from", prev, "state", s)
		metrics.SetOrchestratorState(string(s), stateNames)
	}
}

// IsRunning reports whether both services are running.
func (o *Orchestrator) IsRunning() bool {
	return o.backend.IsRunning() && o.app.IsRunning()
}

func (o *Orchestrator) publish(e events.Event) { o.pub.Publish(e) }

// Spawn starts the backend, ensures the default model and starts the app
// server. Any failure tears down what was started before returning.
func (o *Orchestrator) Spawn(ctx context.Context) error {
	o.spawnMu.Lock()
	defer o.spawnMu.Unlock()
	if o.IsRunning() {
		o.log.Info("already running")
		return nil
	}
	gen := o.gen.Load()
	aborted := func() bool { return o.gen.Load() != gen }

	o.setState(StartingBackend)
	o.publish(events.New(events.StartingBackend))
	if !o.backend.IsRunning() {
		o.reclaim(ctx, service.BackendName, o.backend.Ports())
	}
	if err := o.backend.Spawn(ctx); err != nil {
		o.publish(events.Failed(events.BackendStartError, "", err))
		return o.fail(gen, fmt.Errorf("start backend: %w", err))
	}
	o.publish(events.New(events.BackendStarted))
	if aborted() {
		return o.abort()
	}

	o.setState(ProvisioningModel)
	if err := o.ensureModel(ctx); err != nil {
		return o.fail(gen, err)
	}
	if aborted() {
		return o.abort()
	}

	o.setState(StartingAppServer)
	o.publish(events.New(events.StartingAppServer))
	if !o.app.IsRunning() {
		o.reclaim(ctx, service.AppServerName, o.app.Ports())
	}
	if err := o.app.Spawn(ctx); err != nil {
		o.publish(events.Failed(events.AppServerStartError, "", err))
		return o.fail(gen, fmt.Errorf("start app server: %w", err))
	}
	o.publish(events.New(events.AppServerStarted))
	if aborted() {
		return o.abort()
	}
	o.setState(Running)
	o.log.Info("running", "backend", o.backend.BaseURL(), "model", o.cfg.DefaultModel)
	return nil
}

// abort kills whatever a Spawn overtaken by Kill managed to start after Kill
// ran.
func (o *Orchestrator) abort() error {
	o.stopService(o.app, events.StoppingAppServer, events.AppServerStopped)
	o.stopService(o.backend, events.StoppingBackend, events.BackendStopped)
	return ErrAborted
}

func (o *Orchestrator) fail(gen uint64, err error) error {
	if o.gen.Load() != gen {
		// Kill already tore everything down.
		return errors.Join(ErrAborted, err)
	}
	o.log.Error("spawn failed, tearing down", "err", err)
	o.stop()
	return err
}

func (o *Orchestrator) reclaim(ctx context.Context, name string, ports []int) {
	if len(ports) == 0 {
		return
	}
	if killed := sysproc.Reclaim(ctx, o.adapter, ports...); len(killed) > 0 {
		o.log.Warn("killed processes holding ports", "process", name, "ports", ports, "pids", killed)
	}
}

// Kill stops the app server and then the backend. It does not wait for an
// in-flight Spawn, which then returns ErrAborted.
func (o *Orchestrator) Kill() {
	o.gen.Add(1)
	o.stop()
}

func (o *Orchestrator) stop() {
	o.setState(Stopping)
	o.stopService(o.app, events.StoppingAppServer, events.AppServerStopped)
	o.stopService(o.backend, events.StoppingBackend, events.BackendStopped)
	o.setState(Idle)
}

// stopService kills s and publishes the stopping and stopped pair only when s
// was running. Kill is still called so a launch in progress is not missed.
func (o *Orchestrator) stopService(s Service, stopping, stopped events.Kind) {
	running := s.IsRunning()
	if running {
		o.publish(events.New(stopping))
	}
	s.Kill()
	if running {
		o.publish(events.New(stopped))
	}
}

// processEvent observes supervisor events of both services.
func (o *Orchestrator) processEvent(e process.Event) {
	log := o.log.With("process", e.Process, "pid", e.PID)
	switch e.Kind {
	case process.Started:
		log.Info("process started")
	case process.Stopped:
		if o.State() != Running {
			log.Debug("process stopped")
			return
		}
		log.Warn("process exited unexpectedly", "err", e.ExitErr)
		switch e.Process {
		case service.BackendName:
			o.publish(events.New(events.BackendStopped))
		case service.AppServerName:
			o.publish(events.New(events.AppServerStopped))
		}
		o.setState(Idle)
	}
}

func (o *Orchestrator) Options() service.Options {
	return service.Options{Backend: o.backend.Options(), AppServer: o.app.Options()}
}

// SetOptions merges partial into both services' options and returns the
// effective result. Running processes are not restarted.
func (o *Orchestrator) SetOptions(partial service.Options) service.Options {
	return service.Options{
		Backend:   o.backend.SetOptions(partial.Backend),
		AppServer: o.app.SetOptions(partial.AppServer),
	}
}

func (o *Orchestrator) SetDefaultOptions() service.Options {
	return service.Options{
		Backend:   o.backend.SetDefaultOptions(),
		AppServer: o.app.SetDefaultOptions(),
	}
}

func (o *Orchestrator) RemoveStorage(preserveIdentity bool) error {
	return o.app.RemoveStorage(preserveIdentity)
}

func (o *Orchestrator) BackendURL() string { return o.backend.BaseURL() }

func (o *Orchestrator) DefaultModel() string { return o.cfg.DefaultModel }

// LastNLogs merges the logs of both services in timestamp order.
func (o *Orchestrator) LastNLogs(n int) []process.LogEntry {
	var all []process.LogEntry
	all = append(all, o.backend.LastNLogs(n)...)
	all = append(all, o.app.LastNLogs(n)...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// ServiceLogs returns the logs of one service.
func (o *Orchestrator) ServiceLogs(name string, n int) ([]process.LogEntry, error) {
	switch name {
	case service.BackendName:
		return o.backend.LastNLogs(n), nil
	case service.AppServerName:
		return o.app.LastNLogs(n), nil
	}
	return nil, fmt.Errorf("unknown service %q", name)
}

type Status struct {
	State        State          `json:"state"`
	Running      bool           `json:"running"`
	DefaultModel string         `json:"default_model"`
	BackendURL   string         `json:"backend_url"`
	Backend      process.Status `json:"backend"`
	AppServer    process.Status `json:"app_server"`
}

func (o *Orchestrator) Status() Status {
	return Status{
		State:        o.State(),
		Running:      o.IsRunning(),
		DefaultModel: o.cfg.DefaultModel,
		BackendURL:   o.backend.BaseURL(),
		Backend:      o.backend.Status(),
		AppServer:    o.app.Status(),
	}
}

// PIDs maps running service names to their pids.
func (o *Orchestrator) PIDs() map[string]int {
	out := map[string]int{}
	for name, s := range map[string]Service{service.BackendName: o.backend, service.AppServerName: o.app} {
		if pid := s.Status().PID; pid > 0 {
			out[name] = pid
		}
	}
	return out
}

// Close releases log files and closes the event bus. It does not stop the
// services.
func (o *Orchestrator) Close() {
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			o.log.Warn("close service log", "err", err)
		}
	}
	o.closers = nil
	if o.bus != nil {
		o.bus.Close()
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
