package nodevisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	cfg "github.com/loykin/nodevisor/internal/config"
	"github.com/loykin/nodevisor/internal/events"
	"github.com/loykin/nodevisor/internal/history"
	"github.com/loykin/nodevisor/internal/history/factory"
	"github.com/loykin/nodevisor/internal/logger"
	"github.com/loykin/nodevisor/internal/metrics"
	"github.com/loykin/nodevisor/internal/orchestrator"
	iapi "github.com/loykin/nodevisor/internal/server"
	"github.com/loykin/nodevisor/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Orchestrator = orchestrator.Orchestrator

type Status = orchestrator.Status

type State = orchestrator.State

type Options = service.Options

type BackendOptions = service.BackendOptions

type AppServerOptions = service.AppServerOptions

type Event = events.Event

type EventKind = events.Kind

type Config = cfg.Config

type HistorySink = history.Sink

type ResourceCollector = metrics.ResourceCollector

type ResourceConfig = metrics.ResourceConfig

type Subscription = events.Subscription

var (
	ErrStillRunning = orchestrator.ErrStillRunning
	ErrAborted      = orchestrator.ErrAborted
)

// LoadConfig reads a TOML config; an empty path yields the defaults plus
// NODEVISOR_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewLogger builds the daemon logger described by c.Log.
func NewLogger(c *Config) *slog.Logger { return logger.New(c.Log) }

// New builds an orchestrator from a loaded config. Service output is mirrored
// to rotating files when log.file.dir is set.
func New(c *Config, log *slog.Logger) (*Orchestrator, error) {
	base, err := c.BaseEnv()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return orchestrator.New(c.OrchestratorConfig(), orchestrator.Deps{
		Env:      base,
		LogFiles: c.Log.File,
		Logger:   log,
	})
}

// NewHTTPServer serves the control API for o on addr. A non-nil metrics
// handler is mounted at /metrics.
func NewHTTPServer(addr, basePath string, o *Orchestrator, metricsHandler http.Handler, log *slog.Logger) (*http.Server, net.Addr, error) {
	opts := []iapi.Option{iapi.WithLogger(log)}
	if metricsHandler != nil {
		opts = append(opts, iapi.WithMetrics(metricsHandler))
	}
	return iapi.NewServer(addr, iapi.NewRouter(o, basePath, opts...))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// ServeMetrics starts a background HTTP server on addr exposing /metrics
// using the default registry.
func ServeMetrics(addr string) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "err", err)
		}
	}()
	return srv, ln.Addr(), nil
}

// NewResourceCollector samples CPU and memory of the orchestrator's services
// until ctx is done. It is registered with r before sampling starts.
func NewResourceCollector(ctx context.Context, c ResourceConfig, o *Orchestrator, r prometheus.Registerer) (*ResourceCollector, error) {
	rc := metrics.NewResourceCollector(c)
	if err := rc.Register(r); err != nil {
		return nil, err
	}
	rc.Start(ctx, o.PIDs)
	return rc, nil
}

// NewHistorySinks opens one sink per DSN (sqlite://, postgres://,
// clickhouse://, opensearch://).
func NewHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

// ForwardHistory journals o's events into sinks until ctx is done or o is
// closed. It blocks.
func ForwardHistory(ctx context.Context, o *Orchestrator, log *slog.Logger, sinks ...HistorySink) {
	history.Forward(ctx, o.Events(), log, sinks...)
}

// StartHistory subscribes to o's events before returning and journals them
// into sinks in the background. The returned stop closes o's event bus and
// waits until every buffered event has been sent, so shutdown events
// published before stop are journaled.
func StartHistory(o *Orchestrator, log *slog.Logger, sinks ...HistorySink) (stop func()) {
	sub := o.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		history.Drain(context.Background(), sub, log, sinks...)
	}()
	return func() {
		o.Events().Close()
		<-done
	}
}

func CloseHistorySinks(sinks ...HistorySink) error { return history.CloseAll(sinks...) }
