package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/nodevisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Spawn     bool
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the nodevisor daemon",
		Long: `Run the daemon: load the config, build the orchestrator and serve the control
API and metrics. Both services are killed on SIGINT or SIGTERM.

Examples:
  nodevisor serve                         # defaults plus NODEVISOR_* overrides
  nodevisor serve nodevisor.toml --spawn  # start both services immediately
  nodevisor serve --daemonize --pidfile=/tmp/nodevisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Spawn, "spawn", false, "spawn both services after startup")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	return cmd
}

func runServe(ctx context.Context, path string, flags *ServeFlags) error {
	cfg, err := nodevisor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	log := nodevisor.NewLogger(cfg)
	slog.SetDefault(log)

	o, err := nodevisor.New(cfg, log)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer o.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := nodevisor.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "err", err)
		}
		if cfg.Metrics.Listen != "" {
			srv, addr, err := nodevisor.ServeMetrics(cfg.Metrics.Listen)
			if err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			defer func() { _ = srv.Close() }()
			log.Info("serving metrics", "addr", addr.String())
		} else {
			metricsHandler = nodevisor.MetricsHandler()
		}
		rc, err := nodevisor.NewResourceCollector(ctx, cfg.Metrics.Resources, o, prometheus.DefaultRegisterer)
		if err != nil {
			log.Warn("failed to register resource metrics", "err", err)
		} else {
			defer rc.Stop()
		}
	}

	if cfg.History.Enabled {
		sinks, err := nodevisor.NewHistorySinks(cfg.History.Sinks)
		if err != nil {
			return err
		}
		// journals until the bus closes, after the shutdown events of o.Kill
		stopHistory := nodevisor.StartHistory(o, log, sinks...)
		defer func() {
			stopHistory()
			if err := nodevisor.CloseHistorySinks(sinks...); err != nil {
				log.Warn("close history sinks", "err", err)
			}
		}()
		log.Info("journaling events", "sinks", len(sinks))
	}

	if cfg.Server.Enabled {
		srv, addr, err := nodevisor.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, o, metricsHandler, log)
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("serving control API", "addr", addr.String(), "base_path", cfg.Server.BasePath)
	}

	if flags.Spawn || cfg.Orchestrator.SpawnOnStart {
		go func() {
			if err := o.Spawn(ctx); err != nil {
				log.Error("spawn failed", "err", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	o.Kill()
	// ends event streams and history forwarding
	o.Events().Close()
	return nil
}
