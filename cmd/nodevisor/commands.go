package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/nodevisor/pkg/client"
	"github.com/spf13/cobra"
)

// command runs remote commands against the daemon's control API.
type command struct {
	flags *GlobalFlags
}

func (c command) Spawn(ctx context.Context, out io.Writer, wait bool) error {
	st, err := c.flags.client().Spawn(ctx, wait)
	if err != nil {
		return err
	}
	if st == nil {
		_, _ = fmt.Fprintln(out, "spawn requested; follow progress with 'nodevisor events'")
		return nil
	}
	printJSON(out, st)
	return nil
}

func (c command) Kill(ctx context.Context, out io.Writer) error {
	if err := c.flags.client().Kill(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "killed")
	return nil
}

func (c command) Status(ctx context.Context, out io.Writer) error {
	st, err := c.flags.client().Status(ctx)
	if err != nil {
		return err
	}
	printJSON(out, st)
	return nil
}

func (c command) Logs(ctx context.Context, out io.Writer, n int, service string) error {
	logs, err := c.flags.client().Logs(ctx, n, service)
	if err != nil {
		return err
	}
	for _, e := range logs {
		_, _ = fmt.Fprintf(out, "%s [%s] %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Process, e.Message)
	}
	return nil
}

func (c command) OptionsGet(ctx context.Context, out io.Writer) error {
	o, err := c.flags.client().Options(ctx)
	if err != nil {
		return err
	}
	printJSON(out, o)
	return nil
}

func (c command) OptionsSet(ctx context.Context, out io.Writer, pairs []string) error {
	partial, err := parseOptionPairs(pairs)
	if err != nil {
		return err
	}
	o, err := c.flags.client().SetOptions(ctx, partial)
	if err != nil {
		return err
	}
	printJSON(out, o)
	return nil
}

func (c command) OptionsReset(ctx context.Context, out io.Writer) error {
	o, err := c.flags.client().ResetOptions(ctx)
	if err != nil {
		return err
	}
	printJSON(out, o)
	return nil
}

func (c command) RemoveStorage(ctx context.Context, out io.Writer, preserveIdentity bool) error {
	if err := c.flags.client().RemoveStorage(ctx, preserveIdentity); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "storage removed")
	return nil
}

// Events prints events until interrupted, the daemon closes the stream or
// limit events were printed (0 means no limit).
func (c command) Events(ctx context.Context, out io.Writer, limit int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	seen := 0
	return c.flags.client().Events(ctx, func(e client.Event) bool {
		_, _ = fmt.Fprintln(out, formatEvent(e))
		seen++
		return limit <= 0 || seen < limit
	})
}

func createSpawnCommand(c command) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Start the backend, provision the model and start the app server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Spawn(cmd.Context(), cmd.OutOrStdout(), wait)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until both services are running")
	return cmd
}

func createKillCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Stop the app server and then the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator and service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createLogsCommand(c command) *cobra.Command {
	var (
		n       int
		service string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print captured service output",
		Long: `Print the most recent output lines of both services merged by time, or of one
service with --service.

Examples:
  nodevisor logs -n 50
  nodevisor logs --service=app-server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), n, service)
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 100, "number of lines")
	cmd.Flags().StringVar(&service, "service", "", "backend or app-server (default both)")
	return cmd
}

func createOptionsCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Inspect or change service options",
		Long: `Options are applied on the next spawn. Keys are snake_case and may be
qualified with "backend." or "app_server.".

Examples:
  nodevisor options get
  nodevisor options set ollama_num_parallel=2 app_server.node_api_port=9560
  nodevisor options reset`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current options",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.OptionsGet(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "set key=value...",
			Short: "Merge options into the current ones",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.OptionsSet(cmd.Context(), cmd.OutOrStdout(), args)
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore the default options",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.OptionsReset(cmd.Context(), cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func createRemoveStorageCommand(c command) *cobra.Command {
	var preserve bool
	cmd := &cobra.Command{
		Use:   "remove-storage",
		Short: "Delete the app server storage directory",
		Long: `Delete the app server storage. Refused while the app server is running.
With --preserve-identity the node identity key is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RemoveStorage(cmd.Context(), cmd.OutOrStdout(), preserve)
		},
	}
	cmd.Flags().BoolVar(&preserve, "preserve-identity", false, "keep the identity secret")
	return cmd
}

func createEventsCommand(c command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(cmd.Context(), cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "exit after this many events (0 streams until interrupted)")
	return cmd
}
