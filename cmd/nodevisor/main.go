package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/nodevisor/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func (g *GlobalFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout})
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	remote := command{flags: globalFlags}

	root.AddCommand(
		createServeCommand(globalFlags),
		createSpawnCommand(remote),
		createKillCommand(remote),
		createStatusCommand(remote),
		createLogsCommand(remote),
		createOptionsCommand(remote),
		createRemoveStorageCommand(remote),
		createEventsCommand(remote),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodevisor",
		Short: "Local supervisor for an inference backend and an app server",
		Long: `Nodevisor starts, health-checks and stops a local inference backend and the
app server that depends on it, provisioning the default model in between.

Examples:
  nodevisor serve --config=nodevisor.toml --spawn
  nodevisor status
  nodevisor options set ollama_num_parallel=2
  nodevisor events --api-url=http://127.0.0.1:8090/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon control API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return root
}
