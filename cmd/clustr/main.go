package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// ProcessesFlags holds flags for the processes command
type ProcessesFlags struct {
	Type       string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	processesFlags := &ProcessesFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createProcessesCommand(globalFlags, processesFlags),
		createSweepCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "clustr",
		Short: "Cluster server directory and database node",
		Long: `Clustr runs one cluster member: it registers the process in a shared
server directory, keeps its liveness pulse fresh and serves an
asynchronous query engine over the configured storages.

Examples:
  clustr serve --config=login.toml
  clustr processes --config=login.toml --type=zone
  clustr processes --api-url=http://login:8080/api
  clustr sweep --config=login.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *globalFlags)
		},
	}
}

// createProcessesCommand creates the processes subcommand
func createProcessesCommand(globalFlags *GlobalFlags, flags *ProcessesFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List directory records with their liveness",
		Long: `List the cluster's process records. With --api-url the records are
read from a running node's admin API, otherwise straight from the
directory storage named in --config.

Examples:
  clustr processes --config=login.toml
  clustr processes --config=login.toml --type=login
  clustr processes --api-url=http://login:8080/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcesses(cmd.Context(), cmd.OutOrStdout(), *globalFlags, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "", "only list processes of this type")
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "node admin API URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createSweepCommand creates the sweep subcommand
func createSweepCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove dead process records of the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cmd.OutOrStdout(), *globalFlags)
		},
	}
}
