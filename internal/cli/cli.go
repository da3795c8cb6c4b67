package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"
)

var logger = loggo.GetLogger("auspex.cli")

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "auspex",
	Short: "Watches running containers for image updates",
	Long: "auspex watches the containers of one or more hosts, resolves newer image tags and digests " +
		"from their registries and runs triggers (recreate, compose rewrite, GitHub commit, command) when updates appear.",
	SilenceUsage: true,
	RunE:         runController,
}

func Execute() error {
	return rootCmd.Execute()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		logger.Infof("received %s, shutting down", sig)
		cancel()
	}()
	return ctx, cancel
}

// setupLogging sends every log line to stderr at the configured level.
func setupLogging(level string) error {
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(os.Stderr, loggo.DefaultFormatter)); err != nil {
		return errors.Annotate(err, "configuring log writer")
	}
	return errors.Annotate(loggo.ConfigureLoggers("<root>="+level), "configuring log level")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "config", ".env", "Path to a .env file with WUD_* variables; optional unless set explicitly")

	rootCmd.AddCommand(controllerCmd, agentCmd, versionCmd)
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Watch local containers, mirror configured agents and run triggers (default)",
	RunE:  runController,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Watch local containers and serve them to a controller",
	RunE:  runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}
