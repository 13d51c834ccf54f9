package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/regen"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

type options struct {
	configFile         string
	verbosityTraceFlag bool
	logFilenameFlag    string
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error: "+err.Error())
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}
	serve := newServeCmd(opts, stdout)
	rootCmd := &cobra.Command{
		Use:           "regen",
		Short:         "Serve pre-rendered pages, building missing ones on first access",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// built pages go to stdout
			if cmd.Name() == "build" {
				return setupLogger(opts, cmd.ErrOrStderr())
			}
			return setupLogger(opts, stdout)
		},
		// serving is the default
		RunE: serve.RunE,
		Args: cobra.NoArgs,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&opts.verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&opts.logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(newBuildCmd(opts))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "regen "+version)
		},
	})
	return rootCmd
}

// setupLogger sets the global logger, writing to out and
// also to the log file if specified.
func setupLogger(opts *options, out io.Writer) error {
	logLevel := zerolog.DebugLevel
	if opts.verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: out})
	if opts.logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(opts.logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

func loadConfig(opts *options) (regen.FileConfig, error) {
	return regen.LoadConfig(opts.configFile)
}
