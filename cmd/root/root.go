package root

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docker/execops/pkg/cli"
	"github.com/docker/execops/pkg/config"
	"github.com/docker/execops/pkg/version"
)

type rootFlags struct {
	configPath string
	debug      bool
	deadline   time.Duration
}

func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "execops",
		Short: "Run untrusted JavaScript under a watchdog",
		Long: `execops runs JavaScript missions in an isolated interpreter, forwards
their console output, and terminates any mission that stays silent past
its deadline.`,
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd, flags.debug)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file (default "+config.DefaultPath()+")")
	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().DurationVar(&flags.deadline, "deadline", 0, "Watchdog deadline, overriding the configuration")

	cmd.AddGroup(&cobra.Group{ID: "core", Title: "Core Commands:"})
	cmd.AddGroup(&cobra.Group{ID: "server", Title: "Server Commands:"})

	cmd.AddCommand(newRunCmd(&flags))
	cmd.AddCommand(newReplCmd(&flags))
	cmd.AddCommand(newServeCmd(&flags))
	cmd.AddCommand(newHistoryCmd(&flags))
	cmd.AddCommand(newConfigCmd(&flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		cli.NewPrinter(cmd.ErrOrStderr()).PrintError(err)
		return 1
	}
	return 0
}

func setupLogging(cmd *cobra.Command, debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
}

func (f *rootFlags) path() string {
	if f.configPath != "" {
		return f.configPath
	}
	return config.DefaultPath()
}

// loadConfig loads the configuration and applies the command line
// overrides.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.path())
	if err != nil {
		return nil, err
	}
	if f.deadline != 0 {
		if f.deadline < time.Millisecond {
			return nil, fmt.Errorf("--deadline must be at least 1ms, got %s", f.deadline)
		}
		cfg.DeadlineMs = int(f.deadline.Milliseconds())
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			out := cli.NewPrinter(cmd.OutOrStdout())
			out.Printf("execops %s\n", info)
			if info.GoVersion != "" {
				out.Printf("built with %s\n", info.GoVersion)
			}
		},
	}
}
