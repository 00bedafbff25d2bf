package root

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/docker/execops/pkg/app"
	"github.com/docker/execops/pkg/cli"
	"github.com/docker/execops/pkg/config"
	"github.com/docker/execops/pkg/history"
	"github.com/docker/execops/pkg/mission"
	"github.com/docker/execops/pkg/sound"
)

type runFlags struct {
	*rootFlags
	eval      string
	verbose   bool
	noHistory bool
	bell      bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := runFlags{rootFlags: root}

	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Run a JavaScript file as a single mission",
		Example: `  execops run script.js
  echo 'console.log(1 + 1)' | execops run -
  execops run -e 'setTimeout(() => console.log("later"), 100)'`,
		GroupID: "core",
		Args:    cobra.MaximumNArgs(1),
		RunE:    flags.runRunCommand,
	}

	cmd.Flags().StringVarP(&flags.eval, "eval", "e", "", "Code to run instead of a file")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Print a summary after the output")
	cmd.Flags().BoolVar(&flags.noHistory, "no-history", false, "Do not record the mission")
	cmd.Flags().BoolVar(&flags.bell, "bell", false, "Play a sound when the mission ends")

	return cmd
}

func (f *runFlags) runRunCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	code, err := readCode(cmd.InOrStdin(), f.eval, args)
	if err != nil {
		return err
	}

	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, !f.noHistory)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Run(ctx, code)
	if res.MissionID != 0 {
		out.PrintResult(res, f.verbose)
		if f.bell {
			// The process exits right after, so wait for the player.
			sound.PlayWait(res.Outcome)
		}
	}
	if err != nil {
		return err
	}
	if res.Outcome != mission.OutcomeCompleted {
		return fmt.Errorf("mission %s", res.Outcome)
	}
	return nil
}

func readCode(stdin io.Reader, eval string, args []string) (string, error) {
	switch {
	case eval != "" && len(args) > 0:
		return "", errors.New("--eval cannot be combined with a file argument")
	case eval != "":
		return eval, nil
	case len(args) == 0:
		return "", errors.New("a file, - or --eval is required")
	}

	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(data), nil
}

// newApp builds an app from cfg, recording into the history store when
// withHistory is set.
func newApp(ctx context.Context, cfg *config.Config, withHistory bool) (*app.App, error) {
	var store history.Store
	if withHistory {
		s, err := openHistory(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s
	}

	a, err := app.New(store, app.SupervisorOptions(cfg)...)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("starting supervisor: %w", err)
	}
	return a, nil
}
