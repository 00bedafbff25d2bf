package root

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/docker/execops/pkg/app"
	"github.com/docker/execops/pkg/cli"
	"github.com/docker/execops/pkg/config"
	"github.com/docker/execops/pkg/sound"
)

const replHelp = `.deadline [duration]  show or set the watchdog deadline
.history [n]          list the last n missions
.help                 show this help
.exit                 leave
End a line with \ to continue the mission on the next line.
`

type replFlags struct {
	*rootFlags
	verbose bool
	bell    bool
}

func newReplCmd(root *rootFlags) *cobra.Command {
	flags := replFlags{rootFlags: root}

	cmd := &cobra.Command{
		Use:     "repl",
		Short:   "Run missions interactively, one per line",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE:    flags.runReplCommand,
	}
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Print a summary after each mission")
	cmd.Flags().BoolVar(&flags.bell, "bell", false, "Play a sound when a mission ends")

	return cmd
}

func (f *replFlags) runReplCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd())) && cmd.InOrStdin() == os.Stdin
	var historyFile string
	if interactive {
		historyFile = filepath.Join(filepath.Dir(config.DefaultPath()), "repl_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "",
		Stdin:           io.NopCloser(cmd.InOrStdin()),
		Stdout:          cmd.OutOrStdout(),
		Stderr:          cmd.ErrOrStderr(),
		FuncIsTerminal:  func() bool { return interactive },
	})
	if err != nil {
		return fmt.Errorf("starting line editor: %w", err)
	}
	defer rl.Close()

	if interactive {
		out.Printf("execops %s deadline, .help for commands\n", a.Deadline())
	}

	var pending []string
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			pending = nil
			rl.SetPrompt("> ")
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		if cont, ok := strings.CutSuffix(line, `\`); ok {
			pending = append(pending, cont)
			rl.SetPrompt(". ")
			continue
		}
		code := strings.Join(append(pending, line), "\n")
		pending = nil
		rl.SetPrompt("> ")

		if strings.TrimSpace(code) == "" {
			continue
		}
		if strings.HasPrefix(code, ".") {
			quit, err := replCommand(cmd, a, out, code)
			if err != nil {
				out.PrintError(err)
			}
			if quit {
				return nil
			}
			continue
		}

		res, err := a.Run(ctx, code)
		if res.MissionID != 0 {
			out.PrintResult(res, f.verbose)
			if f.bell {
				sound.Play(res.Outcome)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out.PrintError(err)
		}
	}
}

func replCommand(cmd *cobra.Command, a *app.App, out *cli.Printer, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case ".exit", ".quit":
		return true, nil
	case ".help":
		out.Printf("%s", replHelp)
	case ".deadline":
		if arg != "" {
			d, err := time.ParseDuration(arg)
			if err != nil {
				return false, err
			}
			if err := a.SetDeadline(d); err != nil {
				return false, err
			}
		}
		out.Printf("deadline %s\n", a.Deadline())
	case ".history":
		limit := 10
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				return false, fmt.Errorf("invalid count %q", arg)
			}
			limit = n
		}
		store := a.History()
		if store == nil {
			return false, errors.New("history is disabled")
		}
		records, err := store.List(cmd.Context(), limit)
		if err != nil {
			return false, err
		}
		out.PrintHistory(records)
	default:
		return false, fmt.Errorf("unknown command %s, try .help", name)
	}
	return false, nil
}
