package root

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/docker/execops/pkg/app"
	"github.com/docker/execops/pkg/cli"
	"github.com/docker/execops/pkg/config"
	"github.com/docker/execops/pkg/server"
	"github.com/docker/execops/pkg/supervisor"
	"github.com/docker/execops/pkg/telemetry"
)

type serveFlags struct {
	*rootFlags
	listenAddr string
	webRoot    string
	noWatch    bool
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := serveFlags{rootFlags: root}

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve missions over HTTP and WebSocket",
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runServeCommand,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (host:port or unix:///path/to/socket)")
	cmd.Flags().StringVar(&flags.webRoot, "web-root", "", "Directory of static files to serve")
	cmd.Flags().BoolVar(&flags.noWatch, "no-watch", false, "Do not reload the configuration file when it changes")

	return cmd
}

func (f *serveFlags) runServeCommand(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	out := cli.NewPrinter(cmd.OutOrStdout())

	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	if f.listenAddr != "" {
		cfg.Listen = f.listenAddr
	}
	if f.webRoot != "" {
		cfg.WebRoot = f.webRoot
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}

	fatal := make(chan error, 1)
	opts := append(app.SupervisorOptions(cfg),
		supervisor.WithMetrics(telemetry.NewMetrics(reg)),
		supervisor.WithOnFatal(func(err error) {
			slog.Error("Supervisor cannot provision a new interpreter", "error", err)
			select {
			case fatal <- err:
			default:
			}
			cancel()
		}),
	)
	a, err := app.New(store, opts...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("starting supervisor: %w", err)
	}
	defer a.Close()

	ln, err := server.Listen(ctx, cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	srv := server.New(a,
		server.WithWebRoot(cfg.WebRoot),
		server.WithToken(cfg.APIToken),
		server.WithGatherer(reg),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	if !f.noWatch {
		g.Go(func() error {
			return watchConfig(gctx, f.path(), a)
		})
	}

	out.Println("Listening on " + ln.Addr().String())

	err = g.Wait()
	select {
	case err := <-fatal:
		return err
	default:
		return err
	}
}

// watchConfig applies the configuration file to a each time it changes.
func watchConfig(ctx context.Context, path string, a *app.App) error {
	w, err := config.NewWatcher(0)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Watch(path); err != nil {
		slog.Warn("Not watching the configuration file", "path", path, "error", err)
		return nil
	}
	w.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events():
			if ev.Err != nil {
				slog.Error("Ignoring invalid configuration", "path", ev.Path, "error", ev.Err)
				continue
			}
			if err := a.ApplyConfig(ev.Config); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Failed to apply configuration", "path", ev.Path, "error", err)
			}
		}
	}
}
