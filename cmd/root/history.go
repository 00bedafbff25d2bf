package root

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docker/execops/pkg/cli"
	"github.com/docker/execops/pkg/config"
	"github.com/docker/execops/pkg/history"
)

func newHistoryCmd(root *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "List recorded missions",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd.Context(), root, func(store history.Store) error {
				records, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				cli.NewPrinter(cmd.OutOrStdout()).PrintHistory(records)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of missions to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a recorded mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), root, func(store history.Store) error {
				rec, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("mission %s: %w", args[0], err)
				}
				cli.NewPrinter(cmd.OutOrStdout()).PrintRecord(rec)
				return nil
			})
		},
	})

	return cmd
}

func withHistory(ctx context.Context, root *rootFlags, fn func(history.Store) error) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func openHistory(ctx context.Context, cfg *config.Config) (*history.SQLiteStore, error) {
	path := cfg.HistoryPath
	if path == "" {
		path = filepath.Join(filepath.Dir(config.DefaultPath()), "history.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	store, err := history.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", path, err)
	}
	return store, nil
}
