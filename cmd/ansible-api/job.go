package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/history"
	"github.com/mattjoyce/ansible-api/internal/inspect"
	"github.com/mattjoyce/ansible-api/internal/storage"
)

func newJobCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect recorded jobs",
	}
	cmd.AddCommand(newJobShowCmd(configPath), newJobListCmd(configPath))
	return cmd
}

func newJobShowCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job from the history database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), *configPath, func(store *history.Store) error {
				build := inspect.BuildReport
				if asJSON {
					build = inspect.BuildJSONReport
				}
				out, err := build(cmd.Context(), store, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func newJobListCmd(configPath *string) *cobra.Command {
	var (
		limit  int
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), *configPath, func(store *history.Store) error {
				out, err := inspect.BuildList(cmd.Context(), store, limit, history.Status(status))
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this state (queued, running, succeeded, failed)")
	return cmd
}

// withHistory opens the configured history database for the duration of fn.
func withHistory(ctx context.Context, configPath string, fn func(*history.Store) error) error {
	cfg, err := config.Load(configFile(configPath))
	if err != nil {
		return err
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("job history is disabled (state.path is not set)")
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return fn(history.NewStore(db))
}
