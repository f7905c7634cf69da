package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appI18n "github.com/provasonline/provas/internal/i18n"
)

// withApp runs fn against a freshly opened app for a CLI command.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, v *viper.Viper, a *app) error) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, v, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, v, a)
}

// withSync runs fn against the sync engine only, leaving the data store
// closed so a running server keeps its lock on it.
func withSync(cmd *cobra.Command, fn func(ctx context.Context, v *viper.Viper, e *syncEngine) error) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	e, err := openSync(v, syncedCollections, false)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), v, e)
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore data store snapshots",
	}
	addBackupFlags(cmd.PersistentFlags())

	run := &cobra.Command{
		Use:   "run",
		Short: "Take a snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, _ *viper.Viper, a *app) error {
				if err := a.runBackup(ctx); err != nil {
					return fmt.Errorf("backup: %w", err)
				}
				list, err := a.backup.ListBackups()
				if err != nil {
					return err
				}
				if len(list) > 0 {
					return printJSON(list[0])
				}
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List full backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, _ *viper.Viper, a *app) error {
				list, err := a.backup.ListBackups()
				if err != nil {
					return err
				}
				return printJSON(list)
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Replace collection contents with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, _ *viper.Viper, a *app) error {
				path, err := a.backup.ResolvePath(args[0])
				if err != nil {
					return err
				}
				report, err := a.backup.Restore(ctx, path)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Complete() {
					return fmt.Errorf("restore of %s was partial", args[0])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(run, list, restore)
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and deliver the offline sync queue",
	}
	addSyncFlags(cmd.PersistentFlags())

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Probe the server and deliver pending items once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSync(cmd, func(ctx context.Context, v *viper.Viper, e *syncEngine) error {
				if v.GetString("api-url") == "" {
					return fmt.Errorf("--api-url is required")
				}
				if !e.monitor.Check(ctx) {
					slog.Warn("server unreachable, nothing delivered", "url", v.GetString("api-url"))
				}
				report, err := e.dispatcher.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show pending and dead-lettered item counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSync(cmd, func(ctx context.Context, v *viper.Viper, e *syncEngine) error {
				if v.GetString("api-url") != "" {
					e.monitor.Check(ctx)
				}
				dead, err := e.queue.ListDeadLetter()
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"queue": e.queue.Status(), "failed": len(dead)})
			})
		},
	}

	failed := &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSync(cmd, func(_ context.Context, _ *viper.Viper, e *syncEngine) error {
				items, err := e.queue.ListDeadLetter()
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Move dead-lettered items back into the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSync(cmd, func(_ context.Context, _ *viper.Viper, e *syncEngine) error {
				for _, id := range args {
					if err := e.queue.Requeue(id); err != nil {
						return fmt.Errorf("requeue %s: %w", id, err)
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(drain, status, failed, retry)
	return cmd
}
