package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/sessions"
)

// openStore opens the configured tabular store for CLI subcommands without
// booting the full daemon.
func openStore(cfg *config.Config) (*sessions.SQLStore, error) {
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	return sessions.OpenSQLStore(driver, cfg.Storage.DSN)
}

func newSessionsCommand(configPath *string) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation sessions",
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context(), "", sessions.ListOptions{})
			if err != nil {
				return err
			}
			for _, session := range list {
				fmt.Printf("%s\t%s\n", session.ID, session.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})
	return sessionsCmd
}

func newMemoryCommand(configPath *string) *cobra.Command {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit the memory blobs",
	}
	memoryCmd.AddCommand(&cobra.Command{
		Use:   "show <kind>",
		Short: "Print one memory blob (identity, user, personality, subconscious, conscious, learning)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMemory(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			text, err := store.Read(memory.Kind(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	})
	memoryCmd.AddCommand(&cobra.Command{
		Use:   "set <kind> <text>",
		Short: "Overwrite one memory blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMemory(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Write(memory.Kind(args[0]), args[1])
		},
	})
	return memoryCmd
}

func openMemory(configPath string) (*memory.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return memory.NewStore(cfg.MemoryDir(), slog.Default())
}

func newCronCommand(configPath *string) *cobra.Command {
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}

	cronCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJobStore(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()
			jobs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s\t%s\t%s %s\tactive=%v\t%q\n", job.ID, job.Name, job.Kind, job.Value, job.Active, job.Task)
			}
			return nil
		},
	})

	addCmd := &cobra.Command{
		Use:   "add <name> <kind> <value> <task>",
		Short: "Create a job (kind: cron | interval | webhook)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := cron.ParseKind(args[1])
			if !ok {
				return fmt.Errorf("unknown schedule kind %q", args[1])
			}
			if err := cron.ValidateSchedule(kind, args[2]); err != nil {
				return err
			}
			store, closeFn, err := openJobStore(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			scheduler := cron.NewScheduler(store, cron.TurnRunnerFunc(
				func(ctx context.Context, sessionID, task string) (string, error) {
					return "", fmt.Errorf("cli scheduler does not fire jobs")
				}))
			job, err := scheduler.Create(cmd.Context(), args[0], kind, args[2], args[3])
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", job.ID)
			return nil
		},
	}
	cronCmd.AddCommand(addCmd)

	cronCmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a job by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openJobStore(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()
			return store.Delete(cmd.Context(), args[0])
		},
	})
	return cronCmd
}

func openJobStore(configPath string) (cron.JobStore, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	jobStore, err := cron.NewSQLJobStore(store.DB(), driver)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return jobStore, func() { store.Close() }, nil
}
