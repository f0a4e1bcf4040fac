package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/storage"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lorekeep.yaml", "Path to configuration file")

	cmd.AddCommand(
		buildMigrateUpCmd(&configPath),
		buildMigrateDownCmd(&configPath),
		buildMigrateStatusCmd(&configPath),
	)
	return cmd
}

func buildMigrateUpCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), *configPath, func(ctx context.Context, m *storage.Migrator) error {
				applied, err := m.Up(ctx, steps)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Println("No pending migrations.")
					return nil
				}
				for _, id := range applied {
					fmt.Println("applied", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), *configPath, func(ctx context.Context, m *storage.Migrator) error {
				rolled, err := m.Down(ctx, steps)
				if err != nil {
					return err
				}
				for _, id := range rolled {
					fmt.Println("rolled back", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), *configPath, func(ctx context.Context, m *storage.Migrator) error {
				applied, pending, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, migration := range applied {
					fmt.Printf("applied  %s  %s\n", migration.ID, migration.AppliedAt.Format("2006-01-02 15:04:05"))
				}
				for _, migration := range pending {
					fmt.Printf("pending  %s\n", migration.ID)
				}
				return nil
			})
		},
	}
}

func withMigrator(ctx context.Context, configPath string, fn func(context.Context, *storage.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return err
	}
	return fn(ctx, migrator)
}
