package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the aily storage file",
	}
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBBackupCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			gdb, err := db.Connect(cfg.Storage.Path)
			if err != nil {
				return &exitError{code: exitStorage, err: err}
			}
			if err := db.Migrate(gdb); err != nil {
				return &exitError{code: exitStorage, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (%s)\n", db.SchemaVersion, cfg.Storage.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to optional YAML config file")
	return cmd
}

func newDBBackupCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a compressed snapshot of the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			retain := time.Duration(cfg.Storage.BackupRetainDay) * 24 * time.Hour
			path, err := db.Snapshot(cfg.Storage.Path, cfg.Storage.BackupDir, retain)
			if err != nil {
				return &exitError{code: exitStorage, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to optional YAML config file")
	return cmd
}
