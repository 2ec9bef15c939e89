package main

import (
	"context"
	"fmt"
	"io"

	"github.com/MarkoPoloResearchLab/studiocredits/internal/store/gormstore"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var settings commonSettings
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			settings, err = loadCommonSettings(v)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), settings, cmd.OutOrStdout())
		},
	}
}

func runMigrate(ctx context.Context, settings commonSettings, out io.Writer) error {
	driver, _, err := resolveDriver(settings.DatabaseURL)
	if err != nil {
		return err
	}
	if driver == driverMemory {
		return fmt.Errorf("memory database has no schema to migrate")
	}
	db, cleanup, driver, err := openDatabase(ctx, settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	_, err = fmt.Fprintf(out, "schema up to date (%s)\n", driver)
	return err
}
