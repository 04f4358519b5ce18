package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/abathur-dev/abathur/internal/config"
	"github.com/abathur-dev/abathur/internal/storage/sqlite"
)

func newInitCmd() *cobra.Command {
	var (
		validate     bool
		initDBPath   string
		skipTemplate bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an abathur project in the current directory",
		Long: `Init creates the .abathur directory, the task database, and a
starter config file. Re-running against an existing project is safe:
the database is migrated in place and an existing config is left
alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := os.MkdirAll(config.ProjectDir, 0o755); err != nil {
				return fmt.Errorf("create project directory: %w", err)
			}

			path := initDBPath
			if path == "" {
				path = config.DefaultDBFile
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create database directory: %w", err)
				}
			}

			store, err := sqlite.Open(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			if validate {
				if err := store.IntegrityCheck(ctx); err != nil {
					return err
				}
				fmt.Println("database integrity: ok")
			}

			if !skipTemplate {
				err := config.WriteStarter("")
				switch {
				case err == nil:
					fmt.Printf("wrote %s\n", config.DefaultConfigFile)
				case errors.Is(err, os.ErrExist):
					fmt.Printf("%s already exists, left unchanged\n", config.DefaultConfigFile)
				default:
					return err
				}
			}

			fmt.Printf("initialized %s\n", store.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "run an integrity check on the database")
	cmd.Flags().StringVar(&initDBPath, "db-path", "", "database location (default "+config.DefaultDBFile+")")
	cmd.Flags().BoolVar(&skipTemplate, "skip-template", false, "do not write the starter config file")
	return cmd
}
