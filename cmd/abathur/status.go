package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abathur-dev/abathur/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var showConfig bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue health and database info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queue.GetQueueStatus(ctx)
			if err != nil {
				return err
			}
			schema, err := a.store.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"database":       a.store.Path(),
					"schema_version": schema,
					"stats":          stats,
				})
			}

			fmt.Printf("database: %s (schema %s)\n", a.store.Path(), schema)
			fmt.Print(ui.RenderQueueStats(stats))

			if showConfig {
				rendered, err := a.cfg.Render()
				if err != nil {
					return err
				}
				fmt.Println("\nEffective configuration:")
				fmt.Print(rendered)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showConfig, "show-config", false, "also print the effective configuration")
	return cmd
}
