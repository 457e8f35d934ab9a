package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := openDatabase()
	if err != nil {
		return err
	}
	slog.Default().Info("migrations applied",
		slog.String("driver", cfg.Database.Driver),
		slog.String("dsn", cfg.Database.DSN),
	)
	return nil
}
