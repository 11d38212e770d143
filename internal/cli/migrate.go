package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply and inspect schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE:  runMigrateStatus,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func openRunner(cmd *cobra.Command) (*migrations.Runner, *db.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	d, err := db.Open(filepath.Join(cfg.Server.DataDir, "bedrock.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	runner := migrations.NewRunner(d, logger, filepath.Join(cfg.Server.DataDir, "migrations"))
	if err := runner.Bootstrap(cmd.Context()); err != nil {
		d.Close()
		return nil, nil, err
	}
	return runner, d, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	runner, d, err := openRunner(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	n, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("applied %d migration(s)\n", n)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	runner, d, err := openRunner(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	applied, err := runner.GetApplied(cmd.Context())
	if err != nil {
		return err
	}
	for _, m := range applied {
		fmt.Printf("U%d\t%s\t%s\n", m.Version, m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
