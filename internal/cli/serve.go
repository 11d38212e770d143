package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/geoip"
	"github.com/bedrockdb/bedrock/internal/jobs"
	"github.com/bedrockdb/bedrock/internal/mailer"
	"github.com/bedrockdb/bedrock/internal/migrations"
	"github.com/bedrockdb/bedrock/internal/realtime"
	"github.com/bedrockdb/bedrock/internal/records"
	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/schemas"
	"github.com/bedrockdb/bedrock/internal/server"
	"github.com/bedrockdb/bedrock/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bedrock server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Bind host (default 0.0.0.0)")
	serveCmd.Flags().Int("port", 0, "Bind port (default 4000)")
	serveCmd.Flags().String("data-dir", "", "Data directory (database, uploads, migrations)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	d, err := db.Open(filepath.Join(dataDir, "bedrock.db"), logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer d.Close()

	if cfg.Server.GeoIPDBPath != "" {
		if err := geoip.Init(cfg.Server.GeoIPDBPath); err != nil {
			logger.Warn("geoip database unavailable, country codes disabled", "error", err)
		} else {
			defer geoip.Close()
		}
	}

	// User JSON schemas must be registered before the schema cache is built
	// so jsonschema() CHECK constraints resolve during introspection.
	for _, ns := range cfg.Schemas {
		if err := schemas.Global().Register(ns.Name, json.RawMessage(ns.Schema)); err != nil {
			return fmt.Errorf("registering schema %q: %w", ns.Name, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := migrations.NewRunner(d, logger, filepath.Join(dataDir, "migrations"))
	if err := runner.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping migrations: %w", err)
	}
	applied, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if applied > 0 {
		logger.Info("applied migrations", "count", applied)
	}

	cache := schema.NewCacheHolder(d, logger)
	if err := cache.Load(ctx); err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	holder := config.NewHolder(cfg)
	holder.SetValidator(func(c *config.Config) error {
		return records.ValidateConfig(context.Background(), d, cache.Get(), c)
	})
	if err := records.ValidateConfig(ctx, d, cache.Get(), cfg); err != nil {
		return fmt.Errorf("validating record apis: %w", err)
	}

	signingKey, err := auth.LoadOrGenerateKey(dataDir)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	mailSvc := mailer.New(cfg.Email, logger)
	authSvc, err := auth.NewService(d, holder, signingKey, mailSvc, logger)
	if err != nil {
		return fmt.Errorf("building auth service: %w", err)
	}

	store, err := storage.New(cfg.Storage, dataDir, logger)
	if err != nil {
		return fmt.Errorf("building object store: %w", err)
	}
	cleaner := storage.NewCleaner(d, store, logger)

	hub := realtime.NewHub(logger)
	defer hub.Close()

	recordSvc := records.NewService(d, holder, cache, hub, store, logger)

	scheduler := jobs.NewScheduler(logger)
	if err := jobs.RegisterBuiltins(scheduler, cfg, jobs.Deps{
		DB:      d,
		Auth:    authSvc,
		Cleaner: cleaner,
		Logger:  logger,
	}); err != nil {
		return fmt.Errorf("registering jobs: %w", err)
	}

	srv := server.New(server.Options{
		Config:    holder,
		DB:        d,
		Schema:    cache,
		Auth:      authSvc,
		Records:   recordSvc,
		Runner:    runner,
		Scheduler: scheduler,
		Store:     store,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func loadConfig(cmd *cobra.Command, overrides ...func(*config.Config)) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "bedrock.toml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Server.DataDir = v
	}
	for _, o := range overrides {
		o(cfg)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
