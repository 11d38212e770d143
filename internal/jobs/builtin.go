package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/storage"
)

// Built-in maintenance cadences.
const (
	sessionJanitorInterval = 12 * time.Hour
	fileSweepInterval      = 5 * time.Minute
)

// Deps are the services the built-in jobs operate on.
type Deps struct {
	DB      *db.DB
	Auth    *auth.Service
	Cleaner *storage.Cleaner
	Logger  *slog.Logger
}

// RegisterBuiltins installs the standard maintenance jobs and the
// user-configured cron jobs dispatching to named built-in handlers.
func RegisterBuiltins(s *Scheduler, cfg *config.Config, deps Deps) error {
	handlers := map[string]Func{
		"backup":          backupJob(deps, cfg.Server.DataDir),
		"optimize":        optimizeJob(deps),
		"logs_retention":  logsRetentionJob(deps, cfg.Server.LogsRetentionSec),
		"session_janitor": sessionJanitorJob(deps),
		"file_sweep":      fileSweepJob(deps),
	}

	if cfg.Server.BackupIntervalSec > 0 {
		interval := time.Duration(cfg.Server.BackupIntervalSec) * time.Second
		if err := s.RegisterInterval("backup", "Periodic database backup", interval, handlers["backup"]); err != nil {
			return err
		}
	}
	if err := s.Register("optimize", "Query planner statistics refresh", "@daily", handlers["optimize"]); err != nil {
		return err
	}
	if cfg.Server.LogsRetentionSec > 0 {
		if err := s.Register("logs_retention", "Request log retention", "@hourly", handlers["logs_retention"]); err != nil {
			return err
		}
	}
	if err := s.RegisterInterval("session_janitor", "Expired session cleanup", sessionJanitorInterval, handlers["session_janitor"]); err != nil {
		return err
	}
	if err := s.RegisterInterval("file_sweep", "Deferred file deletions", fileSweepInterval, handlers["file_sweep"]); err != nil {
		return err
	}

	for _, jc := range cfg.Jobs {
		fn, ok := handlers[jc.Handler]
		if !ok {
			return fmt.Errorf("job %s: unknown handler %q", jc.ID, jc.Handler)
		}
		if err := s.Register(jc.ID, "User job "+jc.ID, jc.Spec, fn); err != nil {
			return err
		}
	}
	return nil
}

func backupJob(deps Deps, dataDir string) Func {
	return func(ctx context.Context) error {
		dest := filepath.Join(dataDir, "backups",
			fmt.Sprintf("backup_%s.db", time.Now().UTC().Format("20060102T150405")))
		if err := deps.DB.Backup(ctx, dest); err != nil {
			return err
		}
		deps.Logger.Info("database backup written", "path", dest)
		return nil
	}
}

func optimizeJob(deps Deps) Func {
	return func(ctx context.Context) error {
		_, err := deps.DB.Exec(ctx, "PRAGMA optimize")
		return err
	}
}

func logsRetentionJob(deps Deps, retentionSec int) Func {
	return func(ctx context.Context) error {
		cutoff := time.Now().Unix() - int64(retentionSec)
		res, err := deps.DB.Exec(ctx,
			`DELETE FROM _logs WHERE created < :cutoff`, sql.Named("cutoff", cutoff))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deps.Logger.Debug("pruned request logs", "rows", n)
		}
		return nil
	}
}

func sessionJanitorJob(deps Deps) Func {
	return func(ctx context.Context) error {
		n, err := deps.Auth.DeleteExpiredSessions(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			deps.Logger.Debug("removed expired sessions", "rows", n)
		}
		return nil
	}
}

func fileSweepJob(deps Deps) Func {
	return func(ctx context.Context) error {
		if deps.Cleaner == nil {
			return nil
		}
		_, err := deps.Cleaner.Sweep(ctx)
		return err
	}
}
