// Package migrations applies versioned SQL migrations and records admin DDL
// as new migration files.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/bedrockdb/bedrock/internal/db"
)

//go:embed sql/*.sql
var systemFS embed.FS

// fileRe matches migration file names: U<version>__<slug>.sql. Versions are
// numeric, typically epoch timestamps for recorded migrations.
var fileRe = regexp.MustCompile(`^U(\d+)__([a-z0-9_]+)\.sql$`)

// Migration is one pending migration file.
type Migration struct {
	Version  int64
	Name     string // full file name
	Checksum string
	SQL      string
}

// Applied is one _schema_history row.
type Applied struct {
	Version   int64     `json:"version"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	AppliedAt time.Time `json:"applied_at"`
}

// Runner merges the embedded system migrations with the instance's migration
// directory and applies them in version order.
type Runner struct {
	d       *db.DB
	logger  *slog.Logger
	system  fs.FS
	userDir string
}

// NewRunner creates a Runner over the embedded system migrations plus the
// migration files in userDir. userDir may be empty for in-memory setups.
func NewRunner(d *db.DB, logger *slog.Logger, userDir string) *Runner {
	sub, err := fs.Sub(systemFS, "sql")
	if err != nil {
		// The embed directive guarantees sql/ exists.
		panic(err)
	}
	return &Runner{d: d, logger: logger, system: sub, userDir: userDir}
}

// NewRunnerWithFS substitutes the system migration set. Intended for tests.
func NewRunnerWithFS(d *db.DB, logger *slog.Logger, system fs.FS, userDir string) *Runner {
	return &Runner{d: d, logger: logger, system: system, userDir: userDir}
}

// Bootstrap creates the _schema_history bookkeeping table. Idempotent.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.d.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _schema_history (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT`)
	if err != nil {
		return fmt.Errorf("creating _schema_history: %w", err)
	}
	return nil
}

// Run applies all pending migrations in version order and returns how many
// were applied. A file whose version is already applied must carry the
// recorded checksum; a mismatch aborts the run.
func (r *Runner) Run(ctx context.Context) (int, error) {
	pending, err := r.collect()
	if err != nil {
		return 0, err
	}
	appliedRows, err := r.GetApplied(ctx)
	if err != nil {
		return 0, err
	}
	applied := make(map[int64]Applied, len(appliedRows))
	for _, a := range appliedRows {
		applied[a.Version] = a
	}

	count := 0
	for _, m := range pending {
		if prev, ok := applied[m.Version]; ok {
			if prev.Checksum != m.Checksum {
				return count, fmt.Errorf("migration %s was modified after being applied (checksum %s, recorded %s)",
					m.Name, m.Checksum, prev.Checksum)
			}
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return count, fmt.Errorf("applying %s: %w", m.Name, err)
		}
		r.logger.Info("applied migration", "name", m.Name, "version", m.Version)
		count++
	}
	return count, nil
}

// apply runs one migration and its history insert in a single transaction.
func (r *Runner) apply(ctx context.Context, m Migration) error {
	stmts := db.SplitStatements(m.SQL)
	return r.d.Tx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("executing %q: %w", stmt, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO _schema_history (version, name, checksum, applied_at)
			 VALUES (:version, :name, :checksum, :now)`,
			sql.Named("version", m.Version), sql.Named("name", m.Name),
			sql.Named("checksum", m.Checksum), sql.Named("now", time.Now().Unix()))
		return err
	})
}

// GetApplied returns the applied migrations in version order.
func (r *Runner) GetApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.d.Query(ctx,
		`SELECT version, name, checksum, applied_at FROM _schema_history ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading _schema_history: %w", err)
	}
	out := make([]Applied, 0, len(rows))
	for _, row := range rows {
		a := Applied{}
		if v, ok := row["version"].(int64); ok {
			a.Version = v
		}
		a.Name, _ = row["name"].(string)
		a.Checksum, _ = row["checksum"].(string)
		if ts, ok := row["applied_at"].(int64); ok {
			a.AppliedAt = time.Unix(ts, 0)
		}
		out = append(out, a)
	}
	return out, nil
}

// collect merges system and user migration files, sorted by version.
// Duplicate versions across the two sets are refused.
func (r *Runner) collect() ([]Migration, error) {
	byVersion := make(map[int64]Migration)

	readSet := func(fsys fs.FS) error {
		entries, err := fs.ReadDir(fsys, ".")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			m := fileRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			version, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%s: invalid version: %w", e.Name(), err)
			}
			data, err := fs.ReadFile(fsys, e.Name())
			if err != nil {
				return fmt.Errorf("reading %s: %w", e.Name(), err)
			}
			if prev, ok := byVersion[version]; ok {
				return fmt.Errorf("duplicate migration version %d: %s and %s", version, prev.Name, e.Name())
			}
			sum := sha256.Sum256(data)
			byVersion[version] = Migration{
				Version:  version,
				Name:     e.Name(),
				Checksum: hex.EncodeToString(sum[:]),
				SQL:      string(data),
			}
		}
		return nil
	}

	if err := readSet(r.system); err != nil {
		return nil, fmt.Errorf("reading system migrations: %w", err)
	}
	if r.userDir != "" {
		if _, err := os.Stat(r.userDir); err == nil {
			if err := readSet(os.DirFS(r.userDir)); err != nil {
				return nil, fmt.Errorf("reading migrations from %s: %w", r.userDir, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// nextVersion returns a version strictly greater than every known one, using
// the current epoch second when it is free.
func (r *Runner) nextVersion(ctx context.Context) (int64, error) {
	version := time.Now().Unix()
	applied, err := r.GetApplied(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range applied {
		if a.Version >= version {
			version = a.Version + 1
		}
	}
	pending, err := r.collect()
	if err != nil {
		return 0, err
	}
	for _, m := range pending {
		if m.Version >= version {
			version = m.Version + 1
		}
	}
	return version, nil
}

// UserDir returns the migration directory, creating it on demand.
func (r *Runner) UserDir() (string, error) {
	if r.userDir == "" {
		return "", fmt.Errorf("no migration directory configured")
	}
	if err := os.MkdirAll(r.userDir, 0o755); err != nil {
		return "", fmt.Errorf("creating migration directory: %w", err)
	}
	return r.userDir, nil
}
