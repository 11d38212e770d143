package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bedrockdb/bedrock/internal/db"
)

// errValidationRollback aborts the dry-run transaction after the batch
// executed cleanly.
var errValidationRollback = errors.New("validation rollback")

var slugCleanRe = regexp.MustCompile(`[^a-z0-9_]+`)

// Record validates a DDL batch, persists it as a new migration file in the
// instance's migration directory, and applies it. The batch is first executed
// inside a rolled-back transaction so a broken statement never leaves a file
// behind, then applied for real together with its _schema_history row.
func (r *Runner) Record(ctx context.Context, slug, ddl string) (*Applied, error) {
	if !db.IsDDL(ddl) {
		return nil, fmt.Errorf("batch contains no DDL statement")
	}
	stmts := db.SplitStatements(ddl)
	if len(stmts) == 0 {
		return nil, fmt.Errorf("empty DDL batch")
	}

	// Dry run.
	err := r.d.Tx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("executing %q: %w", stmt, err)
			}
		}
		return errValidationRollback
	})
	if err != nil && !errors.Is(err, errValidationRollback) {
		return nil, err
	}

	version, err := r.nextVersion(ctx)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("U%d__%s.sql", version, cleanSlug(slug))

	dir, err := r.UserDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	content := ddl
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing migration file: %w", err)
	}

	applied, err := r.Run(ctx)
	if err != nil {
		// The dry run passed but the real apply did not; drop the file so the
		// next start does not trip over it.
		_ = os.Remove(path)
		return nil, err
	}
	if applied == 0 {
		_ = os.Remove(path)
		return nil, fmt.Errorf("recorded migration %s was not applied", name)
	}

	r.logger.Info("recorded migration", "name", name)
	rows, err := r.GetApplied(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Version == version {
			return &rows[i], nil
		}
	}
	return nil, fmt.Errorf("recorded migration %s missing from history", name)
}

func cleanSlug(slug string) string {
	slug = strings.ToLower(strings.TrimSpace(slug))
	slug = strings.ReplaceAll(slug, " ", "_")
	slug = strings.ReplaceAll(slug, "-", "_")
	slug = slugCleanRe.ReplaceAllString(slug, "")
	if slug == "" {
		slug = "migration"
	}
	return slug
}
