package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO, which runs online against the WAL without blocking readers.
// An existing file at destPath is replaced.
func (d *DB) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}
	tmp := destPath + ".tmp"
	_ = os.Remove(tmp)

	if _, err := d.Exec(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vacuum into: %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming backup: %w", err)
	}
	d.logger.Info("database backup written", "dest", destPath)
	return nil
}
