package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bedrockdb/bedrock/internal/db"
)

// maxDeleteAttempts bounds retries for one _file_deletions row before it is
// abandoned with an error log.
const maxDeleteAttempts = 10

// sweepBatchSize caps rows processed per sweep.
const sweepBatchSize = 256

// fileRef is the subset of the std.FileUpload metadata the cleaner needs.
type fileRef struct {
	ID string `json:"id"`
}

// Cleaner drains the _file_deletions queue against the object store. Rows
// are enqueued in the same transaction that removes or replaces a file
// column value, so objects are only deleted after the database state that
// referenced them is gone.
type Cleaner struct {
	d      *db.DB
	store  ObjectStore
	logger *slog.Logger
}

func NewCleaner(d *db.DB, store ObjectStore, logger *slog.Logger) *Cleaner {
	return &Cleaner{d: d, store: store, logger: logger}
}

// Sweep processes one batch of pending deletions and reports how many
// objects were removed.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	rows, err := c.d.Query(ctx,
		`SELECT id, attempts, errors, json FROM _file_deletions
		 WHERE attempts < :max ORDER BY id LIMIT :limit`,
		sql.Named("max", maxDeleteAttempts), sql.Named("limit", sweepBatchSize))
	if err != nil {
		return 0, fmt.Errorf("reading _file_deletions: %w", err)
	}

	deleted := 0
	for _, row := range rows {
		rowID, _ := row["id"].(int64)
		attempts, _ := row["attempts"].(int64)
		prevErrors, _ := row["errors"].(string)
		payload, _ := row["json"].(string)

		refs, err := parseFileRefs(payload)
		if err != nil {
			// Unparseable metadata can never succeed; drop the row.
			c.logger.Error("dropping unparseable file deletion", "id", rowID, "error", err)
			c.dropRow(ctx, rowID)
			continue
		}

		if err := c.deleteRefs(ctx, refs); err != nil {
			attempts++
			if attempts >= maxDeleteAttempts {
				c.logger.Error("abandoning file deletion after max attempts",
					"id", rowID, "attempts", attempts, "error", err)
				c.dropRow(ctx, rowID)
				continue
			}
			errLog := appendError(prevErrors, err)
			if _, uerr := c.d.Exec(ctx,
				`UPDATE _file_deletions SET attempts = :attempts, errors = :errors WHERE id = :id`,
				sql.Named("attempts", attempts), sql.Named("errors", errLog),
				sql.Named("id", rowID)); uerr != nil {
				c.logger.Error("updating file deletion attempt", "id", rowID, "error", uerr)
			}
			continue
		}

		c.dropRow(ctx, rowID)
		deleted += len(refs)
	}
	return deleted, nil
}

func (c *Cleaner) deleteRefs(ctx context.Context, refs []fileRef) error {
	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		if err := c.store.Delete(ctx, ref.ID); err != nil {
			return fmt.Errorf("deleting object %s: %w", ref.ID, err)
		}
	}
	return nil
}

func (c *Cleaner) dropRow(ctx context.Context, rowID int64) {
	if _, err := c.d.Exec(ctx,
		`DELETE FROM _file_deletions WHERE id = :id`, sql.Named("id", rowID)); err != nil {
		c.logger.Error("removing file deletion row", "id", rowID, "error", err)
	}
}

// parseFileRefs accepts both a single file object and an array of them, the
// two shapes file columns store.
func parseFileRefs(payload string) ([]fileRef, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var refs []fileRef
		if err := json.Unmarshal([]byte(trimmed), &refs); err != nil {
			return nil, err
		}
		return refs, nil
	}
	var ref fileRef
	if err := json.Unmarshal([]byte(trimmed), &ref); err != nil {
		return nil, err
	}
	return []fileRef{ref}, nil
}

func appendError(prev string, err error) string {
	// JSON array of messages, newest last, capped to keep the row bounded.
	entries := []string{}
	if prev != "" {
		var decoded []string
		if json.Unmarshal([]byte(prev), &decoded) == nil {
			entries = decoded
		}
	}
	entries = append(entries, err.Error())
	if len(entries) > 5 {
		entries = entries[len(entries)-5:]
	}
	out, _ := json.Marshal(entries)
	return string(out)
}
