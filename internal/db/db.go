// Package db is the schema-aware SQLite connection layer: a single-writer /
// many-reader discipline over one database file, custom scalar functions on
// every connection, and constraint-error mapping.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

// Busy-retry bounds for acquiring the writer. SQLITE_BUSY on a write is
// retried with a short sleep until the window is exhausted.
const (
	busyRetries  = 200
	busyInterval = 500 * time.Microsecond
)

// DB wraps a SQLite database file with a dedicated single-connection write
// handle and a pooled read handle. The file is opened in WAL mode so readers
// never block the writer.
type DB struct {
	write  *sql.DB
	read   *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path. Custom scalar
// functions are registered on the driver before the first connection.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if err := registerFunctions(); err != nil {
		return nil, fmt.Errorf("registering sql functions: %w", err)
	}

	write, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening write handle: %w", err)
	}
	// All writes serialize through exactly one connection.
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("opening read handle: %w", err)
	}
	read.SetMaxOpenConns(8)

	d := &DB{write: write, read: read, path: path, logger: logger}
	if err := d.write.PingContext(context.Background()); err != nil {
		d.Close()
		return nil, fmt.Errorf("pinging %s: %w", path, err)
	}
	return d, nil
}

// OpenInMemory opens a private in-memory database. Intended for tests; the
// read and write handles share one connection so both see the same data.
func OpenInMemory(logger *slog.Logger) (*DB, error) {
	if err := registerFunctions(); err != nil {
		return nil, fmt.Errorf("registering sql functions: %w", err)
	}
	h, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	h.SetMaxOpenConns(1)
	return &DB{write: h, read: h, path: ":memory:", logger: logger}, nil
}

func dsn(path string, readOnly bool) string {
	v := url.Values{}
	v.Add("_pragma", "journal_mode(WAL)")
	v.Add("_pragma", "busy_timeout(100)")
	v.Add("_pragma", "foreign_keys(ON)")
	v.Add("_pragma", "synchronous(NORMAL)")
	if readOnly {
		v.Set("mode", "ro")
	}
	return "file:" + path + "?" + v.Encode()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes both handles.
func (d *DB) Close() error {
	var errs []error
	if d.read != d.write {
		errs = append(errs, d.read.Close())
	}
	errs = append(errs, d.write.Close())
	return errors.Join(errs...)
}

// Query runs a read-only query on the read pool and returns the rows as maps.
func (d *DB) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := d.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanRows(rows)
}

// QueryRow runs a read-only query expected to return at most one row.
// Returns (nil, nil) when no row matches.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	recs, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Exec runs a statement on the writer, retrying bounded on SQLITE_BUSY.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := d.retryBusy(ctx, func() error {
		var err error
		res, err = d.write.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// QueryWrite runs a query on the writer connection. Needed for statements
// with RETURNING clauses and for reads that must observe an uncommitted
// same-connection state.
func (d *DB) QueryWrite(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var recs []map[string]any
	err := d.retryBusy(ctx, func() error {
		rows, err := d.write.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		recs, err = ScanRows(rows)
		return err
	})
	return recs, err
}

// Tx runs fn inside a write transaction. The transaction is rolled back when
// fn returns an error and committed otherwise. Acquiring the writer retries
// bounded on SQLITE_BUSY.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.retryBusy(ctx, func() error {
		tx, err := d.write.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (d *DB) retryBusy(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyInterval):
		}
	}
	return fmt.Errorf("writer busy: %w", err)
}

func isBusy(err error) bool {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == 5 || code == 6 // SQLITE_BUSY, SQLITE_LOCKED
	}
	return false
}

// ScanRows converts sql.Rows into a slice of column-name → value maps.
// BLOB values come back as []byte, integers as int64.
func ScanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var ddlRe = regexp.MustCompile(`(?is)^\s*(CREATE|ALTER|DROP)\s+(TEMP\s+|TEMPORARY\s+|UNIQUE\s+|VIRTUAL\s+)*(TABLE|VIEW|INDEX|TRIGGER)\b`)

// IsDDL reports whether a statement batch contains schema-changing DDL.
// The schema metadata cache must be rebuilt after such a batch commits.
func IsDDL(batch string) bool {
	for _, stmt := range SplitStatements(batch) {
		if ddlRe.MatchString(stmt) {
			return true
		}
	}
	return false
}

// SplitStatements splits a SQL batch on top-level semicolons, respecting
// single/double quotes and line comments. Good enough for migration files
// and admin DDL; it is not a full SQL parser.
func SplitStatements(batch string) []string {
	var (
		stmts   []string
		sb      strings.Builder
		inStr   rune // ' or " when inside a literal, 0 otherwise
		comment bool
	)
	runes := []rune(batch)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if comment {
			sb.WriteRune(c)
			if c == '\n' {
				comment = false
			}
			continue
		}
		switch {
		case inStr != 0:
			sb.WriteRune(c)
			if c == inStr {
				// Doubled quote escapes inside the literal.
				if i+1 < len(runes) && runes[i+1] == inStr {
					sb.WriteRune(runes[i+1])
					i++
				} else {
					inStr = 0
				}
			}
		case c == '\'' || c == '"':
			inStr = c
			sb.WriteRune(c)
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			sb.WriteRune(c)
		case c == ';':
			if s := strings.TrimSpace(sb.String()); s != "" {
				stmts = append(stmts, s)
			}
			sb.Reset()
		default:
			sb.WriteRune(c)
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
