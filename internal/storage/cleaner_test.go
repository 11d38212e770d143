package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/storage"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

func configFS() config.StorageConfig {
	return config.StorageConfig{Backend: "fs"}
}

func configBackend(name string) config.StorageConfig {
	return config.StorageConfig{Backend: name}
}

// flakyStore fails deletes for ids in failing until they are removed from it.
type flakyStore struct {
	deleted []string
	failing map[string]bool
}

func (f *flakyStore) Put(context.Context, string, io.Reader, int64, string) error { return nil }

func (f *flakyStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}

func (f *flakyStore) Delete(_ context.Context, id string) error {
	if f.failing[id] {
		return errors.New("backend unavailable")
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func enqueue(t *testing.T, d *db.DB, payload string) int64 {
	t.Helper()
	res, err := d.Exec(context.Background(),
		`INSERT INTO _file_deletions (table_name, record_rowid, column_name, json)
		 VALUES ('posts', 0, 'attachment', :json)`, sql.Named("json", payload))
	testutil.NoError(t, err)
	id, err := res.LastInsertId()
	testutil.NoError(t, err)
	return id
}

func pendingCount(t *testing.T, d *db.DB) int64 {
	t.Helper()
	row, err := d.QueryRow(context.Background(), "SELECT count(*) AS n FROM _file_deletions")
	testutil.NoError(t, err)
	return row["n"].(int64)
}

func TestSweepDeletesSingleAndArrayRefs(t *testing.T) {
	d := testutil.NewDB(t)
	store := &flakyStore{}
	c := storage.NewCleaner(d, store, testutil.DiscardLogger())

	enqueue(t, d, `{"id":"one","filename":"a.png"}`)
	enqueue(t, d, `[{"id":"two"},{"id":"three"}]`)

	n, err := c.Sweep(context.Background())
	testutil.NoError(t, err)
	testutil.Equal(t, 3, n)
	testutil.SliceLen(t, store.deleted, 3)
	testutil.Equal(t, int64(0), pendingCount(t, d))
}

func TestSweepRetriesFailedDeletes(t *testing.T) {
	d := testutil.NewDB(t)
	store := &flakyStore{failing: map[string]bool{"stuck": true}}
	c := storage.NewCleaner(d, store, testutil.DiscardLogger())
	ctx := context.Background()

	id := enqueue(t, d, `{"id":"stuck"}`)

	n, err := c.Sweep(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, n)

	row, err := d.QueryRow(ctx,
		"SELECT attempts, errors FROM _file_deletions WHERE id = :id", sql.Named("id", id))
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), row["attempts"].(int64))
	testutil.Contains(t, row["errors"].(string), "backend unavailable")

	// Once the backend recovers the row drains.
	store.failing = nil
	n, err = c.Sweep(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, n)
	testutil.Equal(t, int64(0), pendingCount(t, d))
}

func TestSweepAbandonsAfterMaxAttempts(t *testing.T) {
	d := testutil.NewDB(t)
	store := &flakyStore{failing: map[string]bool{"cursed": true}}
	c := storage.NewCleaner(d, store, testutil.DiscardLogger())
	ctx := context.Background()

	enqueue(t, d, `{"id":"cursed"}`)

	for i := 0; i < 12; i++ {
		_, err := c.Sweep(ctx)
		testutil.NoError(t, err)
	}
	testutil.Equal(t, int64(0), pendingCount(t, d))
	testutil.SliceLen(t, store.deleted, 0)
}

func TestSweepDropsUnparseableRows(t *testing.T) {
	d := testutil.NewDB(t)
	store := &flakyStore{}
	c := storage.NewCleaner(d, store, testutil.DiscardLogger())

	// Valid JSON that doesn't decode into file metadata.
	enqueue(t, d, `"just a string"`)

	n, err := c.Sweep(context.Background())
	testutil.NoError(t, err)
	testutil.Equal(t, 0, n)
	testutil.Equal(t, int64(0), pendingCount(t, d))
}

func TestSweepSkipsEmptyPayload(t *testing.T) {
	d := testutil.NewDB(t)
	store := &flakyStore{}
	c := storage.NewCleaner(d, store, testutil.DiscardLogger())

	enqueue(t, d, `null`)

	n, err := c.Sweep(context.Background())
	testutil.NoError(t, err)
	testutil.Equal(t, 0, n)
	testutil.Equal(t, int64(0), pendingCount(t, d))
}
