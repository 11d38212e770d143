package storage_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/bedrockdb/bedrock/internal/storage"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

func TestFSStoreRoundtrip(t *testing.T) {
	s, err := storage.NewFSStore(t.TempDir())
	testutil.NoError(t, err)
	ctx := context.Background()

	err = s.Put(ctx, "obj-1", strings.NewReader("hello"), 5, "text/plain")
	testutil.NoError(t, err)

	rc, err := s.Get(ctx, "obj-1")
	testutil.NoError(t, err)
	data, err := io.ReadAll(rc)
	testutil.NoError(t, err)
	testutil.NoError(t, rc.Close())
	testutil.Equal(t, "hello", string(data))

	testutil.NoError(t, s.Delete(ctx, "obj-1"))
	_, err = s.Get(ctx, "obj-1")
	testutil.Equal(t, storage.ErrNotFound, err)
}

func TestFSStorePutOverwrites(t *testing.T) {
	s, err := storage.NewFSStore(t.TempDir())
	testutil.NoError(t, err)
	ctx := context.Background()

	testutil.NoError(t, s.Put(ctx, "obj", strings.NewReader("one"), 3, ""))
	testutil.NoError(t, s.Put(ctx, "obj", strings.NewReader("two"), 3, ""))

	rc, err := s.Get(ctx, "obj")
	testutil.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	testutil.Equal(t, "two", string(data))
}

func TestFSStoreRejectsPathIDs(t *testing.T) {
	s, err := storage.NewFSStore(t.TempDir())
	testutil.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", `a\b`, "a..b"} {
		err := s.Put(ctx, id, strings.NewReader("x"), 1, "")
		testutil.ErrorContains(t, err, "invalid object id")
		_, err = s.Get(ctx, id)
		testutil.ErrorContains(t, err, "invalid object id")
	}
}

func TestFSStoreDeleteMissingIsNoop(t *testing.T) {
	s, err := storage.NewFSStore(t.TempDir())
	testutil.NoError(t, err)
	testutil.NoError(t, s.Delete(context.Background(), "never-existed"))
}

func TestNewBackendSelection(t *testing.T) {
	dir := t.TempDir()

	s, err := storage.New(configFS(), dir, testutil.DiscardLogger())
	testutil.NoError(t, err)
	_, ok := s.(*storage.FSStore)
	testutil.True(t, ok, "fs backend")

	_, err = storage.New(configBackend("tape"), dir, testutil.DiscardLogger())
	testutil.ErrorContains(t, err, "unknown storage backend")

	_, err = storage.New(configBackend("s3"), dir, testutil.DiscardLogger())
	testutil.ErrorContains(t, err, "s3_endpoint")
}
