package records

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/realtime"
	"github.com/bedrockdb/bedrock/internal/rules"
	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/storage"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

const fixtureDDL = `
	CREATE TABLE authors (
		id   INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	) STRICT;

	CREATE TABLE articles (
		id     BLOB PRIMARY KEY CHECK (is_uuid_v7(id)),
		title  TEXT NOT NULL UNIQUE,
		rating INTEGER,
		public INTEGER NOT NULL DEFAULT 0,
		owner  BLOB REFERENCES _user(id),
		author INTEGER REFERENCES authors(id)
	) STRICT;

	CREATE VIEW public_articles AS
		SELECT id, title FROM articles WHERE public = 1;

	CREATE TABLE docs (
		id         BLOB PRIMARY KEY CHECK (is_uuid_v7(id)),
		title      TEXT,
		attachment TEXT CHECK (jsonschema(attachment, 'std.FileUpload')),
		gallery    TEXT CHECK (jsonschema(gallery, 'std.FileUploads'))
	) STRICT;
`

const aclAll = config.ACLCreate | config.ACLRead | config.ACLUpdate | config.ACLDelete | config.ACLSchema

func newRecordsService(t *testing.T, apis ...config.RecordAPIConfig) (*Service, *db.DB) {
	t.Helper()
	d := testutil.NewDB(t)
	testutil.ExecScript(t, d, fixtureDDL)

	cfg := config.Default()
	cfg.RecordAPIs = apis

	cache := schema.NewCacheHolder(d, testutil.DiscardLogger())
	testutil.NoError(t, cache.Load(context.Background()))

	hub := realtime.NewHub(testutil.DiscardLogger())
	t.Cleanup(hub.Close)

	store, err := storage.NewFSStore(t.TempDir())
	testutil.NoError(t, err)

	svc := NewService(d, config.NewHolder(cfg), cache, hub, store, testutil.DiscardLogger())
	return svc, d
}

func anonymous() *RequestContext {
	return &RequestContext{}
}

// seedUser inserts a bare account row and returns its id.
func seedUser(t *testing.T, d *db.DB, email string) []byte {
	t.Helper()
	id := uuid.Must(uuid.NewV7())
	testutil.Exec(t, d, "INSERT INTO _user (id, email) VALUES (?, ?)", id[:], email)
	return id[:]
}

func asUser(id []byte) *RequestContext {
	return &RequestContext{User: &rules.UserContext{ID: id, Email: "user@example.com", Verified: true}}
}

func TestCreateAndReadIntegerPK(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "authors", TableName: "authors", ACLWorld: aclAll,
	})
	ctx := context.Background()

	rec, err := svc.Create(ctx, "authors", anonymous(), map[string]any{"name": "Ada"})
	testutil.NoError(t, err)
	testutil.Equal(t, "Ada", rec["name"].(string))
	id := rec["id"].(int64)
	testutil.True(t, id > 0, "rowid assigned")

	got, err := svc.Read(ctx, "authors", "1", anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, "Ada", got["name"].(string))

	_, err = svc.Read(ctx, "authors", "999", anonymous())
	testutil.Equal(t, ErrRecordNotFound, err)
	_, err = svc.Read(ctx, "authors", "not-a-number", anonymous())
	testutil.True(t, errors.Is(err, ErrBadRequest), "bad id is a client error")
	_, err = svc.Read(ctx, "nope", "1", anonymous())
	testutil.Equal(t, ErrAPINotFound, err)
}

func TestCreateUUIDPKAutogenerated(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})
	ctx := context.Background()

	rec, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "hello"})
	testutil.NoError(t, err)

	// The id comes back URL-safe base64 and decodes to a uuidv7.
	encoded := rec["id"].(string)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	testutil.NoError(t, err)
	testutil.Equal(t, 16, len(raw))
	testutil.Equal(t, uuid.Version(7), uuid.UUID(raw[:16]).Version())

	// Both the base64 form and uuid text address the record.
	got, err := svc.Read(ctx, "articles", encoded, anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, "hello", got["title"].(string))

	got, err = svc.Read(ctx, "articles", uuid.UUID(raw[:16]).String(), anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, "hello", got["title"].(string))
}

func TestCreateRejectsBadBodies(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})
	ctx := context.Background()

	_, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"nope": 1})
	testutil.ErrorContains(t, err, `unknown column "nope"`)

	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{"_hidden": 1})
	testutil.ErrorContains(t, err, "unknown column")

	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{})
	testutil.ErrorContains(t, err, "empty record")

	// NOT NULL without default.
	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{"rating": 3})
	testutil.True(t, errors.Is(err, ErrBadRequest), "constraint maps to a client error")
}

func TestCreateACLClasses(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles",
		ACLWorld:         config.ACLRead,
		ACLAuthenticated: config.ACLCreate,
	})
	ctx := context.Background()

	_, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "x"})
	testutil.Equal(t, ErrForbidden, err)

	uid := seedUser(t, d, "writer@example.com")
	_, err = svc.Create(ctx, "articles", asUser(uid), map[string]any{"title": "x"})
	testutil.NoError(t, err)
}

func TestCreateAccessRule(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
		CreateAccessRule: "_USER_.id IS NOT NULL AND json_extract(_REQ_.body, '$.title') <> 'spam'",
	})
	ctx := context.Background()
	uid := seedUser(t, d, "writer@example.com")

	_, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "ok"})
	testutil.Equal(t, ErrForbidden, err)

	rc := asUser(uid)
	rc.BodyJSON = `{"title":"spam"}`
	_, err = svc.Create(ctx, "articles", rc, map[string]any{"title": "spam"})
	testutil.Equal(t, ErrForbidden, err)

	rc = asUser(uid)
	rc.BodyJSON = `{"title":"ok"}`
	_, err = svc.Create(ctx, "articles", rc, map[string]any{"title": "ok"})
	testutil.NoError(t, err)
}

func TestCreateAutofillsOwner(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
		AutofillMissingUserIDColumn: true,
	})
	ctx := context.Background()
	uid := seedUser(t, d, "owner@example.com")

	rec, err := svc.Create(ctx, "articles", asUser(uid), map[string]any{"title": "mine"})
	testutil.NoError(t, err)
	testutil.Equal(t, base64.RawURLEncoding.EncodeToString(uid), rec["owner"].(string))

	// Anonymous callers cannot satisfy the autofill.
	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "nobody's"})
	testutil.Equal(t, ErrForbidden, err)

	// Explicitly supplying the column sidesteps the autofill entirely.
	rec, err = svc.Create(ctx, "articles", anonymous(), map[string]any{
		"title": "assigned", "owner": base64.RawURLEncoding.EncodeToString(uid),
	})
	testutil.NoError(t, err)
	testutil.Equal(t, base64.RawURLEncoding.EncodeToString(uid), rec["owner"].(string))
}

func TestConflictResolution(t *testing.T) {
	ctx := context.Background()
	body := map[string]any{"title": "dup"}

	t.Run("reject", func(t *testing.T) {
		svc, _ := newRecordsService(t, config.RecordAPIConfig{
			Name: "articles", TableName: "articles", ACLWorld: aclAll,
		})
		_, err := svc.Create(ctx, "articles", anonymous(), body)
		testutil.NoError(t, err)
		_, err = svc.Create(ctx, "articles", anonymous(), body)
		testutil.True(t, errors.Is(err, ErrBadRequest), "duplicate rejected")
		testutil.ErrorContains(t, err, "unique")
	})

	t.Run("replace", func(t *testing.T) {
		svc, d := newRecordsService(t, config.RecordAPIConfig{
			Name: "articles", TableName: "articles", ACLWorld: aclAll,
			ConflictResolution: config.ConflictReplace,
		})
		first, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "dup", "rating": 1, "public": 1})
		testutil.NoError(t, err)
		rec, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "dup", "rating": 2})
		testutil.NoError(t, err)
		testutil.Equal(t, int64(2), rec["rating"].(int64))

		// The conflicting row is updated in place: its id survives and
		// columns absent from the second insert keep their stored values.
		testutil.Equal(t, first["id"].(string), rec["id"].(string))
		testutil.Equal(t, int64(1), rec["public"].(int64))

		row, err := d.QueryRow(ctx, "SELECT count(*) AS n FROM articles")
		testutil.NoError(t, err)
		testutil.Equal(t, int64(1), row["n"].(int64))
	})

	t.Run("ignore", func(t *testing.T) {
		svc, _ := newRecordsService(t, config.RecordAPIConfig{
			Name: "articles", TableName: "articles", ACLWorld: aclAll,
			ConflictResolution: config.ConflictIgnore,
		})
		_, err := svc.Create(ctx, "articles", anonymous(), body)
		testutil.NoError(t, err)

		// The swallowed insert yields no record and no error.
		rec, err := svc.Create(ctx, "articles", anonymous(), body)
		testutil.NoError(t, err)
		testutil.Nil(t, rec)
	})
}

func TestReadRuleOwnerOnly(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
		ReadAccessRule:              "_USER_.id = _ROW_.owner",
		AutofillMissingUserIDColumn: true,
	})
	ctx := context.Background()
	owner := seedUser(t, d, "owner@example.com")
	other := seedUser(t, d, "other@example.com")

	rec, err := svc.Create(ctx, "articles", asUser(owner), map[string]any{"title": "secret"})
	testutil.NoError(t, err)
	id := rec["id"].(string)

	_, err = svc.Read(ctx, "articles", id, asUser(owner))
	testutil.NoError(t, err)

	_, err = svc.Read(ctx, "articles", id, asUser(other))
	testutil.Equal(t, ErrForbidden, err)
	_, err = svc.Read(ctx, "articles", id, anonymous())
	testutil.Equal(t, ErrForbidden, err)
}

func TestListRuleFilterAndCursor(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
		ReadAccessRule: "_ROW_.public = 1 OR _USER_.id IS NOT NULL",
	})
	ctx := context.Background()
	uid := seedUser(t, d, "reader@example.com")

	for i, public := range []int{1, 1, 1, 0, 0} {
		_, err := svc.Create(ctx, "articles", anonymous(), map[string]any{
			"title":  string(rune('a' + i)),
			"public": public,
			"rating": i,
		})
		testutil.NoError(t, err)
	}

	// Anonymous callers only see public rows; authenticated callers see all.
	resp, err := svc.List(ctx, "articles", anonymous(), mustParse(t, ""))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 3)

	resp, err = svc.List(ctx, "articles", asUser(uid), mustParse(t, ""))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 5)

	// Filters compose with the rule.
	resp, err = svc.List(ctx, "articles", asUser(uid), mustParse(t, "filter[public]=0"))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 2)

	resp, err = svc.List(ctx, "articles", asUser(uid), mustParse(t, "filter[rating][$ge]=3"))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 2)

	// Cursor pagination walks the anonymous view in pages of two.
	resp, err = svc.List(ctx, "articles", anonymous(), mustParse(t, "limit=2"))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 2)
	testutil.True(t, resp.Cursor != "", "more pages pending")

	resp, err = svc.List(ctx, "articles", anonymous(), mustParse(t, "limit=2&cursor="+resp.Cursor))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 1)
	testutil.Equal(t, "", resp.Cursor)

	// total_count covers the rule-visible set, not the page.
	resp, err = svc.List(ctx, "articles", anonymous(), mustParse(t, "limit=1&count=true"))
	testutil.NoError(t, err)
	testutil.NotNil(t, resp.Total)
	testutil.Equal(t, int64(3), *resp.Total)

	// Unknown filter columns are client errors.
	_, err = svc.List(ctx, "articles", anonymous(), mustParse(t, "filter[nope]=1"))
	testutil.True(t, errors.Is(err, ErrBadRequest), "bad filter column")

	// So is a limit above the configured ceiling.
	_, err = svc.List(ctx, "articles", anonymous(), mustParse(t, "limit=5000"))
	testutil.True(t, errors.Is(err, ErrBadRequest), "limit above ceiling")
}

func TestListForbidden(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles",
		ACLAuthenticated: config.ACLRead,
	})
	_, err := svc.List(context.Background(), "articles", anonymous(), mustParse(t, ""))
	testutil.Equal(t, ErrForbidden, err)
}

func TestUpdate(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
		UpdateAccessRule:            "_USER_.id = _ROW_.owner",
		AutofillMissingUserIDColumn: true,
	})
	ctx := context.Background()
	owner := seedUser(t, d, "owner@example.com")
	other := seedUser(t, d, "other@example.com")

	rec, err := svc.Create(ctx, "articles", asUser(owner), map[string]any{"title": "v1"})
	testutil.NoError(t, err)
	id := rec["id"].(string)

	rec, err = svc.Update(ctx, "articles", id, asUser(owner), map[string]any{"title": "v2", "rating": 4})
	testutil.NoError(t, err)
	testutil.Equal(t, "v2", rec["title"].(string))
	testutil.Equal(t, int64(4), rec["rating"].(int64))

	_, err = svc.Update(ctx, "articles", id, asUser(other), map[string]any{"title": "stolen"})
	testutil.Equal(t, ErrForbidden, err)

	_, err = svc.Update(ctx, "articles", id, asUser(owner), map[string]any{"id": "abc"})
	testutil.ErrorContains(t, err, "primary key cannot be updated")

	_, err = svc.Update(ctx, "articles", id, asUser(owner), map[string]any{})
	testutil.ErrorContains(t, err, "empty update")

	missingID := uuid.Must(uuid.NewV7())
	missing := base64.RawURLEncoding.EncodeToString(missingID[:])
	_, err = svc.Update(ctx, "articles", missing, asUser(owner), map[string]any{"title": "x"})
	testutil.Equal(t, ErrRecordNotFound, err)
}

func TestDelete(t *testing.T) {
	svc, d := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})
	ctx := context.Background()

	rec, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "doomed"})
	testutil.NoError(t, err)
	id := rec["id"].(string)

	testutil.NoError(t, svc.Delete(ctx, "articles", id, anonymous()))
	testutil.Equal(t, ErrRecordNotFound, svc.Delete(ctx, "articles", id, anonymous()))

	row, err := d.QueryRow(ctx, "SELECT count(*) AS n FROM articles")
	testutil.NoError(t, err)
	testutil.Equal(t, int64(0), row["n"].(int64))
}

func TestMutationsPublishEvents(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})
	ctx := context.Background()

	sub := svc.hub.Subscribe("articles", "")
	defer svc.hub.Unsubscribe(sub)

	rec, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "live"})
	testutil.NoError(t, err)
	id := rec["id"].(string)

	_, err = svc.Update(ctx, "articles", id, anonymous(), map[string]any{"rating": 9})
	testutil.NoError(t, err)
	testutil.NoError(t, svc.Delete(ctx, "articles", id, anonymous()))

	insert := <-sub.Events()
	testutil.Equal(t, realtime.ActionInsert, insert.Action)
	testutil.Equal(t, "articles", insert.Table)
	testutil.Equal(t, id, insert.PKKey)
	testutil.Equal(t, "live", insert.Record["title"].(string))

	update := <-sub.Events()
	testutil.Equal(t, realtime.ActionUpdate, update.Action)
	testutil.Equal(t, int64(9), update.Record["rating"].(int64))

	// Deletes carry only the PK tombstone.
	tombstone := <-sub.Events()
	testutil.Equal(t, realtime.ActionDelete, tombstone.Action)
	testutil.Equal(t, id, tombstone.PKKey)
	testutil.Equal(t, 1, len(tombstone.Record))
	testutil.Equal(t, id, tombstone.Record["id"].(string))
}

func TestViewIsReadOnly(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "public_articles", TableName: "public_articles", ACLWorld: aclAll,
	}, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})
	ctx := context.Background()

	rec, err := svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "shown", "public": 1})
	testutil.NoError(t, err)
	id := rec["id"].(string)

	got, err := svc.Read(ctx, "public_articles", id, anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, "shown", got["title"].(string))

	_, err = svc.Create(ctx, "public_articles", anonymous(), map[string]any{"title": "x"})
	testutil.Equal(t, ErrReadOnly, err)
	_, err = svc.Update(ctx, "public_articles", id, anonymous(), map[string]any{"title": "x"})
	testutil.Equal(t, ErrReadOnly, err)
	testutil.Equal(t, ErrReadOnly, svc.Delete(ctx, "public_articles", id, anonymous()))
}

func TestExpandForeignKeys(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "authors", TableName: "authors", ACLWorld: aclAll,
	}, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
		Expand: []string{"author"},
	})
	ctx := context.Background()

	ada, err := svc.Create(ctx, "authors", anonymous(), map[string]any{"name": "Ada"})
	testutil.NoError(t, err)

	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "a", "author": ada["id"]})
	testutil.NoError(t, err)
	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "b", "author": ada["id"]})
	testutil.NoError(t, err)
	_, err = svc.Create(ctx, "articles", anonymous(), map[string]any{"title": "orphan"})
	testutil.NoError(t, err)

	resp, err := svc.List(ctx, "articles", anonymous(), mustParse(t, "expand=author&order=title"))
	testutil.NoError(t, err)
	testutil.SliceLen(t, resp.Records, 3)

	// The FK column itself becomes {id, data}; other columns are untouched.
	for _, rec := range resp.Records[:2] {
		embedded := rec["author"].(map[string]any)
		testutil.Equal(t, ada["id"].(int64), embedded["id"].(int64))
		data := embedded["data"].(map[string]any)
		testutil.Equal(t, "Ada", data["name"].(string))
	}
	testutil.Nil(t, resp.Records[2]["author"])

	// Columns outside the allowlist are refused.
	_, err = svc.List(ctx, "articles", anonymous(), mustParse(t, "expand=owner"))
	testutil.True(t, errors.Is(err, ErrBadRequest), "owner not allowlisted")
}

func TestSchemaOperation(t *testing.T) {
	svc, _ := newRecordsService(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles",
		ACLWorld: config.ACLSchema,
	})
	ctx := context.Background()

	out, err := svc.Schema(ctx, "articles", anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, "articles", out["title"].(string))
	testutil.Equal(t, "object", out["type"].(string))

	props := out["properties"].(map[string]any)
	title := props["title"].(map[string]any)
	testutil.Equal(t, "string", title["type"].(string))
	id := props["id"].(map[string]any)
	testutil.Equal(t, "base64url", id["contentEncoding"].(string))

	required := out["required"].([]string)
	testutil.SliceLen(t, required, 1)
	testutil.Equal(t, "title", required[0])
}

func TestValidateConfig(t *testing.T) {
	_, d := newRecordsService(t)
	ctx := context.Background()
	cache, err := schema.BuildCache(ctx, d)
	testutil.NoError(t, err)

	valid := func(api config.RecordAPIConfig) error {
		cfg := config.Default()
		cfg.RecordAPIs = []config.RecordAPIConfig{api}
		return ValidateConfig(ctx, d, cache, cfg)
	}

	testutil.NoError(t, valid(config.RecordAPIConfig{
		Name: "articles", TableName: "articles",
		ReadAccessRule: "_ROW_.public = 1",
		Expand:         []string{"author"},
	}))

	testutil.ErrorContains(t,
		valid(config.RecordAPIConfig{Name: "x", TableName: "missing"}),
		"does not exist")
	testutil.ErrorContains(t,
		valid(config.RecordAPIConfig{Name: "x", TableName: "articles", ReadAccessRule: "no_such_col = 1"}),
		"read rule")
	testutil.ErrorContains(t,
		valid(config.RecordAPIConfig{Name: "x", TableName: "articles", ConflictResolution: "merge"}),
		"unknown conflict_resolution")
	testutil.ErrorContains(t,
		valid(config.RecordAPIConfig{Name: "x", TableName: "articles", Expand: []string{"title"}}),
		"not a foreign key")
	testutil.ErrorContains(t,
		valid(config.RecordAPIConfig{Name: "x", TableName: "articles", Expand: []string{"owner"}}),
		"hidden table")
}
