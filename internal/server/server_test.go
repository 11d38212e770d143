package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/jobs"
	"github.com/bedrockdb/bedrock/internal/mailer"
	"github.com/bedrockdb/bedrock/internal/migrations"
	"github.com/bedrockdb/bedrock/internal/pwhash"
	"github.com/bedrockdb/bedrock/internal/realtime"
	"github.com/bedrockdb/bedrock/internal/records"
	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/storage"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

func fastParams(t *testing.T) {
	t.Helper()
	mem, iters, threads := pwhash.Memory, pwhash.Time, pwhash.Threads
	pwhash.Memory, pwhash.Time, pwhash.Threads = 8*1024, 1, 1
	t.Cleanup(func() {
		pwhash.Memory, pwhash.Time, pwhash.Threads = mem, iters, threads
	})
}

type testServer struct {
	srv  *Server
	auth *auth.Service
	d    *db.DB
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	fastParams(t)
	logger := testutil.DiscardLogger()
	ctx := context.Background()

	d := testutil.NewDB(t)
	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}
	holder := config.NewHolder(cfg)

	cache := schema.NewCacheHolder(d, logger)
	testutil.NoError(t, cache.Load(ctx))

	key, err := auth.LoadOrGenerateKey(t.TempDir())
	testutil.NoError(t, err)
	authSvc, err := auth.NewService(d, holder, key, mailer.New(cfg.Email, logger), logger)
	testutil.NoError(t, err)

	hub := realtime.NewHub(logger)
	t.Cleanup(hub.Close)
	store, err := storage.NewFSStore(t.TempDir())
	testutil.NoError(t, err)
	recSvc := records.NewService(d, holder, cache, hub, store, logger)

	scheduler := jobs.NewScheduler(logger)
	testutil.NoError(t, scheduler.RegisterInterval("noop", "No-op", time.Hour, func(context.Context) error {
		return nil
	}))

	srv := New(Options{
		Config:    holder,
		DB:        d,
		Schema:    cache,
		Auth:      authSvc,
		Records:   recSvc,
		Runner:    migrations.NewRunner(d, logger, t.TempDir()),
		Scheduler: scheduler,
		Store:     store,
		Logger:    logger,
	})
	return &testServer{srv: srv, auth: authSvc, d: d}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		testutil.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	_, err := ts.auth.CreateUser(ctx, "admin@example.com", "long enough 1", true, true)
	testutil.NoError(t, err)
	tok, err := ts.auth.Login(ctx, "admin@example.com", "long enough 1")
	testutil.NoError(t, err)
	return tok.AccessToken
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCORSWildcard(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/records/v1/x", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	testutil.StatusCode(t, http.StatusNoContent, rec.Code)
	testutil.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowlist(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.CORSAllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusNoContent, rec.Code)
	testutil.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	testutil.Contains(t, rec.Header().Get("Vary"), "Origin")

	// Unlisted origins get no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	testutil.Equal(t, "", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminSurfaceIsGuarded(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/api/admin/v1/tables", "", nil)
	testutil.StatusCode(t, http.StatusUnauthorized, rec.Code)

	_, err := ts.auth.CreateUser(ctx, "pleb@example.com", "long enough 1", false, true)
	testutil.NoError(t, err)
	tok, err := ts.auth.Login(ctx, "pleb@example.com", "long enough 1")
	testutil.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/api/admin/v1/tables", tok.AccessToken, nil)
	testutil.StatusCode(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/admin/v1/tables", ts.adminToken(t), nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "_user")
}

func TestAdminQueryRejectsDDL(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.adminToken(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/v1/query", tok,
		map[string]string{"query": "SELECT 1 AS one"})
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"one":1`)

	rec = ts.do(t, http.MethodPost, "/api/admin/v1/query", tok,
		map[string]string{"query": "CREATE TABLE sneaky (id INTEGER)"})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
	testutil.Contains(t, rec.Body.String(), "POST /migrations")

	rec = ts.do(t, http.MethodPost, "/api/admin/v1/query", tok, map[string]string{"query": ""})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestAdminMigrationFlow(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.adminToken(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/v1/migrations", tok,
		map[string]string{"name": "add gadgets", "sql": "CREATE TABLE gadgets (id INTEGER PRIMARY KEY, name TEXT);"})
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "add_gadgets")

	// The schema cache reloads immediately: the new table shows up.
	rec = ts.do(t, http.MethodGet, "/api/admin/v1/tables", tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "gadgets")

	rec = ts.do(t, http.MethodGet, "/api/admin/v1/migrations", tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "add_gadgets")

	rec = ts.do(t, http.MethodPost, "/api/admin/v1/migrations", tok,
		map[string]string{"name": "data", "sql": "INSERT INTO gadgets (name) VALUES ('x');"})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestAdminConfigSwap(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.adminToken(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/v1/config", tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	var got struct {
		Config *config.Config `json:"config"`
		Hash   string         `json:"hash"`
	}
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	testutil.NotNil(t, got.Config)
	testutil.True(t, got.Hash != "", "hash present")

	// A stale hash is refused.
	got.Config.Auth.MinPasswordLength = 12
	rec = ts.do(t, http.MethodPut, "/api/admin/v1/config", tok,
		map[string]any{"config": got.Config, "hash": "stale"})
	testutil.StatusCode(t, http.StatusPreconditionFailed, rec.Code)

	// The correct hash swaps the config in.
	rec = ts.do(t, http.MethodPut, "/api/admin/v1/config", tok,
		map[string]any{"config": got.Config, "hash": got.Hash})
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/admin/v1/config", tok, nil)
	testutil.Contains(t, rec.Body.String(), `"min_password_length":12`)
}

func TestAdminJobs(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.adminToken(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/v1/jobs", tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "noop")

	rec = ts.do(t, http.MethodPost, "/api/admin/v1/jobs/noop/run", tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/v1/jobs/ghost/run", tok, nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)
}

func TestAdminUsers(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.adminToken(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/v1/users", tok,
		map[string]any{"email": "new@example.com", "password": "long enough 1", "verified": true})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	var created struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	testutil.True(t, created.User.ID != "", "created user id")

	rec = ts.do(t, http.MethodGet, "/api/admin/v1/users", tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), "new@example.com")

	rec = ts.do(t, http.MethodDelete, "/api/admin/v1/users/"+created.User.ID, tok, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/admin/v1/users/"+created.User.ID, tok, nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/admin/v1/users/garbage", tok, nil)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestRequestLogging(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// /healthz is excluded from the request log.
	ts.do(t, http.MethodGet, "/healthz", "", nil)
	rec := ts.do(t, http.MethodGet, "/api/records/v1/missing", "", nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)

	// The log write is fire-and-forget; poll briefly for it.
	var n int64
	for i := 0; i < 50; i++ {
		row, err := ts.d.QueryRow(ctx, "SELECT count(*) AS n FROM _logs")
		testutil.NoError(t, err)
		n = row["n"].(int64)
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	testutil.Equal(t, int64(1), n)

	row, err := ts.d.QueryRow(ctx, "SELECT method, url, status FROM _logs")
	testutil.NoError(t, err)
	testutil.Equal(t, "GET", row["method"].(string))
	testutil.Equal(t, "/api/records/v1/missing", row["url"].(string))
	testutil.Equal(t, int64(http.StatusNotFound), row["status"].(int64))
}
