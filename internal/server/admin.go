package server

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/httputil"
	"github.com/bedrockdb/bedrock/internal/jobs"
	"github.com/bedrockdb/bedrock/internal/migrations"
	"github.com/bedrockdb/bedrock/internal/schema"
)

// adminHandler serves the admin surface: schema introspection, the migration
// recorder, config swaps, job control, and user administration. All routes
// sit behind RequireAdmin.
type adminHandler struct {
	cfg       *config.Holder
	d         *db.DB
	cache     *schema.CacheHolder
	auth      *auth.Service
	runner    *migrations.Runner
	scheduler *jobs.Scheduler
	logger    *slog.Logger
}

func newAdminHandler(opts Options) *adminHandler {
	return &adminHandler{
		cfg:       opts.Config,
		d:         opts.DB,
		cache:     opts.Schema,
		auth:      opts.Auth,
		runner:    opts.Runner,
		scheduler: opts.Scheduler,
		logger:    opts.Logger,
	}
}

func (h *adminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/tables", h.listTables)
	r.Post("/query", h.execQuery)

	r.Get("/migrations", h.listMigrations)
	r.Post("/migrations", h.applyMigration)

	r.Get("/config", h.getConfig)
	r.Put("/config", h.updateConfig)

	r.Get("/jobs", h.listJobs)
	r.Post("/jobs/{jobID}/run", h.runJob)

	r.Get("/users", h.listUsers)
	r.Post("/users", h.createUser)
	r.Delete("/users/{userID}", h.deleteUser)

	r.Get("/logs", h.listLogs)

	return r
}

// listTables dumps the schema cache, hidden tables included, sorted by name.
func (h *adminHandler) listTables(w http.ResponseWriter, r *http.Request) {
	cache := h.cache.Get()
	tables := make([]*schema.Table, 0, len(cache.Tables))
	for _, t := range cache.Tables {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

// execQuery runs ad-hoc SQL for the admin console. DDL is rejected here so
// schema changes always go through the migration recorder.
func (h *adminHandler) execQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.Query == "" {
		httputil.WriteError(w, http.StatusBadRequest, "query is required")
		return
	}
	if db.IsDDL(body.Query) {
		httputil.WriteError(w, http.StatusBadRequest, "schema changes must go through POST /migrations")
		return
	}

	rows, err := h.d.QueryWrite(r.Context(), body.Query)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *adminHandler) listMigrations(w http.ResponseWriter, r *http.Request) {
	applied, err := h.runner.GetApplied(r.Context())
	if err != nil {
		h.logger.Error("listing migrations", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"migrations": applied})
}

// applyMigration records a DDL batch as a new migration file, applies it, and
// reloads the schema cache so record APIs see the change immediately.
func (h *adminHandler) applyMigration(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		SQL  string `json:"sql"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.SQL == "" {
		httputil.WriteError(w, http.StatusBadRequest, "sql is required")
		return
	}

	applied, err := h.runner.Record(r.Context(), body.Name, body.SQL)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.cache.Reload(r.Context()); err != nil {
		h.logger.Error("schema cache reload after migration", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "migration applied but schema reload failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"migration": applied})
}

func (h *adminHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Get()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"config": cfg,
		"hash":   cfg.Hash(),
	})
}

// updateConfig swaps in a new config snapshot. The caller must echo the hash
// of the snapshot it edited; a mismatch means someone else changed the config
// first and the update is rejected with 412.
func (h *adminHandler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config *config.Config `json:"config"`
		Hash   string         `json:"hash"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	if body.Config == nil {
		httputil.WriteError(w, http.StatusBadRequest, "config is required")
		return
	}

	newHash, err := h.cfg.Swap(body.Config, body.Hash)
	if err != nil {
		if errors.Is(err, config.ErrStaleHash) {
			httputil.WriteError(w, http.StatusPreconditionFailed, "config changed concurrently, reload and retry")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"hash": newHash})
}

func (h *adminHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": h.scheduler.Snapshot()})
}

func (h *adminHandler) runJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.scheduler.RunNow(r.Context(), id); err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *adminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	users, err := h.auth.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("listing users", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *adminHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Admin    bool   `json:"admin"`
		Verified bool   `json:"verified"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}

	u, err := h.auth.CreateUser(r.Context(), body.Email, body.Password, body.Admin, body.Verified)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"user": u})
}

func (h *adminHandler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.auth.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("deleting user", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *adminHandler) listLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	rows, err := h.d.Query(r.Context(),
		`SELECT * FROM _logs ORDER BY id DESC LIMIT :limit`,
		sql.Named("limit", int64(limit)))
	if err != nil {
		h.logger.Error("listing request logs", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"logs": rows})
}

// parseUserID accepts a uuid in text form or url-safe base64.
func parseUserID(raw string) ([]byte, error) {
	if id, err := uuid.Parse(raw); err == nil {
		return id[:], nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(b) != 16 {
		return nil, errors.New("invalid user id")
	}
	return b, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
