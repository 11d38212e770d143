package records

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/db"
	"github.com/bedrockdb/bedrock/internal/realtime"
	"github.com/bedrockdb/bedrock/internal/rules"
	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/storage"
)

// Sentinel errors mapped to HTTP statuses by the handler.
var (
	ErrAPINotFound    = errors.New("record api not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrForbidden      = errors.New("forbidden")
	ErrReadOnly       = errors.New("target is read-only")
	ErrBadRequest     = errors.New("bad request")
)

// RequestContext carries the request-scoped inputs access rules see.
type RequestContext struct {
	User     *rules.UserContext
	Headers  string // JSON object of request headers
	BodyJSON string // raw JSON request body, "" when absent
	Params   map[string]any
}

// Service implements the Record API operations against the schema cache and
// the configured APIs.
type Service struct {
	d      *db.DB
	cfg    *config.Holder
	cache  *schema.CacheHolder
	hub    *realtime.Hub
	store  storage.ObjectStore
	logger *slog.Logger

	// publishMu pairs each committed mutation with its hub publish so
	// subscribers observe events in commit order.
	publishMu sync.Mutex
}

// NewService creates the record service.
func NewService(d *db.DB, cfg *config.Holder, cache *schema.CacheHolder, hub *realtime.Hub, store storage.ObjectStore, logger *slog.Logger) *Service {
	return &Service{d: d, cfg: cfg, cache: cache, hub: hub, store: store, logger: logger}
}

// Resolve looks up the API by name together with its target table.
func (s *Service) Resolve(name string) (*config.RecordAPIConfig, *schema.Table, error) {
	api := s.cfg.Get().APIByName(name)
	if api == nil {
		return nil, nil, ErrAPINotFound
	}
	cache := s.cache.Get()
	if cache == nil {
		return nil, nil, fmt.Errorf("schema cache not loaded")
	}
	tbl := cache.Table(api.TableName)
	if tbl == nil {
		return nil, nil, fmt.Errorf("%w: table %s is gone", ErrAPINotFound, api.TableName)
	}
	return api, tbl, nil
}

// allowed checks the ACL bit for the caller class and, when configured, the
// per-request access rule.
func (s *Service) allowed(ctx context.Context, api *config.RecordAPIConfig, tbl *schema.Table, op string, bit int, rc *RequestContext, row map[string]any) error {
	acl := api.ACLWorld
	if rc.User != nil {
		acl |= api.ACLAuthenticated
	}
	if acl&bit == 0 {
		return ErrForbidden
	}
	rule := api.Rule(op)
	if rule == "" {
		return nil
	}
	ok, err := rules.Evaluate(ctx, s.d, rule, tbl, &rules.EvalContext{
		Headers: rc.Headers,
		Body:    rc.BodyJSON,
		Row:     row,
		User:    rc.User,
		Params:  rc.Params,
	})
	if err != nil {
		s.logger.Error("access rule evaluation failed", "api", api.Name, "op", op, "error", err)
		return ErrForbidden
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// prepareWrite validates and coerces a JSON body into column values for an
// insert or update. Unknown and hidden columns are rejected; file columns
// only accept values through the multipart path.
func prepareWrite(tbl *schema.Table, body map[string]any, allowFiles bool) (map[string]any, error) {
	out := make(map[string]any, len(body))
	for key, value := range body {
		if strings.HasPrefix(key, "_") {
			return nil, fmt.Errorf("%w: unknown column %q", ErrBadRequest, key)
		}
		col := tbl.Column(key)
		if col == nil {
			return nil, fmt.Errorf("%w: unknown column %q", ErrBadRequest, key)
		}
		if col.IsFileColumn() && !allowFiles {
			return nil, fmt.Errorf("%w: column %q requires a multipart upload", ErrBadRequest, key)
		}
		coerced, err := coerceValue(col, value)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}
	return out, nil
}

// coerceValue converts a decoded JSON value to the bound SQL form for the
// column: uuid text or URL-safe base64 for BLOB columns, 0/1 for booleans,
// re-serialized JSON for schema-checked columns.
func coerceValue(col *schema.Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch col.Affinity {
	case schema.AffinityBlob:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: column %q expects a string-encoded blob", ErrBadRequest, col.Name)
		}
		if b, err := base64.RawURLEncoding.DecodeString(str); err == nil {
			return b, nil
		}
		if id, err := uuid.Parse(str); err == nil {
			return id[:], nil
		}
		if b, err := base64.StdEncoding.DecodeString(str); err == nil {
			return b, nil
		}
		return nil, fmt.Errorf("%w: column %q: invalid blob encoding", ErrBadRequest, col.Name)
	}
	switch t := value.(type) {
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrBadRequest, col.Name, err)
		}
		return string(raw), nil
	}
	return value, nil
}

// autofillUserID fills absent FK columns referencing _user(id) with the
// caller's id. Anonymous callers cannot satisfy the autofill, so a missing
// user is a refusal rather than a silent skip.
func autofillUserID(tbl *schema.Table, values map[string]any, user *rules.UserContext) error {
	for _, col := range tbl.Columns {
		if col.FK == nil || col.FK.Table != "_user" || col.FK.Column != "id" {
			continue
		}
		if _, present := values[col.Name]; present {
			continue
		}
		if user == nil {
			return ErrForbidden
		}
		values[col.Name] = user.ID
	}
	return nil
}

// Create inserts a record and publishes the insert event.
func (s *Service) Create(ctx context.Context, apiName string, rc *RequestContext, body map[string]any) (map[string]any, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, err
	}
	if tbl.IsView {
		return nil, ErrReadOnly
	}
	values, err := prepareWrite(tbl, body, false)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, api, tbl, rc, values, nil)
}

// create finishes an insert whose values are already coerced. stage runs
// inside the insert transaction, used by the multipart path to couple object
// uploads with the row.
func (s *Service) create(ctx context.Context, api *config.RecordAPIConfig, tbl *schema.Table, rc *RequestContext, values map[string]any, stage func(ctx context.Context) error) (map[string]any, error) {
	if api.AutofillMissingUserIDColumn {
		if err := autofillUserID(tbl, values, rc.User); err != nil {
			return nil, err
		}
	}
	if tbl.RecordPKIsUUID {
		if _, present := values[tbl.RecordPK]; !present {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			values[tbl.RecordPK] = id[:]
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrBadRequest)
	}
	if err := s.allowed(ctx, api, tbl, "create", config.ACLCreate, rc, values); err != nil {
		return nil, err
	}

	fields := sortedKeys(values)
	query, args := buildInsert(tbl, fields, values, api.ConflictResolution)

	var row map[string]any
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	err := s.d.Tx(ctx, func(tx *sql.Tx) error {
		if stage != nil {
			if err := stage(ctx); err != nil {
				return err
			}
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		scanned, err := db.ScanRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(scanned) > 0 {
			row = scanned[0]
		}
		return nil
	})
	if err != nil {
		return nil, mapConstraintError(err)
	}
	if row == nil {
		// Conflict resolution "ignore" swallowed the insert.
		return nil, nil
	}

	s.publish(realtime.ActionInsert, tbl, row)
	return normalizeRow(tbl, row), nil
}

// Read returns one record by id after the read rule admits it.
func (s *Service) Read(ctx context.Context, apiName, recordID string, rc *RequestContext) (map[string]any, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, err
	}
	if err := requireRecordPK(tbl); err != nil {
		return nil, err
	}
	pk, err := parseRecordID(tbl, recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	query, args := buildSelect(tbl, pk)
	row, err := s.d.QueryRow(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrRecordNotFound
	}
	if err := s.allowed(ctx, api, tbl, "read", config.ACLRead, rc, row); err != nil {
		return nil, err
	}
	return normalizeRow(tbl, row), nil
}

// ListResponse is a page of records.
type ListResponse struct {
	Records []map[string]any `json:"records"`
	Cursor  string           `json:"cursor,omitempty"`
	Total   *int64           `json:"total_count,omitempty"`
}

// List runs a filtered, rule-constrained page query.
func (s *Service) List(ctx context.Context, apiName string, rc *RequestContext, lq *ListQuery) (*ListResponse, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, err
	}
	acl := api.ACLWorld
	if rc.User != nil {
		acl |= api.ACLAuthenticated
	}
	if acl&config.ACLRead == 0 {
		return nil, ErrForbidden
	}

	hardLimit := api.ListHardLimit
	if hardLimit <= 0 {
		hardLimit = 1024
	}
	ec := &rules.EvalContext{
		Headers: rc.Headers,
		Body:    rc.BodyJSON,
		User:    rc.User,
		Params:  rc.Params,
	}
	compiled, err := buildList(tbl, lq, api.ReadAccessRule, ec, hardLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	rows, err := s.d.Query(ctx, compiled.Query, compiled.Args...)
	if err != nil {
		return nil, mapConstraintError(err)
	}

	resp := &ListResponse{Records: make([]map[string]any, 0, len(rows))}
	more := len(rows) > compiled.Limit
	if more {
		rows = rows[:compiled.Limit]
	}
	for _, row := range rows {
		resp.Records = append(resp.Records, normalizeRow(tbl, row))
	}
	if more && tbl.RecordPK != "" && len(rows) > 0 {
		resp.Cursor = encodeCursor(rows[len(rows)-1][tbl.RecordPK])
	}

	if lq.Count {
		row, err := s.d.QueryRow(ctx, compiled.CountQuery, compiled.Args...)
		if err != nil {
			return nil, err
		}
		if row != nil {
			if n, ok := row["total"].(int64); ok {
				resp.Total = &n
			}
		}
	}

	if len(lq.Expand) > 0 {
		if err := s.expand(ctx, api, tbl, resp.Records, lq.Expand); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Update patches a record. The update rule is evaluated against the current
// row before the write.
func (s *Service) Update(ctx context.Context, apiName, recordID string, rc *RequestContext, body map[string]any) (map[string]any, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, err
	}
	if tbl.IsView {
		return nil, ErrReadOnly
	}
	if err := requireRecordPK(tbl); err != nil {
		return nil, err
	}
	values, err := prepareWrite(tbl, body, false)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, api, tbl, recordID, rc, values, nil)
}

func (s *Service) update(ctx context.Context, api *config.RecordAPIConfig, tbl *schema.Table, recordID string, rc *RequestContext, values map[string]any, stage func(ctx context.Context) error) (map[string]any, error) {
	pk, err := parseRecordID(tbl, recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if _, present := values[tbl.RecordPK]; present {
		return nil, fmt.Errorf("%w: primary key cannot be updated", ErrBadRequest)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrBadRequest)
	}

	query, args := buildSelect(tbl, pk)
	existing, err := s.d.QueryRow(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrRecordNotFound
	}
	if err := s.allowed(ctx, api, tbl, "update", config.ACLUpdate, rc, existing); err != nil {
		return nil, err
	}

	updateQuery, updateArgs := buildUpdate(tbl, sortedKeys(values), values, pk)

	var row map[string]any
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	err = s.d.Tx(ctx, func(tx *sql.Tx) error {
		if stage != nil {
			if err := stage(ctx); err != nil {
				return err
			}
		}
		rows, err := tx.QueryContext(ctx, updateQuery, updateArgs...)
		if err != nil {
			return err
		}
		scanned, err := db.ScanRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(scanned) == 0 {
			return ErrRecordNotFound
		}
		row = scanned[0]

		// Replaced file objects are orphaned by this write; queue them for
		// the deferred cleaner in the same transaction.
		return enqueueReplacedFiles(ctx, tx, tbl, existing, values)
	})
	if err != nil {
		return nil, mapConstraintError(err)
	}

	s.publish(realtime.ActionUpdate, tbl, row)
	return normalizeRow(tbl, row), nil
}

// Delete removes a record, queueing its file objects for deferred deletion.
func (s *Service) Delete(ctx context.Context, apiName, recordID string, rc *RequestContext) error {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return err
	}
	if tbl.IsView {
		return ErrReadOnly
	}
	if err := requireRecordPK(tbl); err != nil {
		return err
	}
	pk, err := parseRecordID(tbl, recordID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	query, args := buildSelect(tbl, pk)
	existing, err := s.d.QueryRow(ctx, query, args...)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrRecordNotFound
	}
	if err := s.allowed(ctx, api, tbl, "delete", config.ACLDelete, rc, existing); err != nil {
		return err
	}

	deleteQuery, deleteArgs := buildDelete(tbl, pk)

	var row map[string]any
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	err = s.d.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, deleteQuery, deleteArgs...)
		if err != nil {
			return err
		}
		scanned, err := db.ScanRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(scanned) == 0 {
			return ErrRecordNotFound
		}
		row = scanned[0]
		return enqueueDeletedFiles(ctx, tx, tbl, row)
	})
	if err != nil {
		return mapConstraintError(err)
	}

	s.publish(realtime.ActionDelete, tbl, map[string]any{tbl.RecordPK: row[tbl.RecordPK]})
	return nil
}

// Schema returns the target's JSON Schema description of one record.
func (s *Service) Schema(ctx context.Context, apiName string, rc *RequestContext) (map[string]any, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, err
	}
	if err := s.allowed(ctx, api, tbl, "schema", config.ACLSchema, rc, map[string]any{}); err != nil {
		return nil, err
	}
	return buildJSONSchema(tbl), nil
}

// publish emits one realtime event. Callers hold publishMu across the
// commit and this call.
func (s *Service) publish(action string, tbl *schema.Table, row map[string]any) {
	if s.hub == nil {
		return
	}
	event := &realtime.Event{
		Action: action,
		Table:  tbl.Name,
		Record: normalizeRow(tbl, row),
		Raw:    row,
	}
	if tbl.RecordPK != "" {
		if v, ok := row[tbl.RecordPK]; ok {
			event.PKKey = pkKey(v)
		}
	}
	s.hub.Publish(event)
}

func requireRecordPK(tbl *schema.Table) error {
	if tbl.RecordPK == "" {
		return fmt.Errorf("%w: target has no record primary key", ErrBadRequest)
	}
	return nil
}

// mapConstraintError folds SQLite constraint violations into ErrBadRequest
// with the constraint class attached.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	if tag, ok := db.ConstraintTag(err); ok {
		return fmt.Errorf("%w: %s constraint violation", ErrBadRequest, tag)
	}
	return err
}

// normalizeRow converts SQL values to their JSON API form: blobs become
// URL-safe base64, and schema-checked JSON text is inlined as JSON.
func normalizeRow(tbl *schema.Table, row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for key, value := range row {
		col := tbl.Column(key)
		switch t := value.(type) {
		case []byte:
			out[key] = base64.RawURLEncoding.EncodeToString(t)
		case string:
			if col != nil && (col.JSONSchemaName != "" || col.IsFileColumn()) {
				var decoded any
				if json.Unmarshal([]byte(t), &decoded) == nil {
					out[key] = decoded
					continue
				}
			}
			out[key] = t
		case time.Time:
			out[key] = t.Unix()
		default:
			out[key] = value
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable field order keeps generated SQL deterministic.
	sort.Strings(keys)
	return keys
}
