package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/schema"
	"github.com/bedrockdb/bedrock/internal/storage"
)

// FileUpload is the metadata stored in file columns, matching the
// std.FileUpload schema enforced by the column CHECK constraint.
type FileUpload struct {
	ID          string `json:"id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// stagedFile is one pending object upload tied to a mutation.
type stagedFile struct {
	meta   FileUpload
	header *multipart.FileHeader
}

// CreateMultipart inserts a record from a multipart form: plain fields become
// column values, file parts are uploaded to the object store inside the
// insert transaction.
func (s *Service) CreateMultipart(ctx context.Context, apiName string, rc *RequestContext, form *multipart.Form) (map[string]any, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, err
	}
	if tbl.IsView {
		return nil, ErrReadOnly
	}
	values, staged, err := parseMultipartForm(tbl, form)
	if err != nil {
		return nil, err
	}
	row, err := s.create(ctx, api, tbl, rc, values, s.stageUploads(staged))
	if err != nil {
		s.discardUploads(ctx, staged)
		return nil, err
	}
	return row, nil
}

// UpdateMultipart patches a record from a multipart form. File columns
// present in the form replace their previous objects, which are enqueued for
// deferred deletion.
func (s *Service) UpdateMultipart(ctx context.Context, apiName, recordID string, rc *RequestContext, form *multipart.Form) (map[string]any, error) {
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
	values, staged, err := parseMultipartForm(tbl, form)
	if err != nil {
		return nil, err
	}
	row, err := s.update(ctx, api, tbl, recordID, rc, values, s.stageUploads(staged))
	if err != nil {
		s.discardUploads(ctx, staged)
		return nil, err
	}
	return row, nil
}

// stageUploads returns the transaction hook that writes staged objects to
// the store before the row mutation executes.
func (s *Service) stageUploads(staged []stagedFile) func(ctx context.Context) error {
	if len(staged) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		if s.store == nil {
			return fmt.Errorf("no object store configured")
		}
		for _, f := range staged {
			src, err := f.header.Open()
			if err != nil {
				return fmt.Errorf("opening upload %s: %w", f.meta.Filename, err)
			}
			err = s.store.Put(ctx, f.meta.ID, src, f.header.Size, f.meta.ContentType)
			src.Close()
			if err != nil {
				return fmt.Errorf("storing upload %s: %w", f.meta.Filename, err)
			}
		}
		return nil
	}
}

// discardUploads best-effort removes objects staged for a mutation that did
// not commit.
func (s *Service) discardUploads(ctx context.Context, staged []stagedFile) {
	if s.store == nil {
		return
	}
	for _, f := range staged {
		if err := s.store.Delete(ctx, f.meta.ID); err != nil {
			s.logger.Warn("removing staged upload", "id", f.meta.ID, "error", err)
		}
	}
}

// parseMultipartForm splits a form into coerced column values and staged
// file uploads. Single-file columns take the first part under the field
// name; multi-file columns take all of them.
func parseMultipartForm(tbl *schema.Table, form *multipart.Form) (map[string]any, []stagedFile, error) {
	values := make(map[string]any)
	var staged []stagedFile

	for field, fieldValues := range form.Value {
		col := tbl.Column(field)
		if col == nil || len(fieldValues) == 0 {
			return nil, nil, fmt.Errorf("%w: unknown column %q", ErrBadRequest, field)
		}
		if col.IsFileColumn() {
			return nil, nil, fmt.Errorf("%w: column %q expects file parts", ErrBadRequest, field)
		}
		v, err := coerceFormValue(col, fieldValues[0])
		if err != nil {
			return nil, nil, err
		}
		values[field] = v
	}

	for field, headers := range form.File {
		col := tbl.Column(field)
		if col == nil || !col.IsFileColumn() || len(headers) == 0 {
			return nil, nil, fmt.Errorf("%w: %q is not a file column", ErrBadRequest, field)
		}
		if col.IsFileUpload() && len(headers) > 1 {
			return nil, nil, fmt.Errorf("%w: column %q takes a single file", ErrBadRequest, field)
		}

		var metas []FileUpload
		for _, h := range headers {
			meta := FileUpload{
				ID:          uuid.NewString(),
				Filename:    h.Filename,
				ContentType: h.Header.Get("Content-Type"),
				Size:        h.Size,
			}
			meta.MimeType = meta.ContentType
			metas = append(metas, meta)
			staged = append(staged, stagedFile{meta: meta, header: h})
		}

		var encoded []byte
		var err error
		if col.IsFileUpload() {
			encoded, err = json.Marshal(metas[0])
		} else {
			encoded, err = json.Marshal(metas)
		}
		if err != nil {
			return nil, nil, err
		}
		values[field] = string(encoded)
	}
	return values, staged, nil
}

// coerceFormValue converts a form string to the column's storage type so
// STRICT tables accept it.
func coerceFormValue(col *schema.Column, v string) (any, error) {
	switch col.Affinity {
	case schema.AffinityInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q expects an integer", ErrBadRequest, col.Name)
		}
		return n, nil
	case schema.AffinityReal:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q expects a number", ErrBadRequest, col.Name)
		}
		return f, nil
	case schema.AffinityBlob:
		return coerceValue(col, v)
	case schema.AffinityNumeric:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
		return v, nil
	default:
		return v, nil
	}
}

// ReadFile streams one file column object. fileID addresses an entry of a
// multi-file column and must be empty for single-file columns.
func (s *Service) ReadFile(ctx context.Context, apiName, recordID, column, fileID string, rc *RequestContext) (io.ReadCloser, *FileUpload, error) {
	api, tbl, err := s.Resolve(apiName)
	if err != nil {
		return nil, nil, err
	}
	col := tbl.Column(column)
	if col == nil || !col.IsFileColumn() {
		return nil, nil, fmt.Errorf("%w: %q is not a file column", ErrBadRequest, column)
	}
	if err := requireRecordPK(tbl); err != nil {
		return nil, nil, err
	}
	pk, err := parseRecordID(tbl, recordID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	query, args := buildSelect(tbl, pk)
	row, err := s.d.QueryRow(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, ErrRecordNotFound
	}
	if err := s.allowed(ctx, api, tbl, "read", config.ACLRead, rc, row); err != nil {
		return nil, nil, err
	}

	payload, _ := row[column].(string)
	meta, err := fileMeta(col, payload, fileID)
	if err != nil {
		return nil, nil, err
	}
	if s.store == nil {
		return nil, nil, fmt.Errorf("no object store configured")
	}
	rd, err := s.store.Get(ctx, meta.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, ErrRecordNotFound
		}
		return nil, nil, err
	}
	return rd, meta, nil
}

func fileMeta(col *schema.Column, payload, fileID string) (*FileUpload, error) {
	if col.IsFileUpload() {
		if fileID != "" {
			return nil, fmt.Errorf("%w: column %q holds a single file", ErrBadRequest, col.Name)
		}
		if payload == "" {
			return nil, ErrRecordNotFound
		}
		var meta FileUpload
		if err := json.Unmarshal([]byte(payload), &meta); err != nil || meta.ID == "" {
			return nil, ErrRecordNotFound
		}
		return &meta, nil
	}
	if fileID == "" {
		return nil, fmt.Errorf("%w: column %q requires a file id", ErrBadRequest, col.Name)
	}
	if payload == "" {
		return nil, ErrRecordNotFound
	}
	var metas []FileUpload
	if err := json.Unmarshal([]byte(payload), &metas); err != nil {
		return nil, ErrRecordNotFound
	}
	for i := range metas {
		if metas[i].ID == fileID {
			return &metas[i], nil
		}
	}
	return nil, ErrRecordNotFound
}

// enqueueReplacedFiles records the previous objects of every file column
// this update overwrote, in the mutation's transaction.
func enqueueReplacedFiles(ctx context.Context, tx *sql.Tx, tbl *schema.Table, oldRow map[string]any, newValues map[string]any) error {
	for _, col := range tbl.Columns {
		if !col.IsFileColumn() {
			continue
		}
		if _, replaced := newValues[col.Name]; !replaced {
			continue
		}
		if err := enqueueFileDeletion(ctx, tx, tbl.Name, col.Name, oldRow[col.Name]); err != nil {
			return err
		}
	}
	return nil
}

// enqueueDeletedFiles records every file column value of a deleted row.
func enqueueDeletedFiles(ctx context.Context, tx *sql.Tx, tbl *schema.Table, row map[string]any) error {
	for _, col := range tbl.Columns {
		if !col.IsFileColumn() {
			continue
		}
		if err := enqueueFileDeletion(ctx, tx, tbl.Name, col.Name, row[col.Name]); err != nil {
			return err
		}
	}
	return nil
}

func enqueueFileDeletion(ctx context.Context, tx *sql.Tx, table, column string, value any) error {
	payload, _ := value.(string)
	if payload == "" || payload == "null" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _file_deletions (deleted, table_name, record_rowid, column_name, json)
		 VALUES (:now, :tbl, 0, :col, :json)`,
		sql.Named("now", time.Now().Unix()), sql.Named("tbl", table),
		sql.Named("col", column), sql.Named("json", payload))
	if err != nil {
		return fmt.Errorf("queueing file deletion: %w", err)
	}
	return nil
}
