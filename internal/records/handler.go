package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bedrockdb/bedrock/internal/auth"
	"github.com/bedrockdb/bedrock/internal/httputil"
	"github.com/bedrockdb/bedrock/internal/rules"
)

const maxMultipartMemory = 32 << 20

// Handler serves /api/records/v1.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates the record API handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the record API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{api}", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/schema", h.schema)
		r.Get("/subscribe", h.subscribe)
		r.Get("/subscribe/{recordID}", h.subscribe)
		r.Get("/{recordID}", h.read)
		r.Patch("/{recordID}", h.update)
		r.Delete("/{recordID}", h.delete)
		r.Get("/{recordID}/file/{column}", h.readFile)
		r.Get("/{recordID}/files/{column}/{fileID}", h.readFile)
	})
	return r
}

// requestContext assembles the rule evaluation inputs for one request.
func requestContext(r *http.Request, bodyJSON string, params map[string]any) *RequestContext {
	rc := &RequestContext{
		Headers:  headersJSON(r),
		BodyJSON: bodyJSON,
		Params:   params,
	}
	if cu := auth.UserFromContext(r.Context()); cu != nil {
		rc.User = &rules.UserContext{
			ID:       cu.User.ID,
			Email:    cu.User.Email,
			Verified: cu.User.Verified,
			Admin:    cu.User.Admin,
		}
	}
	return rc
}

func headersJSON(r *http.Request) string {
	flat := make(map[string]string, len(r.Header))
	for name := range r.Header {
		flat[name] = r.Header.Get(name)
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return ""
	}
	return string(out)
}

func writeRecordError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrAPINotFound), errors.Is(err, ErrRecordNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		httputil.WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrReadOnly):
		httputil.WriteError(w, http.StatusMethodNotAllowed, err.Error())
	case errors.Is(err, ErrBadRequest):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("record request failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	apiName := chi.URLParam(r, "api")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		record, err := h.svc.CreateMultipart(r.Context(), apiName, requestContext(r, "", nil), r.MultipartForm)
		if err != nil {
			writeRecordError(w, h.logger, err)
			return
		}
		h.writeCreatedIDs(w, apiName, record)
		return
	}

	items, ok := decodeCreateBody(w, r)
	if !ok {
		return
	}
	created := make([]map[string]any, 0, len(items))
	for _, item := range items {
		record, err := h.svc.Create(r.Context(), apiName, requestContext(r, item.payload, nil), item.body)
		if err != nil {
			writeRecordError(w, h.logger, err)
			return
		}
		if record != nil {
			created = append(created, record)
		}
	}
	h.writeCreatedIDs(w, apiName, created...)
}

// writeCreatedIDs answers a create with the primary keys of the inserted
// records. Inserts suppressed by conflict resolution contribute no id.
func (h *Handler) writeCreatedIDs(w http.ResponseWriter, apiName string, records ...map[string]any) {
	ids := make([]any, 0, len(records))
	if _, tbl, err := h.svc.Resolve(apiName); err == nil && tbl.RecordPK != "" {
		for _, record := range records {
			if record == nil {
				continue
			}
			ids = append(ids, record[tbl.RecordPK])
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.Read(r.Context(),
		chi.URLParam(r, "api"), chi.URLParam(r, "recordID"), requestContext(r, "", nil))
	if err != nil {
		writeRecordError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	lq, err := ParseListQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.svc.List(r.Context(), chi.URLParam(r, "api"), requestContext(r, "", lq.Params), lq)
	if err != nil {
		writeRecordError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	apiName := chi.URLParam(r, "api")
	recordID := chi.URLParam(r, "recordID")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		if _, err := h.svc.UpdateMultipart(r.Context(), apiName, recordID, requestContext(r, "", nil), r.MultipartForm); err != nil {
			writeRecordError(w, h.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, payload, ok := decodeRecordBody(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Update(r.Context(), apiName, recordID, requestContext(r, payload, nil), body); err != nil {
		writeRecordError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Delete(r.Context(),
		chi.URLParam(r, "api"), chi.URLParam(r, "recordID"), requestContext(r, "", nil))
	if err != nil {
		writeRecordError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) schema(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Schema(r.Context(), chi.URLParam(r, "api"), requestContext(r, "", nil))
	if err != nil {
		writeRecordError(w, h.logger, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) readFile(w http.ResponseWriter, r *http.Request) {
	rd, meta, err := h.svc.ReadFile(r.Context(),
		chi.URLParam(r, "api"), chi.URLParam(r, "recordID"), chi.URLParam(r, "column"),
		chi.URLParam(r, "fileID"), requestContext(r, "", nil))
	if err != nil {
		writeRecordError(w, h.logger, err)
		return
	}
	defer rd.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if meta.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	disposition := "attachment"
	if meta.Filename != "" {
		disposition = fmt.Sprintf("attachment; filename=%q", meta.Filename)
	}
	w.Header().Set("Content-Disposition", disposition)
	if _, err := io.Copy(w, rd); err != nil {
		h.logger.Warn("streaming file", "error", err)
	}
}

// decodeRecordBody reads the JSON body once, returning both the decoded map
// and the raw payload so access rules can see _REQ_.body verbatim.
func decodeRecordBody(w http.ResponseWriter, r *http.Request) (map[string]any, string, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxBodySize))
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, "", false
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, "", false
	}
	return body, string(raw), true
}

type createItem struct {
	body    map[string]any
	payload string
}

// decodeCreateBody accepts a single record object or a batch array of them,
// keeping each element's raw JSON for rule evaluation.
func decodeCreateBody(w http.ResponseWriter, r *http.Request) ([]createItem, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxBodySize))
	if err != nil {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}

	elems := []json.RawMessage{raw}
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &elems); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return nil, false
		}
		if len(elems) == 0 {
			httputil.WriteError(w, http.StatusBadRequest, "empty batch")
			return nil, false
		}
	}

	items := make([]createItem, 0, len(elems))
	for _, elem := range elems {
		var body map[string]any
		if err := json.Unmarshal(elem, &body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return nil, false
		}
		items = append(items, createItem{body: body, payload: string(elem)})
	}
	return items, true
}
