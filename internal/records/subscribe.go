package records

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/httputil"
	"github.com/bedrockdb/bedrock/internal/realtime"
	"github.com/bedrockdb/bedrock/internal/rules"
)

const sseHeartbeatInterval = 30 * time.Second

// subscribe serves the SSE stream of committed changes for a table or a
// single record. The read access rule is re-evaluated against every event's
// row, so a subscriber only sees changes it could read at delivery time.
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	apiName := chi.URLParam(r, "api")
	api, tbl, err := h.svc.Resolve(apiName)
	if err != nil {
		writeRecordError(w, h.logger, err)
		return
	}

	rc := requestContext(r, "", nil)
	acl := api.ACLWorld
	if rc.User != nil {
		acl |= api.ACLAuthenticated
	}
	if acl&config.ACLRead == 0 {
		httputil.WriteError(w, http.StatusForbidden, "forbidden")
		return
	}

	key := ""
	if raw := chi.URLParam(r, "recordID"); raw != "" {
		pk, err := parseRecordID(tbl, raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid record id")
			return
		}
		key = pkKey(pk)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.svc.hub.Subscribe(tbl.Name, key)
	defer h.svc.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	rule := api.ReadAccessRule
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if !h.eventVisible(r, rule, tbl.Name, rc, event) {
				continue
			}
			frame, err := sseFrame(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprint(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseFrame renders one server-sent event. The event line carries the action
// (insert, update, delete) so clients can dispatch without parsing the body.
func sseFrame(event *realtime.Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event.Action, payload), nil
}

// eventVisible applies the read rule to an event's row. Deletions carry only
// the PK tombstone; the rule sees NULL for every other column, matching what
// the row state is after the commit.
func (h *Handler) eventVisible(r *http.Request, rule, table string, rc *RequestContext, event *realtime.Event) bool {
	if rule == "" {
		return true
	}
	tbl := h.svc.cache.Get().Table(table)
	if tbl == nil {
		return false
	}
	ok, err := rules.Evaluate(r.Context(), h.svc.d, rule, tbl, &rules.EvalContext{
		Headers: rc.Headers,
		Row:     event.Raw,
		User:    rc.User,
		Params:  rc.Params,
	})
	if err != nil {
		h.logger.Error("subscription rule evaluation failed", "table", table, "error", err)
		return false
	}
	return ok
}
