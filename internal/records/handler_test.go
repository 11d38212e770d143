package records

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bedrockdb/bedrock/internal/config"
	"github.com/bedrockdb/bedrock/internal/realtime"
	"github.com/bedrockdb/bedrock/internal/testutil"
)

func newRecordsServer(t *testing.T, apis ...config.RecordAPIConfig) (*httptest.Server, *Service) {
	t.Helper()
	svc, _ := newRecordsService(t, apis...)
	h := NewHandler(svc, testutil.DiscardLogger())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, svc
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	testutil.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	testutil.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeIDs(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var out struct {
		IDs []string `json:"ids"`
	}
	testutil.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.IDs
}

func TestCreateRespondsWithIDs(t *testing.T) {
	srv, svc := newRecordsServer(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})

	resp := doJSON(t, http.MethodPost, srv.URL+"/articles", `{"title":"solo"}`)
	testutil.StatusCode(t, http.StatusOK, resp.StatusCode)
	ids := decodeIDs(t, resp)
	testutil.SliceLen(t, ids, 1)

	// The returned id addresses the record.
	rec, err := svc.Read(context.Background(), "articles", ids[0], anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, "solo", rec["title"].(string))

	// A batch array creates every element and returns the ids in order.
	resp = doJSON(t, http.MethodPost, srv.URL+"/articles",
		`[{"title":"one"}, {"title":"two"}, {"title":"three"}]`)
	testutil.StatusCode(t, http.StatusOK, resp.StatusCode)
	testutil.SliceLen(t, decodeIDs(t, resp), 3)

	resp = doJSON(t, http.MethodPost, srv.URL+"/articles", `[]`)
	testutil.StatusCode(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateRespondsNoContent(t *testing.T) {
	srv, svc := newRecordsServer(t, config.RecordAPIConfig{
		Name: "articles", TableName: "articles", ACLWorld: aclAll,
	})

	resp := doJSON(t, http.MethodPost, srv.URL+"/articles", `{"title":"v1"}`)
	ids := decodeIDs(t, resp)
	testutil.SliceLen(t, ids, 1)

	resp = doJSON(t, http.MethodPatch, srv.URL+"/articles/"+ids[0], `{"rating":3}`)
	testutil.StatusCode(t, http.StatusNoContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	testutil.NoError(t, err)
	testutil.SliceLen(t, body, 0)

	rec, err := svc.Read(context.Background(), "articles", ids[0], anonymous())
	testutil.NoError(t, err)
	testutil.Equal(t, int64(3), rec["rating"].(int64))
}

func TestFileRoutes(t *testing.T) {
	srv, svc := newRecordsServer(t, docsAPI())

	rec, err := svc.CreateMultipart(context.Background(), "docs", anonymous(),
		buildForm(t, nil, map[string][]filePart{
			"attachment": {{name: "report.pdf", contentType: "application/pdf", content: "%PDF-1.7 fake"}},
			"gallery": {
				{name: "one.png", contentType: "image/png", content: "png-one"},
				{name: "two.png", contentType: "image/png", content: "png-two"},
			},
		}))
	testutil.NoError(t, err)
	id := rec["id"].(string)

	// Single-file columns live under /file/{column}.
	resp, err := http.Get(srv.URL + "/docs/" + id + "/file/attachment")
	testutil.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	testutil.StatusCode(t, http.StatusOK, resp.StatusCode)
	testutil.Equal(t, "%PDF-1.7 fake", string(body))
	testutil.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	testutil.Equal(t, `attachment; filename="report.pdf"`, resp.Header.Get("Content-Disposition"))

	// Multi-file columns are addressed by file id under /files/{column}.
	fileID := rec["gallery"].([]any)[1].(map[string]any)["id"].(string)
	resp, err = http.Get(srv.URL + "/docs/" + id + "/files/gallery/" + fileID)
	testutil.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	testutil.StatusCode(t, http.StatusOK, resp.StatusCode)
	testutil.Equal(t, "png-two", string(body))

	resp, err = http.Get(srv.URL + "/docs/" + id + "/files/gallery/not-there")
	testutil.NoError(t, err)
	resp.Body.Close()
	testutil.StatusCode(t, http.StatusNotFound, resp.StatusCode)

	// Crossing the route shapes is a client error.
	resp, err = http.Get(srv.URL + "/docs/" + id + "/file/gallery")
	testutil.NoError(t, err)
	resp.Body.Close()
	testutil.StatusCode(t, http.StatusBadRequest, resp.StatusCode)
	resp, err = http.Get(srv.URL + "/docs/" + id + "/files/attachment/" + fileID)
	testutil.NoError(t, err)
	resp.Body.Close()
	testutil.StatusCode(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEFrameShape(t *testing.T) {
	frame, err := sseFrame(&realtime.Event{
		Action: realtime.ActionUpdate,
		Table:  "articles",
		Record: map[string]any{"id": "abc"},
	})
	testutil.NoError(t, err)
	testutil.True(t, strings.HasPrefix(frame, "event: update\n"), "event line leads the frame")
	testutil.Contains(t, frame, `data: {"action":"update","table":"articles","record":{"id":"abc"}}`)
	testutil.True(t, strings.HasSuffix(frame, "\n\n"), "blank line terminates the frame")
}
