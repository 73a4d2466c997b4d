package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/dossier/internal/annotate"
	"github.com/starford/dossier/internal/card"
	"github.com/starford/dossier/internal/index"
	"github.com/starford/dossier/internal/merge"
	"github.com/starford/dossier/internal/models"
	"github.com/starford/dossier/internal/testutil"
)

// testEnv sets up a temp data root, service, and router for testing.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*annotate.Service, http.Handler) {
	t.Helper()
	svc, router, _ := testEnvWithRoot(t, authToken != "", authToken, nil)
	return svc, router
}

func testEnvWithRoot(t *testing.T, authEnabled bool, authToken string, sseHandler http.Handler) (*annotate.Service, http.Handler, string) {
	t.Helper()
	root, store := testutil.TestRoot(t)
	svc := annotate.New(store, nil, nil, testutil.Logger(), annotate.Options{
		Card: card.Defaults{Classification: "UNCLASSIFIED"},
	})
	if _, err := svc.Index().BuildFull(context.Background()); err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	router := NewRouter(svc, authEnabled, authToken, sseHandler)
	return svc, router, root
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func uploadFile(t *testing.T, router http.Handler, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, bytes.NewReader(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAndGetCard(t *testing.T) {
	_, router, root := testEnvWithRoot(t, false, "", nil)

	w := uploadFile(t, router, "brief.txt", []byte("Acme Corp acquired Globex."))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[UploadResponse](t, w)
	if resp.Card == nil || resp.Card.Filename != "brief_card.txt" {
		t.Fatalf("card = %+v", resp.Card)
	}

	if _, err := os.Stat(filepath.Join(root, "uploads", "brief.txt")); err != nil {
		t.Errorf("raw file not on disk: %v", err)
	}

	w = do(t, router, http.MethodGet, "/cards/brief_card.txt", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get card = %d", w.Code)
	}
	c := decode[models.Card](t, w)
	if c.Original != "Acme Corp acquired Globex." {
		t.Errorf("original = %q", c.Original)
	}

	w = uploadFile(t, router, "brief.txt", []byte("again"))
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate upload = %d, want 409", w.Code)
	}

	w = do(t, router, http.MethodGet, "/cards", nil)
	list := decode[CardListResponse](t, w)
	if len(list.Cards) != 1 {
		t.Errorf("cards = %v", list.Cards)
	}
}

func TestUpload_InvalidFilename(t *testing.T) {
	_, router, root := testEnvWithRoot(t, false, "", nil)
	// multipart headers may clean "../" so we also verify file doesn't land outside.
	w := uploadFile(t, router, "../escape.txt", []byte("bad"))
	if w.Code == http.StatusCreated {
		if _, err := os.Stat(filepath.Join(root, "..", "escape.txt")); err == nil {
			t.Error("file escaped data root")
		}
	}
	w = uploadFile(t, router, ".hidden", []byte("bad"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("dot file = %d, want 400", w.Code)
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	_, router := testEnv(t, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("wrong", "data")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing field = %d, want 400", w.Code)
	}
}

func TestTagLifecycle(t *testing.T) {
	_, router := testEnv(t, "")
	uploadFile(t, router, "brief.txt", []byte("Acme Corp acquired Globex."))

	w := do(t, router, http.MethodPost, "/tags", map[string]any{
		"type": "entity", "name": "Acme Corp", "references": []string{"brief_card.txt"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create tag = %d, body = %s", w.Code, w.Body.String())
	}
	tag := decode[models.Tag](t, w)

	w = do(t, router, http.MethodGet, "/cards/brief_card.txt", nil)
	c := decode[models.Card](t, w)
	if !strings.Contains(c.Original, "[entity:Acme Corp]("+tag.ID+")") {
		t.Errorf("marker not embedded: %q", c.Original)
	}

	w = do(t, router, http.MethodGet, "/tags?type=entity", nil)
	list := decode[TagListResponse](t, w)
	if list.Total != 1 {
		t.Errorf("total = %d", list.Total)
	}

	w = do(t, router, http.MethodPatch, "/tags/"+tag.ID, map[string]any{"aliases": []string{"Acme"}})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[models.Tag](t, w); len(got.Aliases) != 1 {
		t.Errorf("aliases = %v", got.Aliases)
	}

	w = do(t, router, http.MethodPatch, "/tags/"+tag.ID, map[string]any{"type": "label"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("type change = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodGet, "/tags/"+tag.ID+"/references?scope=repository", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("references = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodDelete, "/tags/"+tag.ID+"?dryRun=true", nil)
	preview := decode[DeletePreview](t, w)
	if !preview.DryRun || preview.Markers != 1 || len(preview.Cards) != 1 {
		t.Errorf("preview = %+v", preview)
	}
	if w := do(t, router, http.MethodGet, "/tags/"+tag.ID, nil); w.Code != http.StatusOK {
		t.Errorf("tag gone after dry run: %d", w.Code)
	}

	w = do(t, router, http.MethodDelete, "/tags/"+tag.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/tags/"+tag.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted tag = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodGet, "/cards/brief_card.txt", nil)
	if c := decode[models.Card](t, w); c.Original != "Acme Corp acquired Globex." {
		t.Errorf("marker not stripped: %q", c.Original)
	}
}

func TestCreateTag_Errors(t *testing.T) {
	_, router := testEnv(t, "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown card", map[string]any{"type": "entity", "name": "X", "references": []string{"ghost_card.txt"}}, http.StatusBadRequest},
		{"missing name", map[string]any{"type": "entity", "references": []string{"a_card.txt"}}, http.StatusBadRequest},
		{"bad type", map[string]any{"type": "planet", "name": "X", "references": []string{"a_card.txt"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/tags", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
			if decode[errResponse](t, w).Error == "" {
				t.Error("expected a reason")
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/tags", strings.NewReader("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", w.Code)
	}
}

func TestMergeEndpoint(t *testing.T) {
	_, router := testEnv(t, "")
	uploadFile(t, router, "a.txt", []byte("Acme Corp here."))
	uploadFile(t, router, "b.txt", []byte("Acme there."))

	w := do(t, router, http.MethodPost, "/tags", map[string]any{"type": "entity", "name": "Acme Corp", "references": []string{"a_card.txt"}})
	master := decode[models.Tag](t, w)
	w = do(t, router, http.MethodPost, "/tags", map[string]any{"type": "entity", "name": "Acme Corp", "aliases": []string{"Acme"}, "references": []string{"a_card.txt", "b_card.txt"}})
	dup := decode[models.Tag](t, w)

	w = do(t, router, http.MethodPost, "/tags/"+master.ID+"/merge", MergeRequest{MergeIDs: []string{dup.ID}})
	if w.Code != http.StatusOK {
		t.Fatalf("merge = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[merge.Result](t, w)
	if len(res.Tag.References) != 2 {
		t.Errorf("references = %v", res.Tag.References)
	}
	if w := do(t, router, http.MethodGet, "/tags/"+dup.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("merged tag = %d, want 404", w.Code)
	}

	w = do(t, router, http.MethodPost, "/tags/"+master.ID+"/merge", MergeRequest{MergeIDs: []string{"nope"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("merge missing = %d, want 404", w.Code)
	}
}

func TestCardUserTextAndIntegrity(t *testing.T) {
	_, router := testEnv(t, "")
	uploadFile(t, router, "a.txt", []byte("Acme here."))

	w := do(t, router, http.MethodPost, "/cards/a_card.txt/user-text", UserTextRequest{Text: "note"})
	if w.Code != http.StatusOK {
		t.Fatalf("append = %d, body = %s", w.Code, w.Body.String())
	}
	if c := decode[models.Card](t, w); c.UserAdded == nil || *c.UserAdded != "note" {
		t.Errorf("user text = %v", c.UserAdded)
	}

	w = do(t, router, http.MethodPost, "/cards/a_card.txt/user-text", UserTextRequest{Text: "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank text = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodDelete, "/cards/a_card.txt/user-text", nil)
	if c := decode[models.Card](t, w); c.UserAdded != nil {
		t.Errorf("user text not cleared")
	}

	w = do(t, router, http.MethodGet, "/cards/a_card.txt/integrity", nil)
	if report := decode[card.IntegrityReport](t, w); !report.Valid {
		t.Errorf("report = %+v", report)
	}

	w = do(t, router, http.MethodPost, "/cards/a_card.txt/restore", nil)
	if res := decode[card.RestoreResult](t, w); !res.Success {
		t.Errorf("restore = %+v", res)
	}

	if w := do(t, router, http.MethodGet, "/cards/nope_card.txt/integrity", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing card = %d, want 404", w.Code)
	}
}

func TestConnectionsAndIndex(t *testing.T) {
	_, router := testEnv(t, "")
	uploadFile(t, router, "a.txt", []byte("Acme and Globex."))
	acme := decode[models.Tag](t, do(t, router, http.MethodPost, "/tags", map[string]any{"type": "entity", "name": "Acme", "references": []string{"a_card.txt"}}))
	globex := decode[models.Tag](t, do(t, router, http.MethodPost, "/tags", map[string]any{"type": "entity", "name": "Globex", "references": []string{"a_card.txt"}}))

	w := do(t, router, http.MethodPost, "/connections", map[string]any{"source": acme.ID, "target": globex.ID, "kind": "partner"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create connection = %d, body = %s", w.Code, w.Body.String())
	}
	conn := decode[models.Connection](t, w)

	w = do(t, router, http.MethodPut, "/connections/"+conn.ID, map[string]any{"source": acme.ID, "target": globex.ID, "direction": "sideways"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad direction = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodGet, "/connections", nil)
	if list := decode[ConnectionListResponse](t, w); len(list.Connections) != 1 {
		t.Errorf("connections = %d", len(list.Connections))
	}

	w = do(t, router, http.MethodGet, "/index", nil)
	snap := decode[index.Snapshot](t, w)
	if snap.Stats.TotalTags != 2 || len(snap.Connections) != 1 {
		t.Errorf("stats = %+v", snap.Stats)
	}

	do(t, router, http.MethodDelete, "/tags/"+globex.ID, nil)
	w = do(t, router, http.MethodGet, "/index/broken-connections", nil)
	broken := decode[map[string][]index.BrokenConnection](t, w)["brokenConnections"]
	if len(broken) != 1 || broken[0].Reason != index.ReasonMissingTarget {
		t.Errorf("broken = %+v", broken)
	}

	w = do(t, router, http.MethodPost, "/index/reindex?gc=true&dryRun=true", nil)
	res := decode[ReindexResponse](t, w)
	if res.GC == nil || !res.GC.DryRun || res.Snapshot == nil {
		t.Errorf("reindex = %+v", res)
	}

	if w := do(t, router, http.MethodDelete, "/connections/"+conn.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("delete connection = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/connections/"+conn.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted connection = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/tags", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/tags", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/tags", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/tags", nil)
	if w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

func TestUpload_AuthProtected(t *testing.T) {
	_, router := testEnv(t, "secret")

	w := uploadFile(t, router, "x.txt", []byte("data"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("upload no auth = %d, want 401", w.Code)
	}
}

// SSE endpoint auth tests.

// sseStub writes headers and blocks until the request context is done.
var sseStub = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router, _ := testEnvWithRoot(t, true, "secret", sseStub)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	_, router, _ := testEnvWithRoot(t, false, "", sseStub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router, _ := testEnvWithRoot(t, true, "tok", sseStub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

func TestSSEEvents_QueryToken(t *testing.T) {
	_, router, _ := testEnvWithRoot(t, true, "tok", sseStub)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?access_token=tok", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with query token should not 401")
	}

	// Query tokens are only honoured for the event stream.
	req = httptest.NewRequest(http.MethodGet, "/tags?access_token=tok", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("query token on /tags = %d, want 401", w.Code)
	}
}
