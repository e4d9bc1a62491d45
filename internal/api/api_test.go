package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/auth"
	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeArchiver struct {
	mu       sync.Mutex
	archived []types.WorkspaceID
	done     chan struct{}
}

func (f *fakeArchiver) Archive(_ context.Context, ws types.WorkspaceID) (storage.ArchiveRef, error) {
	f.mu.Lock()
	f.archived = append(f.archived, ws)
	f.mu.Unlock()
	f.done <- struct{}{}
	return storage.ArchiveRef{WorkspaceID: ws}, nil
}

type harness struct {
	t       *testing.T
	store   *storage.Memory
	handler http.Handler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := storage.NewMemory()
	next := 0
	opts = append([]Option{
		WithClock(func() time.Time { return t0 }),
		WithIDGenerator(func() types.WorkspaceID {
			next++
			return types.WorkspaceID(fmt.Sprintf("ws-%d", next))
		}),
	}, opts...)
	srv := NewServer(store, auth.NewResolver(""), zerolog.New(io.Discard), opts...)
	return &harness{t: t, store: store, handler: srv.Handler()}
}

func (h *harness) do(method, path, as string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	if as != "" {
		path += "?as=" + as
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func (h *harness) create(as string) types.WorkspaceID {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/workspaces", as, nil)
	if rec.Code != http.StatusCreated {
		h.t.Fatalf("create: status %d (%s)", rec.Code, rec.Body.String())
	}
	var resp workspaceResponse
	decode(h.t, rec, &resp)
	return resp.WorkspaceID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decode(t, rec, &body)
	code, _ := body["error"].(string)
	return code
}

func withFrame(doc document.Doc, id string) document.Doc {
	doc = doc.Clone()
	doc.Nodes[id] = document.Node{
		ID: id, Type: document.NodeFrame, W: 100, H: 80,
		Props:     map[string]any{"title": "Frame " + id},
		CreatedAt: t0, UpdatedAt: t0,
	}
	doc.NodeOrder = append(doc.NodeOrder, id)
	return doc
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"ok\":true}\n" {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateGetAndList(t *testing.T) {
	h := newHarness(t)
	id := h.create("userA")
	if id != "ws-1" {
		t.Fatalf("unexpected id %q", id)
	}

	rec := h.do(http.MethodGet, "/api/workspaces/ws-1", "userA", nil)
	var owner workspaceResponse
	decode(t, rec, &owner)
	if rec.Code != http.StatusOK || owner.Doc.Version != 0 || owner.CanEdit == nil || !*owner.CanEdit {
		t.Fatalf("owner view: %d %+v", rec.Code, owner)
	}
	if owner.Doc.WorkspaceID != "ws-1" || owner.Doc.Viewport.Zoom != 1 {
		t.Fatalf("unexpected document %+v", owner.Doc)
	}

	rec = h.do(http.MethodGet, "/api/workspaces/ws-1", "userB", nil)
	var other workspaceResponse
	decode(t, rec, &other)
	if other.CanEdit == nil || *other.CanEdit {
		t.Fatalf("userB must be read-only, got %+v", other.CanEdit)
	}

	rec = h.do(http.MethodGet, "/api/workspaces/missing", "userA", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "not_found" {
		t.Fatalf("missing workspace: %d", rec.Code)
	}

	h.create("userB")
	rec = h.do(http.MethodGet, "/api/workspaces", "userA", nil)
	var list struct {
		Workspaces []storage.WorkspaceSummary `json:"workspaces"`
	}
	decode(t, rec, &list)
	if len(list.Workspaces) != 1 || list.Workspaces[0].WorkspaceID != "ws-1" {
		t.Fatalf("userA listing: %+v", list.Workspaces)
	}

	rec = h.do(http.MethodGet, "/api/workspaces", "nobody", nil)
	if rec.Body.String() != "{\"workspaces\":[]}\n" {
		t.Fatalf("empty listing: %q", rec.Body.String())
	}
}

func TestReplaceWithStaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	id := h.create("userA")
	doc, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	edited := withFrame(doc, "n1")
	rec := h.do(http.MethodPut, "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &edited})
	var saved workspaceResponse
	decode(t, rec, &saved)
	if rec.Code != http.StatusOK || saved.Doc.Version != 1 || len(saved.Doc.NodeOrder) != 1 {
		t.Fatalf("first replace: %d %+v", rec.Code, saved.Doc)
	}

	stale := withFrame(doc, "n2")
	rec = h.do(http.MethodPut, "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &stale})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale replace: status %d", rec.Code)
	}
	var conflict conflictResponse
	decode(t, rec, &conflict)
	if conflict.Error != "version_conflict" || conflict.Current.Version != 1 || conflict.Current.NodeOrder[0] != "n1" {
		t.Fatalf("unexpected conflict body %+v", conflict)
	}

	rebased := withFrame(conflict.Current, "n2")
	rec = h.do(http.MethodPut, "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(1)), Doc: &rebased})
	decode(t, rec, &saved)
	if rec.Code != http.StatusOK || saved.Doc.Version != 2 || len(saved.Doc.Nodes) != 2 {
		t.Fatalf("rebased replace: %d %+v", rec.Code, saved.Doc)
	}
}

func TestReplaceRejections(t *testing.T) {
	h := newHarness(t)
	id := h.create("userA")
	doc, _ := h.store.Get(context.Background(), id)

	other := doc.Clone()
	other.WorkspaceID = "ws-9"
	missing := doc.Clone()
	missing.WorkspaceID = "missing"
	badZoom := doc.Clone()
	badZoom.Viewport.Zoom = 0

	cases := []struct {
		name   string
		path   string
		as     string
		body   any
		status int
		code   string
	}{
		{"malformed", "/api/workspaces/ws-1", "userA", "{", http.StatusBadRequest, "invalid_body"},
		{"no expected version", "/api/workspaces/ws-1", "userA", map[string]any{"doc": doc}, http.StatusBadRequest, "invalid_body"},
		{"negative version", "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(-1)), Doc: &doc}, http.StatusBadRequest, "invalid_body"},
		{"invalid doc", "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &badZoom}, http.StatusBadRequest, "invalid_doc"},
		{"id mismatch", "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &other}, http.StatusBadRequest, "workspace_id_mismatch"},
		{"not editor", "/api/workspaces/ws-1", "userB", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &doc}, http.StatusForbidden, "forbidden"},
		{"not found", "/api/workspaces/missing", "userA", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &missing}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		rec := h.do(http.MethodPut, tc.path, tc.as, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		if code := errorCode(t, rec); code != tc.code {
			t.Fatalf("%s: error %q, want %q", tc.name, code, tc.code)
		}
	}

	stored, _ := h.store.Get(context.Background(), id)
	if stored.Version != 0 {
		t.Fatalf("rejected replaces must not change the document, version %d", stored.Version)
	}
}

func TestCopyIsolatesTheNewWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.create("userA")
	doc, _ := h.store.Get(ctx, src)
	edited := withFrame(doc, "n1")
	if rec := h.do(http.MethodPut, "/api/workspaces/ws-1", "userA", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &edited}); rec.Code != http.StatusOK {
		t.Fatalf("seed: %d", rec.Code)
	}

	rec := h.do(http.MethodPost, "/api/workspaces/copy", "userB", copyRequest{SourceWorkspaceID: src})
	if rec.Code != http.StatusCreated {
		t.Fatalf("copy: status %d (%s)", rec.Code, rec.Body.String())
	}
	var copied workspaceResponse
	decode(t, rec, &copied)
	if copied.WorkspaceID != "ws-2" || copied.Doc.WorkspaceID != "ws-2" || copied.Doc.Version != 0 {
		t.Fatalf("unexpected copy %+v", copied)
	}
	if _, ok := copied.Doc.Nodes["n1"]; !ok || !copied.Doc.CreatedAt.Equal(t0) {
		t.Fatalf("copy must keep content with fresh timestamps: %+v", copied.Doc)
	}

	acl, err := h.store.ACL(ctx, "ws-2")
	if err != nil || acl.OwnerID != "userB" {
		t.Fatalf("copy owner = %+v, %v", acl, err)
	}

	mutated := copied.Doc.Clone()
	delete(mutated.Nodes, "n1")
	mutated.NodeOrder = []string{}
	if rec := h.do(http.MethodPut, "/api/workspaces/ws-2", "userB", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &mutated}); rec.Code != http.StatusOK {
		t.Fatalf("mutate copy: %d (%s)", rec.Code, rec.Body.String())
	}

	original, _ := h.store.Get(ctx, src)
	if original.Version != 1 || len(original.Nodes) != 1 {
		t.Fatalf("source changed after mutating the copy: %+v", original)
	}
	if seq, _ := h.store.LatestSeq(ctx, src); seq != 0 {
		t.Fatalf("source log changed: %d", seq)
	}
}

func TestCopyFromSnapshotPayload(t *testing.T) {
	h := newHarness(t)
	doc := withFrame(document.NewEmpty("shared", t0.Add(-time.Hour)), "n1")
	doc.Version = 42
	doc.Selection = []string{"n1"}
	payload, err := EncodeSnapshotPayload(doc)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	rec := h.do(http.MethodPost, "/api/workspaces/copy", "userC", copyRequest{SnapshotPayload: payload})
	if rec.Code != http.StatusCreated {
		t.Fatalf("copy: status %d (%s)", rec.Code, rec.Body.String())
	}
	var copied workspaceResponse
	decode(t, rec, &copied)
	if copied.Doc.Version != 0 || copied.Doc.WorkspaceID != copied.WorkspaceID || len(copied.Doc.Selection) != 0 {
		t.Fatalf("unexpected seeded doc %+v", copied.Doc)
	}
	if !copied.Doc.UpdatedAt.Equal(t0) || copied.Doc.Nodes["n1"].Props["title"] != "Frame n1" {
		t.Fatalf("unexpected seeded content %+v", copied.Doc)
	}

	cases := []struct {
		body   any
		status int
		code   string
	}{
		{copyRequest{}, http.StatusBadRequest, "missing_source"},
		{copyRequest{SnapshotPayload: "!!not-base64"}, http.StatusBadRequest, "invalid_snapshot_payload"},
		{copyRequest{SourceWorkspaceID: "missing"}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		rec := h.do(http.MethodPost, "/api/workspaces/copy", "userC", tc.body)
		if rec.Code != tc.status || errorCode(t, rec) != tc.code {
			t.Fatalf("%+v: status %d", tc.body, rec.Code)
		}
	}
}

func TestUpdateACLGrantsEditing(t *testing.T) {
	h := newHarness(t)
	id := h.create("userA")
	doc, _ := h.store.Get(context.Background(), id)

	if rec := h.do(http.MethodPut, "/api/workspaces/ws-1/acl", "userB", aclRequest{Editors: []types.ViewerID{"userB"}}); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner acl update: %d", rec.Code)
	}
	if rec := h.do(http.MethodPut, "/api/workspaces/missing/acl", "userA", aclRequest{}); rec.Code != http.StatusNotFound {
		t.Fatalf("missing acl: %d", rec.Code)
	}

	rec := h.do(http.MethodPut, "/api/workspaces/ws-1/acl", "userA", aclRequest{Editors: []types.ViewerID{"userB"}})
	var acl storage.ACL
	decode(t, rec, &acl)
	if rec.Code != http.StatusOK || acl.OwnerID != "userA" || len(acl.Editors) != 1 {
		t.Fatalf("acl update: %d %+v", rec.Code, acl)
	}

	rec = h.do(http.MethodPut, "/api/workspaces/ws-1", "userB", replaceRequest{ExpectedVersion: ptr(int64(0)), Doc: &doc})
	if rec.Code != http.StatusOK {
		t.Fatalf("editor replace: %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWritesTriggerArchive(t *testing.T) {
	archiver := &fakeArchiver{done: make(chan struct{}, 4)}
	h := newHarness(t, WithArchiver(archiver))
	h.create("userA")
	if rec := h.do(http.MethodPost, "/api/workspaces/copy", "userA", copyRequest{SourceWorkspaceID: "ws-1"}); rec.Code != http.StatusCreated {
		t.Fatalf("copy: %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-archiver.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("archive %d not triggered", i+1)
		}
	}
	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	seen := map[types.WorkspaceID]bool{}
	for _, ws := range archiver.archived {
		seen[ws] = true
	}
	if !seen["ws-1"] || !seen["ws-2"] {
		t.Fatalf("archived %v", archiver.archived)
	}
}

func TestMountsPlaybackAndSync(t *testing.T) {
	playback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"id": mux.Vars(r)["id"]})
	})
	syncHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := newHarness(t, WithPlayback(playback), WithSync(syncHandler))

	rec := h.do(http.MethodGet, "/api/workspaces/ws-7/state", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "{\"id\":\"ws-7\"}\n" {
		t.Fatalf("playback route: %d %q", rec.Code, rec.Body.String())
	}
	if rec := h.do(http.MethodGet, "/ws/workspaces", "", nil); rec.Code != http.StatusTeapot {
		t.Fatalf("sync route: %d", rec.Code)
	}
	if rec := h.do(http.MethodDelete, "/api/workspaces/ws-1", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete: %d", rec.Code)
	}
}

func TestSnapshotPayloadRoundTrip(t *testing.T) {
	doc := withFrame(document.NewEmpty("ws-1", t0), "n1")
	payload, err := EncodeSnapshotPayload(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSnapshotPayload(payload + "==")
	if err != nil {
		t.Fatalf("decode padded payload: %v", err)
	}
	if got.WorkspaceID != "ws-1" || got.Nodes["n1"].W != 100 {
		t.Fatalf("unexpected document %+v", got)
	}
}

func ptr[T any](v T) *T { return &v }
