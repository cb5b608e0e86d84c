package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mahmoud661/Collaborative-editor/internal/diagram"
	"github.com/mahmoud661/Collaborative-editor/internal/gitrepo"
	"github.com/mahmoud661/Collaborative-editor/internal/relay"
	"github.com/mahmoud661/Collaborative-editor/internal/search"
	"github.com/mahmoud661/Collaborative-editor/internal/session"
	"github.com/mahmoud661/Collaborative-editor/internal/store"
)

type fakeRelay struct {
	rooms     []relay.RoomInfo
	members   map[string][]session.Member
	compactFn func(context.Context, string) (int, error)
	pingErr   error
}

func (f *fakeRelay) Rooms() []relay.RoomInfo { return f.rooms }

func (f *fakeRelay) Members(_ context.Context, room string) ([]session.Member, error) {
	return f.members[room], nil
}

func (f *fakeRelay) Compact(ctx context.Context, room string) (int, error) {
	if f.compactFn != nil {
		return f.compactFn(ctx, room)
	}
	return 0, store.ErrNotFound
}

func (f *fakeRelay) Ping(context.Context) error { return f.pingErr }

type fakeHistory struct {
	historyFn func(string, int) ([]store.CommitInfo, error)
	contents  map[string]gitrepo.Content
}

func (f *fakeHistory) History(room string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(room, limit)
	}
	return nil, gitrepo.ErrNoRepo
}

func (f *fakeHistory) Head(string) (gitrepo.Content, store.CommitInfo, error) {
	content, ok := f.contents["head"]
	if !ok {
		return gitrepo.Content{}, store.CommitInfo{}, gitrepo.ErrNoRepo
	}
	return content, store.CommitInfo{Hash: "head"}, nil
}

func (f *fakeHistory) ContentByHash(_ string, hash string) (gitrepo.Content, error) {
	content, ok := f.contents[hash]
	if !ok {
		return gitrepo.Content{}, gitrepo.ErrNoRepo
	}
	return content, nil
}

type fakeSearch struct {
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{Room: "plans", Snippet: "release <mark>plan</mark>"}},
		Total:   1,
		Query:   q.Text,
		Backend: "scan",
	}
}

type fakeRenderer struct {
	got diagram.RenderConfig
}

func (f *fakeRenderer) Render(_ context.Context, code string, cfg diagram.RenderConfig) (string, error) {
	f.got = cfg
	return "<svg>" + code + "</svg>", nil
}

func do(t *testing.T, server *HTTPServer, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestRoomsMergePersistedAndLive(t *testing.T) {
	mem := store.NewMemoryStore()
	_ = mem.AppendUpdate(context.Background(), "archived", []byte("a"))
	_ = mem.AppendUpdate(context.Background(), "live", []byte("b"))
	hub := &fakeRelay{rooms: []relay.RoomInfo{
		{Name: "live", LocalMembers: 2, Presence: 2},
		{Name: "fresh", LocalMembers: 1, Presence: 0},
	}}
	server := NewHTTPServer(New(mem, hub, nil, nil, nil, nil), "*")

	rr, payload := do(t, server, http.MethodGet, "/api/rooms", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rooms := payload["rooms"].([]any)
	if len(rooms) != 3 {
		t.Fatalf("expected 3 rooms, got %v", rooms)
	}
	first := rooms[0].(map[string]any)
	if first["name"] != "fresh" || first["localMembers"] != float64(1) {
		t.Fatalf("rooms with members should sort first: %v", rooms)
	}
	second := rooms[1].(map[string]any)
	if second["name"] != "live" || second["updates"] != float64(1) {
		t.Fatalf("persisted and live data should merge: %v", second)
	}
}

func TestRoomMembers(t *testing.T) {
	hub := &fakeRelay{members: map[string][]session.Member{
		"a/b": {{ConnID: "c1", Username: "alice", Node: "n1", JoinedAt: time.Unix(1700000000, 0)}},
	}}
	server := NewHTTPServer(New(store.NewMemoryStore(), hub, nil, nil, nil, nil), "*")

	rr, payload := do(t, server, http.MethodGet, "/api/rooms/a%2Fb/members", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["room"] != "a/b" || payload["count"] != float64(1) {
		t.Fatalf("unexpected members payload %v", payload)
	}
}

func TestRoomHistoryAndDiff(t *testing.T) {
	history := &fakeHistory{
		historyFn: func(room string, limit int) ([]store.CommitInfo, error) {
			if room != "plans" || limit != 5 {
				t.Fatalf("unexpected history lookup %q %d", room, limit)
			}
			return []store.CommitInfo{{Hash: "bbb2222", Message: "Compact 4 updates", Author: "relay"}}, nil
		},
		contents: map[string]gitrepo.Content{
			"aaa1111": {Texts: map[string]string{"document": "a"}},
			"bbb2222": {Texts: map[string]string{"document": "ab"}},
		},
	}
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, history, nil, nil, nil), "*")

	rr, payload := do(t, server, http.MethodGet, "/api/rooms/plans/history?limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	commits := payload["commits"].([]any)
	if len(commits) != 1 || commits[0].(map[string]any)["hash"] != "bbb2222" {
		t.Fatalf("unexpected commits %v", commits)
	}

	rr, payload = do(t, server, http.MethodGet, "/api/rooms/plans/diff?from=aaa1111&to=bbb2222", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	changes := payload["changes"].([]any)
	if len(changes) != 1 || changes[0].(map[string]any)["field"] != "text:document" {
		t.Fatalf("unexpected changes %v", changes)
	}

	rr, _ = do(t, server, http.MethodGet, "/api/rooms/plans/diff?from=aaa1111", "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without to, got %d", rr.Code)
	}
	rr, _ = do(t, server, http.MethodGet, "/api/rooms/other/history", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a room without history, got %d", rr.Code)
	}
}

func TestRoomHistoryUnavailable(t *testing.T) {
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, nil, nil, nil, nil), "*")
	rr, payload := do(t, server, http.MethodGet, "/api/rooms/plans/history", "")
	if rr.Code != http.StatusServiceUnavailable || payload["code"] != "HISTORY_UNAVAILABLE" {
		t.Fatalf("unexpected response %d %v", rr.Code, payload)
	}
}

func TestRoomSnapshot(t *testing.T) {
	mem := store.NewMemoryStore()
	_ = mem.SaveSnapshot(context.Background(), store.Snapshot{Room: "plans", Body: "release plan", UpdateCount: 3, CommitHash: "head"})
	history := &fakeHistory{contents: map[string]gitrepo.Content{
		"head":    {Room: "plans", Texts: map[string]string{"document": "release plan"}},
		"aaa1111": {Room: "plans", Texts: map[string]string{"document": "release"}, UpdateCount: 1},
	}}
	server := NewHTTPServer(New(mem, nil, history, nil, nil, nil), "*")

	rr, payload := do(t, server, http.MethodGet, "/api/rooms/plans/snapshot", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["body"] != "release plan" || payload["updateCount"] != float64(3) {
		t.Fatalf("unexpected snapshot %v", payload)
	}
	content := payload["content"].(map[string]any)
	if content["texts"].(map[string]any)["document"] != "release plan" {
		t.Fatalf("expected archived content, got %v", content)
	}

	_, payload = do(t, server, http.MethodGet, "/api/rooms/plans/snapshot?commit=aaa1111", "")
	if payload["commitHash"] != "aaa1111" || payload["updateCount"] != float64(1) {
		t.Fatalf("unexpected historical snapshot %v", payload)
	}

	rr, _ = do(t, server, http.MethodGet, "/api/rooms/missing/snapshot", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCompactRoute(t *testing.T) {
	hub := &fakeRelay{compactFn: func(_ context.Context, room string) (int, error) {
		if room == "plans" {
			return 12, nil
		}
		return 0, store.ErrNotFound
	}}
	server := NewHTTPServer(New(store.NewMemoryStore(), hub, nil, nil, nil, nil), "*")

	rr, payload := do(t, server, http.MethodPost, "/api/rooms/plans/compact", "")
	if rr.Code != http.StatusOK || payload["merged"] != float64(12) {
		t.Fatalf("unexpected compact response %d %v", rr.Code, payload)
	}
	rr, _ = do(t, server, http.MethodPost, "/api/rooms/empty/compact", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr, _ = do(t, server, http.MethodGet, "/api/rooms/plans/compact", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET compact should not route, got %d", rr.Code)
	}
}

func TestSearchRoute(t *testing.T) {
	searcher := &fakeSearch{}
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, nil, searcher, nil, nil), "*")

	rr, payload := do(t, server, http.MethodGet, "/api/search?q=plan&limit=5&offset=10", "")
	if rr.Code != http.StatusOK || payload["backend"] != "scan" {
		t.Fatalf("unexpected search response %d %v", rr.Code, payload)
	}
	if len(searcher.queries) != 1 || searcher.queries[0].Limit != 5 || searcher.queries[0].Offset != 10 {
		t.Fatalf("unexpected query %+v", searcher.queries)
	}

	_, payload = do(t, server, http.MethodGet, "/api/search?q=+", "")
	if payload["backend"] != "none" || len(searcher.queries) != 1 {
		t.Fatalf("blank queries must not reach the backend: %v", payload)
	}
}

func TestTemplateRoutes(t *testing.T) {
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, nil, nil, nil, nil), "*")

	_, payload := do(t, server, http.MethodGet, "/api/templates", "")
	if templates := payload["templates"].([]any); len(templates) != len(diagram.Templates()) {
		t.Fatalf("expected every template, got %d", len(templates))
	}

	_, payload = do(t, server, http.MethodGet, "/api/templates?category=Flowchart", "")
	for _, tpl := range payload["templates"].([]any) {
		if tpl.(map[string]any)["category"] != "Flowchart" {
			t.Fatalf("category filter leaked %v", tpl)
		}
	}

	rr, payload := do(t, server, http.MethodGet, "/api/templates/basic-flowchart", "")
	if rr.Code != http.StatusOK || payload["id"] != "basic-flowchart" {
		t.Fatalf("unexpected template %d %v", rr.Code, payload)
	}
	rr, _ = do(t, server, http.MethodGet, "/api/templates/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestRenderRoute(t *testing.T) {
	renderer := &fakeRenderer{}
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, nil, nil, renderer, nil), "*")

	rr, payload := do(t, server, http.MethodPost, "/api/render", `{"code":"sequenceDiagram\n  A->>B: hi","theme":"dark"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["kind"] != string(diagram.KindSequence) || !strings.HasPrefix(payload["svg"].(string), "<svg>") {
		t.Fatalf("unexpected render output %v", payload)
	}
	if renderer.got.Theme != diagram.ThemeDark || !renderer.got.SuppressErrorRendering {
		t.Fatalf("renderer got config %+v", renderer.got)
	}

	rr, payload = do(t, server, http.MethodPost, "/api/render", `{"code":"notADiagram\nfoo"}`)
	if rr.Code != http.StatusUnprocessableEntity || payload["code"] != "DIAGRAM_SYNTAX" {
		t.Fatalf("expected syntax error, got %d %v", rr.Code, payload)
	}
	if details := payload["details"].(map[string]any); details["line"] != float64(1) {
		t.Fatalf("expected error on line 1, got %v", details)
	}

	rr, _ = do(t, server, http.MethodPost, "/api/render", `{"code":"  "}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty code, got %d", rr.Code)
	}
	rr, _ = do(t, server, http.MethodPost, "/api/render", `{`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a broken body, got %d", rr.Code)
	}
}

func TestRenderWithoutRenderer(t *testing.T) {
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, nil, nil, nil, nil), "*")
	rr, payload := do(t, server, http.MethodPost, "/api/render", `{"code":"graph TD\n  A-->B"}`)
	if rr.Code != http.StatusServiceUnavailable || payload["code"] != "RENDERER_UNAVAILABLE" {
		t.Fatalf("unexpected response %d %v", rr.Code, payload)
	}
}

func TestMountedHandlersBypassMiddleware(t *testing.T) {
	server := NewHTTPServer(New(store.NewMemoryStore(), nil, nil, nil, nil, nil), "*")
	server.MountMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("collab_relay_connections 0\n"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Header().Get("Content-Type") != "text/plain" || rr.Header().Get("X-Request-ID") != "" {
		t.Fatalf("metrics went through the JSON middleware: %v", rr.Header())
	}

	rr, _ = do(t, server, http.MethodGet, "/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{gitrepo.ErrNoRepo, http.StatusNotFound},
		{&diagram.SyntaxError{Line: 2, Message: "bad"}, http.StatusUnprocessableEntity},
		{diagram.ErrRendererUnavailable, http.StatusServiceUnavailable},
		{domainError(http.StatusConflict, "CONFLICT", "conflict", nil), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _, _, _ := mapError(tc.err); status != tc.status {
			t.Errorf("mapError(%v) = %d, want %d", tc.err, status, tc.status)
		}
	}
}
