package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dandantas/dcm/internal/backend"
	"github.com/dandantas/dcm/internal/database"
	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/service"
	"github.com/dandantas/dcm/internal/store"
	"github.com/dandantas/dcm/internal/widget"
	"github.com/dandantas/dcm/pkg/middleware"
)

const testToken = "0f8fad5b-d9cb-469f-a165-70867728950e"

type memLayoutRepo struct {
	mu      sync.Mutex
	layouts map[string]model.Layout
}

func (r *memLayoutRepo) Get(_ context.Context, userID string) (*model.StoredLayout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.layouts[userID]
	if !ok {
		return nil, fmt.Errorf("layout of user '%s': %w", userID, database.ErrNotFound)
	}
	return &model.StoredLayout{UserID: userID, Widgets: l.Clone()}, nil
}

func (r *memLayoutRepo) Put(_ context.Context, userID string, l model.Layout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts[userID] = l.Clone()
	return nil
}

func (r *memLayoutRepo) stored(userID string) model.Layout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layouts[userID].Clone()
}

type fakeBackend struct {
	mu      sync.Mutex
	info    model.JobInfo
	aborted []string
}

func (b *fakeBackend) SubmitJob(_ context.Context, id string) (string, error) {
	if id == "forbidden" {
		return "", &backend.StatusError{Code: http.StatusForbidden, Resource: "job config"}
	}
	return testToken, nil
}

func (b *fakeBackend) AbortJob(_ context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = append(b.aborted, token)
	b.info.Status = model.JobStatusAborted
	return nil
}

func (b *fakeBackend) FetchJobConfig(_ context.Context, id string) (*model.JobConfig, error) {
	return &model.JobConfig{ID: id, LatestExec: testToken}, nil
}

func (b *fakeBackend) FetchJobInfo(_ context.Context, token string) (*model.JobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.info
	info.Token = token
	return &info, nil
}

type memArchive struct {
	mu   sync.Mutex
	jobs map[string]model.ArchivedJob
}

func (a *memArchive) Save(_ context.Context, info *model.JobInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs[info.Token] = model.ArchivedJob{JobInfo: *info, ArchivedAt: time.Now()}
	return nil
}

func (a *memArchive) Get(_ context.Context, token string) (*model.ArchivedJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[token]
	if !ok {
		return nil, fmt.Errorf("archived job '%s': %w", token, database.ErrNotFound)
	}
	return &job, nil
}

func (a *memArchive) List(_ context.Context, _ string, _, _ int) ([]model.ArchivedJob, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.ArchivedJob, 0, len(a.jobs))
	for _, j := range a.jobs {
		out = append(out, j)
	}
	return out, int64(len(out)), nil
}

// inlineScheduler runs the first fetch inline and never ticks
type inlineScheduler struct{}

func (inlineScheduler) Every(time.Duration, func()) func() { return func() {} }
func (inlineScheduler) Go(task func())                      { task() }

type testServer struct {
	*httptest.Server
	layouts *memLayoutRepo
	backend *fakeBackend
	archive *memArchive
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithOrigins(t, "*")
}

func newTestServerWithOrigins(t *testing.T, origins string) *testServer {
	t.Helper()

	ts := &testServer{
		layouts: &memLayoutRepo{layouts: map[string]model.Layout{}},
		backend: &fakeBackend{info: model.JobInfo{Status: model.JobStatusCompleted, Success: model.BoolPtr(true)}},
		archive: &memArchive{jobs: map[string]model.ArchivedJob{}},
	}

	jobs := store.NewJobStore(ts.backend)
	layoutSvc := service.NewLayoutService(ts.layouts, store.NewLayoutStore(), widget.DefaultCatalog(), layout.Options{})
	hub := service.NewMonitorHub(jobs, ts.backend, service.HubOptions{Scheduler: inlineScheduler{}, Archive: ts.archive})
	jobSvc := service.NewJobService(ts.backend, jobs, nil, ts.archive)

	cors := middleware.CORSConfig{AllowedOrigins: origins, AllowedMethods: "GET"}
	router := NewRouter(
		NewLayoutHandler(layoutSvc),
		NewJobHandler(jobSvc),
		NewWSHandler(hub, layoutSvc, cors),
		NewHealthHandler(nil, "test"),
		cors,
	)
	ts.Server = httptest.NewServer(router.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		layoutSvc.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func TestHealthWithoutDatabase(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	var ready ReadyResponse
	if err := json.Unmarshal(body, &ready); err != nil || !ready.Ready || ready.MongoDB != "disabled" {
		t.Fatalf("unexpected ready response %s", body)
	}
	if resp.Header.Get(middleware.RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestReadyReportsDatabaseDown(t *testing.T) {
	h := NewHealthHandler(failingPinger{}, "test")
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLayoutRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/users/alice/widgets", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET layout: %d %s", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/v1/users/alice/widgets", model.WidgetPlacement{ID: widget.TypeDemo})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST widget: %d %s", resp.StatusCode, body)
	}
	var added LayoutResponse
	if err := json.Unmarshal(body, &added); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if added.Key == "" || len(ts.layouts.stored("alice")) != 1 {
		t.Fatalf("expected widget added and stored, got %s", body)
	}

	resp, body = ts.do(t, http.MethodPatch, "/api/v1/users/alice/widgets/"+added.Key, layout.Cell{X: 20, Y: 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH widget: %d %s", resp.StatusCode, body)
	}
	if got := ts.layouts.stored("alice")[added.Key]; got.X != 9 || got.Y != 2 {
		t.Fatalf("expected widget clamped to column 9 row 2, got %+v", got)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/users/alice/widgets/"+added.Key, nil)
	if resp.StatusCode != http.StatusOK || len(ts.layouts.stored("alice")) != 0 {
		t.Fatalf("DELETE widget: %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/users/alice/widgets/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown widget, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/users/alice/widgets", model.WidgetPlacement{ID: widget.TypeUnknown})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-creatable widget, got %d", resp.StatusCode)
	}
}

func TestPutLayoutOverwrites(t *testing.T) {
	ts := newTestServer(t)

	l := model.Layout{
		"a": {ID: widget.TypeDemo, X: 0, Y: 0},
		"b": {ID: widget.TypeDemo, X: 0, Y: 0},
	}
	resp, body := ts.do(t, http.MethodPut, "/api/v1/users/bob/widgets", l)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT layout: %d %s", resp.StatusCode, body)
	}
	stored := ts.layouts.stored("bob")
	if len(stored) != 2 || stored["b"].Y != 3 {
		t.Fatalf("expected overlap resolved, got %+v", stored)
	}
}

func TestResolveEndpoint(t *testing.T) {
	ts := newTestServer(t)

	req := ResolveRequest{
		Widgets: model.Layout{
			"a": {ID: widget.TypeDemo, X: 0, Y: 0},
			"b": {ID: widget.TypeDemo, X: 1, Y: 1},
		},
		Locked: []string{"b"},
	}
	resp, body := ts.do(t, http.MethodPost, "/api/v1/layouts/resolve", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", resp.StatusCode, body)
	}
	var out ResolveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Conflicts != 0 || out.Widgets["b"].Y != 1 || out.Widgets["a"].Y != 4 {
		t.Fatalf("expected a pushed below locked b, got %+v", out)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/layouts/resolve", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestJobRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/jobs?id=cfg-1", nil)
	if resp.StatusCode != http.StatusCreated || !strings.Contains(string(body), testToken) {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/jobs?id=forbidden", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 passthrough, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/jobs/"+testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", resp.StatusCode, body)
	}
	var details service.JobDetails
	if err := json.Unmarshal(body, &details); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if details.Status != "success" {
		t.Fatalf("expected success, got %s", details.Status)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/jobs/short", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed token, got %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodDelete, "/api/v1/jobs/"+testToken, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"failure"`) {
		t.Fatalf("abort: %d %s", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/job-configs/cfg-1/latest", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), testToken) {
		t.Fatalf("latest: %d %s", resp.StatusCode, body)
	}
}

func TestArchiveRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.archive.Save(context.Background(), &model.JobInfo{Token: testToken, Status: model.JobStatusCompleted})

	resp, body := ts.do(t, http.MethodGet, "/api/v1/archive/jobs?limit=500", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var list ArchiveListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 1 || list.Limit != 100 {
		t.Fatalf("unexpected list response %+v", list)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/archive/jobs/"+testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get archived: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/archive/jobs/unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func dial(t *testing.T, ts *testServer, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (response %v)", path, err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads messages until one of type typ satisfies match
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ && match(msg.Payload) {
			return msg.Payload
		}
	}
}

func TestMonitorSession(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/api/v1/jobs/"+testToken+"/monitor")

	readUntil(t, conn, MessageSnapshot, func(p json.RawMessage) bool {
		return strings.Contains(string(p), `"status":"completed"`)
	})

	if err := conn.WriteJSON(map[string]interface{}{
		"type":    "select_record",
		"payload": map[string]string{"recordId": "rec-1"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, MessageScroll, func(p json.RawMessage) bool { return string(p) == `"bottom"` })
	readUntil(t, conn, MessageSnapshot, func(p json.RawMessage) bool {
		return strings.Contains(string(p), `"recordId":"rec-1"`)
	})

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, MessageError, func(json.RawMessage) bool { return true })

	ts.archive.mu.Lock()
	_, archived := ts.archive.jobs[testToken]
	ts.archive.mu.Unlock()
	if !archived {
		t.Fatal("expected completed job archived")
	}
}

func TestLayoutEditSessionPersistsOnClose(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts, "/api/v1/users/carol/widgets/edit")
	readUntil(t, conn, MessageLayout, func(json.RawMessage) bool { return true })

	send := func(typ string, payload interface{}) {
		t.Helper()
		if err := conn.WriteJSON(map[string]interface{}{"type": typ, "payload": payload}); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}

	send("resize", map[string]float64{"width": 1200})
	readUntil(t, conn, MessageLayout, func(p json.RawMessage) bool {
		return strings.Contains(string(p), `"unitWidth":100`)
	})

	send("add", model.WidgetPlacement{ID: widget.TypeDemo})
	readUntil(t, conn, MessageError, func(p json.RawMessage) bool {
		return strings.Contains(string(p), "edit mode")
	})

	send("edit_mode", map[string]bool{"on": true})
	send("add", model.WidgetPlacement{ID: widget.TypeDemo})
	readUntil(t, conn, MessageLayout, func(p json.RawMessage) bool {
		return strings.Contains(string(p), `"type":"demo"`)
	})
	if len(ts.layouts.stored("carol")) != 0 {
		t.Fatal("layout must not be persisted while editing")
	}

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for len(ts.layouts.stored("carol")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected layout persisted after the session closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketRejectsUnlistedOrigin(t *testing.T) {
	ts := newTestServerWithOrigins(t, "https://dcm.example")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/users/carol/widgets/edit"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://dcm.example"}})
	if err != nil {
		t.Fatalf("expected listed origin to connect: %v", err)
	}
	conn.Close()
}
