package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

type noProcesses struct{}

func (noProcesses) StateOf(string) (wire.ProcessState, bool) { return "", false }

func (noProcesses) Snapshot() []wire.ProcessRecord { return nil }

type apiFixture struct {
	engine *gin.Engine
	store  *store.Store
	layout *journal.Layout
	bus    *bus.MemoryEventBus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)

	pool, err := db.OpenPool(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "agentdeck.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	require.NoError(t, err)

	layout := journal.NewLayout(t.TempDir())
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	br, err := bridge.New(layout, noProcesses{}, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(br.Close)

	svc := NewService(st, layout, br, eventBus, log)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	hub := websocket.NewHub(noProcesses{}, log)
	RegisterRoutes(engine, svc, websocket.NewHandler(hub, nil, log), log)

	return &apiFixture{engine: engine, store: st, layout: layout, bus: eventBus}
}

func (f *apiFixture) seedSession(t *testing.T, projectID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.GetOrCreateProject(ctx, projectID, "/home/dev/"+projectID)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateSession(ctx, &store.Session{
		ID:        sessionID,
		ProjectID: projectID,
	}))
}

func (f *apiFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type sessionEventCollector struct {
	mu     sync.Mutex
	frames []wire.SessionFrame
}

func collectSessionEvents(t *testing.T, eventBus bus.EventBus, subjects ...string) *sessionEventCollector {
	t.Helper()
	c := &sessionEventCollector{}
	for _, subject := range subjects {
		sub, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			frame, err := events.DecodeData[wire.SessionFrame](event)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.frames = append(c.frames, frame)
			c.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}
	return c
}

func (c *sessionEventCollector) ofType(frameType string) []wire.SessionFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.SessionFrame
	for _, frame := range c.frames {
		if frame.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestListProjectsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")

	rec := f.request(t, http.MethodGet, "/api/projects", "")
	require.Equal(t, http.StatusOK, rec.Code)

	projects, ok := decodeBody(t, rec)["projects"].([]any)
	require.True(t, ok)
	require.Len(t, projects, 1)
	project := projects[0].(map[string]any)
	assert.Equal(t, "proj-a", project["id"])
	assert.Equal(t, "/home/dev/proj-a", project["path"])
}

func TestGetSessionEnforcesProjectPath(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")

	rec := f.request(t, http.MethodGet, "/api/projects/proj-a/sessions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-1", decodeBody(t, rec)["id"])

	rec = f.request(t, http.MethodGet, "/api/projects/proj-b/sessions/sess-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsFlags(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.seedSession(t, "proj-a", "sess-live")
	require.NoError(t, f.store.CreateSession(ctx, &store.Session{ID: "sess-archived", ProjectID: "proj-a", Archived: true}))
	parent := "sess-live"
	require.NoError(t, f.store.CreateSession(ctx, &store.Session{
		ID: "sess-sub", ProjectID: "proj-a",
		ParentSessionID: &parent, SessionType: wire.SessionTypeSubagent,
	}))

	sessionIDs := func(rec *httptest.ResponseRecorder) []string {
		sessions := decodeBody(t, rec)["sessions"].([]any)
		ids := make([]string, 0, len(sessions))
		for _, raw := range sessions {
			ids = append(ids, raw.(map[string]any)["id"].(string))
		}
		return ids
	}

	rec := f.request(t, http.MethodGet, "/api/projects/proj-a/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sess-live"}, sessionIDs(rec), "default hides archived and subagents")

	rec = f.request(t, http.MethodGet, "/api/projects/proj-a/sessions?archived=true", "")
	assert.ElementsMatch(t, []string{"sess-live", "sess-archived"}, sessionIDs(rec))

	rec = f.request(t, http.MethodGet, "/api/projects/proj-a/sessions?all=true", "")
	assert.ElementsMatch(t, []string{"sess-live", "sess-sub"}, sessionIDs(rec))
}

func TestRecentSessionsLimit(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")
	f.seedSession(t, "proj-b", "sess-2")
	f.seedSession(t, "proj-c", "sess-3")

	rec := f.request(t, http.MethodGet, "/api/sessions/recent?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["sessions"].([]any), 2)

	rec = f.request(t, http.MethodGet, "/api/sessions/recent?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestItemsEndpointFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")

	head := int64(2)
	require.NoError(t, f.store.ApplyIngestBatch(context.Background(), &store.IngestBatch{
		SessionID: "sess-1",
		Items: []*store.SessionItem{
			{SessionID: "sess-1", LineNum: 1, Content: `{"type":"system"}`, DisplayLevel: wire.DisplayDebugOnly, Kind: wire.KindSystemInit},
			{SessionID: "sess-1", LineNum: 2, Content: `{"type":"user"}`, DisplayLevel: wire.DisplayAlways, Kind: wire.KindUserMessage, GroupHead: &head},
			{SessionID: "sess-1", LineNum: 3, Content: `{"type":"assistant"}`, DisplayLevel: wire.DisplayAlways, Kind: wire.KindAssistantMessage},
		},
		LastOffset:  90,
		LastLineNum: 3,
	}))

	lineNums := func(rec *httptest.ResponseRecorder) []float64 {
		items := decodeBody(t, rec)["items"].([]any)
		nums := make([]float64, 0, len(items))
		for _, raw := range items {
			nums = append(nums, raw.(map[string]any)["line_num"].(float64))
		}
		return nums
	}

	rec := f.request(t, http.MethodGet, "/api/projects/proj-a/sessions/sess-1/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []float64{2, 3}, lineNums(rec), "debug-only hidden by default")

	rec = f.request(t, http.MethodGet, "/api/projects/proj-a/sessions/sess-1/items?debug=true", "")
	assert.Equal(t, []float64{1, 2, 3}, lineNums(rec))

	rec = f.request(t, http.MethodGet, "/api/projects/proj-a/sessions/sess-1/items?after_line=2", "")
	assert.Equal(t, []float64{3}, lineNums(rec))

	rec = f.request(t, http.MethodGet, "/api/projects/proj-a/sessions/sess-1/items?after_line=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchTitlePersistsAndJournals(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")
	collector := collectSessionEvents(t, f.bus, events.BuildSessionUpdatedWildcardSubject())

	rec := f.request(t, http.MethodPatch, "/api/projects/proj-a/sessions/sess-1",
		`{"title":"Debugging the watcher"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Debugging the watcher", decodeBody(t, rec)["title"])

	sess, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.Title)
	assert.Equal(t, "Debugging the watcher", *sess.Title)

	// No process is running, so the rename lands in the journal immediately.
	data, err := os.ReadFile(f.layout.SessionPath("proj-a", "sess-1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"customTitle":"Debugging the watcher"`)

	require.Eventually(t, func() bool {
		return len(collector.ofType(wire.TypeSessionUpdated)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPatchArchivedAndPinned(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")

	rec := f.request(t, http.MethodPatch, "/api/projects/proj-a/sessions/sess-1",
		`{"archived":true,"pinned":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, sess.Archived)
	assert.True(t, sess.Pinned)

	rec = f.request(t, http.MethodPatch, "/api/projects/proj-a/sessions/sess-1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty patch rejected")
}

func TestDeleteSessionRemovesRowsAndJournal(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSession(t, "proj-a", "sess-1")
	collector := collectSessionEvents(t, f.bus, events.BuildSessionRemovedWildcardSubject())

	path := f.layout.SessionPath("proj-a", "sess-1")
	require.NoError(t, journal.AppendLine(path, []byte(`{"type":"user"}`)))

	rec := f.request(t, http.MethodDelete, "/api/projects/proj-a/sessions/sess-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.store.GetSession(context.Background(), "sess-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "journal file removed")

	require.Eventually(t, func() bool {
		removed := collector.ofType(wire.TypeSessionRemoved)
		return len(removed) == 1 && removed[0].Session.ID == "sess-1"
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.request(t, http.MethodDelete, "/api/projects/proj-a/sessions/sess-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
