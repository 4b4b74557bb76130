package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/compute"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/watcher"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.OpenPool(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "agentdeck.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	require.NoError(t, err)
	return st
}

func seedOpusPrices(t *testing.T, st *store.Store) {
	t.Helper()
	err := st.UpsertModelPrice(context.Background(), &store.ModelPrice{
		ModelID:           "claude-opus-4-5",
		EffectiveDate:     "2026-01-01",
		InputPrice:        decimal.RequireFromString("5"),
		OutputPrice:       decimal.RequireFromString("25"),
		CacheReadPrice:    decimal.RequireFromString("0.5"),
		CacheWrite5mPrice: decimal.RequireFromString("6.25"),
		CacheWrite1hPrice: decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
}

func newTestService(t *testing.T) (*Service, *store.Store, *bus.MemoryEventBus) {
	t.Helper()
	log := testLogger(t)
	st := testStore(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	engine := compute.NewEngine(st, log)
	svc := NewService(st, engine, eventBus, 2, log)
	return svc, st, eventBus
}

type eventCollector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func collectEvents(t *testing.T, eventBus bus.EventBus, subjects ...string) *eventCollector {
	t.Helper()
	c := &eventCollector{}
	for _, subject := range subjects {
		sub, err := eventBus.Subscribe(subject, func(_ context.Context, event *bus.Event) error {
			c.mu.Lock()
			c.events = append(c.events, event)
			c.mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}
	return c
}

func (c *eventCollector) ofType(eventType string) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func writeJournal(t *testing.T, root, projectID, sessionID string, lines ...string) watcher.SyncJob {
	t.Helper()
	path := filepath.Join(root, projectID, sessionID+".jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	appendLines(t, path, lines...)
	return watcher.SyncJob{ProjectID: projectID, SessionID: sessionID, Path: path}
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	// Push mtime strictly forward so consecutive appends are never hidden by
	// filesystems with coarse timestamp resolution.
	info, err := os.Stat(path)
	require.NoError(t, err)
	next := time.Now()
	if !next.After(info.ModTime()) {
		next = info.ModTime().Add(10 * time.Millisecond)
	}
	require.NoError(t, os.Chtimes(path, next, next))
}

const (
	userLine = `{"type":"user","cwd":"/home/user/proj","gitBranch":"main","message":{"role":"user","content":"refactor the config loader"}}`
	opusLine = `{"type":"assistant","timestamp":"2026-01-22T10:53:42.927Z","message":{"id":"msg_abc","model":"claude-opus-4-5-20251101","usage":{"input_tokens":2,"output_tokens":150,"cache_read_input_tokens":25378,"cache_creation_input_tokens":679,"cache_creation":{"ephemeral_5m_input_tokens":679,"ephemeral_1h_input_tokens":0}},"content":[{"type":"text","text":"Here is the plan."}]}}`
)

func TestSyncCreatesSessionAndItems(t *testing.T) {
	svc, st, eventBus := newTestService(t)
	seedOpusPrices(t, st)
	ctx := context.Background()

	collector := collectEvents(t, eventBus,
		events.BuildSessionAddedWildcardSubject(),
		events.BuildSessionItemsAddedWildcardSubject())

	job := writeJournal(t, t.TempDir(), "-home-user-proj", "sess-1", userLine, opusLine)
	require.NoError(t, svc.syncSession(ctx, job))

	project, err := st.GetProject(ctx, "-home-user-proj")
	require.NoError(t, err)
	assert.Equal(t, "/home/user/proj", project.Path)

	sess, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sess.LastLineNum)
	assert.Equal(t, int64(2), sess.MessageCount)
	require.NotNil(t, sess.TotalCost)
	assert.True(t, sess.TotalCost.Equal(decimal.RequireFromString("0.02069275")), "got %s", sess.TotalCost)
	require.NotNil(t, sess.ContextUsage)
	assert.Equal(t, int64(26209), *sess.ContextUsage)
	require.NotNil(t, sess.JSONLGitBranch)
	assert.Equal(t, "main", *sess.JSONLGitBranch)
	assert.Greater(t, sess.LastOffset, int64(0))

	items, err := st.ListAllItems(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, wire.KindUserMessage, items[0].Kind)
	assert.Equal(t, wire.KindAssistantMessage, items[1].Kind)
	require.NotNil(t, items[1].Cost)

	require.Eventually(t, func() bool {
		return len(collector.ofType(events.SessionAdded)) == 1 &&
			len(collector.ofType(events.SessionItemsAdded)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	frame, err := events.DecodeData[wire.SessionItemsAddedFrame](collector.ofType(events.SessionItemsAdded)[0])
	require.NoError(t, err)
	assert.Equal(t, "sess-1", frame.SessionID)
	assert.Equal(t, "-home-user-proj", frame.ProjectID)
	assert.Len(t, frame.Items, 2)
	assert.Empty(t, frame.UpdatedMetadata)
}

func TestSyncCrossBatchAmendment(t *testing.T) {
	svc, st, eventBus := newTestService(t)
	ctx := context.Background()

	collector := collectEvents(t, eventBus, events.BuildSessionItemsAddedWildcardSubject())

	root := t.TempDir()
	job := writeJournal(t, root, "proj", "sess-amend",
		`{"type":"assistant","message":{"id":"msg_1","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}`)
	require.NoError(t, svc.syncSession(ctx, job))

	// The tool result lands in a later batch and must rewrite the already
	// persisted tool_use line's group tail.
	appendLines(t, job.Path,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"ok"}]}}`)
	require.NoError(t, svc.syncSession(ctx, job))

	items, err := st.ListAllItems(ctx, "sess-amend")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].GroupTail)
	assert.Equal(t, int64(2), *items[0].GroupTail)
	require.NotNil(t, items[1].GroupHead)
	assert.Equal(t, int64(1), *items[1].GroupHead)

	links, err := st.ListToolResultLinks(ctx, "sess-amend")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "tu-1", links[0].ToolUseID)
	assert.Equal(t, int64(1), links[0].ToolUseLineNum)
	require.NotNil(t, links[0].ToolResultLineNum)
	assert.Equal(t, int64(2), *links[0].ToolResultLineNum)

	require.Eventually(t, func() bool {
		return len(collector.ofType(events.SessionItemsAdded)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	second, err := events.DecodeData[wire.SessionItemsAddedFrame](collector.ofType(events.SessionItemsAdded)[1])
	require.NoError(t, err)
	require.Len(t, second.UpdatedMetadata, 1)
	assert.Equal(t, int64(1), second.UpdatedMetadata[0].LineNum)
	require.NotNil(t, second.UpdatedMetadata[0].GroupTail)
	assert.Equal(t, int64(2), *second.UpdatedMetadata[0].GroupTail)
}

func TestSyncMtimeShortCircuit(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	job := writeJournal(t, t.TempDir(), "proj", "sess-idle", userLine)
	require.NoError(t, svc.syncSession(ctx, job))

	before, err := st.GetSession(ctx, "sess-idle")
	require.NoError(t, err)

	// Re-delivered job with an unchanged file must not touch the row.
	require.NoError(t, svc.syncSession(ctx, job))

	after, err := st.GetSession(ctx, "sess-idle")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.LastOffset, after.LastOffset)
}

func TestSyncHoldsBackPartialLine(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	root := t.TempDir()
	path := filepath.Join(root, "proj", "sess-partial.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(userLine+"\n"+`{"type":"assist`), 0o644))
	job := watcher.SyncJob{ProjectID: "proj", SessionID: "sess-partial", Path: path}

	require.NoError(t, svc.syncSession(ctx, job))

	sess, err := st.GetSession(ctx, "sess-partial")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.LastLineNum)
	assert.Equal(t, int64(len(userLine)+1), sess.LastOffset)

	// The CLI finishes the line; the next sync picks it up whole.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`ant","message":{"id":"m2","content":[{"type":"text","text":"hi"}]}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, svc.syncSession(ctx, job))

	items, err := st.ListAllItems(ctx, "sess-partial")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, wire.KindAssistantMessage, items[1].Kind)
}

func TestSyncMalformedLineContinues(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	job := writeJournal(t, t.TempDir(), "proj", "sess-bad",
		`this is not json at all`,
		userLine)
	require.NoError(t, svc.syncSession(ctx, job))

	items, err := st.ListAllItems(ctx, "sess-bad")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, wire.DisplayDebugOnly, items[0].DisplayLevel)
	assert.Equal(t, wire.KindUnknown, items[0].Kind)
	assert.Equal(t, wire.KindUserMessage, items[1].Kind)

	sess, err := st.GetSession(ctx, "sess-bad")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.MessageCount)
	assert.Equal(t, int64(2), sess.LastLineNum)
}

func TestSyncAppliesCustomTitle(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	job := writeJournal(t, t.TempDir(), "proj", "sess-title",
		userLine,
		`{"type":"custom-title","customTitle":"Config loader refactor"}`)
	require.NoError(t, svc.syncSession(ctx, job))

	sess, err := st.GetSession(ctx, "sess-title")
	require.NoError(t, err)
	require.NotNil(t, sess.Title)
	assert.Equal(t, "Config loader refactor", *sess.Title)
}

func TestSyncLinksSubagentByPrompt(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()

	parent := writeJournal(t, root, "proj", "parent-sess",
		userLine,
		`{"type":"assistant","message":{"id":"msg_p","content":[{"type":"tool_use","id":"task-1","name":"Task","input":{"prompt":"analyze dependency graph"}}]}}`)
	require.NoError(t, svc.syncSession(ctx, parent))

	sub := writeJournal(t, root, "proj", "agent-sess",
		`{"type":"user","isSidechain":true,"message":{"role":"user","content":"analyze dependency graph"}}`)
	require.NoError(t, svc.syncSession(ctx, sub))

	linked, err := st.GetSession(ctx, "agent-sess")
	require.NoError(t, err)
	require.NotNil(t, linked.ParentSessionID)
	assert.Equal(t, "parent-sess", *linked.ParentSessionID)
	assert.Equal(t, wire.SessionTypeSubagent, linked.SessionType)

	links, err := st.ListAgentLinks(ctx, "parent-sess")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NotNil(t, links[0].AgentID)
	assert.Equal(t, "agent-sess", *links[0].AgentID)
}

func TestSyncLinksSubagentByToolUseID(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()

	parent := writeJournal(t, root, "proj", "parent-tid",
		`{"type":"assistant","message":{"id":"msg_p","content":[{"type":"tool_use","id":"task-a","name":"Task","input":{"prompt":"first job"}},{"type":"tool_use","id":"task-b","name":"Task","input":{"prompt":"first job"}}]}}`)
	require.NoError(t, svc.syncSession(ctx, parent))

	// Two parallel Tasks share a prompt; only the journal's own tool-use id
	// can pick the right one.
	sub := writeJournal(t, root, "proj", "agent-tid",
		`{"type":"user","isSidechain":true,"toolUseID":"task-b","message":{"role":"user","content":"first job"}}`)
	require.NoError(t, svc.syncSession(ctx, sub))

	links, err := st.ListAgentLinks(ctx, "parent-tid")
	require.NoError(t, err)
	require.Len(t, links, 2)
	for _, link := range links {
		switch link.ToolUseID {
		case "task-a":
			assert.Nil(t, link.AgentID)
		case "task-b":
			require.NotNil(t, link.AgentID)
			assert.Equal(t, "agent-tid", *link.AgentID)
		}
	}
}

func TestSyncOffsetsMonotone(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()

	job := writeJournal(t, root, "proj", "sess-mono", userLine)
	require.NoError(t, svc.syncSession(ctx, job))

	var lastOffset, lastLine int64
	chunks := [][]string{
		{opusLine},
		{},
		{`{"type":"assistant","message":{"id":"m3","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}}`,
			`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`},
		{},
		{userLine},
	}
	for _, chunk := range chunks {
		if len(chunk) > 0 {
			appendLines(t, job.Path, chunk...)
		}
		require.NoError(t, svc.syncSession(ctx, job))
		// Redeliver the same job; replays must never move anything backward.
		require.NoError(t, svc.syncSession(ctx, job))

		sess, err := st.GetSession(ctx, "sess-mono")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sess.LastOffset, lastOffset)
		assert.GreaterOrEqual(t, sess.LastLineNum, lastLine)
		lastOffset, lastLine = sess.LastOffset, sess.LastLineNum
	}

	sess, err := st.GetSession(ctx, "sess-mono")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sess.LastLineNum)

	info, err := os.Stat(job.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), sess.LastOffset)
}
