package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// fakeResolver answers the launch-time session questions from fixed values.
type fakeResolver struct {
	exists     bool
	workingDir string
	existsErr  error
	dirErr     error
}

func (r *fakeResolver) SessionExists(context.Context, string) (bool, error) {
	return r.exists, r.existsErr
}

func (r *fakeResolver) SessionWorkingDir(context.Context, string) (string, error) {
	return r.workingDir, r.dirErr
}

// frameRecorder collects the process.state frames the manager publishes.
type frameRecorder struct {
	mu     sync.Mutex
	frames []wire.ProcessStateFrame
}

func recordFrames(t *testing.T, eventBus bus.EventBus) *frameRecorder {
	t.Helper()
	r := &frameRecorder{}
	_, err := eventBus.Subscribe(events.BuildProcessStateWildcardSubject(),
		func(_ context.Context, event *bus.Event) error {
			frame, ok := event.Data.(wire.ProcessStateFrame)
			if !ok {
				return nil
			}
			r.mu.Lock()
			r.frames = append(r.frames, frame)
			r.mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	return r
}

func (r *frameRecorder) all() []wire.ProcessStateFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.ProcessStateFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *frameRecorder) waitFor(t *testing.T, sessionID string, state wire.ProcessState) wire.ProcessRecord {
	t.Helper()
	var found wire.ProcessRecord
	require.Eventually(t, func() bool {
		for _, frame := range r.all() {
			if frame.SessionID == sessionID && frame.State == state {
				found = frame.ProcessRecord
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func (r *frameRecorder) waitForPending(t *testing.T, sessionID string) wire.ProcessRecord {
	t.Helper()
	var found wire.ProcessRecord
	require.Eventually(t, func() bool {
		for _, frame := range r.all() {
			if frame.SessionID == sessionID && frame.PendingRequest != nil {
				found = frame.ProcessRecord
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

// newTestManager builds a started manager with generous timeouts and no
// background reaper; tests call reapTimeouts directly.
func newTestManager(t *testing.T, launcher Launcher, resolver SessionResolver) (*Manager, *frameRecorder) {
	t.Helper()
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	recorder := recordFrames(t, eventBus)

	m := NewManager(launcher, resolver, eventBus,
		config.ClaudeConfig{AskUserTool: "AskUserQuestion"},
		config.ProcessConfig{
			IdleTimeoutMinutes:     10,
			ThinkingTimeoutMinutes: 10,
			ShutdownGraceSeconds:   1,
		}, log)
	m.Start(context.Background())
	return m, recorder
}

func sendFrame(sessionID, text string) *wire.SendMessageFrame {
	return &wire.SendMessageFrame{
		Type:      wire.TypeSendMessage,
		SessionID: sessionID,
		ProjectID: "proj-1",
		Text:      text,
		Cwd:       "/work/app",
	}
}

// backdate rewinds a live process's activity clocks so the reaper sees it as
// stale without the test waiting out a real timeout.
func backdate(t *testing.T, m *Manager, sessionID string, age time.Duration) {
	t.Helper()
	m.mu.Lock()
	p := m.procs[sessionID]
	m.mu.Unlock()
	require.NotNil(t, p)
	p.mu.Lock()
	p.lastActivity = p.lastActivity.Add(-age)
	p.stateChangedAt = p.stateChangedAt.Add(-age)
	p.mu.Unlock()
}

func TestManagerSendCreatesThenReusesProcess(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{exists: false})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	require.Equal(t, 1, launcher.launched())
	assert.False(t, launcher.opts[0].Resume)
	assert.Equal(t, "/work/app", launcher.opts[0].CWD)
	assert.Equal(t, "sess-a", launcher.opts[0].SessionID)

	first := launcher.procs[0]
	msg := first.receive(t)
	assert.Equal(t, "user", msg["type"])

	first.emitInit(t, "sess-a")
	first.emitResult(t)
	recorder.waitFor(t, "sess-a", wire.ProcessUserTurn)

	// A live process absorbs the next send instead of spawning another CLI.
	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "and then?")))
	assert.Equal(t, 1, launcher.launched())
	msg = first.receive(t)
	assert.Equal(t, "user", msg["type"])

	state, ok := m.StateOf("sess-a")
	require.True(t, ok)
	assert.Equal(t, wire.ProcessAssistantTurn, state)
}

func TestManagerSendResumeUsesStoredWorkingDir(t *testing.T) {
	launcher := &fakeLauncher{}
	resolver := &fakeResolver{exists: true, workingDir: "/home/dev/app"}
	m, _ := newTestManager(t, launcher, resolver)

	frame := sendFrame("sess-resume", "pick it back up")
	frame.Cwd = "/somewhere/else"
	require.NoError(t, m.Send(context.Background(), frame))

	require.Equal(t, 1, launcher.launched())
	assert.True(t, launcher.opts[0].Resume)
	assert.Equal(t, "/home/dev/app", launcher.opts[0].CWD)
}

func TestManagerSendResolverErrorFails(t *testing.T) {
	launcher := &fakeLauncher{}
	resolver := &fakeResolver{existsErr: errors.New("db closed")}
	m, _ := newTestManager(t, launcher, resolver)

	err := m.Send(context.Background(), sendFrame("sess-x", "hello"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sess-x")
	assert.Equal(t, 0, launcher.launched())
}

func TestManagerReplacesDeadProcess(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-a")

	require.NoError(t, m.Kill("sess-a", wire.KillReasonManual))
	dead := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonManual, dead.KillReason)

	// The dead record is retired from the map.
	require.Eventually(t, func() bool {
		_, ok := m.StateOf("sess-a")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "again")))
	assert.Equal(t, 2, launcher.launched())
	state, ok := m.StateOf("sess-a")
	require.True(t, ok)
	assert.Equal(t, wire.ProcessStarting, state)
}

func TestManagerKillUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, &fakeLauncher{}, &fakeResolver{})

	require.Error(t, m.Kill("ghost", wire.KillReasonManual))
	require.Error(t, m.ResolvePendingRequest(&wire.PendingRequestResponseFrame{SessionID: "ghost"}))
	_, ok := m.StateOf("ghost")
	assert.False(t, ok)
}

func TestManagerRoutesPendingRequestResolution(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-a")
	first.emit(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)

	pending := recorder.waitForPending(t, "sess-a")
	require.NoError(t, m.ResolvePendingRequest(&wire.PendingRequestResponseFrame{
		SessionID:   "sess-a",
		RequestID:   pending.PendingRequest.RequestID,
		RequestType: wire.RequestTypeToolApproval,
		Decision:    wire.DecisionAllow,
	}))

	reply := first.receive(t)
	assert.Equal(t, "control_response", reply["type"])
}

func TestManagerSnapshotOrdersByStartTime(t *testing.T) {
	launcher := &fakeLauncher{}
	m, _ := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "first")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Send(context.Background(), sendFrame("sess-b", "second")))

	records := m.Snapshot()
	require.Len(t, records, 2)
	assert.Equal(t, "sess-a", records[0].SessionID)
	assert.Equal(t, "sess-b", records[1].SessionID)
}

func TestManagerReapsIdleUserTurn(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-a")
	first.emitResult(t)
	recorder.waitFor(t, "sess-a", wire.ProcessUserTurn)

	// Under the allowance nothing happens.
	m.reapTimeouts()
	state, ok := m.StateOf("sess-a")
	require.True(t, ok)
	assert.Equal(t, wire.ProcessUserTurn, state)

	backdate(t, m, "sess-a", 11*time.Minute)
	m.reapTimeouts()

	dead := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonIdleTimeout, dead.KillReason)
	assert.True(t, first.wasTerminated())
}

func TestManagerReapsStuckAssistantTurn(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-a")
	recorder.waitFor(t, "sess-a", wire.ProcessAssistantTurn)

	backdate(t, m, "sess-a", 11*time.Minute)
	m.reapTimeouts()

	dead := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonThinkingTimeout, dead.KillReason)
}

func TestManagerPendingRequestBlocksThinkingTimeout(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-a")
	first.emit(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)
	recorder.waitForPending(t, "sess-a")

	// Waiting on the user does not count as thinking, however stale.
	backdate(t, m, "sess-a", 11*time.Minute)
	m.reapTimeouts()

	time.Sleep(50 * time.Millisecond)
	state, ok := m.StateOf("sess-a")
	require.True(t, ok)
	assert.Equal(t, wire.ProcessAssistantTurn, state)
	assert.False(t, first.wasTerminated())

	// Once the request is answered the clock applies again.
	require.NoError(t, m.ResolvePendingRequest(&wire.PendingRequestResponseFrame{
		SessionID:   "sess-a",
		RequestID:   "req-1",
		RequestType: wire.RequestTypeToolApproval,
		Decision:    wire.DecisionDeny,
		Message:     "no",
	}))
	first.receive(t)

	// The cleared pending request is broadcast before the clock applies.
	require.Eventually(t, func() bool {
		frames := recorder.all()
		for i := len(frames) - 1; i >= 0; i-- {
			if frames[i].SessionID == "sess-a" {
				return frames[i].PendingRequest == nil
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	m.reapTimeouts()
	dead := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonThinkingTimeout, dead.KillReason)
}

func TestManagerProcessCrashLeavesOthersAlone(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	require.NoError(t, m.Send(context.Background(), sendFrame("sess-b", "hello")))
	require.Equal(t, 2, launcher.launched())

	first, second := launcher.procs[0], launcher.procs[1]
	first.receive(t)
	first.emitInit(t, "sess-a")
	second.receive(t)
	second.emitInit(t, "sess-b")
	recorder.waitFor(t, "sess-b", wire.ProcessAssistantTurn)

	first.exit(errors.New("exit status 2"))

	dead := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonError, dead.KillReason)
	assert.Equal(t, "exit status 2", dead.Error)

	state, ok := m.StateOf("sess-b")
	require.True(t, ok)
	assert.Equal(t, wire.ProcessAssistantTurn, state)
	assert.False(t, second.wasTerminated())
}

func TestManagerShutdownKillsEverything(t *testing.T) {
	launcher := &fakeLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	require.NoError(t, m.Send(context.Background(), sendFrame("sess-b", "hello")))
	first, second := launcher.procs[0], launcher.procs[1]
	first.receive(t)
	first.emitInit(t, "sess-a")
	second.receive(t)
	second.emitInit(t, "sess-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	deadA := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	deadB := recorder.waitFor(t, "sess-b", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonShutdown, deadA.KillReason)
	assert.Equal(t, wire.KillReasonShutdown, deadB.KillReason)
	assert.True(t, first.wasTerminated())
	assert.True(t, second.wasTerminated())
}

// stuckProc ignores graceful termination, as a CLI wedged in a syscall would.
type stuckProc struct {
	*fakeProc
}

func (s *stuckProc) Terminate(time.Duration) {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

type stuckLauncher struct {
	mu    sync.Mutex
	procs []*stuckProc
}

func (l *stuckLauncher) Launch(LaunchOpts) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &stuckProc{fakeProc: newFakeProc()}
	l.procs = append(l.procs, p)
	return p, nil
}

func TestManagerShutdownForceKillsStuckProcess(t *testing.T) {
	launcher := &stuckLauncher{}
	m, recorder := newTestManager(t, launcher, &fakeResolver{})

	require.NoError(t, m.Send(context.Background(), sendFrame("sess-a", "hello")))
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-a")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)

	dead := recorder.waitFor(t, "sess-a", wire.ProcessDead)
	assert.Equal(t, wire.KillReasonShutdown, dead.KillReason)

	first.mu.Lock()
	hardKilled := first.hardKilled
	first.mu.Unlock()
	assert.True(t, hardKilled)
}
