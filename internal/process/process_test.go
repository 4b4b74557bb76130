package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/claudecli"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// fakeProc stands in for a CLI subprocess: the test plays the CLI side of
// both pipes.
type fakeProc struct {
	stdin  io.WriteCloser // process writes here
	stdout io.Reader      // process reads here

	cliIn  *io.PipeReader // what the fake CLI receives
	cliOut *io.PipeWriter // what the fake CLI emits

	fromProcess chan string

	mu         sync.Mutex
	terminated bool
	hardKilled bool

	exitOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

func newFakeProc() *fakeProc {
	cliIn, stdin := io.Pipe()
	stdout, cliOut := io.Pipe()
	f := &fakeProc{
		stdin:       stdin,
		stdout:      stdout,
		cliIn:       cliIn,
		cliOut:      cliOut,
		fromProcess: make(chan string, 32),
		exited:      make(chan struct{}),
	}
	go func() {
		scanner := bufio.NewScanner(cliIn)
		for scanner.Scan() {
			f.fromProcess <- scanner.Text()
		}
	}()
	return f
}

func (f *fakeProc) Stdin() io.WriteCloser { return f.stdin }
func (f *fakeProc) Stdout() io.Reader     { return f.stdout }

func (f *fakeProc) Wait() error {
	<-f.exited
	return f.waitErr
}

func (f *fakeProc) Terminate(time.Duration) {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	f.exit(nil)
}

func (f *fakeProc) Kill() {
	f.mu.Lock()
	f.hardKilled = true
	f.mu.Unlock()
	f.exit(nil)
}

func (f *fakeProc) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// exit simulates the subprocess ending: stdout closes and Wait returns.
func (f *fakeProc) exit(err error) {
	f.exitOnce.Do(func() {
		f.waitErr = err
		_ = f.cliOut.Close()
		close(f.exited)
	})
}

// emit writes one stream-json line as the CLI would.
func (f *fakeProc) emit(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintln(f.cliOut, line)
	require.NoError(t, err)
}

func (f *fakeProc) emitInit(t *testing.T, sessionID string) {
	f.emit(t, fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`, sessionID))
}

func (f *fakeProc) emitResult(t *testing.T) {
	f.emit(t, `{"type":"result","subtype":"success","result":"done"}`)
}

// receive returns the next line the process wrote to the CLI, decoded.
func (f *fakeProc) receive(t *testing.T) map[string]any {
	t.Helper()
	select {
	case line := <-f.fromProcess:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		return decoded
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message from the process")
		return nil
	}
}

type fakeLauncher struct {
	mu    sync.Mutex
	err   error
	procs []*fakeProc
	opts  []LaunchOpts
}

func (l *fakeLauncher) Launch(opts LaunchOpts) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	f := newFakeProc()
	l.procs = append(l.procs, f)
	l.opts = append(l.opts, opts)
	return f, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type stateRecorder struct {
	mu      sync.Mutex
	records []wire.ProcessRecord
}

func (r *stateRecorder) hook(_ *Process, record wire.ProcessRecord) {
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []wire.ProcessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.ProcessRecord, len(r.records))
	copy(out, r.records)
	return out
}

// waitFor blocks until a record in the given state has been published and
// returns it.
func (r *stateRecorder) waitFor(t *testing.T, state wire.ProcessState) wire.ProcessRecord {
	t.Helper()
	var found wire.ProcessRecord
	require.Eventually(t, func() bool {
		for _, rec := range r.all() {
			if rec.State == state {
				found = rec
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

// waitForPending blocks until a record carrying a pending request appears.
func (r *stateRecorder) waitForPending(t *testing.T) wire.ProcessRecord {
	t.Helper()
	var found wire.ProcessRecord
	require.Eventually(t, func() bool {
		for _, rec := range r.all() {
			if rec.PendingRequest != nil {
				found = rec
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func startTestProcess(t *testing.T, launcher Launcher, recorder *stateRecorder) *Process {
	t.Helper()
	p := newProcess("sess-1", "proj-1", launcher, "AskUserQuestion", time.Second,
		recorder.hook, testLogger(t))
	p.Start(context.Background(), []claudecli.ContentBlock{claudecli.TextBlock("hello")}, false, "/tmp")
	return p
}

func TestProcessLifecycle(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)

	// The initial prompt reaches the CLI before anything else.
	first := launcher.procs[0]
	msg := first.receive(t)
	assert.Equal(t, "user", msg["type"])

	assert.Equal(t, wire.ProcessStarting, p.State())

	first.emitInit(t, "sess-1")
	recorder.waitFor(t, wire.ProcessAssistantTurn)

	first.emitResult(t)
	recorder.waitFor(t, wire.ProcessUserTurn)

	require.NoError(t, p.Send("next question", nil, nil))
	assert.Equal(t, wire.ProcessAssistantTurn, p.State())
	msg = first.receive(t)
	assert.Equal(t, "user", msg["type"])

	first.emitResult(t)
	recorder.waitFor(t, wire.ProcessUserTurn)

	p.Kill(wire.KillReasonManual)
	dead := recorder.waitFor(t, wire.ProcessDead)
	assert.Equal(t, wire.KillReasonManual, dead.KillReason)
	assert.Empty(t, dead.Error)
	assert.True(t, first.wasTerminated())

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed")
	}
}

func TestProcessLaunchFailureTurnsDead(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("executable not found")}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)

	dead := recorder.waitFor(t, wire.ProcessDead)
	assert.Equal(t, wire.ProcessDead, p.State())
	assert.Equal(t, wire.KillReasonError, dead.KillReason)
	assert.Contains(t, dead.Error, "executable not found")
}

func TestProcessUnexpectedExitRecordsError(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-1")

	first.exit(errors.New("exit status 1"))

	dead := recorder.waitFor(t, wire.ProcessDead)
	assert.Equal(t, wire.KillReasonError, dead.KillReason)
	assert.Equal(t, "exit status 1", dead.Error)
	assert.Equal(t, wire.ProcessDead, p.State())
}

func TestProcessSendRequiresUserTurn(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)

	err := p.Send("too early", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting")
}

func TestProcessToolApprovalAllow(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-1")

	first.emit(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"}}}`)

	pending := recorder.waitForPending(t)
	require.NotNil(t, pending.PendingRequest)
	assert.Equal(t, "req-1", pending.PendingRequest.RequestID)
	assert.Equal(t, wire.RequestTypeToolApproval, pending.PendingRequest.RequestType)
	assert.Equal(t, "Bash", pending.PendingRequest.ToolName)

	p.ResolvePendingRequest(&wire.PendingRequestResponseFrame{
		RequestID:   "req-1",
		RequestType: wire.RequestTypeToolApproval,
		Decision:    wire.DecisionAllow,
	})

	reply := first.receive(t)
	assert.Equal(t, "control_response", reply["type"])
	assert.Equal(t, "req-1", reply["request_id"])
	response := reply["response"].(map[string]any)
	assert.Equal(t, "success", response["subtype"])
	result := response["result"].(map[string]any)
	assert.Equal(t, "allow", result["behavior"])

	// The cleared pending request is broadcast.
	require.Eventually(t, func() bool {
		records := recorder.all()
		return records[len(records)-1].PendingRequest == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcessToolApprovalDeny(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-1")

	first.emit(t, `{"type":"control_request","request_id":"req-2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/etc/passwd"}}}`)
	recorder.waitForPending(t)

	p.ResolvePendingRequest(&wire.PendingRequestResponseFrame{
		RequestID:   "req-2",
		RequestType: wire.RequestTypeToolApproval,
		Decision:    wire.DecisionDeny,
		Message:     "not in this repo",
	})

	reply := first.receive(t)
	result := reply["response"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, "deny", result["behavior"])
	assert.Equal(t, "not in this repo", result["message"])
}

func TestProcessAskUserQuestionMergesAnswers(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-1")

	first.emit(t, `{"type":"control_request","request_id":"req-3","request":{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":[{"question":"Which database?","options":["sqlite","postgres"]}]}}}`)

	pending := recorder.waitForPending(t)
	assert.Equal(t, wire.RequestTypeAskUserQuestion, pending.PendingRequest.RequestType)

	p.ResolvePendingRequest(&wire.PendingRequestResponseFrame{
		RequestID:   "req-3",
		RequestType: wire.RequestTypeAskUserQuestion,
		Answers:     map[string]string{"Which database?": "sqlite"},
	})

	reply := first.receive(t)
	result := reply["response"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, "allow", result["behavior"])
	updated := result["updatedInput"].(map[string]any)
	questions := updated["questions"].([]any)
	answered := questions[0].(map[string]any)
	assert.Equal(t, "sqlite", answered["answer"])
}

func TestProcessResolveIsIdempotent(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-1")

	first.emit(t, `{"type":"control_request","request_id":"req-4","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)
	recorder.waitForPending(t)

	frame := &wire.PendingRequestResponseFrame{
		RequestID:   "req-4",
		RequestType: wire.RequestTypeToolApproval,
		Decision:    wire.DecisionAllow,
	}
	p.ResolvePendingRequest(frame)
	p.ResolvePendingRequest(frame)
	p.ResolvePendingRequest(&wire.PendingRequestResponseFrame{RequestID: "req-other"})

	first.receive(t)

	// Exactly one response reaches the CLI.
	select {
	case line := <-first.fromProcess:
		t.Fatalf("unexpected extra message: %s", line)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessDeathCancelsPendingRequest(t *testing.T) {
	launcher := &fakeLauncher{}
	recorder := &stateRecorder{}
	p := startTestProcess(t, launcher, recorder)
	first := launcher.procs[0]
	first.receive(t)
	first.emitInit(t, "sess-1")

	first.emit(t, `{"type":"control_request","request_id":"req-5","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{}}}`)
	recorder.waitForPending(t)

	p.Kill(wire.KillReasonManual)

	dead := recorder.waitFor(t, wire.ProcessDead)
	assert.Nil(t, dead.PendingRequest)

	// Resolving after death must not block or panic.
	p.ResolvePendingRequest(&wire.PendingRequestResponseFrame{RequestID: "req-5"})
}

func TestMergeAnswers(t *testing.T) {
	merged := mergeAnswers(
		json.RawMessage(`{"questions":[{"question":"Keep going?","options":["yes","no"]},{"question":"Name?"}]}`),
		map[string]string{"Keep going?": "yes"})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(merged, &decoded))
	questions := decoded["questions"].([]any)
	assert.Equal(t, "yes", questions[0].(map[string]any)["answer"])
	_, hasAnswer := questions[1].(map[string]any)["answer"]
	assert.False(t, hasAnswer)

	// Input without the questions shape keeps the answers reachable.
	merged = mergeAnswers(json.RawMessage(`"free text"`), map[string]string{"Q": "A"})
	require.NoError(t, json.Unmarshal(merged, &decoded))
	assert.Equal(t, map[string]any{"Q": "A"}, decoded["answers"])
}
