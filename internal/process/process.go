// Package process supervises Claude CLI subprocesses: one Process per
// session wrapping the stream-json lifecycle, and a Manager that routes
// user input, enforces timeouts, and broadcasts state changes.
//
// A Process never parses conversation content. The journal file on disk is
// the authoritative record; the stdio stream is used only for lifecycle
// (init, result) and for can_use_tool control requests.
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/claudecli"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Hook observes every state transition. It is called with no Process lock
// held, from whichever goroutine caused the transition.
type Hook func(p *Process, record wire.ProcessRecord)

// pendingRequest is one blocked can_use_tool callback. The serving goroutine
// waits on decision; Kill and death close cancelCh so no waiter dangles.
type pendingRequest struct {
	record     wire.PendingRequest
	decision   chan *wire.PendingRequestResponseFrame
	cancelOnce sync.Once
	cancelCh   chan struct{}
}

func (pr *pendingRequest) cancel() {
	pr.cancelOnce.Do(func() { close(pr.cancelCh) })
}

// Process wraps one CLI subprocess and its lifecycle state machine:
//
//	starting → assistant-turn ↔ user-turn → dead
//
// starting covers the window between spawn and the init message; dead is
// terminal, and a later send creates a fresh Process.
type Process struct {
	sessionID   string
	projectID   string
	launcher    Launcher
	askUserTool string
	grace       time.Duration
	hook        Hook
	logger      *logger.Logger

	mu             sync.Mutex
	state          wire.ProcessState
	startedAt      time.Time
	stateChangedAt time.Time
	lastActivity   time.Time
	errMsg         string
	killReason     wire.KillReason
	pending        *pendingRequest
	killed         bool
	client         *claudecli.Client
	proc           Proc

	done chan struct{}
}

func newProcess(sessionID, projectID string, launcher Launcher, askUserTool string, grace time.Duration, hook Hook, log *logger.Logger) *Process {
	now := time.Now().UTC()
	return &Process{
		sessionID:   sessionID,
		projectID:   projectID,
		launcher:    launcher,
		askUserTool: askUserTool,
		grace:       grace,
		hook:        hook,
		logger: log.WithFields(
			zap.String("component", "process"),
			zap.String("session_id", sessionID)),
		state:          wire.ProcessStarting,
		startedAt:      now,
		stateChangedAt: now,
		lastActivity:   now,
		done:           make(chan struct{}),
	}
}

// Start spawns the subprocess and feeds the initial prompt. It never returns
// an error: launch failure transitions to dead with the error recorded.
func (p *Process) Start(ctx context.Context, blocks []claudecli.ContentBlock, resume bool, cwd string) {
	p.publish()

	proc, err := p.launcher.Launch(LaunchOpts{SessionID: p.sessionID, Resume: resume, CWD: cwd})
	if err != nil {
		p.logger.WithError(err).Error("Failed to launch Claude CLI")
		p.mu.Lock()
		p.errMsg = err.Error()
		p.mu.Unlock()
		p.markDead(nil)
		return
	}

	client := claudecli.NewClient(proc.Stdin(), proc.Stdout(), p.logger)
	client.SetMessageHandler(p.handleMessage)
	client.SetRequestHandler(p.handleControlRequest)

	p.mu.Lock()
	if p.killed {
		// Kill won the race with the launch; don't leave an orphan.
		p.mu.Unlock()
		proc.Kill()
		p.markDead(nil)
		return
	}
	p.proc = proc
	p.client = client
	p.mu.Unlock()

	<-client.Start(ctx)
	go func() {
		p.markDead(proc.Wait())
	}()

	if err := client.SendUserMessage(blocks); err != nil {
		p.logger.WithError(err).Error("Failed to send initial prompt")
		p.mu.Lock()
		p.errMsg = fmt.Sprintf("failed to send prompt: %v", err)
		p.mu.Unlock()
		p.Kill(wire.KillReasonError)
	}
}

// Send delivers user input to a process awaiting it, moving user-turn to
// assistant-turn.
func (p *Process) Send(text string, images []wire.ImageAttachment, documents []wire.DocumentAttachment) error {
	p.mu.Lock()
	if p.state != wire.ProcessUserTurn {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("process for session %s is %s, not awaiting input", p.sessionID, state)
	}
	now := time.Now().UTC()
	p.state = wire.ProcessAssistantTurn
	p.stateChangedAt = now
	p.lastActivity = now
	client := p.client
	p.mu.Unlock()
	p.publish()

	if err := client.SendUserMessage(buildBlocks(text, images, documents)); err != nil {
		// A broken pipe means the subprocess is dying; the reaper will mark
		// it dead.
		return fmt.Errorf("failed to write to session %s: %w", p.sessionID, err)
	}
	return nil
}

// Kill terminates the subprocess. The first reason wins; the dead transition
// itself happens when the subprocess exit is reaped. Any blocked pending
// request is cancelled immediately so no waiter outlives the process.
func (p *Process) Kill(reason wire.KillReason) {
	p.mu.Lock()
	if p.killed || p.state == wire.ProcessDead {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.killReason = reason
	pr := p.pending
	client := p.client
	proc := p.proc
	p.mu.Unlock()

	p.logger.Info("Killing process", zap.String("reason", string(reason)))
	if pr != nil {
		pr.cancel()
	}
	if client != nil {
		client.Stop()
	}
	if proc != nil {
		proc.Terminate(p.grace)
	} else {
		// Launch never completed; there is no subprocess to reap.
		p.markDead(nil)
	}
}

// forceKill hard-kills the subprocess without a grace window.
func (p *Process) forceKill() {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc != nil {
		proc.Kill()
	}
}

// ResolvePendingRequest hands the user's decision to the blocked rendez-vous.
// It is idempotent: with no pending request, a mismatched request id, or an
// already-delivered decision it does nothing.
func (p *Process) ResolvePendingRequest(frame *wire.PendingRequestResponseFrame) {
	p.mu.Lock()
	pr := p.pending
	p.mu.Unlock()
	if pr == nil || pr.record.RequestID != frame.RequestID {
		return
	}
	select {
	case pr.decision <- frame:
	default:
	}
}

// Record snapshots the process for broadcasting.
func (p *Process) Record() wire.ProcessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordLocked()
}

func (p *Process) recordLocked() wire.ProcessRecord {
	rec := wire.ProcessRecord{
		SessionID:      p.sessionID,
		ProjectID:      p.projectID,
		State:          p.state,
		StartedAt:      p.startedAt,
		StateChangedAt: p.stateChangedAt,
		LastActivity:   p.lastActivity,
		Error:          p.errMsg,
		KillReason:     p.killReason,
	}
	if p.pending != nil {
		pending := p.pending.record
		rec.PendingRequest = &pending
	}
	return rec
}

// State returns the current lifecycle state.
func (p *Process) State() wire.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the process is dead.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) publish() {
	if p.hook == nil {
		return
	}
	p.hook(p, p.Record())
}

// handleMessage runs on the client read loop. Only lifecycle markers matter;
// conversation content rides the journal.
func (p *Process) handleMessage(msg *claudecli.CLIMessage) {
	switch {
	case msg.IsInit():
		p.mu.Lock()
		if p.state != wire.ProcessStarting {
			p.mu.Unlock()
			return
		}
		now := time.Now().UTC()
		p.state = wire.ProcessAssistantTurn
		p.stateChangedAt = now
		p.lastActivity = now
		if msg.SessionID != "" && msg.SessionID != p.sessionID {
			p.logger.Warn("CLI reported an unexpected session id",
				zap.String("reported", msg.SessionID))
		}
		p.mu.Unlock()
		p.publish()

	case msg.Type == claudecli.MessageTypeResult:
		p.mu.Lock()
		if p.state != wire.ProcessAssistantTurn {
			p.mu.Unlock()
			return
		}
		now := time.Now().UTC()
		p.state = wire.ProcessUserTurn
		p.stateChangedAt = now
		p.lastActivity = now
		p.mu.Unlock()
		p.publish()
	}
}

// markDead is the single terminal transition. Safe to call more than once.
func (p *Process) markDead(waitErr error) {
	p.mu.Lock()
	if p.state == wire.ProcessDead {
		p.mu.Unlock()
		return
	}
	p.state = wire.ProcessDead
	p.stateChangedAt = time.Now().UTC()
	if p.killReason == "" {
		p.killReason = wire.KillReasonError
		if p.errMsg == "" {
			if waitErr != nil {
				p.errMsg = waitErr.Error()
			} else {
				p.errMsg = "process exited unexpectedly"
			}
		}
	}
	pr := p.pending
	p.pending = nil
	reason, errMsg := p.killReason, p.errMsg
	p.mu.Unlock()

	if pr != nil {
		pr.cancel()
	}
	close(p.done)
	p.logger.Info("Process dead",
		zap.String("reason", string(reason)),
		zap.String("error", errMsg))
	p.publish()
}

func (p *Process) handleControlRequest(requestID string, req *claudecli.ControlRequest) {
	// Serving runs off the read loop so a blocked rendez-vous never stalls
	// lifecycle messages.
	go p.servePendingRequest(requestID, req)
}

func (p *Process) servePendingRequest(requestID string, req *claudecli.ControlRequest) {
	if req.Subtype != claudecli.SubtypeCanUseTool {
		p.logger.Warn("Unsupported control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		p.respond(claudecli.NewErrorResponse(requestID, fmt.Sprintf("unsupported control request %q", req.Subtype)))
		return
	}

	requestType := wire.RequestTypeToolApproval
	if req.ToolName == p.askUserTool {
		requestType = wire.RequestTypeAskUserQuestion
	}

	pr := &pendingRequest{
		record: wire.PendingRequest{
			RequestID:   requestID,
			RequestType: requestType,
			ToolName:    req.ToolName,
			ToolInput:   req.Input,
			CreatedAt:   time.Now().UTC(),
		},
		decision: make(chan *wire.PendingRequestResponseFrame, 1),
		cancelCh: make(chan struct{}),
	}

	p.mu.Lock()
	if p.state == wire.ProcessDead || p.pending != nil {
		blocked := p.pending != nil
		p.mu.Unlock()
		if blocked {
			p.logger.Warn("Control request while another is pending",
				zap.String("request_id", requestID))
			p.respond(claudecli.NewErrorResponse(requestID, "another request is pending"))
		}
		return
	}
	p.pending = pr
	p.mu.Unlock()
	p.publish()

	p.logger.Info("Pending request created",
		zap.String("request_id", requestID),
		zap.String("request_type", string(requestType)),
		zap.String("tool_name", req.ToolName))

	var response *claudecli.ControlResponseMessage
	select {
	case frame := <-pr.decision:
		response = buildControlResponse(requestID, requestType, req.Input, frame)
	case <-pr.cancelCh:
		response = claudecli.NewErrorResponse(requestID, "process terminated")
	}
	p.respond(response)

	p.mu.Lock()
	cleared := p.pending == pr
	if cleared {
		p.pending = nil
	}
	p.mu.Unlock()
	if cleared {
		p.publish()
	}
}

func (p *Process) respond(msg *claudecli.ControlResponseMessage) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.SendControlResponse(msg); err != nil {
		// Normal on the cancel path: stdin is already closed.
		p.logger.Debug("Failed to answer control request", zap.Error(err))
	}
}

// buildControlResponse maps the user's decision onto the CLI protocol. Tool
// approvals allow (optionally with replaced input) or deny with a message.
// Clarifying questions always allow, with the chosen answers merged into the
// tool input.
func buildControlResponse(requestID string, requestType wire.RequestType, input json.RawMessage, frame *wire.PendingRequestResponseFrame) *claudecli.ControlResponseMessage {
	if requestType == wire.RequestTypeAskUserQuestion {
		return claudecli.NewAllowResponse(requestID, mergeAnswers(input, frame.Answers))
	}
	if frame.Decision == wire.DecisionAllow {
		return claudecli.NewAllowResponse(requestID, frame.UpdatedInput)
	}
	message := frame.Message
	if message == "" {
		message = "denied by user"
	}
	return claudecli.NewDenyResponse(requestID, message)
}

// mergeAnswers writes each chosen answer onto its question object in the
// tool input. Input that doesn't match the expected questions shape gets the
// answers attached under a top-level key instead.
func mergeAnswers(input json.RawMessage, answers map[string]string) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil || obj == nil {
		obj = map[string]any{}
	}
	questions, ok := obj["questions"].([]any)
	if !ok {
		obj["answers"] = answers
	} else {
		for _, q := range questions {
			qm, ok := q.(map[string]any)
			if !ok {
				continue
			}
			text, _ := qm["question"].(string)
			if answer, found := answers[text]; found {
				qm["answer"] = answer
			}
		}
	}
	merged, err := json.Marshal(obj)
	if err != nil {
		return input
	}
	return merged
}

// buildBlocks assembles the stream-json content blocks for one user message.
func buildBlocks(text string, images []wire.ImageAttachment, documents []wire.DocumentAttachment) []claudecli.ContentBlock {
	blocks := make([]claudecli.ContentBlock, 0, 1+len(images)+len(documents))
	if text != "" {
		blocks = append(blocks, claudecli.TextBlock(text))
	}
	for _, img := range images {
		blocks = append(blocks, claudecli.ImageBlock(img.MediaType, img.Data))
	}
	for _, doc := range documents {
		blocks = append(blocks, claudecli.DocumentBlock(doc.Name, doc.MediaType, doc.Data))
	}
	return blocks
}
