package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

const eventSource = "process-manager"

// SessionResolver answers the two store questions the manager has at launch
// time: does this session already exist (resume vs fresh), and where does it
// live (working directory for a resumed conversation).
type SessionResolver interface {
	SessionExists(ctx context.Context, id string) (bool, error)
	SessionWorkingDir(ctx context.Context, id string) (string, error)
}

// Manager owns the session-id → Process map. All map mutation happens under
// one mutex; process lifecycle work runs outside it so state-change hooks
// can safely reach back in.
type Manager struct {
	launcher Launcher
	sessions SessionResolver
	bus      bus.EventBus
	claude   config.ClaudeConfig
	cfg      config.ProcessConfig
	logger   *logger.Logger

	mu    sync.Mutex
	procs map[string]*Process

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a process manager. Call Start to begin timeout
// enforcement.
func NewManager(launcher Launcher, sessions SessionResolver, eventBus bus.EventBus, claude config.ClaudeConfig, cfg config.ProcessConfig, log *logger.Logger) *Manager {
	return &Manager{
		launcher: launcher,
		sessions: sessions,
		bus:      eventBus,
		claude:   claude,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "process-manager")),
		procs:    make(map[string]*Process),
		runCtx:   context.Background(),
	}
}

// Start launches the timeout monitor. The context bounds every subprocess
// read loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runCtx = ctx

	if m.cfg.CheckInterval() > 0 {
		m.wg.Add(1)
		go m.timeoutLoop(ctx)
	}
}

// Send routes user input to the session's process, creating one if none is
// live. A dead record does not block: it is replaced by a fresh process.
func (m *Manager) Send(ctx context.Context, frame *wire.SendMessageFrame) error {
	m.mu.Lock()
	if p, ok := m.procs[frame.SessionID]; ok && p.State() != wire.ProcessDead {
		m.mu.Unlock()
		return p.Send(frame.Text, frame.Images, frame.Documents)
	}

	resume, err := m.sessions.SessionExists(ctx, frame.SessionID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to check session %s: %w", frame.SessionID, err)
	}
	cwd := frame.Cwd
	if resume {
		// The stored project path wins over whatever the client sent: a
		// resumed conversation keeps its original working directory.
		if dir, err := m.sessions.SessionWorkingDir(ctx, frame.SessionID); err == nil {
			cwd = dir
		} else {
			m.logger.WithError(err).Warn("Failed to resolve session working dir",
				zap.String("session_id", frame.SessionID))
		}
	}

	p := newProcess(frame.SessionID, frame.ProjectID, m.launcher, m.claude.AskUserTool,
		m.cfg.ShutdownGrace(), m.onStateChange, m.logger)
	m.procs[frame.SessionID] = p
	m.mu.Unlock()

	m.logger.Info("Starting process",
		zap.String("session_id", frame.SessionID),
		zap.String("project_id", frame.ProjectID),
		zap.Bool("resume", resume))
	p.Start(m.runCtx, buildBlocks(frame.Text, frame.Images, frame.Documents), resume, cwd)
	return nil
}

// Kill terminates the session's process.
func (m *Manager) Kill(sessionID string, reason wire.KillReason) error {
	m.mu.Lock()
	p := m.procs[sessionID]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no process for session %s", sessionID)
	}
	p.Kill(reason)
	return nil
}

// ResolvePendingRequest routes a pending-request decision to its process.
func (m *Manager) ResolvePendingRequest(frame *wire.PendingRequestResponseFrame) error {
	m.mu.Lock()
	p := m.procs[frame.SessionID]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no process for session %s", frame.SessionID)
	}
	p.ResolvePendingRequest(frame)
	return nil
}

// StateOf reports the current state of the session's process. The second
// return is false when no process exists for the session.
func (m *Manager) StateOf(sessionID string) (wire.ProcessState, bool) {
	m.mu.Lock()
	p := m.procs[sessionID]
	m.mu.Unlock()
	if p == nil {
		return "", false
	}
	return p.State(), true
}

// Snapshot lists every live process record, oldest first. Used for the
// connect-time active_processes frame.
func (m *Manager) Snapshot() []wire.ProcessRecord {
	m.mu.Lock()
	records := make([]wire.ProcessRecord, 0, len(m.procs))
	for _, p := range m.procs {
		records = append(records, p.Record())
	}
	m.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records
}

// Shutdown kills every process and waits for exits, force-killing whatever
// outlives the context.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	if len(procs) > 0 {
		m.logger.Info("Shutting down processes", zap.Int("count", len(procs)))
	}
	for _, p := range procs {
		p.Kill(wire.KillReasonShutdown)
	}
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			m.logger.Warn("Force killing process",
				zap.String("session_id", p.sessionID))
			p.forceKill()
			select {
			case <-p.Done():
			case <-time.After(2 * time.Second):
				m.logger.Error("Process did not exit after kill",
					zap.String("session_id", p.sessionID))
			}
		}
	}
	m.wg.Wait()
}

// onStateChange publishes every transition and retires dead records. It runs
// without the manager lock held.
func (m *Manager) onStateChange(p *Process, record wire.ProcessRecord) {
	frame := wire.NewProcessStateFrame(record)
	subject := events.BuildProcessStateSubject(record.SessionID)
	event := bus.NewEvent(events.ProcessState, eventSource, frame)
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.logger.WithError(err).Warn("Failed to publish process state",
			zap.String("session_id", record.SessionID))
	}

	if record.State == wire.ProcessDead {
		// Identity compare: a fresh process may already occupy the slot.
		m.mu.Lock()
		if m.procs[p.sessionID] == p {
			delete(m.procs, p.sessionID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) timeoutLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapTimeouts()
		}
	}
}

// reapTimeouts kills processes idle past their allowance. A process with a
// pending request is waiting on the user, not thinking, and is exempt.
func (m *Manager) reapTimeouts() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	for _, p := range procs {
		record := p.Record()
		switch record.State {
		case wire.ProcessUserTurn:
			if idle := now.Sub(record.LastActivity); idle > m.cfg.IdleTimeout() {
				m.logger.Info("Killing idle process",
					zap.String("session_id", record.SessionID),
					zap.Duration("idle", idle))
				p.Kill(wire.KillReasonIdleTimeout)
			}
		case wire.ProcessAssistantTurn:
			if record.PendingRequest != nil {
				continue
			}
			if thinking := now.Sub(record.StateChangedAt); thinking > m.cfg.ThinkingTimeout() {
				m.logger.Info("Killing stuck process",
					zap.String("session_id", record.SessionID),
					zap.Duration("thinking", thinking))
				p.Kill(wire.KillReasonThinkingTimeout)
			}
		}
	}
}
