// Package bridge coordinates journal writes with the process lifecycle.
//
// A running agent process owns its journal file: appending while the CLI is
// mid-turn risks interleaving with the CLI's own writes. The bridge therefore
// stages rename lines while a process is in flight and flushes them once the
// process reaches a quiet state. Staged titles do not survive a restart; the
// store copy written by the HTTP handler remains correct either way.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// ProcessStates reports the live state of a session's process, if any.
type ProcessStates interface {
	StateOf(sessionID string) (wire.ProcessState, bool)
}

// titleLine is the journal record a rename appends.
type titleLine struct {
	Type        string `json:"type"`
	CustomTitle string `json:"customTitle"`
}

type stagedTitle struct {
	ProjectID string
	Title     string
}

// Bridge stages custom-title journal writes until the owning process is in a
// quiet state (user-turn or dead), or applies them immediately when no
// process is running.
type Bridge struct {
	layout *journal.Layout
	procs  ProcessStates
	logger *logger.Logger

	mu     sync.Mutex
	staged map[string]stagedTitle

	sub bus.Subscription
}

// New creates a bridge and subscribes it to process state changes so staged
// titles flush as soon as their session's process quiets down.
func New(layout *journal.Layout, procs ProcessStates, eventBus bus.EventBus, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{
		layout: layout,
		procs:  procs,
		logger: log.WithFields(zap.String("component", "bridge")),
		staged: make(map[string]stagedTitle),
	}

	sub, err := eventBus.Subscribe(events.BuildProcessStateWildcardSubject(), b.onProcessState)
	if err != nil {
		return nil, fmt.Errorf("subscribe to process state: %w", err)
	}
	b.sub = sub
	return b, nil
}

// Close unsubscribes from process state changes. Staged titles are dropped.
func (b *Bridge) Close() {
	if b.sub != nil && b.sub.IsValid() {
		_ = b.sub.Unsubscribe()
	}
	b.mu.Lock()
	b.staged = make(map[string]stagedTitle)
	b.mu.Unlock()
}

// SetTitle records a session rename in the journal. The line is appended
// immediately when the session has no process or the process is in user-turn
// or dead; otherwise it is staged and flushed on the next quiet state.
func (b *Bridge) SetTitle(projectID, sessionID, title string) error {
	if state, ok := b.procs.StateOf(sessionID); ok && !quietState(state) {
		b.mu.Lock()
		b.staged[sessionID] = stagedTitle{ProjectID: projectID, Title: title}
		b.mu.Unlock()
		b.logger.Debug("Staged title until process quiets",
			zap.String("session_id", sessionID),
			zap.String("state", string(state)))
		return nil
	}
	return b.appendTitle(projectID, sessionID, title)
}

// Discard drops any staged title for the session. Called when the session is
// deleted so a later flush cannot recreate its journal file.
func (b *Bridge) Discard(sessionID string) {
	b.mu.Lock()
	delete(b.staged, sessionID)
	b.mu.Unlock()
}

func (b *Bridge) onProcessState(_ context.Context, event *bus.Event) error {
	frame, err := events.DecodeData[wire.ProcessStateFrame](event)
	if err != nil {
		b.logger.Error("Failed to decode process state event", zap.Error(err))
		return nil
	}
	if !quietState(frame.State) {
		return nil
	}

	b.mu.Lock()
	staged, ok := b.staged[frame.SessionID]
	if ok {
		delete(b.staged, frame.SessionID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	// The event may be stale by the time it is handled; re-check before
	// touching the journal and re-stage if the process woke up again.
	if state, running := b.procs.StateOf(frame.SessionID); running && !quietState(state) {
		b.mu.Lock()
		b.staged[frame.SessionID] = staged
		b.mu.Unlock()
		return nil
	}

	if err := b.appendTitle(staged.ProjectID, frame.SessionID, staged.Title); err != nil {
		b.logger.Error("Failed to flush staged title",
			zap.String("session_id", frame.SessionID), zap.Error(err))
	}
	return nil
}

func (b *Bridge) appendTitle(projectID, sessionID, title string) error {
	data, err := json.Marshal(titleLine{Type: "custom-title", CustomTitle: title})
	if err != nil {
		return fmt.Errorf("encode title line: %w", err)
	}
	path := b.layout.SessionPath(projectID, sessionID)
	if err := journal.AppendLine(path, data); err != nil {
		return fmt.Errorf("append title line: %w", err)
	}
	b.logger.Info("Recorded session title",
		zap.String("session_id", sessionID),
		zap.String("title", title))
	return nil
}

// quietState reports whether journal appends are safe for a process in the
// given state.
func quietState(state wire.ProcessState) bool {
	return state == wire.ProcessUserTurn || state == wire.ProcessDead
}
