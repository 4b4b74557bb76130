package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/compute"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/watcher"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// syncSession brings one session's stored items up to date with its journal
// file. The whole job commits in a single store transaction; on any failure
// offsets stay put and the next watcher event retries.
func (s *Service) syncSession(ctx context.Context, job watcher.SyncJob) error {
	unlock := s.locks.acquire(job.SessionID)
	defer unlock()

	info, err := os.Stat(job.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between the event and the sync.
			return nil
		}
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	mtimeNs := info.ModTime().UnixNano()

	sess, err := s.store.GetSession(ctx, job.SessionID)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("failed to load session: %w", err)
	}

	var lastOffset, lastLineNum int64
	if !isNew {
		if sess.FileMtimeNs == mtimeNs {
			return nil
		}
		lastOffset, lastLineNum = sess.LastOffset, sess.LastLineNum
		if info.Size() < lastOffset {
			s.logger.Warn("Journal shrank below stored offset, skipping",
				zap.String("session_id", job.SessionID),
				zap.Int64("size", info.Size()),
				zap.Int64("offset", lastOffset))
			return nil
		}
	}

	lines, consumed, err := readTail(job.Path, lastOffset)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		// mtime moved but no complete new line yet (partial write, touch).
		if !isNew {
			if consumed > 0 {
				// Only blank bytes: advance past them without items.
				return s.applyEmptyAdvance(ctx, job.SessionID, lastOffset+int64(consumed), lastLineNum, mtimeNs, sess)
			}
			return s.store.TouchSessionMtime(ctx, job.SessionID, mtimeNs)
		}
		// New session with nothing readable yet: create the row so the UI
		// can show it; items follow when full lines land.
		if err := s.createSession(ctx, job, ""); err != nil {
			return err
		}
		if err := s.store.TouchSessionMtime(ctx, job.SessionID, mtimeNs); err != nil {
			return err
		}
		return s.publishSessionEvent(ctx, events.SessionAdded, wire.TypeSessionAdded, job.SessionID)
	}

	run := s.engine.NewRun(compute.NewStoreSeed(s.store, job.SessionID))

	agg := &compute.Aggregates{}
	if !isNew {
		agg = &compute.Aggregates{
			MessageCount:   sess.MessageCount,
			TotalCost:      sess.TotalCost,
			ContextUsage:   sess.ContextUsage,
			JSONLGitBranch: sess.JSONLGitBranch,
			GitDirectory:   sess.GitDirectory,
			GitBranch:      sess.GitBranch,
		}
	}

	batch := &store.IngestBatch{
		SessionID:   job.SessionID,
		LastOffset:  lastOffset + int64(consumed),
		FileMtimeNs: mtimeNs,
	}
	now := time.Now().UTC()

	var (
		cwd         string
		customTitle string
		sidechain   subagentHint
		priorAmends = map[int64]struct{}{}
	)

	for i, raw := range lines {
		lineNum := lastLineNum + int64(i) + 1
		d, err := run.Derive(ctx, lineNum, raw, now)
		if err != nil {
			return fmt.Errorf("failed to derive line %d: %w", lineNum, err)
		}

		item := &store.SessionItem{
			SessionID:    job.SessionID,
			LineNum:      lineNum,
			Content:      string(raw),
			DisplayLevel: d.DisplayLevel,
			Kind:         d.Kind,
			GroupHead:    d.GroupHead,
			GroupTail:    d.GroupTail,
			MessageID:    d.MessageID,
			Cost:         d.Cost,
			ContextUsage: d.ContextUsage,
			GitDirectory: d.GitDirectory,
			GitBranch:    d.GitBranch,
			CreatedAt:    now,
		}
		batch.Items = append(batch.Items, item)

		for _, amend := range d.AmendedTails {
			tail := amend.Tail
			if amend.LineNum > lastLineNum {
				// Amended line is part of this batch: rewrite it in memory
				// before it is ever persisted.
				batch.Items[amend.LineNum-lastLineNum-1].GroupTail = &tail
				continue
			}
			batch.Amendments = append(batch.Amendments, store.TailAmendment{LineNum: amend.LineNum, Tail: &tail})
			priorAmends[amend.LineNum] = struct{}{}
		}

		for _, tu := range d.ToolUses {
			batch.ToolLinks = append(batch.ToolLinks, &store.ToolResultLink{
				SessionID:      job.SessionID,
				ToolUseID:      tu.ID,
				ToolUseLineNum: lineNum,
			})
		}
		for _, fill := range d.ResultFills {
			batch.ResultFills = append(batch.ResultFills, store.ResultFill{
				ToolUseID:  fill.ToolUseID,
				ResultLine: lineNum,
			})
		}
		for _, task := range d.TaskPrompts {
			batch.AgentLinks = append(batch.AgentLinks, &store.AgentLink{
				SessionID:      job.SessionID,
				ToolUseID:      task.ToolUseID,
				ToolUseLineNum: lineNum,
				Prompt:         task.Prompt,
			})
		}

		if cwd == "" && d.CWD != "" {
			cwd = d.CWD
		}
		if d.CustomTitle != "" {
			customTitle = d.CustomTitle
		}
		sidechain.observe(d)

		agg.Observe(d)
	}

	batch.LastLineNum = lastLineNum + int64(len(lines))
	batch.Aggregates = agg.ToStore()

	if isNew {
		if err := s.createSession(ctx, job, cwd); err != nil {
			return err
		}
	} else if cwd != "" {
		// Backfill a project row that was created before any line carried
		// a working directory.
		if _, err := s.store.GetOrCreateProject(ctx, job.ProjectID, cwd); err != nil {
			return fmt.Errorf("failed to update project: %w", err)
		}
	}

	if err := s.store.ApplyIngestBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to apply ingest batch: %w", err)
	}

	if customTitle != "" {
		if err := s.store.UpdateSessionTitle(ctx, job.SessionID, customTitle); err != nil {
			s.logger.WithError(err).Warn("Failed to apply custom title",
				zap.String("session_id", job.SessionID))
		}
	}

	hasParent := !isNew && sess.ParentSessionID != nil
	if sidechain.seen && !hasParent {
		s.matchSubagent(ctx, job, &sidechain)
	}

	eventType, frameType := events.SessionUpdated, wire.TypeSessionUpdated
	if isNew {
		eventType, frameType = events.SessionAdded, wire.TypeSessionAdded
	}
	if err := s.publishSessionEvent(ctx, eventType, frameType, job.SessionID); err != nil {
		return err
	}

	return s.publishItemsAdded(ctx, job, batch.Items, priorAmends)
}

// applyEmptyAdvance moves offsets past blank bytes without inserting items.
func (s *Service) applyEmptyAdvance(ctx context.Context, sessionID string, newOffset, lastLineNum int64, mtimeNs int64, sess *store.Session) error {
	batch := &store.IngestBatch{
		SessionID:   sessionID,
		LastOffset:  newOffset,
		LastLineNum: lastLineNum,
		FileMtimeNs: mtimeNs,
		Aggregates: store.SessionAggregates{
			MessageCount:   sess.MessageCount,
			TotalCost:      sess.TotalCost,
			ContextUsage:   sess.ContextUsage,
			JSONLGitBranch: sess.JSONLGitBranch,
			GitDirectory:   sess.GitDirectory,
			GitBranch:      sess.GitBranch,
		},
	}
	if err := s.store.ApplyIngestBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to advance past blank lines: %w", err)
	}
	return nil
}

func (s *Service) createSession(ctx context.Context, job watcher.SyncJob, cwd string) error {
	if _, err := s.store.GetOrCreateProject(ctx, job.ProjectID, cwd); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	err := s.store.CreateSession(ctx, &store.Session{
		ID:             job.SessionID,
		ProjectID:      job.ProjectID,
		SessionType:    wire.SessionTypeMain,
		ComputeVersion: compute.CurrentVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Info("New session discovered",
		zap.String("session_id", job.SessionID),
		zap.String("project_id", job.ProjectID))
	return nil
}

// subagentHint collects the first usable matching keys from a batch's
// sidechain lines.
type subagentHint struct {
	seen      bool
	toolUseID string
	prompt    string
}

func (h *subagentHint) observe(d *compute.Derivation) {
	if !d.IsSidechain {
		return
	}
	h.seen = true
	if h.toolUseID == "" && d.SidechainToolUse != "" {
		h.toolUseID = d.SidechainToolUse
	}
	if h.prompt == "" && d.Kind == wire.KindUserMessage && d.PromptText != "" {
		h.prompt = d.PromptText
	}
}

// matchSubagent links a sidechain session to the Task tool_use that spawned
// it: by the journal's own tool-use id when present, else by the first user
// prompt matching a Task prompt in the same project. Best effort; a later
// batch retries while the session has no parent.
func (s *Service) matchSubagent(ctx context.Context, job watcher.SyncJob, hint *subagentHint) {
	var link *store.AgentLink
	var err error
	if hint.toolUseID != "" {
		link, err = s.store.FindAgentLinkByToolUse(ctx, job.ProjectID, hint.toolUseID)
	} else if hint.prompt != "" {
		link, err = s.store.FindAgentLinkByPrompt(ctx, job.ProjectID, hint.prompt)
	} else {
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Subagent match lookup failed",
			zap.String("session_id", job.SessionID))
		return
	}

	if err := s.store.SetAgentLinkAgent(ctx, link.SessionID, link.ToolUseID, job.SessionID); err != nil {
		s.logger.WithError(err).Warn("Failed to record agent link",
			zap.String("session_id", job.SessionID))
		return
	}
	if err := s.store.SetSessionParent(ctx, job.SessionID, link.SessionID); err != nil {
		s.logger.WithError(err).Warn("Failed to set session parent",
			zap.String("session_id", job.SessionID))
		return
	}
	s.logger.Info("Linked subagent session",
		zap.String("session_id", job.SessionID),
		zap.String("parent_session_id", link.SessionID),
		zap.String("tool_use_id", link.ToolUseID))
}

func (s *Service) publishSessionEvent(ctx context.Context, eventType, frameType, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to reload session for event: %w", err)
	}
	frame := wire.NewSessionFrame(frameType, sess.ToWire())

	var subject string
	switch eventType {
	case events.SessionAdded:
		subject = events.BuildSessionAddedSubject(sessionID)
	default:
		subject = events.BuildSessionUpdatedSubject(sessionID)
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, frame)); err != nil {
		s.logger.WithError(err).Warn("Failed to publish session event",
			zap.String("session_id", sessionID))
	}
	return nil
}

func (s *Service) publishItemsAdded(ctx context.Context, job watcher.SyncJob, items []*store.SessionItem, priorAmends map[int64]struct{}) error {
	wireItems := make([]wire.SessionItem, 0, len(items))
	for _, item := range items {
		wireItems = append(wireItems, item.ToWire())
	}

	var updated []wire.ItemMetadata
	if len(priorAmends) > 0 {
		lineNums := make([]int64, 0, len(priorAmends))
		for lineNum := range priorAmends {
			lineNums = append(lineNums, lineNum)
		}
		sort.Slice(lineNums, func(i, j int) bool { return lineNums[i] < lineNums[j] })

		var err error
		updated, err = s.store.GetItemsMetadata(ctx, job.SessionID, lineNums)
		if err != nil {
			return fmt.Errorf("failed to load amended metadata: %w", err)
		}
	}

	frame := wire.NewSessionItemsAddedFrame(job.SessionID, job.ProjectID, wireItems, updated)
	subject := events.BuildSessionItemsAddedSubject(job.SessionID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(events.SessionItemsAdded, eventSource, frame)); err != nil {
		s.logger.WithError(err).Warn("Failed to publish items event",
			zap.String("session_id", job.SessionID))
	}
	return nil
}

// readTail reads complete lines from offset onward. consumed counts the
// bytes through the final newline; an unterminated trailing fragment stays
// unread until the CLI finishes the line.
func readTail(path string, offset int64) ([][]byte, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("failed to seek journal: %w", err)
		}
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read journal: %w", err)
	}

	var lines [][]byte
	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(data[consumed:consumed+idx], []byte("\r"))
		consumed += idx + 1
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, consumed, nil
}
