package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/compute"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Recompute rewrites the derived metadata of every session whose stored
// compute_version lags the current build. Runs once at startup; safe to run
// while live ingestion is active because each session serializes on the
// same per-session lock.
func (s *Service) Recompute(ctx context.Context) error {
	ids, err := s.store.ListLaggingSessions(ctx, compute.CurrentVersion)
	if err != nil {
		return fmt.Errorf("failed to list lagging sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	s.logger.Info("Recomputing sessions with stale derivations",
		zap.Int("count", len(ids)),
		zap.Int("compute_version", compute.CurrentVersion))

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.recomputeSession(ctx, id); err != nil {
			s.logger.WithError(err).Error("Recompute failed",
				zap.String("session_id", id))
		}
	}
	return nil
}

// recomputeSession re-derives one session from its stored raw lines with a
// clean-slate run. Stored non-null git directories are never overwritten:
// they may point at worktrees that no longer exist on disk.
func (s *Service) recomputeSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.acquire(sessionID)
	defer unlock()

	items, err := s.store.ListAllItems(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load items: %w", err)
	}

	run := s.engine.NewRun(compute.EmptySeed())
	agg := &compute.Aggregates{}

	batch := &store.RecomputeBatch{
		SessionID:      sessionID,
		ComputeVersion: compute.CurrentVersion,
	}
	links := map[string]*store.ToolResultLink{}
	byLine := map[int64]*store.SessionItem{}

	for _, item := range items {
		d, err := run.Derive(ctx, item.LineNum, []byte(item.Content), item.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to derive line %d: %w", item.LineNum, err)
		}

		if item.GitDirectory != nil {
			d.GitDirectory = item.GitDirectory
			d.GitBranch = item.GitBranch
		}

		rewritten := &store.SessionItem{
			SessionID:    sessionID,
			LineNum:      item.LineNum,
			Content:      item.Content,
			DisplayLevel: d.DisplayLevel,
			Kind:         d.Kind,
			GroupHead:    d.GroupHead,
			GroupTail:    d.GroupTail,
			MessageID:    d.MessageID,
			Cost:         d.Cost,
			ContextUsage: d.ContextUsage,
			GitDirectory: d.GitDirectory,
			GitBranch:    d.GitBranch,
			CreatedAt:    item.CreatedAt,
		}
		batch.Items = append(batch.Items, rewritten)
		byLine[item.LineNum] = rewritten

		for _, amend := range d.AmendedTails {
			if prev, ok := byLine[amend.LineNum]; ok {
				tail := amend.Tail
				prev.GroupTail = &tail
			}
		}

		for _, tu := range d.ToolUses {
			link := &store.ToolResultLink{
				SessionID:      sessionID,
				ToolUseID:      tu.ID,
				ToolUseLineNum: item.LineNum,
			}
			links[tu.ID] = link
			batch.ToolLinks = append(batch.ToolLinks, link)
		}
		for _, fill := range d.ResultFills {
			if link, ok := links[fill.ToolUseID]; ok {
				resultLine := item.LineNum
				link.ToolResultLineNum = &resultLine
			}
		}
		for _, task := range d.TaskPrompts {
			batch.AgentLinks = append(batch.AgentLinks, &store.AgentLink{
				SessionID:      sessionID,
				ToolUseID:      task.ToolUseID,
				ToolUseLineNum: item.LineNum,
				Prompt:         task.Prompt,
			})
		}

		agg.Observe(d)
	}

	batch.Aggregates = agg.ToStore()

	if err := s.store.ApplyRecomputeBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to apply recompute batch: %w", err)
	}

	s.logger.Info("Recomputed session",
		zap.String("session_id", sessionID),
		zap.Int("items", len(batch.Items)))

	return s.publishSessionEvent(ctx, events.SessionUpdated, wire.TypeSessionUpdated, sessionID)
}
