package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/tracing"
)

// TailAmendment rewrites the group_tail of a previously persisted line.
type TailAmendment struct {
	LineNum int64
	Tail    *int64
}

// ResultFill records the tool_result line for an earlier tool_use.
type ResultFill struct {
	ToolUseID  string
	ResultLine int64
}

// IngestBatch is the atomic unit of one ingester run: everything derived
// from a set of new journal lines. Either the whole batch commits, including
// the offset advance, or none of it does and the next watcher event retries.
type IngestBatch struct {
	SessionID   string
	Items       []*SessionItem
	Amendments  []TailAmendment
	ToolLinks   []*ToolResultLink
	ResultFills []ResultFill
	AgentLinks  []*AgentLink
	Aggregates  SessionAggregates
	LastOffset  int64
	LastLineNum int64
	FileMtimeNs int64
}

// ApplyIngestBatch persists one ingester run in a single transaction.
// Offsets only ever move forward; the CASE guards keep a stale batch from
// rewinding them.
func (s *Store) ApplyIngestBatch(ctx context.Context, batch *IngestBatch) error {
	ctx, span := tracing.Tracer("agentdeck-db").Start(ctx, "db.ApplyIngestBatch")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ingest transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range batch.Items {
		if err := insertItemTx(ctx, tx, item); err != nil {
			return err
		}
	}
	for _, amendment := range batch.Amendments {
		if err := amendGroupTailTx(ctx, tx, batch.SessionID, amendment.LineNum, amendment.Tail); err != nil {
			return err
		}
	}
	for _, link := range batch.ToolLinks {
		if err := upsertToolResultLinkTx(ctx, tx, link); err != nil {
			return err
		}
	}
	for _, fill := range batch.ResultFills {
		if err := fillToolResultLinkTx(ctx, tx, batch.SessionID, fill.ToolUseID, fill.ResultLine); err != nil {
			return err
		}
	}
	for _, link := range batch.AgentLinks {
		if err := upsertAgentLinkTx(ctx, tx, link); err != nil {
			return err
		}
	}

	agg := batch.Aggregates
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions
		SET last_offset = CASE WHEN ? > last_offset THEN ? ELSE last_offset END,
			last_line_num = CASE WHEN ? > last_line_num THEN ? ELSE last_line_num END,
			file_mtime_ns = ?,
			message_count = ?, total_cost = ?, context_usage = ?,
			jsonl_git_branch = ?, git_directory = ?, git_branch = ?,
			updated_at = ?
		WHERE id = ?
	`), batch.LastOffset, batch.LastOffset, batch.LastLineNum, batch.LastLineNum,
		batch.FileMtimeNs,
		agg.MessageCount, decimalToNullString(agg.TotalCost), agg.ContextUsage,
		agg.JSONLGitBranch, agg.GitDirectory, agg.GitBranch,
		time.Now().UTC(), batch.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", batch.SessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ingest batch: %w", err)
	}
	return nil
}

// RecomputeBatch is the atomic result of a full batch recompute of one
// session: every item's derived metadata rewritten from a clean slate.
type RecomputeBatch struct {
	SessionID      string
	Items          []*SessionItem
	ToolLinks      []*ToolResultLink
	AgentLinks     []*AgentLink
	Aggregates     SessionAggregates
	ComputeVersion int
}

// ApplyRecomputeBatch rewrites a session's derived metadata, link rows and
// aggregates, and stamps the new compute version, in one transaction. Tool
// links are rebuilt from scratch; agent links are upserted so an existing
// agent_id match survives.
func (s *Store) ApplyRecomputeBatch(ctx context.Context, batch *RecomputeBatch) error {
	ctx, span := tracing.Tracer("agentdeck-db").Start(ctx, "db.ApplyRecomputeBatch")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin recompute transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range batch.Items {
		if err := rewriteItemDerivedTx(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := deleteToolResultLinksTx(ctx, tx, batch.SessionID); err != nil {
		return fmt.Errorf("failed to clear tool links for %s: %w", batch.SessionID, err)
	}
	for _, link := range batch.ToolLinks {
		if err := upsertToolResultLinkTx(ctx, tx, link); err != nil {
			return err
		}
	}
	for _, link := range batch.AgentLinks {
		if err := upsertAgentLinkTx(ctx, tx, link); err != nil {
			return err
		}
	}

	agg := batch.Aggregates
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions
		SET message_count = ?, total_cost = ?, context_usage = ?,
			jsonl_git_branch = ?, git_directory = ?, git_branch = ?,
			compute_version = ?, updated_at = ?
		WHERE id = ?
	`), agg.MessageCount, decimalToNullString(agg.TotalCost), agg.ContextUsage,
		agg.JSONLGitBranch, agg.GitDirectory, agg.GitBranch,
		batch.ComputeVersion, time.Now().UTC(), batch.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", batch.SessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recompute batch: %w", err)
	}
	return nil
}
