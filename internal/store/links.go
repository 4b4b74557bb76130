package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ToolUseLine returns the line number of the tool_use with the given id, or
// false when the session has not seen it.
func (s *Store) ToolUseLine(ctx context.Context, sessionID, toolUseID string) (int64, bool, error) {
	var line int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT tool_use_line_num FROM tool_result_links
		WHERE session_id = ? AND tool_use_id = ?
	`), sessionID, toolUseID).Scan(&line)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return line, true, nil
}

// ListToolResultLinks returns a session's tool links in tool_use line order.
func (s *Store) ListToolResultLinks(ctx context.Context, sessionID string) ([]*ToolResultLink, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT session_id, tool_use_id, tool_use_line_num, tool_result_line_num
		FROM tool_result_links WHERE session_id = ? ORDER BY tool_use_line_num, tool_use_id
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ToolResultLink
	for rows.Next() {
		link := &ToolResultLink{}
		if err := rows.Scan(&link.SessionID, &link.ToolUseID, &link.ToolUseLineNum, &link.ToolResultLineNum); err != nil {
			return nil, err
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

// ListAgentLinks returns a session's Task links in tool_use line order.
func (s *Store) ListAgentLinks(ctx context.Context, sessionID string) ([]*AgentLink, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT session_id, tool_use_id, tool_use_line_num, prompt, agent_id
		FROM agent_links WHERE session_id = ? ORDER BY tool_use_line_num, tool_use_id
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AgentLink
	for rows.Next() {
		link := &AgentLink{}
		if err := rows.Scan(&link.SessionID, &link.ToolUseID, &link.ToolUseLineNum, &link.Prompt, &link.AgentID); err != nil {
			return nil, err
		}
		result = append(result, link)
	}
	return result, rows.Err()
}

// FindAgentLinkByToolUse returns the unmatched Task link with the given
// tool_use id anywhere in the project.
func (s *Store) FindAgentLinkByToolUse(ctx context.Context, projectID, toolUseID string) (*AgentLink, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT al.session_id, al.tool_use_id, al.tool_use_line_num, al.prompt, al.agent_id
		FROM agent_links al
		JOIN sessions se ON se.id = al.session_id
		WHERE se.project_id = ? AND al.tool_use_id = ? AND al.agent_id IS NULL
	`), projectID, toolUseID)
	return scanAgentLink(row)
}

// FindAgentLinkByPrompt returns the oldest unmatched Task link in the
// project whose prompt equals the text. Used when the subagent journal does
// not carry the tool_use id.
func (s *Store) FindAgentLinkByPrompt(ctx context.Context, projectID, prompt string) (*AgentLink, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT al.session_id, al.tool_use_id, al.tool_use_line_num, al.prompt, al.agent_id
		FROM agent_links al
		JOIN sessions se ON se.id = al.session_id
		WHERE se.project_id = ? AND al.prompt = ? AND al.agent_id IS NULL
		ORDER BY al.tool_use_line_num, al.tool_use_id
		LIMIT 1
	`), projectID, prompt)
	return scanAgentLink(row)
}

// SetAgentLinkAgent records which subagent session a Task link spawned.
func (s *Store) SetAgentLinkAgent(ctx context.Context, parentSessionID, toolUseID, agentID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_links SET agent_id = ?
		WHERE session_id = ? AND tool_use_id = ? AND agent_id IS NULL
	`), agentID, parentSessionID, toolUseID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent link %s/%s: %w", parentSessionID, toolUseID, ErrNotFound)
	}
	return nil
}

func scanAgentLink(row sessionScanner) (*AgentLink, error) {
	link := &AgentLink{}
	err := row.Scan(&link.SessionID, &link.ToolUseID, &link.ToolUseLineNum, &link.Prompt, &link.AgentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// upsertToolResultLinkTx inserts the eager tool_use row; an existing row for
// the same tool_use id is left untouched.
func upsertToolResultLinkTx(ctx context.Context, tx *sqlx.Tx, link *ToolResultLink) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO tool_result_links (session_id, tool_use_id, tool_use_line_num, tool_result_line_num)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, tool_use_id) DO NOTHING
	`), link.SessionID, link.ToolUseID, link.ToolUseLineNum, link.ToolResultLineNum)
	if err != nil {
		return fmt.Errorf("failed to insert tool link %s: %w", link.ToolUseID, err)
	}
	return nil
}

// fillToolResultLinkTx records the tool_result line for a tool_use. Only the
// first result wins.
func fillToolResultLinkTx(ctx context.Context, tx *sqlx.Tx, sessionID, toolUseID string, resultLine int64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tool_result_links SET tool_result_line_num = ?
		WHERE session_id = ? AND tool_use_id = ? AND tool_result_line_num IS NULL
	`), resultLine, sessionID, toolUseID)
	if err != nil {
		return fmt.Errorf("failed to fill tool link %s: %w", toolUseID, err)
	}
	return nil
}

// upsertAgentLinkTx inserts a Task link, refreshing line and prompt on
// conflict but preserving an already-matched agent_id.
func upsertAgentLinkTx(ctx context.Context, tx *sqlx.Tx, link *AgentLink) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO agent_links (session_id, tool_use_id, tool_use_line_num, prompt, agent_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, tool_use_id) DO UPDATE
		SET tool_use_line_num = excluded.tool_use_line_num, prompt = excluded.prompt
	`), link.SessionID, link.ToolUseID, link.ToolUseLineNum, link.Prompt, link.AgentID)
	if err != nil {
		return fmt.Errorf("failed to upsert agent link %s: %w", link.ToolUseID, err)
	}
	return nil
}

// deleteToolResultLinksTx drops a session's tool links ahead of a recompute
// reinsert. Agent links are never deleted: their agent_id match is made only
// once, when the subagent first appears.
func deleteToolResultLinksTx(ctx context.Context, tx *sqlx.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM tool_result_links WHERE session_id = ?
	`), sessionID)
	return err
}
