package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/agentdeck/agentdeck/internal/tracing"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

const itemColumns = `session_id, line_num, content, display_level, kind, group_head, group_tail,
	message_id, cost, context_usage, git_directory, git_branch, created_at`

// ListItems returns a session's items in line order, optionally only those
// after a line number and optionally without debug-only lines.
func (s *Store) ListItems(ctx context.Context, sessionID string, afterLine int64, includeDebug bool) ([]*SessionItem, error) {
	ctx, span := tracing.Tracer("agentdeck-db").Start(ctx, "db.ListItems")
	defer span.End()

	query := `SELECT ` + itemColumns + ` FROM session_items WHERE session_id = ? AND line_num > ?`
	args := []interface{}{sessionID, afterLine}
	if !includeDebug {
		query += ` AND display_level != ?`
		args = append(args, wire.DisplayDebugOnly)
	}
	query += ` ORDER BY line_num`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// ListAllItems returns every item of a session in line order, including
// debug-only lines. Used by batch recompute.
func (s *Store) ListAllItems(ctx context.Context, sessionID string) ([]*SessionItem, error) {
	return s.ListItems(ctx, sessionID, 0, true)
}

// GetItemsMetadata returns the metadata of specific lines, in line order.
func (s *Store) GetItemsMetadata(ctx context.Context, sessionID string, lineNums []int64) ([]wire.ItemMetadata, error) {
	if len(lineNums) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT line_num, display_level, kind, group_head, group_tail
		FROM session_items WHERE session_id = ? AND line_num IN (?) ORDER BY line_num
	`, sessionID, lineNums)
	if err != nil {
		return nil, err
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []wire.ItemMetadata
	for rows.Next() {
		var meta wire.ItemMetadata
		if err := rows.Scan(&meta.LineNum, &meta.DisplayLevel, &meta.Kind, &meta.GroupHead, &meta.GroupTail); err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, rows.Err()
}

// LastVisibleItem returns the session's last item that is not debug-only, or
// ErrNotFound when the session has none. The live compute context infers the
// open group from it.
func (s *Store) LastVisibleItem(ctx context.Context, sessionID string) (*GroupMember, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT line_num, display_level, kind, group_head, group_tail, message_id
		FROM session_items
		WHERE session_id = ? AND display_level != ?
		ORDER BY line_num DESC LIMIT 1
	`), sessionID, wire.DisplayDebugOnly)

	member := &GroupMember{}
	err := row.Scan(&member.LineNum, &member.DisplayLevel, &member.Kind,
		&member.GroupHead, &member.GroupTail, &member.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return member, nil
}

// GroupMembers returns the items whose group_head equals head, in line order.
func (s *Store) GroupMembers(ctx context.Context, sessionID string, head int64) ([]*GroupMember, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT line_num, display_level, kind, group_head, group_tail, message_id
		FROM session_items
		WHERE session_id = ? AND group_head = ?
		ORDER BY line_num
	`), sessionID, head)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*GroupMember
	for rows.Next() {
		member := &GroupMember{}
		if err := rows.Scan(&member.LineNum, &member.DisplayLevel, &member.Kind,
			&member.GroupHead, &member.GroupTail, &member.MessageID); err != nil {
			return nil, err
		}
		result = append(result, member)
	}
	return result, rows.Err()
}

// MessageIDSeen reports whether any item of the session already carries the
// message id. Cost is only assigned to the first occurrence.
func (s *Store) MessageIDSeen(ctx context.Context, sessionID, messageID string) (bool, error) {
	var one int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT 1 FROM session_items WHERE session_id = ? AND message_id = ? LIMIT 1
	`), sessionID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// insertItemTx inserts one item inside a batch transaction.
func insertItemTx(ctx context.Context, tx *sqlx.Tx, item *SessionItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO session_items (session_id, line_num, content, display_level, kind, group_head, group_tail,
			message_id, cost, context_usage, git_directory, git_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), item.SessionID, item.LineNum, item.Content, item.DisplayLevel, item.Kind,
		item.GroupHead, item.GroupTail, item.MessageID, decimalToNullString(item.Cost),
		item.ContextUsage, item.GitDirectory, item.GitBranch, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert item %d: %w", item.LineNum, err)
	}
	return nil
}

// amendGroupTailTx rewrites the group_tail of an existing line.
func amendGroupTailTx(ctx context.Context, tx *sqlx.Tx, sessionID string, lineNum int64, tail *int64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE session_items SET group_tail = ? WHERE session_id = ? AND line_num = ?
	`), tail, sessionID, lineNum)
	if err != nil {
		return fmt.Errorf("failed to amend line %d: %w", lineNum, err)
	}
	return nil
}

// rewriteItemDerivedTx rewrites every derived column of an existing item.
// Raw content is never touched.
func rewriteItemDerivedTx(ctx context.Context, tx *sqlx.Tx, item *SessionItem) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE session_items
		SET display_level = ?, kind = ?, group_head = ?, group_tail = ?, message_id = ?,
			cost = ?, context_usage = ?, git_directory = ?, git_branch = ?
		WHERE session_id = ? AND line_num = ?
	`), item.DisplayLevel, item.Kind, item.GroupHead, item.GroupTail, item.MessageID,
		decimalToNullString(item.Cost), item.ContextUsage, item.GitDirectory, item.GitBranch,
		item.SessionID, item.LineNum)
	if err != nil {
		return fmt.Errorf("failed to rewrite line %d: %w", item.LineNum, err)
	}
	return nil
}

func scanItems(rows *sql.Rows) ([]*SessionItem, error) {
	var result []*SessionItem
	for rows.Next() {
		item := &SessionItem{}
		var cost sql.NullString
		var contextUsage sql.NullInt64
		if err := rows.Scan(
			&item.SessionID, &item.LineNum, &item.Content, &item.DisplayLevel, &item.Kind,
			&item.GroupHead, &item.GroupTail, &item.MessageID, &cost, &contextUsage,
			&item.GitDirectory, &item.GitBranch, &item.CreatedAt,
		); err != nil {
			return nil, err
		}
		if cost.Valid {
			value, err := decimal.NewFromString(cost.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt cost on line %d: %w", item.LineNum, err)
			}
			item.Cost = &value
		}
		if contextUsage.Valid {
			usage := contextUsage.Int64
			item.ContextUsage = &usage
		}
		result = append(result, item)
	}
	return result, rows.Err()
}
