package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentdeck/agentdeck/internal/db/dialect"
	"github.com/agentdeck/agentdeck/internal/tracing"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

const sessionColumns = `id, project_id, title, archived, pinned, parent_session_id, session_type,
	file_mtime_ns, last_offset, last_line_num, message_count, total_cost, context_usage,
	compute_version, jsonl_git_branch, git_directory, git_branch, created_at, updated_at`

// CreateSession inserts a new session row. Used by the ingester when a
// journal file appears for an unknown session id.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.SessionType == "" {
		session.SessionType = wire.SessionTypeMain
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (id, project_id, title, archived, pinned, parent_session_id, session_type,
			file_mtime_ns, last_offset, last_line_num, message_count, total_cost, context_usage,
			compute_version, jsonl_git_branch, git_directory, git_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.ProjectID, session.Title,
		dialect.BoolToInt(session.Archived), dialect.BoolToInt(session.Pinned),
		session.ParentSessionID, session.SessionType,
		session.FileMtimeNs, session.LastOffset, session.LastLineNum,
		session.MessageCount, decimalToNullString(session.TotalCost), session.ContextUsage,
		session.ComputeVersion, session.JSONLGitBranch, session.GitDirectory, session.GitBranch,
		session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

// SessionExists reports whether a session row exists. The process manager
// uses this to choose between resuming and starting a fresh conversation.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT 1 FROM sessions WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SessionWorkingDir returns the project path a session belongs to, used as
// the subprocess working directory when resuming a conversation.
func (s *Store) SessionWorkingDir(ctx context.Context, id string) (string, error) {
	var path string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT p.path FROM sessions s JOIN projects p ON p.id = s.project_id WHERE s.id = ?
	`), id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve working dir for session %s: %w", id, err)
	}
	return path, nil
}

// ListSessionsOptions filters ListSessions.
type ListSessionsOptions struct {
	IncludeArchived  bool
	IncludeSubagents bool
	Query            string // matches title or id
}

// ListSessions returns a project's sessions, pinned first, then most recently
// written first.
func (s *Store) ListSessions(ctx context.Context, projectID string, opts ListSessionsOptions) ([]*Session, error) {
	ctx, span := tracing.Tracer("agentdeck-db").Start(ctx, "db.ListSessions")
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = ?`
	args := []interface{}{projectID}

	if !opts.IncludeArchived {
		query += ` AND archived = 0`
	}
	if !opts.IncludeSubagents {
		query += ` AND session_type = ?`
		args = append(args, wire.SessionTypeMain)
	}
	if opts.Query != "" {
		like := dialect.Like(s.ro.DriverName())
		query += fmt.Sprintf(` AND (title %s ? OR id %s ?)`, like, like)
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY pinned DESC, file_mtime_ns DESC`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

// ListRecentSessions returns the most recently written main sessions across
// all projects.
func (s *Store) ListRecentSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE archived = 0 AND session_type = ?
		ORDER BY file_mtime_ns DESC
		LIMIT ?
	`), wire.SessionTypeMain, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

// ListLaggingSessions returns ids of sessions whose compute_version is below
// the current one, for the recompute worker.
func (s *Store) ListLaggingSessions(ctx context.Context, currentVersion int) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id FROM sessions WHERE compute_version < ? ORDER BY file_mtime_ns DESC
	`), currentVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateSessionTitle sets the session title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSessionField(ctx, id, `title = ?`, title)
}

// SetSessionArchived sets the archived flag.
func (s *Store) SetSessionArchived(ctx context.Context, id string, archived bool) error {
	return s.updateSessionField(ctx, id, `archived = ?`, dialect.BoolToInt(archived))
}

// SetSessionPinned sets the pinned flag.
func (s *Store) SetSessionPinned(ctx context.Context, id string, pinned bool) error {
	return s.updateSessionField(ctx, id, `pinned = ?`, dialect.BoolToInt(pinned))
}

func (s *Store) updateSessionField(ctx context.Context, id, set string, value interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ?`,
	), value, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionParent marks a session as the subagent spawned by a Task
// tool_use in the parent session.
func (s *Store) SetSessionParent(ctx context.Context, id, parentSessionID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET parent_session_id = ?, session_type = ?, updated_at = ? WHERE id = ?
	`), parentSessionID, wire.SessionTypeSubagent, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchSessionMtime records the journal file's mtime after a sync that found
// no new bytes.
func (s *Store) TouchSessionMtime(ctx context.Context, id string, mtimeNs int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET file_mtime_ns = ?, updated_at = ? WHERE id = ?
	`), mtimeNs, time.Now().UTC(), id)
	return err
}

// DeleteSession removes the session row; items and link rows cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// sessionScanner abstracts *sql.Row and *sql.Rows for scanSession.
type sessionScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row sessionScanner) (*Session, error) {
	session := &Session{}
	var archived, pinned int
	var totalCost sql.NullString
	var contextUsage sql.NullInt64
	err := row.Scan(
		&session.ID, &session.ProjectID, &session.Title, &archived, &pinned,
		&session.ParentSessionID, &session.SessionType,
		&session.FileMtimeNs, &session.LastOffset, &session.LastLineNum,
		&session.MessageCount, &totalCost, &contextUsage,
		&session.ComputeVersion, &session.JSONLGitBranch, &session.GitDirectory, &session.GitBranch,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Archived = archived == 1
	session.Pinned = pinned == 1
	if totalCost.Valid {
		cost, err := decimal.NewFromString(totalCost.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt total_cost for session %s: %w", session.ID, err)
		}
		session.TotalCost = &cost
	}
	if contextUsage.Valid {
		usage := contextUsage.Int64
		session.ContextUsage = &usage
	}
	return session, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func decimalToNullString(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
