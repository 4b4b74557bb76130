// Package store persists projects, sessions, session items, link tables and
// model prices over the db pool. All SQL is portable between SQLite and
// Postgres through ? placeholders rebound per driver.
package store

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck/internal/db"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides access to all persisted entities.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a store over the pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables and indexes if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initProjectSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initItemSchema(); err != nil {
		return err
	}
	if err := s.initLinkSchema(); err != nil {
		return err
	}
	return s.initPriceSchema()
}

func (s *Store) initProjectSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		parent_session_id TEXT,
		session_type TEXT NOT NULL DEFAULT 'main',
		file_mtime_ns BIGINT NOT NULL DEFAULT 0,
		last_offset BIGINT NOT NULL DEFAULT 0,
		last_line_num BIGINT NOT NULL DEFAULT 0,
		message_count BIGINT NOT NULL DEFAULT 0,
		total_cost TEXT,
		context_usage BIGINT,
		compute_version INTEGER NOT NULL DEFAULT 0,
		jsonl_git_branch TEXT,
		git_directory TEXT,
		git_branch TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_compute_version ON sessions(compute_version);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	`)
	return err
}

func (s *Store) initItemSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS session_items (
		session_id TEXT NOT NULL,
		line_num BIGINT NOT NULL,
		content TEXT NOT NULL,
		display_level TEXT NOT NULL DEFAULT 'debug-only',
		kind TEXT NOT NULL DEFAULT 'unknown',
		group_head BIGINT,
		group_tail BIGINT,
		message_id TEXT,
		cost TEXT,
		context_usage BIGINT,
		git_directory TEXT,
		git_branch TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, line_num),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_items_message_id ON session_items(session_id, message_id);
	CREATE INDEX IF NOT EXISTS idx_session_items_group_head ON session_items(session_id, group_head);
	`)
	return err
}

func (s *Store) initLinkSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tool_result_links (
		session_id TEXT NOT NULL,
		tool_use_id TEXT NOT NULL,
		tool_use_line_num BIGINT NOT NULL,
		tool_result_line_num BIGINT,
		PRIMARY KEY (session_id, tool_use_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tool_result_links_use_line ON tool_result_links(session_id, tool_use_line_num, tool_use_id);

	CREATE TABLE IF NOT EXISTS agent_links (
		session_id TEXT NOT NULL,
		tool_use_id TEXT NOT NULL,
		tool_use_line_num BIGINT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		agent_id TEXT,
		PRIMARY KEY (session_id, tool_use_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_agent_links_agent_id ON agent_links(agent_id);
	`)
	return err
}

func (s *Store) initPriceSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_prices (
		model_id TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		input_price TEXT NOT NULL,
		output_price TEXT NOT NULL,
		cache_read_price TEXT NOT NULL,
		cache_write_5m_price TEXT NOT NULL,
		cache_write_1h_price TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (model_id, effective_date)
	);

	CREATE INDEX IF NOT EXISTS idx_model_prices_lookup ON model_prices(model_id, effective_date DESC);
	`)
	return err
}
