package wire

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Project is the wire form of a project row.
type Project struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the wire form of a session row.
type Session struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id"`
	Title           *string          `json:"title"`
	Archived        bool             `json:"archived"`
	Pinned          bool             `json:"pinned"`
	ParentSessionID *string          `json:"parent_session_id,omitempty"`
	SessionType     SessionType      `json:"session_type"`
	FileMtime       time.Time        `json:"file_mtime"`
	LastLineNum     int64            `json:"last_line_num"`
	MessageCount    int64            `json:"message_count"`
	TotalCost       *decimal.Decimal `json:"total_cost"`
	ContextUsage    *int64           `json:"context_usage"`
	JSONLGitBranch  *string          `json:"jsonl_git_branch,omitempty"`
	GitDirectory    *string          `json:"git_directory,omitempty"`
	GitBranch       *string          `json:"git_branch,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// SessionItem is the wire form of a journal line plus its derived metadata.
// The session id travels on the enclosing frame, not on each item.
type SessionItem struct {
	LineNum      int64            `json:"line_num"`
	Content      string           `json:"content"`
	DisplayLevel DisplayLevel     `json:"display_level"`
	Kind         ItemKind         `json:"kind"`
	GroupHead    *int64           `json:"group_head"`
	GroupTail    *int64           `json:"group_tail"`
	MessageID    *string          `json:"message_id,omitempty"`
	Cost         *decimal.Decimal `json:"cost"`
	ContextUsage *int64           `json:"context_usage"`
	GitDirectory *string          `json:"git_directory,omitempty"`
	GitBranch    *string          `json:"git_branch,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// ItemMetadata carries the re-derivable fields of an already-delivered item.
// Sent when a later line amends an earlier one (group tail rewrites).
type ItemMetadata struct {
	LineNum      int64        `json:"line_num"`
	DisplayLevel DisplayLevel `json:"display_level"`
	Kind         ItemKind     `json:"kind"`
	GroupHead    *int64       `json:"group_head"`
	GroupTail    *int64       `json:"group_tail"`
}

// ProcessRecord is the broadcast snapshot of one agent process.
type ProcessRecord struct {
	SessionID      string          `json:"session_id"`
	ProjectID      string          `json:"project_id"`
	State          ProcessState    `json:"state"`
	StartedAt      time.Time       `json:"started_at"`
	StateChangedAt time.Time       `json:"state_changed_at"`
	LastActivity   time.Time       `json:"last_activity"`
	Error          string          `json:"error,omitempty"`
	KillReason     KillReason      `json:"kill_reason,omitempty"`
	PendingRequest *PendingRequest `json:"pending_request,omitempty"`
}

// PendingRequest is the broadcast snapshot of a blocked can-use-tool callback.
type PendingRequest struct {
	RequestID   string          `json:"request_id"`
	RequestType RequestType     `json:"request_type"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input"`
	CreatedAt   time.Time       `json:"created_at"`
}
