package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentdeck/agentdeck/pkg/wire"
)

// Project is a journal project directory.
type Project struct {
	ID        string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToWire converts the project to its wire form.
func (p *Project) ToWire() wire.Project {
	return wire.Project{
		ID:        p.ID,
		Path:      p.Path,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Session is one conversation journal and its aggregates. FileMtimeNs is the
// journal file's mtime in Unix nanoseconds, kept exact for the ingester's
// short-circuit check.
type Session struct {
	ID              string
	ProjectID       string
	Title           *string
	Archived        bool
	Pinned          bool
	ParentSessionID *string
	SessionType     wire.SessionType
	FileMtimeNs     int64
	LastOffset      int64
	LastLineNum     int64
	MessageCount    int64
	TotalCost       *decimal.Decimal
	ContextUsage    *int64
	ComputeVersion  int
	JSONLGitBranch  *string
	GitDirectory    *string
	GitBranch       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ToWire converts the session to its wire form.
func (s *Session) ToWire() wire.Session {
	return wire.Session{
		ID:              s.ID,
		ProjectID:       s.ProjectID,
		Title:           s.Title,
		Archived:        s.Archived,
		Pinned:          s.Pinned,
		ParentSessionID: s.ParentSessionID,
		SessionType:     s.SessionType,
		FileMtime:       time.Unix(0, s.FileMtimeNs).UTC(),
		LastLineNum:     s.LastLineNum,
		MessageCount:    s.MessageCount,
		TotalCost:       s.TotalCost,
		ContextUsage:    s.ContextUsage,
		JSONLGitBranch:  s.JSONLGitBranch,
		GitDirectory:    s.GitDirectory,
		GitBranch:       s.GitBranch,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// SessionItem is one journal line plus its derived metadata.
type SessionItem struct {
	SessionID    string
	LineNum      int64
	Content      string
	DisplayLevel wire.DisplayLevel
	Kind         wire.ItemKind
	GroupHead    *int64
	GroupTail    *int64
	MessageID    *string
	Cost         *decimal.Decimal
	ContextUsage *int64
	GitDirectory *string
	GitBranch    *string
	CreatedAt    time.Time
}

// ToWire converts the item to its wire form.
func (i *SessionItem) ToWire() wire.SessionItem {
	return wire.SessionItem{
		LineNum:      i.LineNum,
		Content:      i.Content,
		DisplayLevel: i.DisplayLevel,
		Kind:         i.Kind,
		GroupHead:    i.GroupHead,
		GroupTail:    i.GroupTail,
		MessageID:    i.MessageID,
		Cost:         i.Cost,
		ContextUsage: i.ContextUsage,
		GitDirectory: i.GitDirectory,
		GitBranch:    i.GitBranch,
		CreatedAt:    i.CreatedAt,
	}
}

// Metadata returns the amendable subset of the item as wire metadata.
func (i *SessionItem) Metadata() wire.ItemMetadata {
	return wire.ItemMetadata{
		LineNum:      i.LineNum,
		DisplayLevel: i.DisplayLevel,
		Kind:         i.Kind,
		GroupHead:    i.GroupHead,
		GroupTail:    i.GroupTail,
	}
}

// GroupMember is the slice of an item the grouping algorithm needs: enough
// to test message-id membership and to emit amended metadata.
type GroupMember struct {
	LineNum      int64
	DisplayLevel wire.DisplayLevel
	Kind         wire.ItemKind
	GroupHead    *int64
	GroupTail    *int64
	MessageID    *string
}

// Metadata returns the member as wire metadata.
func (m *GroupMember) Metadata() wire.ItemMetadata {
	return wire.ItemMetadata{
		LineNum:      m.LineNum,
		DisplayLevel: m.DisplayLevel,
		Kind:         m.Kind,
		GroupHead:    m.GroupHead,
		GroupTail:    m.GroupTail,
	}
}

// ToolResultLink associates a tool_use block with its tool_result line. The
// row is inserted when the tool_use is seen, with ToolResultLineNum nil until
// the result arrives.
type ToolResultLink struct {
	SessionID         string
	ToolUseID         string
	ToolUseLineNum    int64
	ToolResultLineNum *int64
}

// AgentLink associates a Task tool_use with the subagent session it spawned.
// AgentID is nil until the subagent's journal appears and is matched.
type AgentLink struct {
	SessionID      string
	ToolUseID      string
	ToolUseLineNum int64
	Prompt         string
	AgentID        *string
}

// ModelPrice is one price revision for a model. EffectiveDate is a UTC
// calendar date in YYYY-MM-DD form; prices are per million tokens.
type ModelPrice struct {
	ModelID           string
	EffectiveDate     string
	InputPrice        decimal.Decimal
	OutputPrice       decimal.Decimal
	CacheReadPrice    decimal.Decimal
	CacheWrite5mPrice decimal.Decimal
	CacheWrite1hPrice decimal.Decimal
	CreatedAt         time.Time
}

// SamePrices reports whether two revisions carry identical price tuples.
func (p *ModelPrice) SamePrices(other *ModelPrice) bool {
	if other == nil {
		return false
	}
	return p.InputPrice.Equal(other.InputPrice) &&
		p.OutputPrice.Equal(other.OutputPrice) &&
		p.CacheReadPrice.Equal(other.CacheReadPrice) &&
		p.CacheWrite5mPrice.Equal(other.CacheWrite5mPrice) &&
		p.CacheWrite1hPrice.Equal(other.CacheWrite1hPrice)
}

// SessionAggregates are the session-level rollups rewritten after each
// ingest batch or recompute.
type SessionAggregates struct {
	MessageCount   int64
	TotalCost      *decimal.Decimal
	ContextUsage   *int64
	JSONLGitBranch *string
	GitDirectory   *string
	GitBranch      *string
}
