package compute

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/pkg/wire"
)

// rawLine mirrors the journal event fields the derivations read. Unknown
// fields are ignored; the raw line itself is persisted verbatim elsewhere.
type rawLine struct {
	Type        string      `json:"type"`
	Subtype     string      `json:"subtype"`
	IsMeta      bool        `json:"isMeta"`
	IsSidechain bool        `json:"isSidechain"`
	ToolUseID   string      `json:"toolUseID"`
	CustomTitle string      `json:"customTitle"`
	GitBranch   string      `json:"gitBranch"`
	CWD         string      `json:"cwd"`
	Timestamp   string      `json:"timestamp"`
	Message     *rawMessage `json:"message"`
}

type rawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens              int64             `json:"input_tokens"`
	OutputTokens             int64             `json:"output_tokens"`
	CacheReadInputTokens     int64             `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64             `json:"cache_creation_input_tokens"`
	CacheCreation            *rawCacheCreation `json:"cache_creation"`
}

type rawCacheCreation struct {
	Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
}

// contentBlock is one entry of a message content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
}

// blocks normalizes message content. The CLI writes either a plain string
// (bare user input) or an array of typed blocks.
func (m *rawMessage) blocks() []contentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var parsed []contentBlock
	if err := json.Unmarshal(m.Content, &parsed); err == nil {
		return parsed
	}
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil && text != "" {
		return []contentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// date returns the line's UTC calendar date for price lookups, falling back
// to the given time when the line carries no parseable timestamp.
func (l *rawLine) date(fallback time.Time) string {
	if l.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, l.Timestamp); err == nil {
			return ts.UTC().Format("2006-01-02")
		}
	}
	return fallback.UTC().Format("2006-01-02")
}

// classify maps a line's raw JSON shape to its display level and kind.
//
// Assistant lines are ranked text > tool_use > thinking: a line with any
// real text is a visible assistant message even when it also carries tool
// calls. Unknown event types stay debug-only so new CLI releases cannot
// break rendering.
func classify(line *rawLine, blocks []contentBlock) (wire.DisplayLevel, wire.ItemKind) {
	switch line.Type {
	case "system":
		if line.Subtype == "init" {
			return wire.DisplayDebugOnly, wire.KindSystemInit
		}
		return wire.DisplayDebugOnly, wire.KindSystem
	case "custom-title":
		return wire.DisplayDebugOnly, wire.KindCustomTitle
	case "summary":
		return wire.DisplayDebugOnly, wire.KindSummary
	case "user":
		if hasBlock(blocks, "tool_result") {
			return wire.DisplayCollapsible, wire.KindToolResult
		}
		if line.IsMeta {
			return wire.DisplayDebugOnly, wire.KindMeta
		}
		return wire.DisplayAlways, wire.KindUserMessage
	case "assistant":
		if hasText(blocks) {
			return wire.DisplayAlways, wire.KindAssistantMessage
		}
		if hasBlock(blocks, "tool_use") {
			return wire.DisplayCollapsible, wire.KindToolUse
		}
		if hasBlock(blocks, "thinking") {
			return wire.DisplayDebugOnly, wire.KindThinking
		}
		return wire.DisplayDebugOnly, wire.KindUnknown
	default:
		return wire.DisplayDebugOnly, wire.KindUnknown
	}
}

func hasBlock(blocks []contentBlock, blockType string) bool {
	for _, b := range blocks {
		if b.Type == blockType {
			return true
		}
	}
	return false
}

func hasText(blocks []contentBlock) bool {
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// textContent joins the text blocks of a message.
func textContent(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
