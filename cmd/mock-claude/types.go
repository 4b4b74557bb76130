package main

import "encoding/json"

// --- Incoming stream messages (stdin) ---

type incomingMessage struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Message   *incomingUserBody `json:"message,omitempty"`
	Response  *controlResponse  `json:"response,omitempty"`
}

type incomingUserBody struct {
	Role    string          `json:"role"`
	Content []incomingBlock `json:"content"`
}

type incomingBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Title string `json:"title,omitempty"`
}

type controlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *permissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type permissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// --- Outgoing stream messages (stdout) ---

type initMsg struct {
	Type      string `json:"type"`    // system
	Subtype   string `json:"subtype"` // init
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

type resultMsg struct {
	Type    string          `json:"type"` // result
	Subtype string          `json:"subtype,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type assistantMsg struct {
	Type    string     `json:"type"` // assistant
	Message messageDoc `json:"message"`
}

// userMsg carries tool results back on the stream, role user.
type userMsg struct {
	Type    string     `json:"type"` // user
	Message messageDoc `json:"message"`
}

type controlRequestMsg struct {
	Type      string             `json:"type"` // control_request
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype   string         `json:"subtype"` // can_use_tool
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// --- Journal events ---
//
// Every stream event has a journal twin: the line appended to the session's
// JSONL file. Field names here must match what the real CLI writes, since the
// ingest pipeline reads the journal, never the stream.

type journalLine struct {
	Type        string      `json:"type"`
	Subtype     string      `json:"subtype,omitempty"`
	IsMeta      bool        `json:"isMeta,omitempty"`
	IsSidechain bool        `json:"isSidechain,omitempty"`
	ToolUseID   string      `json:"toolUseID,omitempty"`
	CustomTitle string      `json:"customTitle,omitempty"`
	GitBranch   string      `json:"gitBranch,omitempty"`
	CWD         string      `json:"cwd,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
	Message     *messageDoc `json:"message,omitempty"`
}

// messageDoc is the message body shared by the stream and the journal.
// Content holds either a bare string (user input) or a block array.
type messageDoc struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Model   string `json:"model,omitempty"`
	Content any    `json:"content"`
	Usage   *usage `json:"usage,omitempty"`
}

type block struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type usage struct {
	InputTokens              int64          `json:"input_tokens"`
	OutputTokens             int64          `json:"output_tokens"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens,omitempty"`
	CacheCreation            *cacheCreation `json:"cache_creation,omitempty"`
}

type cacheCreation struct {
	Ephemeral5m int64 `json:"ephemeral_5m_input_tokens,omitempty"`
	Ephemeral1h int64 `json:"ephemeral_1h_input_tokens,omitempty"`
}
