// Package claudecli carries the Claude CLI stream-json contract: the JSON
// messages exchanged with the subprocess over stdin/stdout, and a client
// that speaks them. The CLI also appends every event to a journal file on
// disk; the stream here is used only for lifecycle and control, never as the
// source of conversation content.
package claudecli

import "encoding/json"

// Message types on the CLI stream.
const (
	// MessageTypeSystem is the system message; subtype init carries the session id.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries assistant output (ignored here; the journal has it).
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user message (prompt), sent to stdin.
	MessageTypeUser = "user"
	// MessageTypeResult ends an assistant turn.
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request from the CLI (permissions).
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse answers a control request.
	MessageTypeControlResponse = "control_response"
)

// Subtypes of interest.
const (
	// SubtypeInit marks the system message establishing the session.
	SubtypeInit = "init"
	// SubtypeCanUseTool asks permission for a tool use.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeSuccess is the control response subtype carrying a result.
	SubtypeSuccess = "success"
	// SubtypeError is the control response subtype carrying an error.
	SubtypeError = "error"
)

// Permission behaviors in control responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage is one line of the subprocess stdout stream. The type field
// determines which of the remaining fields are populated.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system messages
	SessionID string `json:"session_id,omitempty"`

	// control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// result messages; Result is a string or an object depending on outcome
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// IsInit reports whether the message is the init marker.
func (m *CLIMessage) IsInit() bool {
	return m.Type == MessageTypeSystem && m.Subtype == SubtypeInit
}

// ControlRequest is the body of a control request from the CLI.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool fields
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request on stdin.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // control_response
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response body.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // success or error
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult carries the allow/deny decision for a can_use_tool request.
type PermissionResult struct {
	Behavior string `json:"behavior"`
	// UpdatedInput replaces the tool input on allow when non-nil.
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	// Message explains a deny to the model.
	Message string `json:"message,omitempty"`
}

// NewAllowResponse builds a control response allowing a tool use, optionally
// with replaced input.
func NewAllowResponse(requestID string, updatedInput json.RawMessage) *ControlResponseMessage {
	return &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: SubtypeSuccess,
			Result:  &PermissionResult{Behavior: BehaviorAllow, UpdatedInput: updatedInput},
		},
	}
}

// NewDenyResponse builds a control response denying a tool use.
func NewDenyResponse(requestID, message string) *ControlResponseMessage {
	return &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: SubtypeSuccess,
			Result:  &PermissionResult{Behavior: BehaviorDeny, Message: message},
		},
	}
}

// NewErrorResponse builds a control response reporting an internal failure.
func NewErrorResponse(requestID, errMsg string) *ControlResponseMessage {
	return &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: SubtypeError, Error: errMsg},
	}
}

// UserMessage is a prompt sent to stdin.
type UserMessage struct {
	Type    string          `json:"type"` // user
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the role and content blocks.
type UserMessageBody struct {
	Role    string         `json:"role"` // user
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of a user message: text, image, or document.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *BlockSource `json:"source,omitempty"`

	// document blocks may carry a display title
	Title string `json:"title,omitempty"`
}

// BlockSource is the payload of an image or document block. SourceType is
// "base64" for binary data and "text" for raw text documents.
type BlockSource struct {
	SourceType string `json:"type"`
	MediaType  string `json:"media_type"`
	Data       string `json:"data"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock builds a base64 image content block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{
		Type:   "image",
		Source: &BlockSource{SourceType: "base64", MediaType: mediaType, Data: data},
	}
}

// DocumentBlock builds a document content block. Text media types embed the
// data as raw text; everything else is base64.
func DocumentBlock(title, mediaType, data string) ContentBlock {
	sourceType := "base64"
	if isTextMediaType(mediaType) {
		sourceType = "text"
	}
	return ContentBlock{
		Type:   "document",
		Title:  title,
		Source: &BlockSource{SourceType: sourceType, MediaType: mediaType, Data: data},
	}
}

func isTextMediaType(mediaType string) bool {
	return len(mediaType) >= 5 && mediaType[:5] == "text/"
}

// NewUserMessage wraps content blocks in a user message.
func NewUserMessage(blocks []ContentBlock) *UserMessage {
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: blocks},
	}
}
