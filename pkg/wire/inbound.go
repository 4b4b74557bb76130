package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SendMessageFrame asks the server to deliver user input to a session,
// starting a process for it if none is live. Cwd is only consulted when the
// session does not exist yet (brand-new conversation).
type SendMessageFrame struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	ProjectID string               `json:"project_id"`
	Text      string               `json:"text"`
	Cwd       string               `json:"cwd,omitempty"`
	Images    []ImageAttachment    `json:"images,omitempty"`
	Documents []DocumentAttachment `json:"documents,omitempty"`
}

// ImageAttachment is a base64-encoded image sent with a user message.
type ImageAttachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// DocumentAttachment is a document sent with a user message. Data is base64
// for binary media types and raw text for text/* types.
type DocumentAttachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// KillProcessFrame asks the server to terminate a session's process.
type KillProcessFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PendingRequestResponseFrame resolves a blocked pending request. For
// tool_approval, Decision is "allow" or "deny"; UpdatedInput optionally
// replaces the tool input on allow and Message explains a deny. For
// ask_user_question, Answers maps question text to the chosen answer.
type PendingRequestResponseFrame struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"session_id"`
	RequestID    string            `json:"request_id"`
	RequestType  RequestType       `json:"request_type"`
	Decision     string            `json:"decision,omitempty"`
	UpdatedInput json.RawMessage   `json:"updated_input,omitempty"`
	Message      string            `json:"message,omitempty"`
	Answers      map[string]string `json:"answers,omitempty"`
}

// ParseInbound decodes a client frame into its concrete type, validating
// required fields. It returns *SendMessageFrame, *KillProcessFrame, or
// *PendingRequestResponseFrame. Errors are safe to echo back to the client
// in an error frame.
func ParseInbound(data []byte) (interface{}, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.New("invalid JSON")
	}

	switch env.Type {
	case TypeSendMessage:
		var f SendMessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed %s frame", TypeSendMessage)
		}
		if f.SessionID == "" {
			return nil, errors.New("send_message: session_id is required")
		}
		if f.ProjectID == "" {
			return nil, errors.New("send_message: project_id is required")
		}
		if f.Text == "" && len(f.Images) == 0 && len(f.Documents) == 0 {
			return nil, errors.New("send_message: message is empty")
		}
		return &f, nil

	case TypeKillProcess:
		var f KillProcessFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed %s frame", TypeKillProcess)
		}
		if f.SessionID == "" {
			return nil, errors.New("kill_process: session_id is required")
		}
		return &f, nil

	case TypePendingRequestResponse:
		var f PendingRequestResponseFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed %s frame", TypePendingRequestResponse)
		}
		if f.SessionID == "" {
			return nil, errors.New("pending_request_response: session_id is required")
		}
		if f.RequestID == "" {
			return nil, errors.New("pending_request_response: request_id is required")
		}
		switch f.RequestType {
		case RequestTypeToolApproval:
			if f.Decision != DecisionAllow && f.Decision != DecisionDeny {
				return nil, fmt.Errorf("pending_request_response: decision must be %q or %q", DecisionAllow, DecisionDeny)
			}
		case RequestTypeAskUserQuestion:
			if len(f.Answers) == 0 {
				return nil, errors.New("pending_request_response: answers are required")
			}
		default:
			return nil, fmt.Errorf("pending_request_response: unknown request_type %q", f.RequestType)
		}
		return &f, nil

	case "":
		return nil, errors.New("missing type field")

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
