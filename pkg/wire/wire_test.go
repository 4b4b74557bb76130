package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound_SendMessage(t *testing.T) {
	raw := []byte(`{
		"type": "send_message",
		"session_id": "sess-1",
		"project_id": "proj-1",
		"text": "hello",
		"cwd": "/home/user/repo",
		"images": [{"media_type": "image/png", "data": "aGVsbG8="}],
		"documents": [{"name": "notes.txt", "media_type": "text/plain", "data": "some text"}]
	}`)

	parsed, err := ParseInbound(raw)
	require.NoError(t, err)

	frame, ok := parsed.(*SendMessageFrame)
	require.True(t, ok, "expected *SendMessageFrame, got %T", parsed)
	assert.Equal(t, "sess-1", frame.SessionID)
	assert.Equal(t, "proj-1", frame.ProjectID)
	assert.Equal(t, "hello", frame.Text)
	assert.Equal(t, "/home/user/repo", frame.Cwd)
	require.Len(t, frame.Images, 1)
	assert.Equal(t, "image/png", frame.Images[0].MediaType)
	require.Len(t, frame.Documents, 1)
	assert.Equal(t, "notes.txt", frame.Documents[0].Name)
}

func TestParseInbound_SendMessageAttachmentsOnly(t *testing.T) {
	// A message with no text but with an image is valid
	raw := []byte(`{
		"type": "send_message",
		"session_id": "sess-1",
		"project_id": "proj-1",
		"images": [{"media_type": "image/jpeg", "data": "aGVsbG8="}]
	}`)

	parsed, err := ParseInbound(raw)
	require.NoError(t, err)
	require.IsType(t, &SendMessageFrame{}, parsed)
}

func TestParseInbound_KillProcess(t *testing.T) {
	parsed, err := ParseInbound([]byte(`{"type":"kill_process","session_id":"sess-1"}`))
	require.NoError(t, err)

	frame, ok := parsed.(*KillProcessFrame)
	require.True(t, ok)
	assert.Equal(t, "sess-1", frame.SessionID)
}

func TestParseInbound_PendingRequestResponse(t *testing.T) {
	t.Run("tool approval allow with updated input", func(t *testing.T) {
		raw := []byte(`{
			"type": "pending_request_response",
			"session_id": "sess-1",
			"request_id": "req-1",
			"request_type": "tool_approval",
			"decision": "allow",
			"updated_input": {"file_path": "/tmp/other"}
		}`)

		parsed, err := ParseInbound(raw)
		require.NoError(t, err)

		frame, ok := parsed.(*PendingRequestResponseFrame)
		require.True(t, ok)
		assert.Equal(t, RequestTypeToolApproval, frame.RequestType)
		assert.Equal(t, DecisionAllow, frame.Decision)
		assert.JSONEq(t, `{"file_path":"/tmp/other"}`, string(frame.UpdatedInput))
	})

	t.Run("tool approval deny with message", func(t *testing.T) {
		raw := []byte(`{
			"type": "pending_request_response",
			"session_id": "sess-1",
			"request_id": "req-1",
			"request_type": "tool_approval",
			"decision": "deny",
			"message": "not in this directory"
		}`)

		parsed, err := ParseInbound(raw)
		require.NoError(t, err)

		frame := parsed.(*PendingRequestResponseFrame)
		assert.Equal(t, DecisionDeny, frame.Decision)
		assert.Equal(t, "not in this directory", frame.Message)
	})

	t.Run("ask user question answers", func(t *testing.T) {
		raw := []byte(`{
			"type": "pending_request_response",
			"session_id": "sess-1",
			"request_id": "req-1",
			"request_type": "ask_user_question",
			"answers": {"Which database?": "sqlite"}
		}`)

		parsed, err := ParseInbound(raw)
		require.NoError(t, err)

		frame := parsed.(*PendingRequestResponseFrame)
		assert.Equal(t, RequestTypeAskUserQuestion, frame.RequestType)
		assert.Equal(t, "sqlite", frame.Answers["Which database?"])
	})
}

func TestParseInbound_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing type", `{"session_id":"s"}`},
		{"unknown type", `{"type":"rename_everything"}`},
		{"send_message without session", `{"type":"send_message","project_id":"p","text":"hi"}`},
		{"send_message without project", `{"type":"send_message","session_id":"s","text":"hi"}`},
		{"send_message empty", `{"type":"send_message","session_id":"s","project_id":"p"}`},
		{"kill without session", `{"type":"kill_process"}`},
		{"response without request id", `{"type":"pending_request_response","session_id":"s","request_type":"tool_approval","decision":"allow"}`},
		{"response bad decision", `{"type":"pending_request_response","session_id":"s","request_id":"r","request_type":"tool_approval","decision":"maybe"}`},
		{"response bad request type", `{"type":"pending_request_response","session_id":"s","request_id":"r","request_type":"other"}`},
		{"question without answers", `{"type":"pending_request_response","session_id":"s","request_id":"r","request_type":"ask_user_question"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestProcessStateFrame_FlattensRecord(t *testing.T) {
	now := time.Date(2026, 1, 22, 10, 53, 42, 0, time.UTC)
	frame := NewProcessStateFrame(ProcessRecord{
		SessionID:      "sess-1",
		ProjectID:      "proj-1",
		State:          ProcessAssistantTurn,
		StartedAt:      now,
		StateChangedAt: now,
		LastActivity:   now,
		PendingRequest: &PendingRequest{
			RequestID:   "req-1",
			RequestType: RequestTypeToolApproval,
			ToolName:    "Bash",
			ToolInput:   json.RawMessage(`{"command":"ls"}`),
			CreatedAt:   now,
		},
	})

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	// Record fields must sit at the top level next to "type"
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "process_state", decoded["type"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, "assistant-turn", decoded["state"])

	pending, ok := decoded["pending_request"].(map[string]interface{})
	require.True(t, ok, "pending_request should be an object")
	assert.Equal(t, "tool_approval", pending["request_type"])
	assert.Equal(t, "Bash", pending["tool_name"])
}

func TestProcessStateFrame_OmitsEmptyOptionals(t *testing.T) {
	frame := NewProcessStateFrame(ProcessRecord{
		SessionID: "sess-1",
		ProjectID: "proj-1",
		State:     ProcessUserTurn,
	})

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "error")
	assert.NotContains(t, decoded, "kill_reason")
	assert.NotContains(t, decoded, "pending_request")
}

func TestSessionItemsAddedFrame_Shape(t *testing.T) {
	head := int64(1)
	tail := int64(2)
	frame := NewSessionItemsAddedFrame("sess-1", "proj-1", []SessionItem{
		{LineNum: 2, Content: `{"type":"assistant"}`, DisplayLevel: DisplayCollapsible, Kind: KindToolUse, GroupHead: &head, GroupTail: &tail},
	}, []ItemMetadata{
		{LineNum: 1, DisplayLevel: DisplayAlways, Kind: KindAssistantMessage, GroupHead: &head, GroupTail: &tail},
	})

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "session_items_added", decoded["type"])
	assert.Equal(t, "sess-1", decoded["session_id"])
	require.Len(t, decoded["items"], 1)
	require.Len(t, decoded["updated_metadata"], 1)
}

func TestSessionItemsAddedFrame_OmitsEmptyMetadata(t *testing.T) {
	frame := NewSessionItemsAddedFrame("sess-1", "proj-1", nil, nil)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "updated_metadata")

	// items is always present, even when empty
	items, ok := decoded["items"].([]interface{})
	require.True(t, ok, "items should be an array")
	assert.Empty(t, items)
}

func TestNewActiveProcessesFrame_EmptySnapshot(t *testing.T) {
	data, err := json.Marshal(NewActiveProcessesFrame(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"active_processes","processes":[]}`, string(data))
}

func TestNewErrorFrame(t *testing.T) {
	data, err := json.Marshal(NewErrorFrame("unknown message type \"x\""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"unknown message type \"x\""}`, string(data))
}
