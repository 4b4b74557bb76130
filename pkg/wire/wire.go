// Package wire defines the JSON message types exchanged between the
// agentdeck server and its clients, plus the shared enumerations used by the
// store and the process manager. Frames are flat objects discriminated by a
// top-level "type" field.
package wire

// Frame type discriminators. Inbound frames travel client → server, outbound
// frames server → client.
const (
	// Inbound
	TypeSendMessage            = "send_message"
	TypeKillProcess            = "kill_process"
	TypePendingRequestResponse = "pending_request_response"

	// Outbound
	TypeActiveProcesses   = "active_processes"
	TypeProcessState      = "process_state"
	TypeSessionItemsAdded = "session_items_added"
	TypeSessionAdded      = "session_added"
	TypeSessionUpdated    = "session_updated"
	TypeSessionRemoved    = "session_removed"
	TypeError             = "error"
)

// ProcessState is the lifecycle state of an agent process.
type ProcessState string

const (
	ProcessStarting      ProcessState = "starting"
	ProcessAssistantTurn ProcessState = "assistant-turn"
	ProcessUserTurn      ProcessState = "user-turn"
	ProcessDead          ProcessState = "dead"
)

// KillReason records why a process was terminated.
type KillReason string

const (
	KillReasonManual          KillReason = "manual"
	KillReasonIdleTimeout     KillReason = "idle_timeout"
	KillReasonThinkingTimeout KillReason = "thinking_timeout"
	KillReasonError           KillReason = "error"
	KillReasonShutdown        KillReason = "shutdown"
)

// RequestType distinguishes the two pending-request flavors.
type RequestType string

const (
	RequestTypeToolApproval    RequestType = "tool_approval"
	RequestTypeAskUserQuestion RequestType = "ask_user_question"
)

// Decisions for tool-approval responses.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// DisplayLevel classifies how a session item is rendered.
type DisplayLevel string

const (
	DisplayDebugOnly   DisplayLevel = "debug-only"
	DisplayCollapsible DisplayLevel = "collapsible"
	DisplayAlways      DisplayLevel = "always"
)

// ItemKind is the finite classification of a journal line.
type ItemKind string

const (
	KindUserMessage      ItemKind = "user-message"
	KindAssistantMessage ItemKind = "assistant-message"
	KindToolUse          ItemKind = "tool-use"
	KindToolResult       ItemKind = "tool-result"
	KindThinking         ItemKind = "thinking"
	KindSystemInit       ItemKind = "system-init"
	KindSystem           ItemKind = "system"
	KindCustomTitle      ItemKind = "custom-title"
	KindSummary          ItemKind = "summary"
	KindMeta             ItemKind = "meta"
	KindUnknown          ItemKind = "unknown"
)

// SessionType distinguishes top-level conversations from Task subagents.
type SessionType string

const (
	SessionTypeMain     SessionType = "main"
	SessionTypeSubagent SessionType = "subagent"
)
