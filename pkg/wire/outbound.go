package wire

// ActiveProcessesFrame is the connect-time snapshot of all live processes.
type ActiveProcessesFrame struct {
	Type      string          `json:"type"`
	Processes []ProcessRecord `json:"processes"`
}

// ProcessStateFrame broadcasts one process's record on every state change.
// The record's fields are flattened into the frame.
type ProcessStateFrame struct {
	Type string `json:"type"`
	ProcessRecord
}

// SessionItemsAddedFrame broadcasts newly ingested items for a session plus
// the metadata of any previously delivered items that were amended.
type SessionItemsAddedFrame struct {
	Type            string         `json:"type"`
	SessionID       string         `json:"session_id"`
	ProjectID       string         `json:"project_id"`
	Items           []SessionItem  `json:"items"`
	UpdatedMetadata []ItemMetadata `json:"updated_metadata,omitempty"`
}

// SessionFrame broadcasts a session row change. Type is one of
// session_added, session_updated, session_removed.
type SessionFrame struct {
	Type    string  `json:"type"`
	Session Session `json:"session"`
}

// ErrorFrame is the in-band reply to an invalid inbound frame. The
// connection stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewActiveProcessesFrame builds the snapshot frame. A nil slice becomes an
// empty array on the wire.
func NewActiveProcessesFrame(processes []ProcessRecord) ActiveProcessesFrame {
	if processes == nil {
		processes = []ProcessRecord{}
	}
	return ActiveProcessesFrame{Type: TypeActiveProcesses, Processes: processes}
}

// NewProcessStateFrame builds a state-change frame from a process record.
func NewProcessStateFrame(record ProcessRecord) ProcessStateFrame {
	return ProcessStateFrame{Type: TypeProcessState, ProcessRecord: record}
}

// NewSessionItemsAddedFrame builds an items-added frame. A nil items slice
// becomes an empty array on the wire.
func NewSessionItemsAddedFrame(sessionID, projectID string, items []SessionItem, updated []ItemMetadata) SessionItemsAddedFrame {
	if items == nil {
		items = []SessionItem{}
	}
	return SessionItemsAddedFrame{
		Type:            TypeSessionItemsAdded,
		SessionID:       sessionID,
		ProjectID:       projectID,
		Items:           items,
		UpdatedMetadata: updated,
	}
}

// NewSessionFrame builds a session change frame; frameType is one of
// TypeSessionAdded, TypeSessionUpdated, TypeSessionRemoved.
func NewSessionFrame(frameType string, session Session) SessionFrame {
	return SessionFrame{Type: frameType, Session: session}
}

// NewErrorFrame builds an in-band protocol error reply.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}
