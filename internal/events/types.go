// Package events provides event types and utilities for the agentdeck event system.
package events

// Event types for agent processes
const (
	ProcessState = "process.state" // Full process record on every lifecycle change
)

// Event types for journal ingestion
const (
	SessionItemsAdded = "session.items_added" // New journal lines persisted for a session
)

// Event types for session rows
const (
	SessionAdded   = "session.added"
	SessionUpdated = "session.updated"
	SessionRemoved = "session.removed"
)

// BuildProcessStateSubject creates a process state subject for a specific session
func BuildProcessStateSubject(sessionID string) string {
	return ProcessState + "." + sessionID
}

// BuildProcessStateWildcardSubject creates a wildcard subscription for all process state events
func BuildProcessStateWildcardSubject() string {
	return ProcessState + ".*"
}

// BuildSessionItemsAddedSubject creates an items-added subject for a specific session
func BuildSessionItemsAddedSubject(sessionID string) string {
	return SessionItemsAdded + "." + sessionID
}

// BuildSessionItemsAddedWildcardSubject creates a wildcard subscription for all items-added events
func BuildSessionItemsAddedWildcardSubject() string {
	return SessionItemsAdded + ".*"
}

// BuildSessionAddedSubject creates a session-added subject for a specific session
func BuildSessionAddedSubject(sessionID string) string {
	return SessionAdded + "." + sessionID
}

// BuildSessionAddedWildcardSubject creates a wildcard subscription for all session-added events
func BuildSessionAddedWildcardSubject() string {
	return SessionAdded + ".*"
}

// BuildSessionUpdatedSubject creates a session-updated subject for a specific session
func BuildSessionUpdatedSubject(sessionID string) string {
	return SessionUpdated + "." + sessionID
}

// BuildSessionUpdatedWildcardSubject creates a wildcard subscription for all session-updated events
func BuildSessionUpdatedWildcardSubject() string {
	return SessionUpdated + ".*"
}

// BuildSessionRemovedSubject creates a session-removed subject for a specific session
func BuildSessionRemovedSubject(sessionID string) string {
	return SessionRemoved + "." + sessionID
}

// BuildSessionRemovedWildcardSubject creates a wildcard subscription for all session-removed events
func BuildSessionRemovedWildcardSubject() string {
	return SessionRemoved + ".*"
}
