// Package journal maps the on-disk layout of conversation journals: one
// directory per project under a single root, one append-only JSONL file per
// session. The agent CLI owns the bytes of an active journal; everything
// here either reads or performs the one sanctioned append (custom titles).
package journal

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Ext is the journal file extension.
const Ext = ".jsonl"

// Layout resolves paths under the journal root.
type Layout struct {
	root string
}

// NewLayout creates a layout over the given root directory.
func NewLayout(root string) *Layout {
	return &Layout{root: filepath.Clean(root)}
}

// Root returns the journal root directory.
func (l *Layout) Root() string { return l.root }

// ProjectDir returns the directory holding a project's journals.
func (l *Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.root, projectID)
}

// SessionPath returns the journal file path for a session.
func (l *Layout) SessionPath(projectID, sessionID string) string {
	return filepath.Join(l.root, projectID, sessionID+Ext)
}

// Split extracts the project and session ids from a journal file path.
// It returns ok=false for paths outside the root, non-journal files, or
// files not exactly one directory below the root.
func (l *Layout) Split(path string) (projectID, sessionID string, ok bool) {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 {
		return "", "", false
	}
	name := parts[1]
	if !strings.HasSuffix(name, Ext) {
		return "", "", false
	}
	sessionID = strings.TrimSuffix(name, Ext)
	if parts[0] == "" || sessionID == "" {
		return "", "", false
	}
	return parts[0], sessionID, true
}

// JournalRef identifies one journal file by ids and path.
type JournalRef struct {
	ProjectID string
	SessionID string
	Path      string
}

// List walks the root and returns every journal file found. Missing root is
// not an error; the directory appears when the CLI first writes a session.
func (l *Layout) List() ([]JournalRef, error) {
	var refs []JournalRef
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		projectID, sessionID, ok := l.Split(path)
		if !ok {
			return nil
		}
		refs = append(refs, JournalRef{ProjectID: projectID, SessionID: sessionID, Path: path})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to scan journal root: %w", err)
	}
	return refs, nil
}

// AppendLine appends one line to a journal file, creating parent directories
// as needed. The data must be a single JSON object without a trailing
// newline; the terminator is added here.
func AppendLine(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal for append: %w", err)
	}
	defer func() { _ = file.Close() }()

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("failed to append journal line: %w", err)
	}
	return nil
}
