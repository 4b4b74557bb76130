package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSplit(t *testing.T) {
	layout := NewLayout("/journals")

	tests := []struct {
		name      string
		path      string
		projectID string
		sessionID string
		ok        bool
	}{
		{"valid", "/journals/proj-a/abc-123.jsonl", "proj-a", "abc-123", true},
		{"nested too deep", "/journals/proj-a/sub/abc.jsonl", "", "", false},
		{"directly under root", "/journals/abc.jsonl", "", "", false},
		{"wrong extension", "/journals/proj-a/abc.json", "", "", false},
		{"outside root", "/elsewhere/proj-a/abc.jsonl", "", "", false},
		{"empty session name", "/journals/proj-a/.jsonl", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			projectID, sessionID, ok := layout.Split(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.projectID, projectID)
			assert.Equal(t, tt.sessionID, sessionID)
		})
	}
}

func TestLayoutRoundTrip(t *testing.T) {
	layout := NewLayout("/data/journals")
	path := layout.SessionPath("my-project", "session-1")
	projectID, sessionID, ok := layout.Split(path)
	require.True(t, ok)
	assert.Equal(t, "my-project", projectID)
	assert.Equal(t, "session-1", sessionID)
}

func TestLayoutList(t *testing.T) {
	root := t.TempDir()
	layout := NewLayout(root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proj-b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj-a", "s1.jsonl"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj-a", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proj-b", "s2.jsonl"), []byte("{}\n"), 0o644))

	refs, err := layout.List()
	require.NoError(t, err)
	require.Len(t, refs, 2)

	ids := map[string]string{}
	for _, ref := range refs {
		ids[ref.SessionID] = ref.ProjectID
	}
	assert.Equal(t, "proj-a", ids["s1"])
	assert.Equal(t, "proj-b", ids["s2"])
}

func TestLayoutListMissingRoot(t *testing.T) {
	layout := NewLayout(filepath.Join(t.TempDir(), "does-not-exist"))
	refs, err := layout.List()
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestAppendLine(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "proj", "sess.jsonl")

	require.NoError(t, AppendLine(path, []byte(`{"type":"custom-title","customTitle":"one"}`)))
	require.NoError(t, AppendLine(path, []byte(`{"type":"custom-title","customTitle":"two"}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"{\"type\":\"custom-title\",\"customTitle\":\"one\"}\n{\"type\":\"custom-title\",\"customTitle\":\"two\"}\n",
		string(data))
}
