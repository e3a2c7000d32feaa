package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, home, agentID, sessionID string, mtime time.Time) {
	t.Helper()
	dir := filepath.Join(home, ".openclaw", "agents", agentID, "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"message"}`+"\n"), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestListSessionsWalksAgentsNewestFirst(t *testing.T) {
	home := t.TempDir()
	writeTranscript(t, home, "agent-1", "sess-old", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	writeTranscript(t, home, "agent-2", "sess-new", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))

	sessions, err := ListSessions(home)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "sess-new", sessions[0].SessionID)
	require.Equal(t, "agent-2", sessions[0].AgentID)
	require.Equal(t, "sess-old", sessions[1].SessionID)
}

func TestListSessionsMissingAgentsDirYieldsEmpty(t *testing.T) {
	sessions, err := ListSessions(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestListSessionsSkipsNonTranscriptEntries(t *testing.T) {
	home := t.TempDir()
	writeTranscript(t, home, "agent-1", "sess-1", time.Now())

	sessionsDir := filepath.Join(home, ".openclaw", "agents", "agent-1", "sessions")
	require.NoError(t, os.WriteFile(filepath.Join(sessionsDir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".openclaw", "agents", "agent-1", "not-sessions"), 0o700))

	sessions, err := ListSessions(home)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "sess-1", sessions[0].SessionID)
}
