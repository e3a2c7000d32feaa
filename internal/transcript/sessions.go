package transcript

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Session is one on-disk transcript file discovered under the agent
// runtime's session directory convention (spec.md §6: "Transcript path
// convention"). UpdatedAt is the file's modification time, the only
// ordering signal available without parsing every line.
type Session struct {
	AgentID   string
	SessionID string
	Path      string
	UpdatedAt time.Time
}

// Summarize parses the session's transcript (spec.md §4.6.1 semantics:
// missing file yields a zero Summary, malformed lines are skipped).
func (s Session) Summarize() (Summary, error) {
	return Parse(s.Path)
}

// ListSessions walks <homeDir>/.openclaw/agents/<agentID>/sessions/ and
// returns every *.jsonl transcript found, newest first. Directory entries
// whose names fail ValidateSegment are skipped rather than treated as
// errors, the same tolerance the per-file parser applies to its lines. A
// missing agents directory yields an empty list and no error.
func ListSessions(homeDir string) ([]Session, error) {
	agentsDir := filepath.Join(homeDir, ".openclaw", "agents")
	agentEntries, err := os.ReadDir(agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Session
	for _, agentEntry := range agentEntries {
		if !agentEntry.IsDir() || ValidateSegment(agentEntry.Name()) != nil {
			continue
		}
		sessionsDir := filepath.Join(agentsDir, agentEntry.Name(), "sessions")
		fileEntries, err := os.ReadDir(sessionsDir)
		if err != nil {
			continue
		}
		for _, fileEntry := range fileEntries {
			name := fileEntry.Name()
			if fileEntry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
				continue
			}
			sessionID := strings.TrimSuffix(name, ".jsonl")
			if ValidateSegment(sessionID) != nil {
				continue
			}
			info, err := fileEntry.Info()
			if err != nil {
				continue
			}
			sessions = append(sessions, Session{
				AgentID:   agentEntry.Name(),
				SessionID: sessionID,
				Path:      filepath.Join(sessionsDir, name),
				UpdatedAt: info.ModTime(),
			})
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}
