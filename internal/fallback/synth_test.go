package fallback

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/store"
	"github.com/useorgx/openclaw-plugin/internal/transcript"
)

func testContexts(t *testing.T) *store.AgentContexts {
	t.Helper()
	contexts, err := store.NewAgentContexts(filepath.Join(t.TempDir(), "agent-contexts.json"))
	require.NoError(t, err)
	return contexts
}

func fixedSessions(sessions ...transcript.Session) func(string) ([]transcript.Session, error) {
	return func(string) ([]transcript.Session, error) { return sessions, nil }
}

func TestSynthesizerSessionsEnrichesFromRunContext(t *testing.T) {
	contexts := testContexts(t)
	contexts.PutRun(store.RunContext{
		RunID: "sess-1", AgentID: "agent-1", SessionID: "sess-1",
		InitiativeID: "init-1", TaskID: "t1", UpdatedAt: "2025-01-01T00:00:00Z",
	})

	s := &Synthesizer{
		Contexts: contexts,
		ListSessions: fixedSessions(transcript.Session{
			AgentID: "agent-1", SessionID: "sess-1",
			UpdatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		}),
	}

	records := s.Sessions("init-1")
	require.Len(t, records, 1)
	require.Equal(t, "sess-1", records[0]["id"])
	require.Equal(t, "init-1", records[0]["initiativeId"])

	meta, ok := records[0]["metadata"].(map[string]any)
	require.True(t, ok)
	orgx, ok := meta["orgx_context"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "t1", orgx["task_id"])
}

func TestSynthesizerSessionsFiltersByInitiative(t *testing.T) {
	contexts := testContexts(t)
	contexts.PutAgent(store.LaunchContext{
		AgentID: "agent-1", InitiativeID: "init-1", WorkstreamID: "ws1",
		SessionID: "sess-1", UpdatedAt: "2025-01-01T00:00:00Z",
	})
	contexts.PutAgent(store.LaunchContext{
		AgentID: "agent-2", InitiativeID: "init-2",
		SessionID: "sess-2", UpdatedAt: "2025-01-01T00:00:00Z",
	})

	s := &Synthesizer{
		Contexts: contexts,
		ListSessions: fixedSessions(
			transcript.Session{AgentID: "agent-1", SessionID: "sess-1", UpdatedAt: time.Now()},
			transcript.Session{AgentID: "agent-2", SessionID: "sess-2", UpdatedAt: time.Now()},
		),
	}

	nodes := s.SessionNodes("init-1")
	require.Len(t, nodes, 1)
	require.Equal(t, "init-1", nodes[0].InitiativeID)
	require.Equal(t, "ws1", nodes[0].WorkstreamID)
	require.Equal(t, "agent-1", nodes[0].AgentID)
}

func TestSynthesizerEntitiesSynthesizesTaskRows(t *testing.T) {
	contexts := testContexts(t)
	contexts.PutRun(store.RunContext{
		RunID: "r1", AgentID: "agent-1", SessionID: "r1",
		InitiativeID: "init-1", TaskID: "t1", UpdatedAt: "2025-01-01T00:00:00Z",
	})
	contexts.PutRun(store.RunContext{
		RunID: "r2", AgentID: "agent-2", SessionID: "r2",
		InitiativeID: "init-2", TaskID: "t2", UpdatedAt: "2025-01-01T00:00:00Z",
	})

	s := &Synthesizer{Contexts: contexts, ListSessions: fixedSessions()}

	rows, err := s.Entities(context.Background(), entity.TypeTask, "init-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "t1", rows[0]["id"])
	require.Equal(t, "in_progress", rows[0]["status"])
}

func TestSynthesizerEnrichActivityInjectsOrgxContext(t *testing.T) {
	contexts := testContexts(t)
	contexts.PutAgent(store.LaunchContext{
		AgentID: "agent-1", InitiativeID: "init-1", WorkstreamID: "ws1",
		SessionID: "sess-1", UpdatedAt: "2025-01-01T00:00:00Z",
	})

	s := &Synthesizer{Contexts: contexts, ListSessions: fixedSessions()}

	events := s.EnrichActivity([]cloudplane.ActivityEvent{
		{ID: "a1", Metadata: map[string]any{"agent_id": "agent-1"}},
		{ID: "a2"},
	})

	require.Equal(t, "init-1", events[0].InitiativeID)
	orgx, ok := events[0].Metadata["orgx_context"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ws1", orgx["workstream_id"])

	require.Empty(t, events[1].InitiativeID)
	require.Nil(t, events[1].Metadata)
}
