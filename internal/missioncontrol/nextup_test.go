package missioncontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/entity"
)

func notRunning(string, string) (string, bool) { return "", false }

func TestBuildNextUpQueuedWhenReady(t *testing.T) {
	client := newFakeClient().
		seed(entity.TypeInitiative, entity.Record{"id": "init-1", "status": "active", "priority": "high"}).
		seed(entity.TypeWorkstream, entity.Record{"id": "ws-1", "initiative_id": "init-1", "title": "Backend"}).
		seed(entity.TypeTask, entity.Record{"id": "t1", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "todo", "title": "Build API"})

	g := buildGraph(context.Background(), client, testBudget(), "init-1", time.Now)
	items := BuildNextUp(g, nil, notRunning, nil)

	require.Len(t, items, 1)
	require.Equal(t, QueueStateQueued, items[0].QueueState)
	require.Equal(t, "t1", items[0].TaskID)
	require.Equal(t, "main", items[0].RunnerAgentID)
}

func TestBuildNextUpBlockedNamesDependency(t *testing.T) {
	client := newFakeClient().
		seed(entity.TypeInitiative, entity.Record{"id": "init-1", "status": "active"}).
		seed(entity.TypeWorkstream, entity.Record{"id": "ws-1", "initiative_id": "init-1"}).
		seed(entity.TypeTask,
			entity.Record{"id": "t1", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "in_progress", "title": "Design schema"},
			entity.Record{"id": "t2", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "todo", "title": "Build API", "dependency_ids": []any{"t1"}},
		)

	g := buildGraph(context.Background(), client, testBudget(), "init-1", time.Now)
	items := BuildNextUp(g, nil, notRunning, nil)

	require.Len(t, items, 1)
	require.Equal(t, QueueStateBlocked, items[0].QueueState)
	require.Contains(t, items[0].BlockReason, "Design schema")
}

func TestBuildNextUpRunningWhenAutoContinueActive(t *testing.T) {
	client := newFakeClient().
		seed(entity.TypeInitiative, entity.Record{"id": "init-1", "status": "active"}).
		seed(entity.TypeWorkstream, entity.Record{"id": "ws-1", "initiative_id": "init-1"}).
		seed(entity.TypeTask, entity.Record{"id": "t1", "initiative_id": "init-1", "workstream_id": "ws-1", "status": "todo"})

	g := buildGraph(context.Background(), client, testBudget(), "init-1", time.Now)
	running := func(initiativeID, workstreamID string) (string, bool) {
		if initiativeID == "init-1" && workstreamID == "ws-1" {
			return "agent-7", true
		}
		return "", false
	}
	items := BuildNextUp(g, nil, running, nil)

	require.Len(t, items, 1)
	require.Equal(t, QueueStateRunning, items[0].QueueState)
	require.Equal(t, "agent-7", items[0].RunnerAgentID)
}

func TestSortNextUpOrdersByQueueStateThenPin(t *testing.T) {
	zero, one := 0, 1
	items := []NextUpQueueItem{
		{QueueState: QueueStateIdle, InitiativeTitle: "B"},
		{QueueState: QueueStateQueued, PinRank: &one, InitiativeTitle: "A"},
		{QueueState: QueueStateQueued, PinRank: &zero, InitiativeTitle: "Z"},
		{QueueState: QueueStateRunning, InitiativeTitle: "C"},
	}
	SortNextUp(items)

	require.Equal(t, QueueStateRunning, items[0].QueueState)
	require.Equal(t, "Z", items[1].InitiativeTitle)
	require.Equal(t, "A", items[2].InitiativeTitle)
	require.Equal(t, QueueStateIdle, items[3].QueueState)
}

func TestBuildFallbackFromSessionsKeepsLatestPerGroup(t *testing.T) {
	sessions := []SessionNode{
		{InitiativeID: "i1", WorkstreamID: "w1", AgentID: "a1", LastActivityAt: "2025-01-01T00:00:00Z"},
		{InitiativeID: "i1", WorkstreamID: "w1", AgentID: "a2", LastActivityAt: "2025-01-02T00:00:00Z"},
		{InitiativeID: "i1", WorkstreamID: "w2", AgentID: "a3", LastActivityAt: "2025-01-01T00:00:00Z"},
	}
	out := BuildFallbackFromSessions(sessions)

	require.Len(t, out, 2)
	require.Equal(t, "a2", out[0].RunnerAgentID)
	require.Equal(t, "fallback", out[0].RunnerSource)
}
