package autocontinue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/dispatch"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/store"
	"github.com/useorgx/openclaw-plugin/internal/transcript"
)

// fakeClient is a seedable in-memory cloudplane.Client, mirroring the style
// of internal/missioncontrol's own test double.
type fakeClient struct {
	byType map[entity.Type][]entity.Record
	plan   cloudplane.Plan

	updates    []string
	activities []cloudplane.ActivityEvent
}

func (f *fakeClient) ListEntities(_ context.Context, t entity.Type, _ cloudplane.EntityFilter) ([]entity.Record, error) {
	return f.byType[t], nil
}

func (f *fakeClient) UpdateEntity(_ context.Context, _ entity.Type, id string, fields map[string]any) (entity.Record, error) {
	f.updates = append(f.updates, id)
	rec := entity.Record{"id": id}
	for k, v := range fields {
		rec[k] = v
	}
	return rec, nil
}

func (f *fakeClient) ApplyChangeset(context.Context, string, []cloudplane.ChangesetMutation) error { return nil }

func (f *fakeClient) CheckSpawnGuard(context.Context, string, string) (cloudplane.SpawnGuardResult, error) {
	return cloudplane.SpawnGuardResult{Allowed: true}, nil
}

func (f *fakeClient) EmitActivity(_ context.Context, event cloudplane.ActivityEvent) error {
	f.activities = append(f.activities, event)
	return nil
}

func (f *fakeClient) ListActivity(context.Context, string, time.Time) ([]cloudplane.ActivityEvent, error) {
	return nil, nil
}

func (f *fakeClient) RequestDecision(context.Context, cloudplane.DecisionRequest) error { return nil }

func (f *fakeClient) ListLiveAgents(context.Context, string) ([]entity.Record, error) { return nil, nil }

func (f *fakeClient) Plan(context.Context) (cloudplane.Plan, error) { return f.plan, nil }

func testBudget() config.BudgetModel {
	return config.BudgetModel{
		TokensPerHour: 1000,
		Contingency:   1.0,
		RoundStepUsd:  1,
	}
}

func newScheduler(client *fakeClient, spawn dispatch.Spawner, parse TranscriptParser, isAlive func(int) bool) *Scheduler {
	return &Scheduler{
		Cloud:      client,
		Dispatcher: dispatch.NewEngine(client, nil, spawn),
		Budget:     testBudget(),
		Store:      NewStore(),
		ParseTranscript: parse,
		TranscriptPath: func(agentID, sessionID string) string { return agentID + "/" + sessionID },
		IsPidAlive:      isAlive,
		StopProcess:     func(int, time.Duration) dispatch.StopResult { return dispatch.StopResult{} },
		StopGrace:       time.Millisecond,
		Clock:           func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

// TestAutoContinueNeverDispatchesWhileActive is Invariant I4's first half:
// a tick with a non-nil activeRunId must never call Dispatch, regardless of
// graph state.
func TestAutoContinueNeverDispatchesWhileActive(t *testing.T) {
	client := &fakeClient{byType: map[entity.Type][]entity.Record{
		entity.TypeTask: {{"id": "t1", "status": "todo", "workstream_id": "ws1"}},
	}, plan: cloudplane.PlanPaid}

	spawnCalled := false
	sched := newScheduler(client, func(context.Context, string, string, string) (dispatch.LaunchedProcess, error) {
		spawnCalled = true
		return dispatch.LaunchedProcess{PID: 99}, nil
	}, func(string) (transcript.Summary, error) { return transcript.Summary{}, nil }, func(int) bool { return true })

	run := &Run{InitiativeID: "init-1", AgentID: "agent-1", TokenBudget: 100000, Status: StatusRunning, ActiveRunID: "run-1", ActivePID: 123}
	sched.Store.Put(run)

	sched.tickLocked(context.Background(), run)

	require.False(t, spawnCalled)
	require.Equal(t, "run-1", run.ActiveRunID)
}

// TestAutoContinueStopsWithinTwoTicksAfterChildExits covers Invariant I4's
// second half: once the child is no longer alive, the very next tick
// clears activeRunId, and a prior Stop() request resolves to "stopped".
func TestAutoContinueStopsWithinTwoTicksAfterChildExits(t *testing.T) {
	client := &fakeClient{plan: cloudplane.PlanPaid}
	sched := newScheduler(client, nil,
		func(string) (transcript.Summary, error) { return transcript.Summary{Tokens: 500}, nil },
		func(int) bool { return false })

	run := &Run{
		InitiativeID: "init-1", AgentID: "agent-1", TokenBudget: 100000,
		Status: StatusStopping, StopRequested: true,
		ActiveRunID: "run-1", ActiveSessionID: "sess-1", ActivePID: 123, ActiveTaskID: "t1",
	}
	sched.Store.Put(run)

	sched.tickLocked(context.Background(), run)

	require.Equal(t, StatusStopped, run.Status)
	require.Equal(t, StopReasonStopped, run.StopReason)
	require.Empty(t, run.ActiveRunID)
	require.EqualValues(t, 500, run.TokensUsed)
}

// TestAutoContinueBudgetGuardrail is scenario 3 (spec.md §8): tokenBudget
// 10,000, next task's pre-estimate is 12,000 (12h at 1000/hr with a 1.0
// contingency) — expect Stop with reason budget_exhausted and no dispatch.
func TestAutoContinueBudgetGuardrail(t *testing.T) {
	client := &fakeClient{byType: map[entity.Type][]entity.Record{
		entity.TypeTask: {{
			"id": "t1", "status": "todo", "workstream_id": "ws1",
			"expected_duration_hours": 12.0,
		}},
		entity.TypeWorkstream: {{"id": "ws1", "status": "todo"}},
	}, plan: cloudplane.PlanPaid}

	spawnCalled := false
	sched := newScheduler(client, func(context.Context, string, string, string) (dispatch.LaunchedProcess, error) {
		spawnCalled = true
		return dispatch.LaunchedProcess{}, nil
	}, func(string) (transcript.Summary, error) { return transcript.Summary{}, nil }, func(int) bool { return true })
	sched.Budget.TokensPerHour = 1000
	sched.Budget.Contingency = 1.0

	run := &Run{InitiativeID: "init-1", AgentID: "agent-1", TokenBudget: 10_000, Status: StatusRunning}
	sched.Store.Put(run)

	sched.tickLocked(context.Background(), run)

	require.False(t, spawnCalled)
	require.Equal(t, StatusStopped, run.Status)
	require.Equal(t, StopReasonBudgetExhausted, run.StopReason)
}

// TestAutoContinueTokensUsedMonotoneNonDecreasing is Invariant I5's first
// half.
func TestAutoContinueTokensUsedMonotoneNonDecreasing(t *testing.T) {
	client := &fakeClient{plan: cloudplane.PlanPaid}
	sched := newScheduler(client, nil,
		func(string) (transcript.Summary, error) { return transcript.Summary{Tokens: 100}, nil },
		func(int) bool { return false })

	run := &Run{InitiativeID: "init-1", TokenBudget: 100000, Status: StatusRunning, ActiveRunID: "run-1", ActiveSessionID: "sess-1", ActivePID: 1}
	sched.Store.Put(run)
	before := run.TokensUsed

	sched.tickLocked(context.Background(), run)

	require.GreaterOrEqual(t, run.TokensUsed, before)
}

type fakeContexts struct {
	agents []store.LaunchContext
	runs   []store.RunContext
	saves  int
}

func (f *fakeContexts) PutAgent(lc store.LaunchContext) { f.agents = append(f.agents, lc) }
func (f *fakeContexts) PutRun(rc store.RunContext)      { f.runs = append(f.runs, rc) }
func (f *fakeContexts) Save(time.Time) error            { f.saves++; return nil }

// A scheduler dispatch must land in the agent-contexts store the same way
// a manual /orgx/api/agents/launch does.
func TestAutoContinueDispatchRecordsLaunchContexts(t *testing.T) {
	client := &fakeClient{byType: map[entity.Type][]entity.Record{
		entity.TypeTask:       {{"id": "t1", "status": "todo", "workstream_id": "ws1", "expected_duration_hours": 1.0}},
		entity.TypeWorkstream: {{"id": "ws1", "status": "todo"}},
	}, plan: cloudplane.PlanPaid}

	sched := newScheduler(client, func(context.Context, string, string, string) (dispatch.LaunchedProcess, error) {
		return dispatch.LaunchedProcess{PID: 77}, nil
	}, func(string) (transcript.Summary, error) { return transcript.Summary{}, nil }, func(int) bool { return true })

	contexts := &fakeContexts{}
	sched.Contexts = contexts

	run := &Run{InitiativeID: "init-1", AgentID: "agent-1", TokenBudget: 100000, Status: StatusRunning}
	sched.Store.Put(run)

	sched.tickLocked(context.Background(), run)

	require.NotEmpty(t, run.ActiveRunID)
	require.Len(t, contexts.agents, 1)
	require.Equal(t, "agent-1", contexts.agents[0].AgentID)
	require.Equal(t, "t1", contexts.agents[0].TaskID)
	require.Len(t, contexts.runs, 1)
	require.Equal(t, run.ActiveRunID, contexts.runs[0].RunID)
	require.Equal(t, 77, contexts.runs[0].PID)
	require.Equal(t, 1, contexts.saves)
}

func TestSchedulerStopWithNoActiveRunIsImmediate(t *testing.T) {
	client := &fakeClient{plan: cloudplane.PlanPaid}
	sched := newScheduler(client, nil, nil, nil)
	run := &Run{InitiativeID: "init-1", Status: StatusRunning}
	sched.Store.Put(run)

	stopped := sched.Stop("init-1")
	require.Equal(t, StatusStopped, stopped.Status)
	require.Equal(t, StopReasonStopped, stopped.StopReason)
}
