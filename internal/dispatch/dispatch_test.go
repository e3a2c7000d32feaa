package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
)

var errCloudDown = errors.New("cloud plane unreachable")

// fakeCloud is a minimal cloudplane.Client double recording mutations so
// tests can assert on §4.5's status-mutation and activity side effects.
type fakeCloud struct {
	spawnGuard   cloudplane.SpawnGuardResult
	spawnGuardErr error
	plan         cloudplane.Plan

	updated      []string
	activities   []cloudplane.ActivityEvent
	decisions    []cloudplane.DecisionRequest
	activityErr  error
}

func (f *fakeCloud) ListEntities(context.Context, entity.Type, cloudplane.EntityFilter) ([]entity.Record, error) {
	panic("unused")
}

func (f *fakeCloud) UpdateEntity(_ context.Context, _ entity.Type, id string, fields map[string]any) (entity.Record, error) {
	f.updated = append(f.updated, id)
	return entity.Record{"id": id, "status": fields["status"]}, nil
}

func (f *fakeCloud) ApplyChangeset(context.Context, string, []cloudplane.ChangesetMutation) error {
	return nil
}

func (f *fakeCloud) CheckSpawnGuard(context.Context, string, string) (cloudplane.SpawnGuardResult, error) {
	return f.spawnGuard, f.spawnGuardErr
}

func (f *fakeCloud) EmitActivity(_ context.Context, event cloudplane.ActivityEvent) error {
	if f.activityErr != nil {
		return f.activityErr
	}
	f.activities = append(f.activities, event)
	return nil
}

func (f *fakeCloud) ListActivity(context.Context, string, time.Time) ([]cloudplane.ActivityEvent, error) {
	return nil, nil
}

func (f *fakeCloud) RequestDecision(_ context.Context, req cloudplane.DecisionRequest) error {
	f.decisions = append(f.decisions, req)
	return nil
}

func (f *fakeCloud) ListLiveAgents(context.Context, string) ([]entity.Record, error) {
	panic("unused")
}

func (f *fakeCloud) Plan(context.Context) (cloudplane.Plan, error) {
	return f.plan, nil
}

type fakeOutbox struct {
	appended []cloudplane.ActivityEvent
}

func (o *fakeOutbox) AppendActivity(_ string, event cloudplane.ActivityEvent) error {
	o.appended = append(o.appended, event)
	return nil
}

func allowedGuard() cloudplane.SpawnGuardResult {
	return cloudplane.SpawnGuardResult{Allowed: true, ModelTier: "standard"}
}

func TestResolveExecutionPolicyPrefersTaskAgentDomain(t *testing.T) {
	task := &entity.Node{Title: "Ship banner", AssignedAgents: []entity.AssignedAgent{{Domain: "Marketing"}}}
	policy := ResolveExecutionPolicy(task, nil, nil)
	require.Equal(t, "marketing", policy.Domain)
	require.Equal(t, []string{"orgx-marketing-agent"}, policy.RequiredSkills)
}

func TestResolveExecutionPolicyFallsBackToKeywordMatch(t *testing.T) {
	task := &entity.Node{Title: "Refactor the engineering pipeline"}
	policy := ResolveExecutionPolicy(task, nil, nil)
	require.Equal(t, "engineering", policy.Domain)
}

func TestResolveExecutionPolicyEmptyWhenNoMatch(t *testing.T) {
	task := &entity.Node{Title: "Do a thing"}
	policy := ResolveExecutionPolicy(task, nil, nil)
	require.Empty(t, policy.Domain)
	require.Empty(t, policy.RequiredSkills)
}

// TestDispatchSpawnGuardHardBlock is scenario 4 (spec.md §8): spawn guard
// denies with checks.rateLimit.passed=true (so it's a hard block, not a
// retryable rate limit) — expect the task marked blocked, a decision
// requested, and the dispatch refused.
func TestDispatchSpawnGuardHardBlock(t *testing.T) {
	guard := cloudplane.SpawnGuardResult{Allowed: false, BlockedReason: "policy_denied"}
	guard.Checks.RateLimit.Passed = true
	cloud := &fakeCloud{spawnGuard: guard, plan: cloudplane.PlanPaid}
	outbox := &fakeOutbox{}

	engine := NewEngine(cloud, outbox, func(context.Context, string, string, string) (LaunchedProcess, error) {
		t.Fatal("spawn must not be called on a hard block")
		return LaunchedProcess{}, nil
	})

	task := &entity.Node{ID: "task-1", Title: "Write the report"}
	req := Request{AgentID: "agent-1", InitiativeID: "init-1", TaskID: "task-1"}

	result, err := engine.Dispatch(context.Background(), req, task, nil, nil)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "spawn_guard_blocked", result.BlockedReason)
	require.Contains(t, cloud.updated, "task-1")
	require.Len(t, cloud.decisions, 1)
}

func TestDispatchSpawnGuardRateLimitDoesNotBlockTask(t *testing.T) {
	guard := cloudplane.SpawnGuardResult{Allowed: false, BlockedReason: "rate_limited"}
	guard.Checks.RateLimit.Passed = false
	cloud := &fakeCloud{spawnGuard: guard, plan: cloudplane.PlanPaid}
	outbox := &fakeOutbox{}

	engine := NewEngine(cloud, outbox, func(context.Context, string, string, string) (LaunchedProcess, error) {
		t.Fatal("spawn must not be called on a rate-limit block")
		return LaunchedProcess{}, nil
	})

	task := &entity.Node{ID: "task-1", Title: "Write the report"}
	req := Request{AgentID: "agent-1", InitiativeID: "init-1", TaskID: "task-1"}

	result, err := engine.Dispatch(context.Background(), req, task, nil, nil)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "spawn_guard_rate_limited", result.BlockedReason)
	require.NotContains(t, cloud.updated, "task-1")
	require.Empty(t, cloud.decisions)
}

func TestDispatchBillingGateRejectsFreePlanByok(t *testing.T) {
	cloud := &fakeCloud{spawnGuard: allowedGuard(), plan: cloudplane.PlanFree}
	outbox := &fakeOutbox{}
	engine := NewEngine(cloud, outbox, func(context.Context, string, string, string) (LaunchedProcess, error) {
		t.Fatal("spawn must not be called when billing gate refuses")
		return LaunchedProcess{}, nil
	})

	task := &entity.Node{ID: "task-1", Title: "Ship it"}
	req := Request{AgentID: "agent-1", InitiativeID: "init-1", TaskID: "task-1", Model: "claude-3-opus", BYOKKeyPresent: true}

	result, err := engine.Dispatch(context.Background(), req, task, nil, nil)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "upgrade_required", result.BlockedReason)
}

func TestDispatchHappyPathLaunchesAndMutatesStatuses(t *testing.T) {
	cloud := &fakeCloud{spawnGuard: allowedGuard(), plan: cloudplane.PlanPaid}
	outbox := &fakeOutbox{}
	var gotPrompt string
	engine := NewEngine(cloud, outbox, func(_ context.Context, agentID, sessionID, prompt string) (LaunchedProcess, error) {
		gotPrompt = prompt
		return LaunchedProcess{PID: 4242}, nil
	})

	task := &entity.Node{ID: "task-1", Title: "Ship the onboarding flow", AssignedAgents: []entity.AssignedAgent{{Domain: "engineering"}}}
	workstream := &entity.Node{ID: "ws-1", Status: "idle"}
	initiative := &entity.Node{ID: "init-1", Status: "paused"}
	req := Request{AgentID: "agent-1", InitiativeID: "init-1", TaskID: "task-1", Message: "Pick up where you left off"}

	result, err := engine.Dispatch(context.Background(), req, task, workstream, initiative)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, 4242, result.PID)
	require.NotEmpty(t, result.SessionID)
	require.Equal(t, "engineering", result.Domain)
	require.Contains(t, gotPrompt, "Execution policy: engineering")
	require.Contains(t, gotPrompt, "Pick up where you left off")
	require.ElementsMatch(t, []string{"init-1", "task-1", "ws-1"}, cloud.updated)
	require.Len(t, cloud.activities, 1)
	require.Equal(t, "execution_started", cloud.activities[0].Type)
}

func TestDispatchInvalidAgentIDRejected(t *testing.T) {
	cloud := &fakeCloud{spawnGuard: allowedGuard(), plan: cloudplane.PlanPaid}
	engine := NewEngine(cloud, &fakeOutbox{}, nil)
	_, err := engine.Dispatch(context.Background(), Request{AgentID: "bad agent id!"}, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidAgentID)
}

func TestDispatchEmitActivityFallsBackToOutboxOnFailure(t *testing.T) {
	cloud := &fakeCloud{spawnGuard: allowedGuard(), plan: cloudplane.PlanPaid, activityErr: errCloudDown}
	outbox := &fakeOutbox{}
	engine := NewEngine(cloud, outbox, func(context.Context, string, string, string) (LaunchedProcess, error) {
		return LaunchedProcess{PID: 1}, nil
	})

	task := &entity.Node{ID: "task-1", Title: "Ship it"}
	req := Request{AgentID: "agent-1", InitiativeID: "init-1", TaskID: "task-1"}

	result, err := engine.Dispatch(context.Background(), req, task, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Empty(t, cloud.activities)
	require.Len(t, outbox.appended, 1)
	require.Equal(t, "execution_started", outbox.appended[0].Type)
}
