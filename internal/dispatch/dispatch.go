package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/telemetry"
)

// agentIDPattern validates the agentId path/query parameter spec.md §4.5
// requires (`^[A-Za-z0-9_-]+$`).
var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrInvalidAgentID is returned when the caller-supplied agentId fails
// agentIDPattern.
var ErrInvalidAgentID = fmt.Errorf("agentId must match %s", agentIDPattern.String())

// dispatchableRunningStatuses are the workstream statuses step 4 treats as
// "already running" — a dispatch into one of these never needs to flip the
// workstream to active.
var dispatchableRunningStatuses = map[string]struct{}{
	"active": {}, "in_progress": {}, "running": {},
}

// OutboxAppender is the narrow interface Dispatch needs to persist an
// activity event that failed to reach the cloud plane (spec.md §4.5 step
// 5). Defined locally, mirroring internal/runtimeregistry's own
// OutboxAppender, so this package never has to import internal/fallback.
type OutboxAppender interface {
	AppendActivity(initiativeID string, event cloudplane.ActivityEvent) error
}

// Spawner starts the detached agent-runtime child process. Production code
// wires LaunchDetached; tests substitute a fake.
type Spawner func(ctx context.Context, agentID, sessionID string, prompt string) (LaunchedProcess, error)

// Request is the normalized shape of an /orgx/api/agents/launch call.
type Request struct {
	AgentID      string
	Message      string
	SessionID    string
	InitiativeID string
	WorkstreamID string
	TaskID       string
	Provider     string
	Model        string
	Thinking     bool
	DryRun       bool

	BYOKKeyPresent bool
}

// Result is everything a caller needs to build the 202/402/409/429 HTTP
// response spec.md §6 documents for /orgx/api/agents/launch.
type Result struct {
	Allowed        bool
	BlockedReason  string // "spawn_guard_blocked" | "spawn_guard_rate_limited" | "upgrade_required"
	SessionID      string
	PID            int
	Provider       string
	Model          string
	Domain         string
	RequiredSkills []string
	ModelTier      string
}

// Engine ties the dispatch sequence together against live collaborators.
type Engine struct {
	Cloud  cloudplane.Client
	Outbox OutboxAppender
	Spawn  Spawner
	Clock  func() time.Time

	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics
}

// NewEngine constructs an Engine, defaulting Clock to time.Now and the
// telemetry seams to no-ops.
func NewEngine(cloud cloudplane.Client, outbox OutboxAppender, spawn Spawner) *Engine {
	return &Engine{
		Cloud:   cloud,
		Outbox:  outbox,
		Spawn:   spawn,
		Clock:   time.Now,
		Tracer:  telemetry.NewNoopTracer(),
		Metrics: telemetry.NewNoopMetrics(),
	}
}

func (e *Engine) tracer() telemetry.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return telemetry.NewNoopTracer()
}

func (e *Engine) metrics() telemetry.Metrics {
	if e.Metrics != nil {
		return e.Metrics
	}
	return telemetry.NewNoopMetrics()
}

// Dispatch executes the §4.5 sequence for one task: policy resolution,
// spawn-guard gate, billing gate, prompt construction, detached launch, and
// upstream status mutation; milestone/workstream rollups are left to the
// caller. A spawn-guard or billing denial comes back as a Result with
// Allowed false. A malformed agentId, or a failed spawn (which also emits an
// execution_failed activity event), is returned as an error.
func (e *Engine) Dispatch(ctx context.Context, req Request, task, workstream, initiative *entity.Node) (Result, error) {
	ctx, span := e.tracer().Start(ctx, "dispatch.task")
	defer span.End()

	if !agentIDPattern.MatchString(req.AgentID) {
		span.RecordError(ErrInvalidAgentID)
		e.metrics().IncCounter("dispatch_total", 1, "outcome", "invalid_agent_id")
		return Result{}, ErrInvalidAgentID
	}

	policy := ResolveExecutionPolicy(task, workstream, initiative)
	span.AddEvent("policy_resolved", "domain", policy.Domain)

	guard := CheckSpawnGuard(ctx, e.Cloud, policy.Domain, req.TaskID)
	if !guard.Allowed {
		result := e.handleSpawnGuardBlock(ctx, guard, policy, req, task)
		e.metrics().IncCounter("dispatch_total", 1, "outcome", result.BlockedReason)
		return result, nil
	}

	plan := cloudplane.PlanPaid
	if p, err := e.Cloud.Plan(ctx); err == nil {
		plan = p
	}
	gate := CheckBillingGate(req.Model, req.BYOKKeyPresent, plan)
	if !gate.Allowed {
		e.metrics().IncCounter("dispatch_total", 1, "outcome", gate.Reason)
		return Result{Allowed: false, BlockedReason: gate.Reason, Domain: policy.Domain, RequiredSkills: policy.RequiredSkills}, nil
	}

	prompt := BuildPrompt(policy, guard.ModelTier, req.Message)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if !req.DryRun {
		e.mutateUpstreamStatuses(ctx, req, task, workstream, initiative)
	}

	var proc LaunchedProcess
	if !req.DryRun {
		var err error
		proc, err = e.Spawn(ctx, req.AgentID, sessionID, prompt)
		if err != nil {
			span.RecordError(err)
			e.metrics().IncCounter("dispatch_total", 1, "outcome", "spawn_failed")
			e.emitActivity(ctx, req.InitiativeID, cloudplane.ActivityEvent{
				ID:           uuid.NewString(),
				InitiativeID: req.InitiativeID,
				Type:         "execution_failed",
				Severity:     "error",
				Title:        "Agent launch failed",
				Message:      err.Error(),
				Timestamp:    e.Clock().UTC().Format(time.RFC3339),
			})
			return Result{}, err
		}
	}

	e.emitActivity(ctx, req.InitiativeID, cloudplane.ActivityEvent{
		ID:           uuid.NewString(),
		InitiativeID: req.InitiativeID,
		Type:         "execution_started",
		Severity:     "info",
		Title:        "Agent dispatched",
		Message:      fmt.Sprintf("%s dispatched on %s", req.AgentID, policy.Domain),
		Timestamp:    e.Clock().UTC().Format(time.RFC3339),
	})

	e.metrics().IncCounter("dispatch_total", 1, "outcome", "launched")

	provider := NormalizeProvider(req.Model)
	return Result{
		Allowed:        true,
		SessionID:      sessionID,
		PID:            proc.PID,
		Provider:       provider,
		Model:          CanonicalModelID(provider, req.Model),
		Domain:         policy.Domain,
		RequiredSkills: policy.RequiredSkills,
		ModelTier:      guard.ModelTier,
	}, nil
}

// handleSpawnGuardBlock implements §4.5 step 2's two block dispositions: a
// retryable rate-limit warning, or a hard block that marks the task blocked
// and opens a cloud decision.
func (e *Engine) handleSpawnGuardBlock(ctx context.Context, guard SpawnGuardVerdict, policy ExecutionPolicy, req Request, task *entity.Node) Result {
	if guard.RateLimited {
		e.emitActivity(ctx, req.InitiativeID, cloudplane.ActivityEvent{
			ID:           uuid.NewString(),
			InitiativeID: req.InitiativeID,
			Type:         "blocked",
			Severity:     "warn",
			Title:        "Spawn guard rate limit",
			Message:      guard.BlockedReason,
			Timestamp:    e.Clock().UTC().Format(time.RFC3339),
		})
		return Result{Allowed: false, BlockedReason: "spawn_guard_rate_limited", Domain: policy.Domain, RequiredSkills: policy.RequiredSkills}
	}

	if task != nil {
		_, _ = e.Cloud.UpdateEntity(ctx, entity.TypeTask, task.ID, map[string]any{"status": "blocked"})
		_ = e.Cloud.RequestDecision(ctx, cloudplane.DecisionRequest{
			InitiativeID: req.InitiativeID,
			Title:        "Unblock " + task.Title,
			Body:         guard.BlockedReason,
		})
	}
	e.emitActivity(ctx, req.InitiativeID, cloudplane.ActivityEvent{
		ID:           uuid.NewString(),
		InitiativeID: req.InitiativeID,
		Type:         "blocked",
		Severity:     "error",
		Title:        "Spawn guard blocked",
		Message:      guard.BlockedReason,
		Timestamp:    e.Clock().UTC().Format(time.RFC3339),
	})
	return Result{Allowed: false, BlockedReason: "spawn_guard_blocked", Domain: policy.Domain, RequiredSkills: policy.RequiredSkills}
}

// mutateUpstreamStatuses implements §4.5 step 4's status flips: initiative
// and task always move; the workstream only moves if it wasn't already in
// a dispatchable running state.
func (e *Engine) mutateUpstreamStatuses(ctx context.Context, req Request, task, workstream, initiative *entity.Node) {
	if initiative != nil {
		_, _ = e.Cloud.UpdateEntity(ctx, entity.TypeInitiative, initiative.ID, map[string]any{"status": "active"})
	}
	if task != nil {
		_, _ = e.Cloud.UpdateEntity(ctx, entity.TypeTask, task.ID, map[string]any{"status": "in_progress"})
	}
	if workstream != nil {
		if _, dispatchable := dispatchableRunningStatuses[workstream.Status]; !dispatchable {
			_, _ = e.Cloud.UpdateEntity(ctx, entity.TypeWorkstream, workstream.ID, map[string]any{"status": "active"})
		}
	}
}

// emitActivity attempts the cloud plane first, falling back to the outbox
// on failure (spec.md §4.5 step 5, §4.7).
func (e *Engine) emitActivity(ctx context.Context, initiativeID string, event cloudplane.ActivityEvent) {
	if err := e.Cloud.EmitActivity(ctx, event); err != nil && e.Outbox != nil {
		_ = e.Outbox.AppendActivity(initiativeID, event)
	}
}

// BuildPrompt implements §4.5 step 3's prompt prefix construction.
func BuildPrompt(policy ExecutionPolicy, modelTier, baseMessage string) string {
	out := "Execution policy: " + policy.Domain + "\n"
	out += "Required skills: " + joinSkills(policy.RequiredSkills) + "\n"
	if modelTier != "" {
		out += "Spawn guard model tier: " + modelTier + "\n"
	}
	out += "\n" + baseMessage
	return out
}

func joinSkills(skills []string) string {
	out := ""
	for i, s := range skills {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
