package autocontinue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/dispatch"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/missioncontrol"
	"github.com/useorgx/openclaw-plugin/internal/store"
	"github.com/useorgx/openclaw-plugin/internal/telemetry"
	"github.com/useorgx/openclaw-plugin/internal/transcript"
)

// TranscriptParser reads and summarizes a session's transcript file.
// Production code wires transcript.Parse; tests substitute a fake.
type TranscriptParser func(path string) (transcript.Summary, error)

// ContextRecorder records the launch/run context of every session the
// scheduler dispatches, so auto-continued sessions land in
// agent-contexts.json exactly like manually launched ones and the fallback
// synthesizer can enrich their transcript-derived rows. Production code
// wires *store.AgentContexts.
type ContextRecorder interface {
	PutAgent(store.LaunchContext)
	PutRun(store.RunContext)
	Save(now time.Time) error
}

// Scheduler drives every tracked initiative's AutoContinueRun through one
// tick of spec.md §4.6's state machine. A single process-wide ticker calls
// Tick, which fans a goroutine out per run so that different initiatives'
// runs progress concurrently, while each run's own tickMu prevents two
// ticks from overlapping on the same run (Invariant A1, spec.md §5).
type Scheduler struct {
	Cloud      cloudplane.Client
	Dispatcher *dispatch.Engine
	Budget     config.BudgetModel
	Store      *Store

	ParseTranscript TranscriptParser
	TranscriptPath  func(agentID, sessionID string) string
	IsPidAlive      func(pid int) bool
	StopProcess     func(pid int, grace time.Duration) dispatch.StopResult
	StopGrace       time.Duration

	Contexts ContextRecorder

	Tracer  telemetry.Tracer
	Metrics telemetry.Metrics

	Clock func() time.Time
}

func (s *Scheduler) tracer() telemetry.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return telemetry.NewNoopTracer()
}

func (s *Scheduler) metrics() telemetry.Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return telemetry.NewNoopMetrics()
}

// Start implements spec.md §4.6's Start transition: create or reset the
// run to running, set the initiative active, and record it in the
// in-memory run Store. Nothing is written to disk, so runs do not survive
// a process restart.
func (s *Scheduler) Start(ctx context.Context, initiativeID, agentID string, tokenBudget int64, includeVerification bool, allowedWorkstreamIDs []string) *Run {
	now := s.now()
	run := &Run{
		InitiativeID:         initiativeID,
		AgentID:              agentID,
		IncludeVerification:  includeVerification,
		AllowedWorkstreamIDs: allowedWorkstreamIDs,
		TokenBudget:          tokenBudget,
		Status:               StatusRunning,
		StartedAt:            now.UTC().Format(time.RFC3339),
	}
	touch(run, now)
	s.Store.Put(run)

	_, _ = s.Cloud.UpdateEntity(ctx, entity.TypeInitiative, initiativeID, map[string]any{"status": "active"})

	return run
}

// Stop implements spec.md §4.6's Stop transition: if there is no active
// run, transition straight to stopped; otherwise mark stopRequested and
// let the next tick(s) wind the active child down.
func (s *Scheduler) Stop(initiativeID string) *Run {
	run, ok := s.Store.Get(initiativeID)
	if !ok {
		return nil
	}

	run.tickMu.Lock()
	defer run.tickMu.Unlock()

	run.StopRequested = true
	if run.ActiveRunID == "" {
		run.Status = StatusStopped
		run.StopReason = StopReasonStopped
		run.StoppedAt = s.now().UTC().Format(time.RFC3339)
	} else {
		run.Status = StatusStopping
	}
	touch(run, s.now())
	return run
}

// Tick runs one TickOnce per currently tracked run, each on its own
// goroutine (spec.md §5: "Across different auto-continue runs: concurrent
// and unordered").
func (s *Scheduler) Tick(ctx context.Context) {
	for _, run := range s.Store.All() {
		go s.tickRun(ctx, run)
	}
}

func (s *Scheduler) tickRun(ctx context.Context, run *Run) {
	run.tickMu.Lock()
	defer run.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.stopWithReason(run, StopReasonError, fmt.Sprint(r))
		}
	}()

	ctx, span := s.tracer().Start(ctx, "autocontinue.tick")
	defer span.End()
	start := s.now()

	s.tickLocked(ctx, run)

	s.metrics().RecordTimer("autocontinue_tick_duration", s.now().Sub(start), "initiative", run.InitiativeID)
}

// tickLocked implements spec.md §4.6's TickOnce(run), called with run's
// tickMu already held. Any error from a status mutation stops the run with
// reason "error" rather than propagating (spec.md §7: "the auto-continue
// scheduler never lets an exception from one run propagate out of its
// tick").
func (s *Scheduler) tickLocked(ctx context.Context, run *Run) {
	if run.Status == StatusStopped {
		return
	}

	// Step 1: an active child is still being supervised.
	if run.ActiveRunID != "" {
		if s.IsPidAlive(run.ActivePID) {
			return
		}
		s.reapExitedChild(ctx, run)
		if run.StopRequested {
			s.finishStop(run)
		}
		return
	}

	// Step 2: a stop was requested with no active child left to wait on.
	if run.StopRequested {
		s.finishStop(run)
		return
	}

	// Step 3: budget guard.
	if run.TokensUsed >= run.TokenBudget {
		s.stopWithReason(run, StopReasonBudgetExhausted, "")
		return
	}

	// Step 4: rebuild the graph.
	graph := missioncontrol.BuildGraph(ctx, s.Cloud, s.Budget, run.InitiativeID)
	if !anyTodoTask(graph) {
		s.stopWithReason(run, StopReasonCompleted, "")
		return
	}

	// Step 5: select the next task.
	taskID := s.selectNextTask(graph, run)
	if taskID == "" {
		s.stopWithReason(run, StopReasonBlocked, "")
		return
	}
	task := graph.Nodes[taskID]

	// Step 6: pre-estimate tokens.
	estimate := int64(task.ExpectedDurationHours * s.Budget.TokensPerHour * s.Budget.Contingency)
	if run.TokensUsed+estimate > run.TokenBudget {
		s.stopWithReason(run, StopReasonBudgetExhausted, "")
		return
	}

	// Step 7: dispatch.
	s.dispatchTask(ctx, run, graph, task, estimate)
}

// reapExitedChild handles the exited-child branch of TickOnce step 1.
func (s *Scheduler) reapExitedChild(ctx context.Context, run *Run) {
	path := s.TranscriptPath(run.AgentID, run.ActiveSessionID)
	summary, err := s.ParseTranscript(path)
	if err != nil {
		summary = transcript.Summary{}
	}

	tokens := summary.Tokens
	if run.ActiveTaskTokenEstimate > tokens {
		tokens = run.ActiveTaskTokenEstimate
	}
	run.TokensUsed += tokens

	if run.ActiveTaskID != "" {
		newStatus := "done"
		if summary.HadError {
			newStatus = "blocked"
		}
		_, _ = s.Cloud.UpdateEntity(ctx, entity.TypeTask, run.ActiveTaskID, map[string]any{"status": newStatus})

		activityType := "completed"
		severity := "info"
		if summary.HadError {
			activityType = "blocked"
			severity = "error"
			_ = s.Cloud.RequestDecision(ctx, cloudplane.DecisionRequest{
				InitiativeID: run.InitiativeID,
				Title:        "Resolve failed task " + run.ActiveTaskID,
				Body:         "auto-continue run reported an error in the transcript",
			})
		}
		_ = s.Cloud.EmitActivity(ctx, cloudplane.ActivityEvent{
			InitiativeID: run.InitiativeID,
			Type:         activityType,
			Severity:     severity,
			Title:        "Auto-continue task finished",
			Message:      run.ActiveTaskID,
			Timestamp:    s.now().UTC().Format(time.RFC3339),
		})

		run.LastTaskID = run.ActiveTaskID
	}
	run.LastRunID = run.ActiveRunID

	run.ActiveTaskID = ""
	run.ActiveRunID = ""
	run.ActiveSessionID = ""
	run.ActivePID = 0
	run.ActiveTaskTokenEstimate = 0
	touch(run, s.now())
}

func (s *Scheduler) finishStop(run *Run) {
	run.Status = StatusStopped
	run.StopReason = StopReasonStopped
	run.StoppedAt = s.now().UTC().Format(time.RFC3339)
	touch(run, s.now())
	s.metrics().IncCounter("autocontinue_stops_total", 1, "reason", string(StopReasonStopped))
}

func (s *Scheduler) stopWithReason(run *Run, reason StopReason, lastError string) {
	run.Status = StatusStopped
	run.StopReason = reason
	run.LastError = lastError
	run.StoppedAt = s.now().UTC().Format(time.RFC3339)
	touch(run, s.now())
	s.metrics().IncCounter("autocontinue_stops_total", 1, "reason", string(reason))
}

// selectNextTask implements §4.6 step 5's filter chain over the graph's
// recent-todos ranking.
func (s *Scheduler) selectNextTask(g *missioncontrol.Graph, run *Run) string {
	allowed := map[string]struct{}{}
	for _, id := range run.AllowedWorkstreamIDs {
		allowed[id] = struct{}{}
	}

	for _, taskID := range g.RecentTodos {
		task := g.Nodes[taskID]
		if task == nil || !missioncontrol.IsTodoLike(task.Status) {
			continue
		}
		if !run.IncludeVerification && strings.HasPrefix(task.Title, "Verification scenario") {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[task.WorkstreamID]; !ok {
				continue
			}
		}
		if !missioncontrol.IsDispatchableWorkstream(g, task.WorkstreamID) {
			continue
		}
		if !missioncontrol.IsReady(g, taskID) {
			continue
		}
		if missioncontrol.HasBlockedParent(g, taskID) {
			continue
		}
		return taskID
	}
	return ""
}

// dispatchTask implements §4.6 step 7: dispatch via the §4.5 engine, then
// recompute milestone/workstream rollups now that the graph is in hand.
func (s *Scheduler) dispatchTask(ctx context.Context, run *Run, g *missioncontrol.Graph, task *entity.Node, estimate int64) {
	workstream := g.Nodes[task.WorkstreamID]
	initiative := g.Nodes[g.InitiativeID]

	req := dispatch.Request{
		AgentID:      run.AgentID,
		Message:      fmt.Sprintf("Continue work on %q.", task.Title),
		InitiativeID: run.InitiativeID,
		WorkstreamID: task.WorkstreamID,
		TaskID:       task.ID,
	}

	result, err := s.Dispatcher.Dispatch(ctx, req, task, workstream, initiative)
	if err != nil {
		s.stopWithReason(run, StopReasonError, err.Error())
		return
	}
	if !result.Allowed {
		s.stopWithReason(run, StopReasonBlocked, result.BlockedReason)
		return
	}

	run.ActiveTaskID = task.ID
	run.ActiveRunID = result.SessionID
	run.ActiveSessionID = result.SessionID
	run.ActivePID = result.PID
	run.ActiveTaskTokenEstimate = estimate
	touch(run, s.now())
	s.metrics().IncCounter("autocontinue_dispatch_total", 1, "initiative", run.InitiativeID)

	s.recordContexts(run, task, result)

	if task.MilestoneID != "" {
		if status, ok := missioncontrol.RecomputeMilestoneRollup(g, task.MilestoneID); ok {
			_ = s.Cloud.ApplyChangeset(ctx, "rollup:"+task.MilestoneID, []cloudplane.ChangesetMutation{
				{EntityID: task.MilestoneID, Fields: map[string]any{"status": status}},
			})
		}
	}
	if task.WorkstreamID != "" {
		if status, ok := missioncontrol.RecomputeWorkstreamRollup(g, task.WorkstreamID); ok {
			_, _ = s.Cloud.UpdateEntity(ctx, entity.TypeWorkstream, task.WorkstreamID, map[string]any{"status": status})
		}
	}
}

// recordContexts lands the dispatched session in the agent-contexts store
// the same way a manual /orgx/api/agents/launch does, so fallback
// synthesis can attribute its transcript to the right initiative and task.
func (s *Scheduler) recordContexts(run *Run, task *entity.Node, result dispatch.Result) {
	if s.Contexts == nil {
		return
	}
	now := s.now()
	at := now.UTC().Format(time.RFC3339)
	s.Contexts.PutAgent(store.LaunchContext{
		AgentID:      run.AgentID,
		InitiativeID: run.InitiativeID,
		WorkstreamID: task.WorkstreamID,
		TaskID:       task.ID,
		SessionID:    result.SessionID,
		UpdatedAt:    at,
	})
	s.Contexts.PutRun(store.RunContext{
		RunID:        result.SessionID,
		AgentID:      run.AgentID,
		SessionID:    result.SessionID,
		PID:          result.PID,
		InitiativeID: run.InitiativeID,
		TaskID:       task.ID,
		UpdatedAt:    at,
	})
	_ = s.Contexts.Save(now)
}

func anyTodoTask(g *missioncontrol.Graph) bool {
	for _, n := range g.Nodes {
		if n.Type == entity.TypeTask && missioncontrol.IsTodoLike(n.Status) {
			return true
		}
	}
	return false
}

func (s *Scheduler) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}
