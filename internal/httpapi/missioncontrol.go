package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/useorgx/openclaw-plugin/internal/autocontinue"
	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/dispatch"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/missioncontrol"
)

type autoContinueStartRequest struct {
	InitiativeID        string   `json:"initiativeId"`
	AgentID             string   `json:"agentId"`
	TokenBudget         int64    `json:"tokenBudget"`
	IncludeVerification bool     `json:"includeVerification"`
	WorkstreamIDs       []string `json:"workstreamIds"`
}

// handleAutoContinueStart implements POST
// /orgx/api/mission-control/auto-continue/start (spec.md §6).
func (s *Server) handleAutoContinueStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body autoContinueStartRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.InitiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId is required")
		return
	}

	tokenBudget := body.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = s.Config.DefaultTokenBudget
	}
	agentID := body.AgentID
	if agentID == "" {
		agentID = "main"
	}

	sched := s.schedulerFor(body.InitiativeID)
	run := sched.Start(r.Context(), body.InitiativeID, agentID, tokenBudget, body.IncludeVerification, body.WorkstreamIDs)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}

type autoContinueStopRequest struct {
	InitiativeID string `json:"initiativeId"`
}

// handleAutoContinueStop implements POST
// /orgx/api/mission-control/auto-continue/stop (spec.md §6).
func (s *Server) handleAutoContinueStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body autoContinueStopRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.InitiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId is required")
		return
	}

	sched := s.schedulerFor(body.InitiativeID)
	run := sched.Stop(body.InitiativeID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}

// handleAutoContinueStatus implements GET
// /orgx/api/mission-control/auto-continue/status (spec.md §6).
func (s *Server) handleAutoContinueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	initiativeID := r.URL.Query().Get("initiative_id")
	run, _ := s.Schedulers.Get(initiativeID)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":  true,
		"run": run,
		"defaults": map[string]any{
			"tokenBudget": s.Config.DefaultTokenBudget,
			"tickMs":      s.Config.TickInterval.Milliseconds(),
		},
	})
}

type nextUpPlayRequest struct {
	InitiativeID        string `json:"initiativeId"`
	WorkstreamID        string `json:"workstreamId"`
	AgentID             string `json:"agentId"`
	TokenBudget         int64  `json:"tokenBudget"`
	IncludeVerification bool   `json:"includeVerification"`
}

// handleNextUpPlay implements POST /orgx/api/mission-control/next-up/play
// (spec.md §6): dispatch the ranked candidate task for one workstream, or
// fall back to a dispatch with no task when no ready task exists. Either
// way the agent is the request's agentId, or "main" when none is given.
func (s *Server) handleNextUpPlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body nextUpPlayRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.InitiativeID == "" || body.WorkstreamID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId and workstreamId are required")
		return
	}

	agentID := body.AgentID
	if agentID == "" {
		agentID = "main"
	}

	g := missioncontrol.BuildGraph(r.Context(), s.Cloud, s.Config.Budget, body.InitiativeID)
	workstream := g.Nodes[body.WorkstreamID]
	initiative := g.Nodes[g.InitiativeID]

	taskID := selectWorkstreamTask(g, body.WorkstreamID, body.IncludeVerification)
	dispatchMode := "task"
	var task *entity.Node
	if taskID == "" {
		dispatchMode = "fallback"
	} else {
		task = g.Nodes[taskID]
	}

	message := "Start the next ready task."
	if task != nil {
		message = fmt.Sprintf("Start work on %q.", task.Title)
	}

	req := dispatch.Request{
		AgentID:      agentID,
		Message:      message,
		InitiativeID: body.InitiativeID,
		WorkstreamID: body.WorkstreamID,
		TaskID:       taskID,
	}

	result, err := s.Dispatcher.Dispatch(r.Context(), req, task, workstream, initiative)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !result.Allowed {
		writeBlockedResult(w, result)
		return
	}

	if task != nil {
		if task.MilestoneID != "" {
			if status, ok := missioncontrol.RecomputeMilestoneRollup(g, task.MilestoneID); ok {
				_ = s.Cloud.ApplyChangeset(r.Context(), "rollup:"+task.MilestoneID, []cloudplane.ChangesetMutation{
					{EntityID: task.MilestoneID, Fields: map[string]any{"status": status}},
				})
			}
		}
		if status, ok := missioncontrol.RecomputeWorkstreamRollup(g, body.WorkstreamID); ok {
			_, _ = s.Cloud.UpdateEntity(r.Context(), entity.TypeWorkstream, body.WorkstreamID, map[string]any{"status": status})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"run":          result,
		"dispatchMode": dispatchMode,
		"sessionId":    result.SessionID,
	})
}

// selectWorkstreamTask applies the same ready/not-blocked/todo-like filter
// chain as the auto-continue scheduler's next-task selection (spec.md §4.6
// step 5), scoped to one workstream.
func selectWorkstreamTask(g *missioncontrol.Graph, workstreamID string, includeVerification bool) string {
	if !missioncontrol.IsDispatchableWorkstream(g, workstreamID) {
		return ""
	}
	for _, taskID := range g.RecentTodos {
		task := g.Nodes[taskID]
		if task == nil || task.WorkstreamID != workstreamID {
			continue
		}
		if !includeVerification && strings.HasPrefix(task.Title, "Verification scenario") {
			continue
		}
		if !missioncontrol.IsReady(g, taskID) || missioncontrol.HasBlockedParent(g, taskID) {
			continue
		}
		return taskID
	}
	return ""
}

type pinRequest struct {
	InitiativeID         string `json:"initiativeId"`
	WorkstreamID         string `json:"workstreamId"`
	PreferredTaskID      string `json:"preferredTaskId"`
	PreferredMilestoneID string `json:"preferredMilestoneId"`
}

// handleNextUpPin implements POST /orgx/api/mission-control/next-up/pin.
func (s *Server) handleNextUpPin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body pinRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.InitiativeID == "" || body.WorkstreamID == "" {
		writeError(w, http.StatusBadRequest, "initiativeId and workstreamId are required")
		return
	}
	_ = s.Pins.Pin(missioncontrol.Pin{
		InitiativeID:         body.InitiativeID,
		WorkstreamID:         body.WorkstreamID,
		PreferredTaskID:      body.PreferredTaskID,
		PreferredMilestoneID: body.PreferredMilestoneID,
	}, s.now())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pins": s.Pins.All()})
}

type unpinRequest struct {
	InitiativeID string `json:"initiativeId"`
	WorkstreamID string `json:"workstreamId"`
}

// handleNextUpUnpin implements POST /orgx/api/mission-control/next-up/unpin.
func (s *Server) handleNextUpUnpin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body unpinRequest
	decodeJSONBody(w, r, s.Config, &body)
	_ = s.Pins.Unpin(body.InitiativeID, body.WorkstreamID, s.now())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pins": s.Pins.All()})
}

type reorderRequest struct {
	Order []string `json:"order"`
}

// handleNextUpReorder implements POST
// /orgx/api/mission-control/next-up/reorder.
func (s *Server) handleNextUpReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body reorderRequest
	decodeJSONBody(w, r, s.Config, &body)
	_ = s.Pins.Reorder(body.Order, s.now())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pins": s.Pins.All()})
}

// handleGraph implements GET /orgx/api/mission-control/graph (spec.md §6).
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	initiativeID := r.URL.Query().Get("initiative_id")
	if initiativeID == "" {
		writeError(w, http.StatusBadRequest, "initiative_id is required")
		return
	}
	g := missioncontrol.BuildGraph(r.Context(), s.Cloud, s.Config.Budget, initiativeID)
	writeJSON(w, http.StatusOK, g)
}

// handleNextUp implements GET /orgx/api/mission-control/next-up (spec.md
// §6): build the graph-derived ranking, falling back to the transcript-
// derived session tree when the graph yields nothing.
func (s *Server) handleNextUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	initiativeID := r.URL.Query().Get("initiative_id")

	g := missioncontrol.BuildGraph(r.Context(), s.Cloud, s.Config.Budget, initiativeID)
	liveAgents, _ := s.Cloud.ListLiveAgents(r.Context(), initiativeID)

	running := func(initID, workstreamID string) (string, bool) {
		run, ok := s.Schedulers.Get(initID)
		if !ok || run.Status != autocontinue.StatusRunning {
			return "", false
		}
		g := missioncontrol.BuildGraph(r.Context(), s.Cloud, s.Config.Budget, initID)
		if task := g.Nodes[run.ActiveTaskID]; task != nil && task.WorkstreamID == workstreamID {
			return run.AgentID, true
		}
		return "", false
	}

	items := missioncontrol.BuildNextUp(g, s.Pins.All(), running, liveAgents)
	if len(items) == 0 && s.Synth != nil {
		items = missioncontrol.BuildFallbackFromSessions(s.Synth.SessionNodes(initiativeID))
	}
	missioncontrol.SortNextUp(items)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"total":    len(items),
		"items":    items,
		"degraded": g.Degraded,
	})
}

// schedulerFor returns a Scheduler sharing every Server-wide collaborator,
// including the single shared run Store (initiativeID does not narrow it),
// built per request, matching the teacher's
// per-request-cheap-wrapper idiom rather than a long-lived per-initiative
// object.
func (s *Server) schedulerFor(initiativeID string) *autocontinue.Scheduler {
	var contexts autocontinue.ContextRecorder
	if s.AgentContexts != nil {
		contexts = s.AgentContexts
	}
	return &autocontinue.Scheduler{
		Cloud:           s.Cloud,
		Dispatcher:      s.Dispatcher,
		Budget:          s.Config.Budget,
		Store:           s.Schedulers,
		ParseTranscript: s.ParseTranscript,
		TranscriptPath:  s.Config.TranscriptPath,
		IsPidAlive:      dispatch.IsPidAlive,
		StopProcess:     dispatch.StopDetachedProcess,
		StopGrace:       s.Config.StopGraceWindow,
		Contexts:        contexts,
		Tracer:          s.Tracer,
		Metrics:         s.Metrics,
		Clock:           s.Clock,
	}
}
