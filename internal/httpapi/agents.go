package httpapi

import (
	"net/http"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/dispatch"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/missioncontrol"
	"github.com/useorgx/openclaw-plugin/internal/store"
)

type launchRequest struct {
	AgentID      string `json:"agentId"`
	Message      string `json:"message"`
	SessionID    string `json:"sessionId"`
	InitiativeID string `json:"initiativeId"`
	WorkstreamID string `json:"workstreamId"`
	TaskID       string `json:"taskId"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Thinking     bool   `json:"thinking"`
	DryRun       bool   `json:"dryRun"`
}

// handleAgentsLaunch implements POST /orgx/api/agents/launch (spec.md §6).
func (s *Server) handleAgentsLaunch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body launchRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	var task, workstream, initiative *entity.Node
	if body.InitiativeID != "" {
		g := missioncontrol.BuildGraph(r.Context(), s.Cloud, s.Config.Budget, body.InitiativeID)
		task, workstream, initiative = resolveNodes(g, body.TaskID, body.WorkstreamID, body.InitiativeID)
	}

	provider := body.Provider
	if provider == "" {
		provider = dispatch.NormalizeProvider(body.Model)
	}
	byokPresent := s.BYOK != nil && s.BYOK.HasKeyFor(provider)

	req := dispatch.Request{
		AgentID:        body.AgentID,
		Message:        body.Message,
		SessionID:      body.SessionID,
		InitiativeID:   body.InitiativeID,
		WorkstreamID:   body.WorkstreamID,
		TaskID:         body.TaskID,
		Provider:       provider,
		Model:          body.Model,
		Thinking:       body.Thinking,
		DryRun:         body.DryRun,
		BYOKKeyPresent: byokPresent,
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

	now := s.now()
	if s.AgentContexts != nil {
		s.AgentContexts.PutAgent(store.LaunchContext{
			AgentID:      body.AgentID,
			InitiativeID: body.InitiativeID,
			WorkstreamID: body.WorkstreamID,
			TaskID:       body.TaskID,
			SessionID:    result.SessionID,
			Provider:     result.Provider,
			Model:        result.Model,
			UpdatedAt:    now.UTC().Format(time.RFC3339),
		})
		s.AgentContexts.PutRun(store.RunContext{
			RunID:        result.SessionID,
			AgentID:      body.AgentID,
			SessionID:    result.SessionID,
			PID:          result.PID,
			InitiativeID: body.InitiativeID,
			TaskID:       body.TaskID,
			UpdatedAt:    now.UTC().Format(time.RFC3339),
		})
		_ = s.AgentContexts.Save(now)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":             true,
		"agentId":        body.AgentID,
		"sessionId":      result.SessionID,
		"pid":            result.PID,
		"provider":       result.Provider,
		"model":          result.Model,
		"domain":         result.Domain,
		"requiredSkills": result.RequiredSkills,
	})
}

// writeBlockedResult maps a disallowed dispatch.Result onto the HTTP status
// spec.md §6/§7 assigns each blocked reason.
func writeBlockedResult(w http.ResponseWriter, result dispatch.Result) {
	code := http.StatusConflict
	switch result.BlockedReason {
	case "upgrade_required":
		code = http.StatusPaymentRequired
	case "spawn_guard_rate_limited":
		code = http.StatusTooManyRequests
	case "spawn_guard_blocked":
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{
		"ok":             false,
		"error":          result.BlockedReason,
		"domain":         result.Domain,
		"requiredSkills": result.RequiredSkills,
	})
}

type stopRequest struct {
	RunID string `json:"runId"`
}

// handleAgentsStop implements POST /orgx/api/agents/stop (spec.md §6).
func (s *Server) handleAgentsStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body stopRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.RunID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	run, ok := s.AgentContexts.Run(body.RunID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runId": body.RunID, "stopped": false, "wasRunning": false})
		return
	}

	result := dispatch.StopDetachedProcess(run.PID, s.Config.StopGraceWindow)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"runId":      body.RunID,
		"stopped":    true,
		"wasRunning": result.WasRunning,
	})
}

type restartRequest struct {
	RunID    string `json:"runId"`
	Message  string `json:"message"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// handleAgentsRestart implements POST /orgx/api/agents/restart (spec.md §6):
// stop the previous run's child, then dispatch a fresh one reusing its
// agent/initiative/workstream/task context.
func (s *Server) handleAgentsRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body restartRequest
	decodeJSONBody(w, r, s.Config, &body)
	if body.RunID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	prevRun, ok := s.AgentContexts.Run(body.RunID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown runId")
		return
	}
	dispatch.StopDetachedProcess(prevRun.PID, s.Config.StopGraceWindow)

	lc, _ := s.AgentContexts.Agent(prevRun.AgentID)

	var task, workstream, initiative *entity.Node
	if lc.InitiativeID != "" {
		g := missioncontrol.BuildGraph(r.Context(), s.Cloud, s.Config.Budget, lc.InitiativeID)
		task, workstream, initiative = resolveNodes(g, lc.TaskID, lc.WorkstreamID, lc.InitiativeID)
	}

	provider := body.Provider
	if provider == "" {
		provider = lc.Provider
	}
	model := body.Model
	if model == "" {
		model = lc.Model
	}
	message := body.Message
	if message == "" {
		message = "Resume previous run."
	}
	byokPresent := s.BYOK != nil && s.BYOK.HasKeyFor(dispatch.NormalizeProvider(model))

	req := dispatch.Request{
		AgentID:        prevRun.AgentID,
		Message:        message,
		InitiativeID:   lc.InitiativeID,
		WorkstreamID:   lc.WorkstreamID,
		TaskID:         lc.TaskID,
		Provider:       provider,
		Model:          model,
		BYOKKeyPresent: byokPresent,
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

	now := s.now()
	s.AgentContexts.PutAgent(store.LaunchContext{
		AgentID: prevRun.AgentID, InitiativeID: lc.InitiativeID, WorkstreamID: lc.WorkstreamID,
		TaskID: lc.TaskID, SessionID: result.SessionID, Provider: result.Provider, Model: result.Model,
		UpdatedAt: now.UTC().Format(time.RFC3339),
	})
	s.AgentContexts.PutRun(store.RunContext{
		RunID: result.SessionID, AgentID: prevRun.AgentID, SessionID: result.SessionID, PID: result.PID,
		InitiativeID: lc.InitiativeID, TaskID: lc.TaskID, UpdatedAt: now.UTC().Format(time.RFC3339),
	})
	_ = s.AgentContexts.Save(now)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":           true,
		"previousRunId": body.RunID,
		"sessionId":    result.SessionID,
		"pid":          result.PID,
		"provider":     result.Provider,
		"model":        result.Model,
	})
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}
