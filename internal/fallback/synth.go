package fallback

import (
	"context"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/missioncontrol"
	"github.com/useorgx/openclaw-plugin/internal/store"
	"github.com/useorgx/openclaw-plugin/internal/transcript"
)

// Synthesizer builds the local half of §4.7's read template: equivalent
// payloads reconstructed from on-disk transcripts and the agent-launch-
// context store when the cloud plane is unreachable. It is also the home
// of the agent-context enrichment applied to session and activity items
// on the successful cloud path.
type Synthesizer struct {
	HomeDir  string
	Contexts *store.AgentContexts

	// ListSessions is the transcript-directory walk; tests substitute a
	// fake, production wires transcript.ListSessions.
	ListSessions func(homeDir string) ([]transcript.Session, error)
}

// NewSynthesizer constructs a Synthesizer over homeDir and contexts,
// defaulting ListSessions to the real transcript-directory walk.
func NewSynthesizer(homeDir string, contexts *store.AgentContexts) *Synthesizer {
	return &Synthesizer{HomeDir: homeDir, Contexts: contexts, ListSessions: transcript.ListSessions}
}

func (s *Synthesizer) sessions() []transcript.Session {
	if s.ListSessions == nil {
		return nil
	}
	sessions, err := s.ListSessions(s.HomeDir)
	if err != nil {
		return nil
	}
	return sessions
}

// launchContextFor resolves the best launch context for one transcript
// session: the run context keyed by session id wins (it is per-session),
// falling back to the agent's latest launch context.
func (s *Synthesizer) launchContextFor(sess transcript.Session) (store.LaunchContext, bool) {
	if s.Contexts == nil {
		return store.LaunchContext{}, false
	}
	if rc, ok := s.Contexts.Run(sess.SessionID); ok {
		return store.LaunchContext{
			AgentID:      rc.AgentID,
			InitiativeID: rc.InitiativeID,
			TaskID:       rc.TaskID,
			SessionID:    rc.SessionID,
			UpdatedAt:    rc.UpdatedAt,
		}, true
	}
	return s.Contexts.Agent(sess.AgentID)
}

// orgxContext is the metadata block §4.7 step 1 names, derived from one
// launch context.
func orgxContext(lc store.LaunchContext) map[string]any {
	ctx := map[string]any{"agent_id": lc.AgentID}
	if lc.InitiativeID != "" {
		ctx["initiative_id"] = lc.InitiativeID
	}
	if lc.WorkstreamID != "" {
		ctx["workstream_id"] = lc.WorkstreamID
	}
	if lc.TaskID != "" {
		ctx["task_id"] = lc.TaskID
	}
	if lc.SessionID != "" {
		ctx["session_id"] = lc.SessionID
	}
	return ctx
}

// enrichRecord injects initiativeId, workstreamId, and the orgx_context
// metadata block from lc into rec, without overwriting values the record
// already carries.
func enrichRecord(rec entity.Record, lc store.LaunchContext) {
	if entity.PickString(rec, []string{"initiative_id", "initiativeId"}) == "" && lc.InitiativeID != "" {
		rec["initiativeId"] = lc.InitiativeID
	}
	if entity.PickString(rec, []string{"workstream_id", "workstreamId"}) == "" && lc.WorkstreamID != "" {
		rec["workstreamId"] = lc.WorkstreamID
	}
	meta, _ := rec["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["orgx_context"] = orgxContext(lc)
	rec["metadata"] = meta
}

// Sessions synthesizes one entity.Record per on-disk transcript session,
// enriched from the launch-context store and filtered to initiativeID
// when it is non-empty (§4.7 step 2's "re-apply filters locally").
func (s *Synthesizer) Sessions(initiativeID string) []entity.Record {
	var out []entity.Record
	for _, sess := range s.sessions() {
		lc, ok := s.launchContextFor(sess)
		rec := entity.Record{
			"id":        sess.SessionID,
			"agentId":   sess.AgentID,
			"updatedAt": sess.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if ok {
			enrichRecord(rec, lc)
		}
		if initiativeID != "" && entity.PickString(rec, []string{"initiative_id", "initiativeId"}) != initiativeID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// SessionNodes groups the synthesized sessions into the transcript-derived
// session tree the Next-Up Ranker uses as its last resort (spec.md §4.3).
func (s *Synthesizer) SessionNodes(initiativeID string) []missioncontrol.SessionNode {
	var out []missioncontrol.SessionNode
	for _, rec := range s.Sessions(initiativeID) {
		out = append(out, missioncontrol.SessionNode{
			InitiativeID:   entity.PickString(rec, []string{"initiative_id", "initiativeId"}),
			WorkstreamID:   entity.PickString(rec, []string{"workstream_id", "workstreamId"}),
			AgentID:        entity.PickString(rec, []string{"agent_id", "agentId"}),
			LastActivityAt: entity.PickString(rec, []string{"updated_at", "updatedAt"}),
		})
	}
	return out
}

// Entities is the production LocalSynthesizer for the entity read path:
// it reconstructs a best-effort entity list of the requested type from
// the launch-context store and the transcript snapshot. Types with no
// local trace (milestones, decisions, artifacts) yield an empty list —
// the mediator still reports the read as degraded either way.
func (s *Synthesizer) Entities(_ context.Context, entityType entity.Type, initiativeID string) ([]entity.Record, error) {
	switch entityType {
	case entity.TypeInitiative:
		return s.initiativeRows(), nil
	case entity.TypeWorkstream:
		return s.workstreamRows(initiativeID), nil
	case entity.TypeTask:
		return s.taskRows(initiativeID), nil
	case entity.TypeAgent:
		return s.agentRows(), nil
	default:
		return nil, nil
	}
}

func (s *Synthesizer) initiativeRows() []entity.Record {
	if s.Contexts == nil {
		return nil
	}
	seen := make(map[string]string)
	for _, lc := range s.Contexts.Agents() {
		if lc.InitiativeID == "" {
			continue
		}
		if at, ok := seen[lc.InitiativeID]; !ok || lc.UpdatedAt > at {
			seen[lc.InitiativeID] = lc.UpdatedAt
		}
	}
	var out []entity.Record
	for id, at := range seen {
		out = append(out, entity.Record{"id": id, "status": "active", "updatedAt": at})
	}
	return out
}

func (s *Synthesizer) workstreamRows(initiativeID string) []entity.Record {
	if s.Contexts == nil {
		return nil
	}
	seen := make(map[string]store.LaunchContext)
	for _, lc := range s.Contexts.Agents() {
		if lc.WorkstreamID == "" {
			continue
		}
		if initiativeID != "" && lc.InitiativeID != initiativeID {
			continue
		}
		if prev, ok := seen[lc.WorkstreamID]; !ok || lc.UpdatedAt > prev.UpdatedAt {
			seen[lc.WorkstreamID] = lc
		}
	}
	var out []entity.Record
	for id, lc := range seen {
		out = append(out, entity.Record{
			"id":           id,
			"initiativeId": lc.InitiativeID,
			"status":       "active",
			"updatedAt":    lc.UpdatedAt,
		})
	}
	return out
}

func (s *Synthesizer) taskRows(initiativeID string) []entity.Record {
	if s.Contexts == nil {
		return nil
	}
	var out []entity.Record
	for _, rc := range s.Contexts.Runs() {
		if rc.TaskID == "" {
			continue
		}
		if initiativeID != "" && rc.InitiativeID != initiativeID {
			continue
		}
		out = append(out, entity.Record{
			"id":           rc.TaskID,
			"initiativeId": rc.InitiativeID,
			"status":       "in_progress",
			"updatedAt":    rc.UpdatedAt,
		})
	}
	return out
}

func (s *Synthesizer) agentRows() []entity.Record {
	seen := make(map[string]time.Time)
	for _, sess := range s.sessions() {
		if at, ok := seen[sess.AgentID]; !ok || sess.UpdatedAt.After(at) {
			seen[sess.AgentID] = sess.UpdatedAt
		}
	}
	var out []entity.Record
	for id, at := range seen {
		out = append(out, entity.Record{"id": id, "updatedAt": at.UTC().Format(time.RFC3339)})
	}
	return out
}

// EnrichActivity applies the §4.7 step 1 agent-context enrichment to
// activity events in place: an event whose metadata agent_id/agentId names
// an agent the launch-context store knows gains the orgx_context metadata
// block, and its initiative id is filled in from that context when empty.
// Every other event passes through untouched.
func (s *Synthesizer) EnrichActivity(events []cloudplane.ActivityEvent) []cloudplane.ActivityEvent {
	if s.Contexts == nil {
		return events
	}
	for i := range events {
		agentID := ""
		if events[i].Metadata != nil {
			if v, ok := events[i].Metadata["agent_id"].(string); ok {
				agentID = v
			} else if v, ok := events[i].Metadata["agentId"].(string); ok {
				agentID = v
			}
		}
		if agentID == "" {
			continue
		}
		lc, ok := s.Contexts.Agent(agentID)
		if !ok {
			continue
		}
		if events[i].InitiativeID == "" {
			events[i].InitiativeID = lc.InitiativeID
		}
		if events[i].Metadata == nil {
			events[i].Metadata = map[string]any{}
		}
		events[i].Metadata["orgx_context"] = orgxContext(lc)
	}
	return events
}
