package missioncontrol

import (
	"fmt"
	"math"
	"sort"

	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// Queue states a NextUpQueueItem can report (spec.md §4.3).
const (
	QueueStateRunning = "running"
	QueueStateQueued  = "queued"
	QueueStateBlocked = "blocked"
	QueueStateIdle    = "idle"
)

// Pin is a persisted operator preference for a (initiative, workstream,
// task?) in the next-up ranking (spec.md §3 "Pins", GLOSSARY "Pin").
type Pin struct {
	InitiativeID         string
	WorkstreamID         string
	PreferredTaskID      string
	PreferredMilestoneID string
}

// SessionNode is the transcript-derived shape used as the last-resort
// fallback when no graph-derived NextUpQueueItem exists for a scope
// (spec.md §4.3, GLOSSARY "Runtime instance").
type SessionNode struct {
	InitiativeID   string
	WorkstreamID   string
	AgentID        string
	LastActivityAt string
}

// NextUpQueueItem is one derived, unstored ranking row (spec.md §3).
type NextUpQueueItem struct {
	InitiativeID      string
	InitiativeTitle   string
	InitiativePrioRnk int
	WorkstreamID      string
	WorkstreamTitle   string
	TaskID            string
	QueueState        string
	BlockReason       string
	RunnerAgentID     string
	RunnerSource      string // "graph" or "fallback"
	PinRank           *int
	PriorityNum       int
	DueDate           string
}

// RunningChecker reports whether an AutoContinueRun is actively dispatching
// within the given workstream, letting the ranker stay decoupled from the
// autocontinue package (which itself depends on missioncontrol to rebuild
// graphs).
type RunningChecker func(initiativeID, workstreamID string) (agentID string, running bool)

var initiativePriorityRank = map[string]int{
	"critical": 0, "p0": 0, "urgent": 0,
	"high": 1, "medium": 2, "low": 3,
}

func rankForInitiativePriority(label string) int {
	if r, ok := initiativePriorityRank[label]; ok {
		return r
	}
	return 4
}

// BuildNextUp derives the NextUpQueueItems for one already-built Graph,
// matching pins against the graph's workstreams and tasks (spec.md §4.3).
// liveAgents is the cloud plane's "live agents" feed for the initiative,
// used as a runnerAgentID fallback.
func BuildNextUp(g *Graph, pins []Pin, running RunningChecker, liveAgents []entity.Record) []NextUpQueueItem {
	init := g.Nodes[g.InitiativeID]
	initTitle, initPrioLabel := "", ""
	if init != nil {
		initTitle, initPrioLabel = init.Title, init.PriorityLabel
	}
	initPrioRank := rankForInitiativePriority(initPrioLabel)

	readyByWorkstream := make(map[string][]*entity.Node)
	todoByWorkstream := make(map[string][]*entity.Node)
	for _, id := range g.RecentTodos {
		n := g.Nodes[id]
		if n == nil || n.WorkstreamID == "" {
			continue
		}
		todoByWorkstream[n.WorkstreamID] = append(todoByWorkstream[n.WorkstreamID], n)
		if isReady(g, n) {
			readyByWorkstream[n.WorkstreamID] = append(readyByWorkstream[n.WorkstreamID], n)
		}
	}

	pinsByWorkstream := make(map[string]Pin, len(pins))
	pinRankByWorkstream := make(map[string]int, len(pins))
	for i, p := range pins {
		if p.InitiativeID != g.InitiativeID {
			continue
		}
		pinsByWorkstream[p.WorkstreamID] = p
		pinRankByWorkstream[p.WorkstreamID] = i
	}

	firstLiveAgent := ""
	if len(liveAgents) > 0 {
		firstLiveAgent = entity.PickString(liveAgents[0], []string{"id", "agent_id", "agentId"})
	}

	var items []NextUpQueueItem
	for _, ws := range g.Nodes {
		if ws.Type != entity.TypeWorkstream {
			continue
		}

		var candidate *entity.Node
		pinned := false
		if pin, ok := pinsByWorkstream[ws.ID]; ok && pin.PreferredTaskID != "" {
			if t := g.Nodes[pin.PreferredTaskID]; t != nil && isReady(g, t) {
				candidate = t
				pinned = true
			}
		}
		if candidate == nil {
			if ready := readyByWorkstream[ws.ID]; len(ready) > 0 {
				candidate = ready[0]
			}
		}
		if candidate == nil {
			if todos := todoByWorkstream[ws.ID]; len(todos) > 0 {
				candidate = todos[0]
			}
		}

		agentID, isRunning := running(g.InitiativeID, ws.ID)

		var queueState, blockReason string
		switch {
		case isRunning:
			queueState = QueueStateRunning
		case candidate != nil && isReady(g, candidate):
			queueState = QueueStateQueued
		case candidate != nil:
			queueState = QueueStateBlocked
			blockReason = describeBlock(g, candidate)
		default:
			queueState = QueueStateIdle
		}

		runnerAgentID := agentID
		if runnerAgentID == "" && candidate != nil && len(candidate.AssignedAgents) > 0 {
			runnerAgentID = candidate.AssignedAgents[0].ID
		}
		if runnerAgentID == "" && len(ws.AssignedAgents) > 0 {
			runnerAgentID = ws.AssignedAgents[0].ID
		}
		if runnerAgentID == "" {
			runnerAgentID = firstLiveAgent
		}
		if runnerAgentID == "" {
			runnerAgentID = "main"
		}

		item := NextUpQueueItem{
			InitiativeID:      g.InitiativeID,
			InitiativeTitle:   initTitle,
			InitiativePrioRnk: initPrioRank,
			WorkstreamID:      ws.ID,
			WorkstreamTitle:   ws.Title,
			QueueState:        queueState,
			BlockReason:       blockReason,
			RunnerAgentID:     runnerAgentID,
			RunnerSource:      "graph",
		}
		if candidate != nil {
			item.TaskID = candidate.ID
			item.PriorityNum = candidate.PriorityNum
			item.DueDate = candidate.DueDate
		}
		if pinned {
			if r, ok := pinRankByWorkstream[ws.ID]; ok {
				rr := r
				item.PinRank = &rr
			}
		}
		items = append(items, item)
	}

	return items
}

// describeBlock names up to two unfinished dependencies of n, or falls
// back to the parent-blocked phrase spec.md §4.3 specifies.
func describeBlock(g *Graph, n *entity.Node) string {
	if hasBlockedParent(g, n) {
		return "Parent milestone/workstream is blocked"
	}
	var unfinished []string
	for _, dep := range n.DependencyIDs {
		d := g.Nodes[dep]
		if d == nil || isDoneLike(d.Status) {
			continue
		}
		title := d.Title
		if title == "" {
			title = d.ID
		}
		unfinished = append(unfinished, title)
		if len(unfinished) == 2 {
			break
		}
	}
	if len(unfinished) == 0 {
		return "Parent milestone/workstream is blocked"
	}
	if len(unfinished) == 1 {
		return fmt.Sprintf("Waiting on %s", unfinished[0])
	}
	return fmt.Sprintf("Waiting on %s and %s", unfinished[0], unfinished[1])
}

var queueStateRank = map[string]int{
	QueueStateRunning: 0,
	QueueStateQueued:  1,
	QueueStateBlocked: 2,
	QueueStateIdle:    3,
}

// SortNextUp orders items per spec.md §4.3's stable, multi-key sort:
// queueState rank, pinned-rank (nil last), initiative priority rank,
// task priorityNum, dueDate, initiative title, workstream title.
func SortNextUp(items []NextUpQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]

		if ra, rb := queueStateRank[a.QueueState], queueStateRank[b.QueueState]; ra != rb {
			return ra < rb
		}
		ap, bp := pinRankValue(a.PinRank), pinRankValue(b.PinRank)
		if ap != bp {
			return ap < bp
		}
		if a.InitiativePrioRnk != b.InitiativePrioRnk {
			return a.InitiativePrioRnk < b.InitiativePrioRnk
		}
		if a.PriorityNum != b.PriorityNum {
			return a.PriorityNum < b.PriorityNum
		}
		if a.DueDate != b.DueDate {
			return lessEmptyLast(a.DueDate, b.DueDate)
		}
		if a.InitiativeTitle != b.InitiativeTitle {
			return a.InitiativeTitle < b.InitiativeTitle
		}
		return a.WorkstreamTitle < b.WorkstreamTitle
	})
}

func pinRankValue(r *int) int {
	if r == nil {
		return math.MaxInt32
	}
	return *r
}

// BuildFallbackFromSessions synthesizes NextUpQueueItems from transcript-
// derived session nodes when the graph-derived list is empty (spec.md
// §4.3's last-resort path). Sessions are grouped by (initiativeId,
// workstreamId); only the latest node per group is kept.
func BuildFallbackFromSessions(sessions []SessionNode) []NextUpQueueItem {
	type key struct{ initiativeID, workstreamID string }
	latest := make(map[key]SessionNode)
	for _, s := range sessions {
		k := key{s.InitiativeID, s.WorkstreamID}
		cur, ok := latest[k]
		if !ok || s.LastActivityAt > cur.LastActivityAt {
			latest[k] = s
		}
	}

	var out []NextUpQueueItem
	for k, s := range latest {
		out = append(out, NextUpQueueItem{
			InitiativeID:  k.initiativeID,
			WorkstreamID:  k.workstreamID,
			QueueState:    QueueStateIdle,
			RunnerAgentID: s.AgentID,
			RunnerSource:  "fallback",
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InitiativeID != out[j].InitiativeID {
			return out[i].InitiativeID < out[j].InitiativeID
		}
		return out[i].WorkstreamID < out[j].WorkstreamID
	})
	return out
}
