package missioncontrol

import "github.com/useorgx/openclaw-plugin/internal/entity"

// RollupStatus derives a parent's status from its children's statuses: done
// once every child is done-like, active while any child is in-progress,
// blocked when a child is blocked and nothing is further along, else the
// parent is still todo. spec.md §4.5 step 6 and §4.6 step 1 both call for
// "recompute milestone and workstream rollups from the tasks' statuses"
// without specifying the exact rule; this is the resolution recorded in
// DESIGN.md's Open Question log.
func RollupStatus(children []*entity.Node) string {
	if len(children) == 0 {
		return ""
	}
	allDone := true
	anyInProgress := false
	anyBlocked := false
	for _, c := range children {
		if !isDoneLike(c.Status) {
			allDone = false
		}
		if isInProgressLike(c.Status) {
			anyInProgress = true
		}
		if c.Status == "blocked" {
			anyBlocked = true
		}
	}
	switch {
	case allDone:
		return "done"
	case anyInProgress:
		return "active"
	case anyBlocked:
		return "blocked"
	default:
		return "todo"
	}
}

// ChildrenOf returns every node of type t whose resolved ParentID is
// parentID.
func ChildrenOf(g *Graph, parentID string, t entity.Type) []*entity.Node {
	var out []*entity.Node
	for _, n := range g.Nodes {
		if n.Type == t && n.ParentID == parentID {
			out = append(out, n)
		}
	}
	return out
}

// RecomputeMilestoneRollup returns the milestone's recomputed status and
// whether it differs from the current status (spec.md §4.5 step 6:
// "apply via a changeset"). ok is false when there is nothing to change.
func RecomputeMilestoneRollup(g *Graph, milestoneID string) (status string, ok bool) {
	ms := g.Nodes[milestoneID]
	if ms == nil {
		return "", false
	}
	status = RollupStatus(ChildrenOf(g, milestoneID, entity.TypeTask))
	if status == "" || status == ms.Status {
		return "", false
	}
	return status, true
}

// RecomputeWorkstreamRollup returns the workstream's recomputed status and
// whether it differs from the current status (spec.md §4.5 step 6: "direct
// update"). A workstream rolls up from its milestones when it has any,
// else directly from its tasks.
func RecomputeWorkstreamRollup(g *Graph, workstreamID string) (status string, ok bool) {
	ws := g.Nodes[workstreamID]
	if ws == nil {
		return "", false
	}
	children := ChildrenOf(g, workstreamID, entity.TypeMilestone)
	if len(children) == 0 {
		children = ChildrenOf(g, workstreamID, entity.TypeTask)
	}
	status = RollupStatus(children)
	if status == "" || status == ws.Status {
		return "", false
	}
	return status, true
}
