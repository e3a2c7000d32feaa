package httpapi

import (
	"github.com/useorgx/openclaw-plugin/internal/entity"
	"github.com/useorgx/openclaw-plugin/internal/missioncontrol"
)

// resolveNodes looks up the task/workstream/initiative triple dispatch.Engine
// needs out of an already-built Graph, tolerating any of the three ids being
// empty or absent from the graph.
func resolveNodes(g *missioncontrol.Graph, taskID, workstreamID, initiativeID string) (task, workstream, initiative *entity.Node) {
	if g == nil {
		return nil, nil, nil
	}
	if taskID != "" {
		task = g.Nodes[taskID]
	}
	if workstreamID != "" {
		workstream = g.Nodes[workstreamID]
	}
	if initiativeID != "" {
		initiative = g.Nodes[initiativeID]
	}
	return task, workstream, initiative
}
