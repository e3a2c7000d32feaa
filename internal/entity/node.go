package entity

import (
	"regexp"
	"strings"
)

// AssignedAgent is the normalized shape of an entry in a node's
// assignedAgents list (spec.md §3).
type AssignedAgent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Node is the normalized projection of one cloud-plane entity: the
// MissionControlNode of spec.md §3. ETA and budget fields are populated by
// the graph builder (internal/missioncontrol), not by Normalize, since they
// depend on the full dependency graph.
type Node struct {
	ID         string `json:"id"`
	Type       Type   `json:"type"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	ParentID   string `json:"parentId,omitempty"`

	InitiativeID string `json:"initiativeId,omitempty"`
	WorkstreamID string `json:"workstreamId,omitempty"`
	MilestoneID  string `json:"milestoneId,omitempty"`

	PriorityNum   int    `json:"priorityNum"`
	PriorityLabel string `json:"priorityLabel,omitempty"`

	DependencyIDs []string `json:"dependencyIds,omitempty"`

	DueDate               string `json:"dueDate,omitempty"`
	EtaEndAt              string `json:"etaEndAt,omitempty"`
	ExpectedDurationHours float64 `json:"expectedDurationHours"`
	ExpectedBudgetUsd     float64 `json:"expectedBudgetUsd,omitempty"`

	AssignedAgents []AssignedAgent `json:"assignedAgents,omitempty"`

	UpdatedAt string `json:"updatedAt,omitempty"`

	// Description is retained (not part of the wire contract) so the
	// duration-regex fallback in the graph builder can inspect it.
	Description string `json:"-"`
}

var (
	idKeys           = []string{"id", "_id"}
	titleKeys        = []string{"title", "name"}
	statusKeys       = []string{"status", "state"}
	parentKeys       = []string{"parent_id", "parentId"}
	initiativeKeys   = []string{"initiative_id", "initiativeId"}
	workstreamKeys   = []string{"workstream_id", "workstreamId"}
	milestoneKeys    = []string{"milestone_id", "milestoneId"}
	dueDateKeys      = []string{"due_date", "dueDate"}
	etaKeys          = []string{"eta_end_at", "etaEndAt"}
	durationKeys     = []string{"expected_duration_hours", "expectedDurationHours"}
	budgetKeys       = []string{"expected_budget_usd", "expectedBudgetUsd"}
	updatedAtKeys    = []string{"updated_at", "updatedAt"}
	descriptionKeys  = []string{"description", "summary"}
	assigneeKeys     = []string{"assigned_agents", "assignedAgents", "assignees"}
)

// defaultDurationHours gives the fallback expected duration by entity type
// when no explicit field, metadata field, or description regex match is
// found (spec.md §3).
var defaultDurationHours = map[Type]float64{
	TypeInitiative: 40,
	TypeWorkstream: 16,
	TypeMilestone:  6,
	TypeTask:       2,
}

// durationRegex matches free-text duration hints like "(~3h)" or
// "estimated 2.5 hours" in a description field.
var durationRegex = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:h|hr|hrs|hour|hours)\b`)

// Normalize builds a Node from a loosely-typed Record and its declared
// Type. It never raises; absent fields take the documented defaults.
// DependencyIDs is self-reference-filtered but not yet filtered to IDs
// present in the graph — the graph builder does that once all nodes are
// known (spec.md §3 Node.dependencyIds).
func Normalize(rec Record, t Type) Node {
	n := Node{
		ID:           PickString(rec, idKeys),
		Type:         t,
		Title:        PickString(rec, titleKeys),
		Status:       strings.ToLower(PickString(rec, statusKeys)),
		ParentID:     PickString(rec, parentKeys),
		InitiativeID: PickString(rec, initiativeKeys),
		WorkstreamID: PickString(rec, workstreamKeys),
		MilestoneID:  PickString(rec, milestoneKeys),
		Description:  PickString(rec, descriptionKeys),
		UpdatedAt:    normalizeTimestamp(rec, updatedAtKeys),
	}
	n.PriorityNum, n.PriorityLabel = NormalizePriority(rec)

	deps := NormalizeDependencies(rec)
	n.DependencyIDs = make([]string, 0, len(deps))
	for _, d := range deps {
		if d == n.ID {
			continue
		}
		n.DependencyIDs = append(n.DependencyIDs, d)
	}

	if due := PickString(rec, dueDateKeys); due != "" {
		if iso, ok := ToISOString(due); ok {
			n.DueDate = iso
		}
	}
	if eta := PickString(rec, etaKeys); eta != "" {
		if iso, ok := ToISOString(eta); ok {
			n.EtaEndAt = iso
		}
	}

	n.ExpectedDurationHours = resolveDuration(rec, t)
	if v, ok := PickNumber(rec, budgetKeys); ok {
		n.ExpectedBudgetUsd = v
	}
	n.AssignedAgents = normalizeAssignedAgents(rec)

	return n
}

func normalizeTimestamp(rec Record, keys []string) string {
	raw := PickString(rec, keys)
	if raw == "" {
		return ""
	}
	if iso, ok := ToISOString(raw); ok {
		return iso
	}
	return ""
}

// resolveDuration implements spec.md §3's fallback chain: explicit field →
// metadata (handled transparently by PickNumber) → regex over description →
// type default.
func resolveDuration(rec Record, t Type) float64 {
	if v, ok := PickNumber(rec, durationKeys); ok && v > 0 {
		return v
	}
	if desc := PickString(rec, descriptionKeys); desc != "" {
		if m := durationRegex.FindStringSubmatch(desc); len(m) == 2 {
			if f, ok := parseFloatLoose(m[1]); ok {
				return f
			}
		}
	}
	return defaultDurationHours[t]
}

func parseFloatLoose(s string) (float64, bool) {
	return numberField(Record{"v": s}, []string{"v"})
}

func normalizeAssignedAgents(rec Record) []AssignedAgent {
	raw, ok := rec[pickKey(rec, assigneeKeys)]
	if !ok {
		if md := rec.metadata(); md != nil {
			raw, ok = md[pickKey(md, assigneeKeys)]
		}
	}
	if !ok || raw == nil {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]AssignedAgent, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		a := AssignedAgent{
			ID:     PickString(Record(m), []string{"id"}),
			Name:   PickString(Record(m), []string{"name"}),
			Domain: PickString(Record(m), []string{"domain"}),
		}
		key := a.ID
		if key == "" {
			key = a.Name
		}
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

func pickKey(rec Record, keys []string) string {
	for _, k := range keys {
		if _, ok := rec[k]; ok {
			return k
		}
	}
	if len(keys) > 0 {
		return keys[0]
	}
	return ""
}
