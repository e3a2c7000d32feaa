// Package missioncontrol builds the on-demand dependency-graph projection
// for one initiative: fetching entities from the cloud plane, normalizing
// them through the entity package, breaking cycles, annotating ETAs, and
// deriving a ranked "next up" queue. It never returns an error from
// BuildGraph; every failure mode downgrades to a degraded reason instead.
package missioncontrol

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// list caps bound how many entities of each type BuildGraph fetches for one
// initiative (spec.md §4.2 step 1).
const (
	maxInitiatives = 300
	maxWorkstreams = 500
	maxMilestones  = 700
	maxTasks       = 1200
)

// Graph is the MissionControlGraph spec.md §4.2 describes as BuildGraph's
// output: a set of normalized nodes, the (pruned) edge set, a recent-todos
// ranking, and a human-readable degraded-reason list.
type Graph struct {
	InitiativeID string
	Nodes        map[string]*entity.Node
	Edges        []Edge
	RecentTodos  []string
	Degraded     []string
}

// Edge is one dependency edge dep -> node in the pruned, acyclic edge set
// (Invariant G1).
type Edge struct {
	From string // dependency
	To   string // dependent node
}

// nowFunc is overridable in tests so ETA scenarios can pin "now".
var nowFunc = time.Now

// Clock lets callers (and tests) inject a fixed instant for ETA computation
// without mutating the package-level nowFunc directly.
type Clock func() time.Time

// BuildGraph fetches, normalizes, and annotates the four-level dependency
// graph for initiativeID. It never returns an error: every cloud-plane or
// internal-consistency failure is recorded in the returned Graph's
// Degraded list instead (spec.md §4.2).
func BuildGraph(ctx context.Context, client cloudplane.Client, budget config.BudgetModel, initiativeID string) *Graph {
	return buildGraph(ctx, client, budget, initiativeID, nowFunc)
}

func buildGraph(ctx context.Context, client cloudplane.Client, budget config.BudgetModel, initiativeID string, clock Clock) *Graph {
	g := &Graph{
		InitiativeID: initiativeID,
		Nodes:        make(map[string]*entity.Node),
	}

	recs := fetchAll(ctx, client, initiativeID, g)
	g.Nodes = normalizeAll(recs, initiativeID)

	buildEdges(g)
	breakCycles(g)
	annotateETA(g, budget, clock)
	coerceInitiativeStatus(g)
	g.RecentTodos = rankRecentTodos(g)

	return g
}

type fetchedEntities struct {
	initiatives []entity.Record
	workstreams []entity.Record
	milestones  []entity.Record
	tasks       []entity.Record
}

// fetchAll performs step 1: fetch four entity lists in parallel, each
// independently fault-tolerant.
func fetchAll(ctx context.Context, client cloudplane.Client, initiativeID string, g *Graph) fetchedEntities {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out fetchedEntities
	)

	fetch := func(t entity.Type, limit int, assign func([]entity.Record)) {
		defer wg.Done()
		recs, err := client.ListEntities(ctx, t, cloudplane.EntityFilter{InitiativeID: initiativeID, Limit: limit})
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			g.Degraded = append(g.Degraded, fmt.Sprintf("failed to fetch %s: %s", t, err.Error()))
			return
		}
		assign(recs)
	}

	wg.Add(4)
	go fetch(entity.TypeInitiative, maxInitiatives, func(r []entity.Record) { out.initiatives = r })
	go fetch(entity.TypeWorkstream, maxWorkstreams, func(r []entity.Record) { out.workstreams = r })
	go fetch(entity.TypeMilestone, maxMilestones, func(r []entity.Record) { out.milestones = r })
	go fetch(entity.TypeTask, maxTasks, func(r []entity.Record) { out.tasks = r })
	wg.Wait()

	return out
}

// normalizeAll performs step 2: normalize every fetched record, synthesizing
// a placeholder initiative node when the cloud plane has none.
func normalizeAll(recs fetchedEntities, initiativeID string) map[string]*entity.Node {
	nodes := make(map[string]*entity.Node)

	foundInitiative := false
	for _, r := range recs.initiatives {
		n := entity.Normalize(r, entity.TypeInitiative)
		if n.ID == initiativeID {
			foundInitiative = true
		}
		nodes[n.ID] = &n
	}
	if !foundInitiative {
		n := entity.Normalize(entity.Record{"id": initiativeID, "status": "active"}, entity.TypeInitiative)
		nodes[n.ID] = &n
	}
	for _, r := range recs.workstreams {
		n := entity.Normalize(r, entity.TypeWorkstream)
		nodes[n.ID] = &n
	}
	for _, r := range recs.milestones {
		n := entity.Normalize(r, entity.TypeMilestone)
		nodes[n.ID] = &n
	}
	for _, r := range recs.tasks {
		n := entity.Normalize(r, entity.TypeTask)
		nodes[n.ID] = &n
	}

	resolveParents(nodes)
	return nodes
}

// resolveParents implements Invariant G2: when a node's parentId is not
// explicitly set, it resolves to milestoneId, else workstreamId, else
// initiativeId, in that preference order.
func resolveParents(nodes map[string]*entity.Node) {
	for _, n := range nodes {
		if n.ParentID != "" {
			continue
		}
		switch {
		case n.MilestoneID != "":
			n.ParentID = n.MilestoneID
		case n.WorkstreamID != "":
			n.ParentID = n.WorkstreamID
		case n.InitiativeID != "":
			n.ParentID = n.InitiativeID
		}
	}
}

// buildEdges performs step 3: build {(dep, node) : node.type != initiative,
// dep in node.DependencyIDs, dep in nodes}, deduped.
func buildEdges(g *Graph) {
	seen := make(map[Edge]struct{})
	for id, n := range g.Nodes {
		if n.Type == entity.TypeInitiative {
			continue
		}
		filtered := n.DependencyIDs[:0:0]
		for _, dep := range n.DependencyIDs {
			if _, ok := g.Nodes[dep]; !ok {
				continue
			}
			filtered = append(filtered, dep)
			e := Edge{From: dep, To: id}
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			g.Edges = append(g.Edges, e)
		}
		n.DependencyIDs = filtered
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
}

type color int

const (
	white color = iota
	grey
	black
)

// breakCycles performs step 4: a DFS coloring pass over the adjacency
// formed by edges; any edge whose target is currently grey is a back-edge
// and is pruned from both the edge set and the target's DependencyIDs
// (Invariant G1). The pruned count is reported in Degraded.
func breakCycles(g *Graph) {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	colors := make(map[string]color, len(g.Nodes))
	cyclic := make(map[Edge]struct{})

	var ids []string
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string)
	visit = func(id string) {
		colors[id] = grey
		for _, to := range adj[id] {
			switch colors[to] {
			case white:
				visit(to)
			case grey:
				cyclic[Edge{From: id, To: to}] = struct{}{}
			}
		}
		colors[id] = black
	}
	for _, id := range ids {
		if colors[id] == white {
			visit(id)
		}
	}

	if len(cyclic) == 0 {
		return
	}

	prunedDeps := make(map[string]map[string]struct{}, len(cyclic))
	kept := g.Edges[:0:0]
	for _, e := range g.Edges {
		if _, bad := cyclic[e]; bad {
			if prunedDeps[e.To] == nil {
				prunedDeps[e.To] = make(map[string]struct{})
			}
			prunedDeps[e.To][e.From] = struct{}{}
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept

	for to, deps := range prunedDeps {
		n := g.Nodes[to]
		if n == nil {
			continue
		}
		filtered := n.DependencyIDs[:0:0]
		for _, dep := range n.DependencyIDs {
			if _, pruned := deps[dep]; pruned {
				continue
			}
			filtered = append(filtered, dep)
		}
		n.DependencyIDs = filtered
	}

	noun := "edge"
	if len(cyclic) != 1 {
		noun = "edges"
	}
	g.Degraded = append(g.Degraded, fmt.Sprintf("%d cyclic dependency %s removed", len(cyclic), noun))
}

// annotateETA performs step 5 and step 7: memoized recursive ETA
// computation (Invariant G3) followed by token-throughput budget
// derivation.
func annotateETA(g *Graph, budget config.BudgetModel, clock Clock) {
	now := clock()

	depsOf := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		depsOf[e.To] = append(depsOf[e.To], e.From)
	}

	memo := make(map[string]time.Time, len(g.Nodes))
	visiting := make(map[string]struct{}, len(g.Nodes))

	var resolve func(id string) time.Time
	resolve = func(id string) time.Time {
		if t, ok := memo[id]; ok {
			return t
		}
		n := g.Nodes[id]
		if n == nil {
			return now
		}
		if n.EtaEndAt != "" {
			if t, err := time.Parse(time.RFC3339, n.EtaEndAt); err == nil {
				memo[id] = t
				return t
			}
		}
		if n.DueDate != "" {
			if t, err := time.Parse(time.RFC3339, n.DueDate); err == nil {
				memo[id] = t
				return t
			}
		}
		if _, inProgress := visiting[id]; inProgress {
			g.Degraded = append(g.Degraded, fmt.Sprintf("eta cycle fallback for %s", id))
			memo[id] = now
			return now
		}
		visiting[id] = struct{}{}
		depMax := now
		for _, dep := range depsOf[id] {
			if t := resolve(dep); t.After(depMax) {
				depMax = t
			}
		}
		delete(visiting, id)

		result := depMax.Add(durationOf(n))
		memo[id] = result
		return result
	}

	var ids []string
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		eta := resolve(id)
		n := g.Nodes[id]
		if n.EtaEndAt == "" {
			n.EtaEndAt = eta.UTC().Format(time.RFC3339)
		}
		n.ExpectedBudgetUsd = deriveBudgetUsd(budget, n.ExpectedDurationHours)
	}
}

func durationOf(n *entity.Node) time.Duration {
	hours := n.ExpectedDurationHours
	if hours <= 0 {
		hours = 1
	}
	return time.Duration(hours * float64(time.Hour))
}

// deriveBudgetUsd implements spec.md §4.2 step 7's token-throughput budget
// model: a blended per-million-token rate across configured model-tier
// shares, scaled by the assumed token volume for durationHours, rounded up
// to the configured step.
func deriveBudgetUsd(b config.BudgetModel, durationHours float64) float64 {
	if durationHours <= 0 {
		return 0
	}
	costOf := func(p config.TokenPrice) float64 {
		inputBlend := (1-b.CachedShare)*p.InputPerMillion + b.CachedShare*p.CachedInputPerMillion
		return b.InputShare*inputBlend + (1-b.InputShare)*p.OutputPerMillion
	}
	blendedPerMillion := b.ShareGPT*costOf(b.GPT) + b.ShareOpus*costOf(b.Opus)

	tokens := durationHours * b.TokensPerHour * b.Contingency
	raw := (tokens / 1_000_000) * blendedPerMillion

	if b.RoundStepUsd <= 0 {
		return raw
	}
	return math.Ceil(raw/b.RoundStepUsd) * b.RoundStepUsd
}

// doneLikeStatuses and todoLikeStatuses classify a node's status string into
// the canonical subsets spec.md §3 names.
var doneLikeStatuses = map[string]struct{}{
	"done": {}, "completed": {}, "complete": {}, "closed": {}, "resolved": {},
}

var todoLikeStatuses = map[string]struct{}{
	"todo": {}, "open": {}, "backlog": {}, "not_started": {}, "pending": {},
}

var inProgressLikeStatuses = map[string]struct{}{
	"in_progress": {}, "active": {}, "in-progress": {}, "running": {},
}

func isDoneLike(status string) bool       { _, ok := doneLikeStatuses[status]; return ok }
func isTodoLike(status string) bool       { _, ok := todoLikeStatuses[status]; return ok }
func isInProgressLike(status string) bool { _, ok := inProgressLikeStatuses[status]; return ok }

// coerceInitiativeStatus implements step 6: if the initiative is active, no
// task is in-progress, and at least one task is todo, coerce its status to
// "paused".
func coerceInitiativeStatus(g *Graph) {
	init := g.Nodes[g.InitiativeID]
	if init == nil || init.Status != "active" {
		return
	}
	anyInProgress, anyTodo := false, false
	for _, n := range g.Nodes {
		if n.Type != entity.TypeTask {
			continue
		}
		if isInProgressLike(n.Status) {
			anyInProgress = true
		}
		if isTodoLike(n.Status) {
			anyTodo = true
		}
	}
	if !anyInProgress && anyTodo {
		init.Status = "paused"
	}
}

// isReady reports whether every dependency of node n is done-like.
func isReady(g *Graph, n *entity.Node) bool {
	for _, dep := range n.DependencyIDs {
		d := g.Nodes[dep]
		if d == nil || !isDoneLike(d.Status) {
			return false
		}
	}
	return true
}

// hasBlockedParent reports whether n's resolved parent node (if any) is
// itself status "blocked".
func hasBlockedParent(g *Graph, n *entity.Node) bool {
	p := g.Nodes[n.ParentID]
	return p != nil && p.Status == "blocked"
}

// IsReady reports whether the task identified by taskID has every
// dependency in a done-like state. Exported for the auto-continue
// scheduler's next-task selection (spec.md §4.6 step 5).
func IsReady(g *Graph, taskID string) bool {
	n := g.Nodes[taskID]
	return n != nil && isReady(g, n)
}

// HasBlockedParent reports whether the task identified by taskID has a
// resolved parent whose status is "blocked". Exported for the
// auto-continue scheduler's next-task selection (spec.md §4.6 step 5).
func HasBlockedParent(g *Graph, taskID string) bool {
	n := g.Nodes[taskID]
	return n != nil && hasBlockedParent(g, n)
}

// IsTodoLike reports whether status is in the canonical todo-like subset
// spec.md §3 names. Exported for the auto-continue scheduler.
func IsTodoLike(status string) bool { return isTodoLike(status) }

// IsDispatchableWorkstream reports whether the workstream identified by
// workstreamID is in a state auto-continue may dispatch into: any status
// other than a terminal done/blocked state, mirroring the dispatch
// engine's "already running" check for idempotent re-dispatch.
func IsDispatchableWorkstream(g *Graph, workstreamID string) bool {
	ws := g.Nodes[workstreamID]
	if ws == nil {
		return false
	}
	return !isDoneLike(ws.Status) && ws.Status != "blocked"
}

// rankRecentTodos performs step 8: task IDs sorted by (readiness desc,
// not-blocked-parent desc, priorityNum asc, dueDate asc, etaEndAt asc,
// updatedAt asc).
func rankRecentTodos(g *Graph) []string {
	var tasks []*entity.Node
	for _, n := range g.Nodes {
		if n.Type == entity.TypeTask && isTodoLike(n.Status) {
			tasks = append(tasks, n)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]

		ar, br := isReady(g, a), isReady(g, b)
		if ar != br {
			return ar // ready sorts first (desc)
		}
		ap, bp := !hasBlockedParent(g, a), !hasBlockedParent(g, b)
		if ap != bp {
			return ap // not-blocked sorts first (desc)
		}
		if a.PriorityNum != b.PriorityNum {
			return a.PriorityNum < b.PriorityNum
		}
		if a.DueDate != b.DueDate {
			return lessEmptyLast(a.DueDate, b.DueDate)
		}
		if a.EtaEndAt != b.EtaEndAt {
			return lessEmptyLast(a.EtaEndAt, b.EtaEndAt)
		}
		return lessEmptyLast(a.UpdatedAt, b.UpdatedAt)
	})

	out := make([]string, 0, len(tasks))
	for _, n := range tasks {
		out = append(out, n.ID)
	}
	return out
}

// lessEmptyLast orders two ISO-ish strings ascending, with empty strings
// sorting after any non-empty value.
func lessEmptyLast(a, b string) bool {
	if a == "" && b == "" {
		return false
	}
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}
