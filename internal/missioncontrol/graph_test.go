package missioncontrol

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/config"
	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// fakeClient is an in-memory cloudplane.Client seeded directly with
// pre-built entity records, keyed by type. It is used only to exercise
// BuildGraph; every other Client method panics if called.
type fakeClient struct {
	byType map[entity.Type][]entity.Record
}

func newFakeClient() *fakeClient {
	return &fakeClient{byType: make(map[entity.Type][]entity.Record)}
}

func (f *fakeClient) seed(t entity.Type, recs ...entity.Record) *fakeClient {
	f.byType[t] = append(f.byType[t], recs...)
	return f
}

func (f *fakeClient) ListEntities(_ context.Context, t entity.Type, _ cloudplane.EntityFilter) ([]entity.Record, error) {
	return f.byType[t], nil
}
func (f *fakeClient) UpdateEntity(context.Context, entity.Type, string, map[string]any) (entity.Record, error) {
	panic("not used")
}
func (f *fakeClient) ApplyChangeset(context.Context, string, []cloudplane.ChangesetMutation) error {
	panic("not used")
}
func (f *fakeClient) CheckSpawnGuard(context.Context, string, string) (cloudplane.SpawnGuardResult, error) {
	panic("not used")
}
func (f *fakeClient) EmitActivity(context.Context, cloudplane.ActivityEvent) error { panic("not used") }
func (f *fakeClient) ListActivity(context.Context, string, time.Time) ([]cloudplane.ActivityEvent, error) {
	panic("not used")
}

func (f *fakeClient) RequestDecision(context.Context, cloudplane.DecisionRequest) error {
	panic("not used")
}
func (f *fakeClient) ListLiveAgents(context.Context, string) ([]entity.Record, error) {
	panic("not used")
}
func (f *fakeClient) Plan(context.Context) (cloudplane.Plan, error) { panic("not used") }

var _ cloudplane.Client = (*fakeClient)(nil)

func testBudget() config.BudgetModel {
	return config.BudgetModel{
		ShareGPT: 0.5, ShareOpus: 0.5,
		InputShare: 0.7, CachedShare: 0.6,
		TokensPerHour: 250_000, Contingency: 1.25, RoundStepUsd: 5,
		GPT:  config.TokenPrice{InputPerMillion: 2.5, CachedInputPerMillion: 1.25, OutputPerMillion: 10},
		Opus: config.TokenPrice{InputPerMillion: 15, CachedInputPerMillion: 1.5, OutputPerMillion: 75},
	}
}

// TestBuildGraphBreaksCycle is scenario 1 (spec.md §8): T1 -> T2 -> T3 -> T1
// must reduce to 3 task nodes (plus the initiative node), 2 edges, and a
// degraded reason naming one cyclic dependency edge.
func TestBuildGraphBreaksCycle(t *testing.T) {
	client := newFakeClient().
		seed(entity.TypeInitiative, entity.Record{"id": "init-1", "status": "active"}).
		seed(entity.TypeTask,
			entity.Record{"id": "t1", "initiative_id": "init-1", "dependency_ids": []any{"t3"}},
			entity.Record{"id": "t2", "initiative_id": "init-1", "dependency_ids": []any{"t1"}},
			entity.Record{"id": "t3", "initiative_id": "init-1", "dependency_ids": []any{"t2"}},
		)

	g := buildGraph(context.Background(), client, testBudget(), "init-1", func() time.Time {
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	require.Len(t, g.Nodes, 4) // 3 tasks + seeded initiative
	require.Len(t, g.Edges, 2)
	require.Len(t, g.Degraded, 1)
	require.Contains(t, g.Degraded[0], "1 cyclic dependency edge")
}

// TestBuildGraphETAPropagation is scenario 2 (spec.md §8): A (2h, no deps),
// B (3h, deps=[A]), now pinned to 2025-01-01T00:00:00Z.
func TestBuildGraphETAPropagation(t *testing.T) {
	client := newFakeClient().
		seed(entity.TypeInitiative, entity.Record{"id": "init-1", "status": "active"}).
		seed(entity.TypeTask,
			entity.Record{"id": "a", "initiative_id": "init-1", "expected_duration_hours": float64(2)},
			entity.Record{"id": "b", "initiative_id": "init-1", "expected_duration_hours": float64(3), "dependency_ids": []any{"a"}},
		)

	fixedNow := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := buildGraph(context.Background(), client, testBudget(), "init-1", func() time.Time { return fixedNow })

	require.Equal(t, "2025-01-01T02:00:00Z", g.Nodes["a"].EtaEndAt)
	require.Equal(t, "2025-01-01T05:00:00Z", g.Nodes["b"].EtaEndAt)
}

// TestBuildGraphFetchFailureDegrades verifies that a fetch error for one
// entity type yields an empty list for that type plus a degraded reason,
// without failing the whole build.
type erroringClient struct{ *fakeClient }

func (e erroringClient) ListEntities(ctx context.Context, t entity.Type, f cloudplane.EntityFilter) ([]entity.Record, error) {
	if t == entity.TypeTask {
		return nil, fmt.Errorf("boom")
	}
	return e.fakeClient.ListEntities(ctx, t, f)
}

func TestBuildGraphFetchFailureDegrades(t *testing.T) {
	client := erroringClient{newFakeClient().seed(entity.TypeInitiative, entity.Record{"id": "init-1"})}
	g := buildGraph(context.Background(), client, testBudget(), "init-1", time.Now)
	require.NotEmpty(t, g.Degraded)
	require.Contains(t, g.Degraded[0], "failed to fetch task")
}

// TestBuildGraphDAGInvariant verifies spec.md invariant I1: for arbitrary
// task dependency wiring (including self-references and forward/backward
// edges designed to create cycles), the exported edge set is always a DAG.
func TestBuildGraphDAGInvariant(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 60
	props := gopter.NewProperties(params)

	props.Property("BuildGraph always exports an acyclic edge set", prop.ForAll(
		func(n int, seed int) bool {
			client := newFakeClient().seed(entity.TypeInitiative, entity.Record{"id": "init-1"})
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("t%d", i)
			}
			recs := make([]entity.Record, 0, n)
			for i, id := range ids {
				// Every task depends on its two successors mod n, guaranteeing
				// cycles whenever n > 0.
				dep1 := ids[(i+1+seed)%n]
				dep2 := ids[(i+2+seed)%n]
				recs = append(recs, entity.Record{
					"id":             id,
					"initiative_id":  "init-1",
					"dependency_ids": []any{dep1, dep2},
				})
			}
			client.seed(entity.TypeTask, recs...)

			g := buildGraph(context.Background(), client, testBudget(), "init-1", time.Now)
			return isAcyclic(g)
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 5),
	))

	props.TestingRun(t)
}

func isAcyclic(g *Graph) bool {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	const (
		white = iota
		grey
		black
	)
	colors := make(map[string]int, len(g.Nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = grey
		for _, to := range adj[id] {
			switch colors[to] {
			case white:
				if !visit(to) {
					return false
				}
			case grey:
				return false
			}
		}
		colors[id] = black
		return true
	}
	for id := range g.Nodes {
		if colors[id] == white {
			if !visit(id) {
				return false
			}
		}
	}
	return true
}
