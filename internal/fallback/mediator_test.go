package fallback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// TestFallbackReadSynthesizesOverrideRow is scenario 5 (spec.md §8): cloud
// listEntities("initiative") throws, outbox empty, local override for
// init-42 is {status:"archived"}. Expect a synthetic row plus localFallback.
func TestFallbackReadSynthesizesOverrideRow(t *testing.T) {
	overrides := NewOverrideStore()
	overrides.Set("init-42", "archived", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	m := NewMediator(NewOutbox(t.TempDir()), overrides)

	cloud := func(context.Context) ([]entity.Record, error) { return nil, errors.New("cloud unavailable") }
	local := func(context.Context) ([]entity.Record, error) { return nil, nil }

	records, outcome := m.ReadInitiatives(context.Background(), cloud, local)

	require.True(t, outcome.Degraded)
	require.True(t, outcome.LocalFallback)
	require.Len(t, records, 1)
	require.Equal(t, "init-42", records[0]["id"])
	require.Equal(t, "archived", records[0]["status"])
}

func TestUpdateInitiativeStatusInstallsOverrideOnUnauthorized(t *testing.T) {
	overrides := NewOverrideStore()
	m := NewMediator(NewOutbox(t.TempDir()), overrides)

	update := func(context.Context) (entity.Record, error) {
		return nil, cloudplane.NewError("updateEntity", 401, cloudplane.ErrorKindAuthorization, "unauthorized", false, nil)
	}

	rec, localFallback, err := m.UpdateInitiativeStatus(context.Background(), "init-1", "paused", update, time.Now())
	require.NoError(t, err)
	require.True(t, localFallback)
	require.Equal(t, "paused", rec["status"])

	ov, ok := overrides.Get("init-1")
	require.True(t, ok)
	require.Equal(t, "paused", ov.Status)
}

func TestUpdateInitiativeStatusClearsOverrideOnSuccess(t *testing.T) {
	overrides := NewOverrideStore()
	overrides.Set("init-1", "paused", time.Now())
	m := NewMediator(NewOutbox(t.TempDir()), overrides)

	update := func(context.Context) (entity.Record, error) {
		return entity.Record{"id": "init-1", "status": "active"}, nil
	}

	_, localFallback, err := m.UpdateInitiativeStatus(context.Background(), "init-1", "active", update, time.Now())
	require.NoError(t, err)
	require.False(t, localFallback)

	_, ok := overrides.Get("init-1")
	require.False(t, ok)
}

func TestOutboxAppendAndReadAll(t *testing.T) {
	ob := NewOutbox(t.TempDir())

	require.NoError(t, ob.AppendActivity("init-1", cloudplane.ActivityEvent{ID: "a1", Timestamp: "2025-01-01T00:00:00Z"}))
	require.NoError(t, ob.AppendActivity("init-1", cloudplane.ActivityEvent{ID: "a2", Timestamp: "2025-01-02T00:00:00Z"}))

	items, err := ob.ReadAll("init-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a1", items[0].ActivityItem.ID)
}

func TestOutboxReadAllMissingFileYieldsEmpty(t *testing.T) {
	ob := NewOutbox(filepath.Join(t.TempDir(), "nonexistent"))
	items, err := ob.ReadAll("init-1")
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestReadActivityMergesOutboxIntoCloudResult(t *testing.T) {
	ob := NewOutbox(t.TempDir())
	require.NoError(t, ob.AppendActivity("init-1", cloudplane.ActivityEvent{ID: "local-1", Timestamp: "2025-01-03T00:00:00Z"}))
	m := NewMediator(ob, NewOverrideStore())

	cloud := func(context.Context) ([]cloudplane.ActivityEvent, error) {
		return []cloudplane.ActivityEvent{{ID: "cloud-1", Timestamp: "2025-01-01T00:00:00Z"}}, nil
	}

	items, outcome := m.ReadActivity(context.Background(), cloud, "init-1", time.Time{})

	require.False(t, outcome.Degraded)
	require.Len(t, items, 2)
	require.Equal(t, "local-1", items[0].ID)
	require.Equal(t, "cloud-1", items[1].ID)
}

func TestReadActivitySynthesizesFromOutboxOnCloudFailure(t *testing.T) {
	ob := NewOutbox(t.TempDir())
	require.NoError(t, ob.AppendActivity("init-1", cloudplane.ActivityEvent{ID: "local-1", Timestamp: "2025-01-03T00:00:00Z"}))
	m := NewMediator(ob, NewOverrideStore())

	cloud := func(context.Context) ([]cloudplane.ActivityEvent, error) {
		return nil, errors.New("cloud unavailable")
	}

	items, outcome := m.ReadActivity(context.Background(), cloud, "init-1", time.Time{})

	require.True(t, outcome.Degraded)
	require.True(t, outcome.LocalFallback)
	require.Equal(t, "cloud unavailable", outcome.Reason)
	require.Len(t, items, 1)
	require.Equal(t, "local-1", items[0].ID)
}

func TestMergeActivityDedupesAndSortsDescending(t *testing.T) {
	cloudItems := []cloudplane.ActivityEvent{
		{ID: "a1", Timestamp: "2025-01-01T00:00:00Z"},
	}
	outboxItems := []Item{
		{ActivityItem: &cloudplane.ActivityEvent{ID: "a1", Timestamp: "2025-01-01T00:00:00Z"}}, // dup, dropped
		{ActivityItem: &cloudplane.ActivityEvent{ID: "a2", Timestamp: "2025-01-03T00:00:00Z"}},
		{ActivityItem: &cloudplane.ActivityEvent{ID: "a3", Timestamp: "2024-01-01T00:00:00Z"}}, // before cutoff, dropped
	}
	cutoff := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	merged := MergeActivity(cloudItems, outboxItems, cutoff)

	require.Len(t, merged, 2)
	require.Equal(t, "a2", merged[0].ID)
	require.Equal(t, "a1", merged[1].ID)
}
