package fallback

import (
	"context"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
	"github.com/useorgx/openclaw-plugin/internal/entity"
)

// ReadOutcome reports how a Mediator read was satisfied, for callers to
// surface the "degraded"/"localFallback" banner spec.md §7 requires.
type ReadOutcome struct {
	Degraded      bool
	LocalFallback bool
	Reason        string
}

// CloudReader performs one cloud-plane read returning raw entity records.
type CloudReader func(ctx context.Context) ([]entity.Record, error)

// LocalSynthesizer builds an equivalent payload from local state (on-disk
// transcripts, the outbox, overrides) when the cloud call fails.
type LocalSynthesizer func(ctx context.Context) ([]entity.Record, error)

// Mediator implements the §4.7 read/write template, holding the shared
// Outbox and Override state every cloud-facing component reads through.
type Mediator struct {
	Outbox    *Outbox
	Overrides *OverrideStore
}

// NewMediator constructs a Mediator over outbox and overrides.
func NewMediator(outbox *Outbox, overrides *OverrideStore) *Mediator {
	return &Mediator{Outbox: outbox, Overrides: overrides}
}

// Read implements §4.7 steps 1-2 generically: try cloud, else synthesize
// locally. It never returns an error — a local synthesis failure still
// yields an (empty, degraded) result, matching the component-level
// "never raises" contract observed throughout the core.
func (m *Mediator) Read(ctx context.Context, cloud CloudReader, local LocalSynthesizer) ([]entity.Record, ReadOutcome) {
	records, err := cloud(ctx)
	if err == nil {
		return records, ReadOutcome{}
	}

	synthesized, localErr := local(ctx)
	if localErr != nil {
		return nil, ReadOutcome{Degraded: true, LocalFallback: true, Reason: err.Error()}
	}
	return synthesized, ReadOutcome{Degraded: true, LocalFallback: true, Reason: err.Error()}
}

// ReadInitiatives implements §4.7 for the initiative entity type
// specifically: a successful cloud read still has every Local Initiative
// Status Override overlaid on top, and a failed cloud read synthesizes one
// record per override in addition to whatever local is provided.
func (m *Mediator) ReadInitiatives(ctx context.Context, cloud CloudReader, local LocalSynthesizer) ([]entity.Record, ReadOutcome) {
	records, outcome := m.Read(ctx, cloud, func(ctx context.Context) ([]entity.Record, error) {
		base, err := local(ctx)
		if err != nil {
			base = nil
		}
		return append(base, m.synthesizeOverrideRows(nil)...), nil
	})
	return m.applyOverrides(records), outcome
}

// synthesizeOverrideRows builds one synthetic entity.Record per installed
// override not already present in existing.
func (m *Mediator) synthesizeOverrideRows(existing []entity.Record) []entity.Record {
	present := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		if id := entity.PickString(r, []string{"id"}); id != "" {
			present[id] = struct{}{}
		}
	}
	var out []entity.Record
	for id, ov := range m.Overrides.All() {
		if _, ok := present[id]; ok {
			continue
		}
		out = append(out, entity.Record{
			"id":        id,
			"status":    ov.Status,
			"updatedAt": ov.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// applyOverrides overlays every installed override's status onto matching
// records, overriding whatever the cloud or local synthesis reported.
func (m *Mediator) applyOverrides(records []entity.Record) []entity.Record {
	overrides := m.Overrides.All()
	if len(overrides) == 0 {
		return records
	}
	for _, r := range records {
		id := entity.PickString(r, []string{"id"})
		if ov, ok := overrides[id]; ok {
			r["status"] = ov.Status
			r["updatedAt"] = ov.UpdatedAt.UTC().Format(time.RFC3339)
		}
	}
	// Any override with no matching record at all becomes a synthetic row.
	records = append(records, m.synthesizeOverrideRows(records)...)
	return records
}

// ActivityReader performs one cloud-plane activity-feed read.
type ActivityReader func(ctx context.Context) ([]cloudplane.ActivityEvent, error)

// ReadActivity implements §4.7 for the activity feed: a successful cloud
// read still has outbox entries newer than since merged in (step 3); a
// failed read synthesizes the feed wholly from the outbox. Either way the
// result is deduped by activity id and sorted by timestamp descending.
func (m *Mediator) ReadActivity(ctx context.Context, cloud ActivityReader, initiativeID string, since time.Time) ([]cloudplane.ActivityEvent, ReadOutcome) {
	outboxItems, _ := m.Outbox.ReadAll(initiativeID)

	cloudItems, err := cloud(ctx)
	if err == nil {
		return MergeActivity(cloudItems, outboxItems, since), ReadOutcome{}
	}
	return MergeActivity(nil, outboxItems, since), ReadOutcome{Degraded: true, LocalFallback: true, Reason: err.Error()}
}

// InitiativeUpdater performs the cloud-plane mutation for one initiative
// status update.
type InitiativeUpdater func(ctx context.Context) (entity.Record, error)

// UpdateInitiativeStatus implements §4.7's write path and §7's
// Authorization handling: on an unauthorized cloud response, install a
// Local Initiative Status Override and return a synthetic success; any
// other error propagates; a successful mutation clears a prior override.
func (m *Mediator) UpdateInitiativeStatus(ctx context.Context, initiativeID, status string, update InitiativeUpdater, now time.Time) (entity.Record, bool, error) {
	rec, err := update(ctx)
	if err == nil {
		m.Overrides.Clear(initiativeID)
		return rec, false, nil
	}
	if cloudplane.IsUnauthorized(err) {
		m.Overrides.Set(initiativeID, status, now)
		return entity.Record{"id": initiativeID, "status": status}, true, nil
	}
	return nil, false, err
}
