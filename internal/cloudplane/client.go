// Package cloudplane defines the interface the control plane uses to reach
// the remote multi-tenant orchestration API, plus the Error type
// every other component classifies failures against (spec.md §7's error
// taxonomy). The HTTP shape of the cloud plane itself is out of scope
// (spec.md §1); only the methods the core actually calls are specified
// here, grounded on the teacher's runtime/agent/model.ProviderError.
package cloudplane

import (
	"context"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/entity"
)

type (
	// EntityFilter narrows a ListEntities call to one initiative and/or a
	// result cap; the cloud plane enforces the cap server-side.
	EntityFilter struct {
		InitiativeID string
		Limit        int
	}

	// SpawnGuardChecks reports the individual policy checks the spawn guard
	// evaluated; RateLimit.Passed distinguishes a retryable rate-limit
	// block from a hard policy block (spec.md §4.5 step 2).
	SpawnGuardChecks struct {
		RateLimit struct {
			Passed bool `json:"passed"`
		} `json:"rateLimit"`
	}

	// SpawnGuardResult is the cloud plane's verdict for one dispatch
	// attempt.
	SpawnGuardResult struct {
		Allowed       bool             `json:"allowed"`
		Checks        SpawnGuardChecks `json:"checks"`
		BlockedReason string           `json:"blockedReason"`
		ModelTier     string           `json:"modelTier"`
	}

	// ActivityEvent is the normalized shape posted to the cloud plane's
	// activity feed (and, on failure, appended to the local outbox).
	ActivityEvent struct {
		ID           string         `json:"id"`
		InitiativeID string         `json:"initiativeId"`
		Type         string         `json:"type"`
		Severity     string         `json:"severity"`
		Title        string         `json:"title"`
		Message      string         `json:"message"`
		Metadata     map[string]any `json:"metadata,omitempty"`
		Timestamp    string         `json:"timestamp"`
	}

	// DecisionRequest asks a human operator to unblock or otherwise
	// resolve a stuck task (spec.md §4.5 step 2, §4.6 step 1).
	DecisionRequest struct {
		InitiativeID string
		Title        string
		Body         string
	}

	// ChangesetMutation is one field update applied as part of a batch
	// mutation with an idempotency key (spec.md GLOSSARY "Changeset").
	ChangesetMutation struct {
		EntityID string
		Fields   map[string]any
	}

	// Plan is the billing plan tier the cloud plane reports for the
	// current account (spec.md §4.5 billing gate).
	Plan string

	// Client is every cloud-plane operation the control plane consumes.
	// Implementations must treat context cancellation as a transport
	// failure (classified ErrorKindTransport).
	Client interface {
		// ListEntities returns raw records of the given type matching
		// filter. Implementations should apply filter.Limit server-side.
		ListEntities(ctx context.Context, entityType entity.Type, filter EntityFilter) ([]entity.Record, error)

		// UpdateEntity applies a partial update to one entity and returns
		// the updated record.
		UpdateEntity(ctx context.Context, entityType entity.Type, id string, fields map[string]any) (entity.Record, error)

		// ApplyChangeset performs a batch mutation under the given
		// idempotency key (spec.md §4.5 step 6, milestone rollups).
		ApplyChangeset(ctx context.Context, idempotencyKey string, mutations []ChangesetMutation) error

		// CheckSpawnGuard consults the spawn-guard policy probe before a
		// dispatch (spec.md §4.5 step 2).
		CheckSpawnGuard(ctx context.Context, domain, taskID string) (SpawnGuardResult, error)

		// EmitActivity forwards one normalized activity event.
		EmitActivity(ctx context.Context, event ActivityEvent) error

		// ListActivity returns the initiative's activity feed, newest
		// first, limited to events at or after since when since is
		// non-zero (spec.md §4.7's activity read path).
		ListActivity(ctx context.Context, initiativeID string, since time.Time) ([]ActivityEvent, error)

		// RequestDecision opens an operator decision/approval item.
		RequestDecision(ctx context.Context, req DecisionRequest) error

		// ListLiveAgents returns the cloud plane's live-agents feed used
		// as a Next-Up Ranker fallback (spec.md §4.3).
		ListLiveAgents(ctx context.Context, initiativeID string) ([]entity.Record, error)

		// Plan returns the current account's billing plan tier (spec.md
		// §4.5 billing gate).
		Plan(ctx context.Context) (Plan, error)
	}
)

// Plan tiers recognized by the billing gate (spec.md §4.5).
const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)
