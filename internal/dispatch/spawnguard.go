package dispatch

import (
	"context"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
)

// SpawnGuardVerdict classifies the outcome of a spawn-guard check into the
// three dispositions spec.md §4.5 step 2 distinguishes: proceed, a
// retryable rate-limit block, or a hard policy block.
type SpawnGuardVerdict struct {
	Allowed       bool
	RateLimited   bool
	BlockedReason string
	ModelTier     string
	Degraded      bool
}

// CheckSpawnGuard calls the cloud plane's spawn guard for (domain, taskID).
// A transport failure is treated as "degraded, proceed" per spec.md §4.5 —
// the spawn guard is advisory, not a prerequisite that blocks dispatch when
// the cloud plane itself is unreachable. A denied result is classified as
// rate-limited (retryable) when checks.rateLimit.passed is false; any other
// denial is a hard block.
func CheckSpawnGuard(ctx context.Context, client cloudplane.Client, domain, taskID string) SpawnGuardVerdict {
	result, err := client.CheckSpawnGuard(ctx, domain, taskID)
	if err != nil {
		return SpawnGuardVerdict{Allowed: true, Degraded: true}
	}
	if result.Allowed {
		return SpawnGuardVerdict{Allowed: true, ModelTier: result.ModelTier}
	}
	if !result.Checks.RateLimit.Passed {
		return SpawnGuardVerdict{
			Allowed:       false,
			RateLimited:   true,
			BlockedReason: result.BlockedReason,
			ModelTier:     result.ModelTier,
		}
	}
	return SpawnGuardVerdict{
		Allowed:       false,
		BlockedReason: result.BlockedReason,
		ModelTier:     result.ModelTier,
	}
}
