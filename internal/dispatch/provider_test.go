package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
)

func TestNormalizeProvider(t *testing.T) {
	cases := map[string]string{
		"claude-3-opus":        "anthropic",
		"anthropic/claude":     "anthropic",
		"openrouter/llama-3":   "openrouter",
		"open-router/llama-3":  "openrouter",
		"openai/gpt-4o":        "openai",
		"llama-3.1-70b-ollama": "",
	}
	for model, want := range cases {
		require.Equal(t, want, NormalizeProvider(model), "model=%s", model)
	}
}

func TestCanonicalModelIDDefaultsPerProvider(t *testing.T) {
	require.Equal(t, "gpt-4o", CanonicalModelID("openai", ""))
	require.NotEmpty(t, CanonicalModelID("anthropic", ""))
	require.Equal(t, "claude-3-opus", CanonicalModelID("anthropic", "claude-3-opus"))
	require.Equal(t, "", CanonicalModelID("", ""))
}

func TestCheckBillingGateRefusesFreePlanWithByokKey(t *testing.T) {
	gate := CheckBillingGate("claude-3-opus", true, cloudplane.PlanFree)
	require.False(t, gate.Allowed)
	require.Equal(t, "upgrade_required", gate.Reason)
}

func TestCheckBillingGateRefusesFreePlanWithoutByok(t *testing.T) {
	gate := CheckBillingGate("claude-3-opus", false, cloudplane.PlanFree)
	require.False(t, gate.Allowed)
	require.Equal(t, "upgrade_required", gate.Reason)
}

func TestCheckBillingGateAllowsPaidPlanWithoutByok(t *testing.T) {
	gate := CheckBillingGate("claude-3-opus", false, cloudplane.PlanPaid)
	require.True(t, gate.Allowed)
}
