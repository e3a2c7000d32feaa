package dispatch

import (
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/useorgx/openclaw-plugin/internal/cloudplane"
)

// NormalizeProvider maps a free-text model string to the fixed provider
// identifiers spec.md §4.5 step 3 recognizes. An unmatched model returns ""
// — the session is dispatched without a labeled provider.
func NormalizeProvider(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"), strings.Contains(lower, "anthropic"):
		return "anthropic"
	case strings.Contains(lower, "openrouter"), strings.Contains(lower, "open-router"):
		return "openrouter"
	case strings.Contains(lower, "openai"):
		return "openai"
	default:
		return ""
	}
}

// CanonicalModelID resolves the identifier actually handed to the spawned
// agent runtime. A recognized provider re-types the caller-supplied model
// through that provider's own SDK model type so the runtime always receives
// an identifier the provider understands; an empty model falls back to a
// conservative per-provider default rather than launching unlabeled.
func CanonicalModelID(provider, model string) string {
	switch provider {
	case "anthropic":
		if model == "" {
			return string(sdk.ModelClaudeSonnet4_5_20250929)
		}
		return string(sdk.Model(model))
	case "openai":
		if model == "" {
			return openai.GPT4o
		}
		return model
	default:
		return model
	}
}

// BillingGate is the result of the §4.5 step 3 billing check: whether the
// dispatch may proceed, or must be rejected with an upgrade prompt.
type BillingGate struct {
	Allowed bool
	Reason  string
}

// byokProviders are the providers whose models make a dispatch a
// bring-your-own-key request.
var byokProviders = map[string]struct{}{
	"anthropic":  {},
	"openai":     {},
	"openrouter": {},
}

// CheckBillingGate implements spec.md §4.5 step 3: a free-plan account is
// rejected with "upgrade_required" when the model implies a BYOK provider
// (anthropic, openai, openrouter); every other request is allowed.
// byokKeyPresent does not change the outcome.
func CheckBillingGate(model string, byokKeyPresent bool, plan cloudplane.Plan) BillingGate {
	if _, byok := byokProviders[NormalizeProvider(model)]; byok && plan == cloudplane.PlanFree {
		return BillingGate{Allowed: false, Reason: "upgrade_required"}
	}
	return BillingGate{Allowed: true}
}
