package gro

import "strings"

// ThinkingMode is the per-provider strategy for spending the thinking budget.
type ThinkingMode int

const (
	// ThinkingNone: the model has no reasoning extension.
	ThinkingNone ThinkingMode = iota
	// ThinkingAdaptive: the API takes an effort label (low/medium/high/max).
	ThinkingAdaptive
	// ThinkingManual: the API takes an explicit reasoning-token budget.
	ThinkingManual
)

// thinkingPattern maps model-name substrings to their reasoning strategy.
// First match wins; unlisted models get ThinkingNone.
var thinkingPatterns = []struct {
	substr string
	mode   ThinkingMode
}{
	{"claude-opus-4", ThinkingManual},
	{"claude-sonnet-4", ThinkingManual},
	{"claude-3-7", ThinkingManual},
	{"gpt-5", ThinkingAdaptive},
	{"o1", ThinkingAdaptive},
	{"o3", ThinkingAdaptive},
	{"o4", ThinkingAdaptive},
	{"deepseek-reasoner", ThinkingAdaptive},
	{"gemini-2.5", ThinkingManual},
	{"gemini-3", ThinkingManual},
}

// ThinkingModeFor returns the reasoning strategy for a model, honoring the
// process-wide rejection set: a model that refused a thinking request is
// treated as ThinkingNone until ResetThinkingRejections.
func ThinkingModeFor(model string) ThinkingMode {
	if ThinkingRejected(model) {
		return ThinkingNone
	}
	lower := strings.ToLower(model)
	for _, p := range thinkingPatterns {
		if strings.Contains(lower, p.substr) {
			return p.mode
		}
	}
	return ThinkingNone
}

// EffortLabel maps a thinking budget in [0,1] to an adaptive-mode effort
// label.
func EffortLabel(budget float64) string {
	switch {
	case budget >= 0.95:
		return "max"
	case budget >= 0.66:
		return "high"
	case budget >= 0.33:
		return "medium"
	default:
		return "low"
	}
}

// ReasoningTokens maps a thinking budget to a manual-mode token allocation:
// roughly 70% of the completion cap, scaled by the budget.
func ReasoningTokens(budget float64, maxTokens int) int {
	if budget <= 0 || maxTokens <= 0 {
		return 0
	}
	if budget > 1 {
		budget = 1
	}
	return int(float64(maxTokens) * budget * 0.7)
}

// IsThinkingRejection reports whether err is a 4xx provider response
// refusing a thinking/reasoning field. Drivers mark the model and retry the
// same call without the field.
func IsThinkingRejection(err error) bool {
	status := statusOf(err)
	if status < 400 || status >= 500 {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "thinking") || strings.Contains(msg, "not supported")
}

// Tier buckets used for model selection across a provider preference list.
const (
	TierLow  = "low"
	TierMid  = "mid"
	TierHigh = "high"
)

// TierFor maps a thinking budget to a tier, optionally capped by maxTier
// ("" = uncapped).
func TierFor(budget float64, maxTier string) string {
	tier := TierLow
	switch {
	case budget >= 0.66:
		tier = TierHigh
	case budget >= 0.33:
		tier = TierMid
	}
	switch maxTier {
	case TierLow:
		return TierLow
	case TierMid:
		if tier == TierHigh {
			return TierMid
		}
	}
	return tier
}
