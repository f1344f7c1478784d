// Package contextwindow sizes the num_ctx window requested from the
// upstream daemon for each turn.
package contextwindow

import (
	"math"

	"github.com/mochi-ai/mochi-server/internal/session"
)

// InitialWindow is the starting window for fresh sessions, before the
// safe ceiling is applied.
const InitialWindow = 8192

// safeCeilingRatio caps the requested window below the model maximum so
// the daemon keeps headroom for the response.
const safeCeilingRatio = 0.9

// usageGrowthRatio scales the last observed usage when growing the
// window past the 50% threshold.
const usageGrowthRatio = 1.5

// Usage carries the token counts of the most recent assistant message.
// Zero values mean no usage has been observed yet.
type Usage struct {
	PromptEvalCount int
	EvalCount       int
}

func (u Usage) total() int { return u.PromptEvalCount + u.EvalCount }

// Plan holds one planning decision.
type Plan struct {
	Window int
	Reason string
}

// SafeCeiling returns the largest window the planner will ever request
// for a model with the given maximum context length.
func SafeCeiling(modelMax int) int {
	return int(float64(modelMax) * safeCeilingRatio)
}

// Compute decides the context window for the next upstream call.
//
// messageCount counts non-system messages already exchanged; modelChanged
// reports whether the session model differs from the one the stored
// window was computed for. The returned plan never exceeds the safe
// ceiling.
func Compute(modelMax int, cfg session.ContextWindowConfig, usage Usage, messageCount int, modelChanged bool) Plan {
	ceiling := SafeCeiling(modelMax)

	if cfg.ManualOverride {
		return Plan{Window: cfg.CurrentWindow, Reason: session.ReasonManualOverride}
	}
	if !cfg.DynamicEnabled {
		return Plan{Window: cfg.CurrentWindow, Reason: session.ReasonNoAdjustment}
	}
	if messageCount == 0 {
		return Plan{Window: min(ceiling, InitialWindow), Reason: session.ReasonInitialSetup}
	}
	if total := usage.total(); total > 0 && float64(total) > 0.5*float64(cfg.CurrentWindow) {
		grown := int(math.Ceil(usageGrowthRatio * float64(total)))
		return Plan{Window: min(ceiling, grown), Reason: session.ReasonUsageThreshold}
	}
	if modelChanged {
		return Plan{Window: min(ceiling, InitialWindow), Reason: session.ReasonModelChange}
	}
	return Plan{Window: cfg.CurrentWindow, Reason: session.ReasonNoAdjustment}
}

// Apply writes a plan back to the session config. Adjustment decisions
// append to the bounded history; no_adjustment leaves the history
// untouched.
func Apply(cfg *session.ContextWindowConfig, p Plan) {
	if p.Reason == session.ReasonNoAdjustment {
		cfg.LastAdjustment = p.Reason
		return
	}
	if p.Reason != session.ReasonManualOverride && p.Window != cfg.CurrentWindow {
		cfg.RecordAdjustment(cfg.CurrentWindow, p.Window, p.Reason)
	}
	cfg.CurrentWindow = p.Window
	cfg.LastAdjustment = p.Reason
}
