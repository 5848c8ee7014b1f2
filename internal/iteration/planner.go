package iteration

import (
	"context"

	"github.com/kandev/afk-supervisor/internal/oracle"
)

// planConfidenceFloor is the oracle confidence below which its answer is
// merged with (rather than trusted over) the local heuristic, per
// spec.md §4.F.1.
const planConfidenceFloor = 0.7

// plan chooses an iteration count and model for task, consulting gw when
// explicitIterations is unset (<=0) and falling back to the local
// heuristic when the oracle is unavailable or under-confident.
func plan(ctx context.Context, gw *oracle.Gateway, task string, explicitIterations int, explicitModel string) Plan {
	if explicitIterations > 0 {
		model := explicitModel
		if model == "" {
			model = "default"
		}
		return Plan{Iterations: explicitIterations, Model: model, Source: "explicit", Confidence: 1}
	}

	heuristic := oracle.Heuristic(task)

	if gw == nil || !gw.Available() {
		return planFromHeuristic(heuristic)
	}

	resp, err := gw.AnalyzeComplexity(ctx, task)
	if err != nil {
		return planFromHeuristic(heuristic)
	}
	if resp.Confidence < planConfidenceFloor {
		// Merge: trust the heuristic's iteration count but keep the
		// oracle's model/reasoning as a hint, recording both per spec.
		return Plan{
			Iterations: heuristic.Iterations,
			Model:      resp.Model,
			Source:     "oracle+heuristic",
			Confidence: resp.Confidence,
			Reasoning:  "oracle confidence below threshold; iterations from heuristic, model from oracle: " + resp.Reasoning,
		}
	}

	return Plan{
		Iterations: resp.Iterations,
		Model:      resp.Model,
		Source:     "oracle",
		Confidence: resp.Confidence,
		Reasoning:  resp.Reasoning,
	}
}

func planFromHeuristic(h oracle.ComplexityResponse) Plan {
	return Plan{
		Iterations: h.Iterations,
		Model:      h.Model,
		Source:     "heuristic",
		Confidence: h.Confidence,
		Reasoning:  h.Reasoning,
	}
}
