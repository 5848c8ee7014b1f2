package oracle

import "strings"

// simpleKeywords, complexKeywords bucket a task's verb/noun vocabulary
// into a rough complexity tier when the oracle is unavailable or its
// answer falls below the confidence threshold.
var simpleKeywords = []string{"fix", "update", "rename"}
var complexKeywords = []string{"refactor", "migrate", "architecture", "system"}

// Heuristic computes a local complexity/iteration estimate from task text
// alone, per spec.md §4.F.1's fallback algorithm.
func Heuristic(task string) ComplexityResponse {
	lower := strings.ToLower(task)
	words := strings.Fields(lower)

	complexity := ComplexityModerate
	iterations := 5

	switch {
	case containsAny(lower, simpleKeywords):
		complexity = ComplexitySimple
		iterations = 2
	case containsAny(lower, complexKeywords):
		complexity = ComplexityComplex
		iterations = 10
	}

	switch {
	case len(words) < 5:
		iterations -= 2
	case len(words) > 15:
		iterations += 3
	}

	if iterations < 1 {
		iterations = 1
	}
	if iterations > 20 {
		iterations = 20
	}

	model := "default"
	if complexity == ComplexityComplex {
		model = "heavy"
	}

	return ComplexityResponse{
		Complexity: complexity,
		Model:      model,
		Iterations: iterations,
		Confidence: 1, // a heuristic result is definitionally "trusted" once chosen
		Reasoning:  "heuristic fallback: keyword bucket + word-count adjustment",
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
