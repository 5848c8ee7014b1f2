package iteration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanExplicitIterationsWins(t *testing.T) {
	p := plan(context.Background(), nil, "do anything", 7, "heavy")
	assert.Equal(t, 7, p.Iterations)
	assert.Equal(t, "heavy", p.Model)
	assert.Equal(t, "explicit", p.Source)
}

func TestPlanFallsBackToHeuristicWithoutOracle(t *testing.T) {
	p := plan(context.Background(), nil, "fix the login bug", 0, "")
	assert.Equal(t, "heuristic", p.Source)
	assert.Equal(t, 1, p.Iterations) // short "simple" task: base 2, -2 for <5 words, clamped to 1
}

func TestPlanHeuristicComplexTask(t *testing.T) {
	p := plan(context.Background(), nil, "refactor the entire billing system architecture across services", 0, "")
	assert.Equal(t, "heuristic", p.Source)
	assert.Greater(t, p.Iterations, 5)
}
