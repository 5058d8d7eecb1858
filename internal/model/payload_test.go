package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintID(t *testing.T) {
	assert.Equal(t, "max_latency_ms", ConstraintID("  Max Latency (ms) "))
	assert.Equal(t, "预算上限", ConstraintID("预算上限"))
	assert.Equal(t, "constraint", ConstraintID("!!!"))
}

func TestProblemSpecPayload_Normalize(t *testing.T) {
	p := ProblemSpecPayload{Constraints: []Constraint{
		{Name: "Budget", Weight: 100},
		{Name: "budget", Weight: 40},
		{ID: "custom", Name: "Latency", Weight: 60},
	}}
	p.Normalize()

	assert.Equal(t, "budget", p.Constraints[0].ID)
	assert.Equal(t, "budget_2", p.Constraints[1].ID)
	assert.Equal(t, "custom", p.Constraints[2].ID)
	assert.True(t, p.Constraints[0].IsHard())
	assert.False(t, p.Constraints[1].IsHard())
	assert.Len(t, p.ConstraintByID(), 3)
}

func TestProblemSpecPayload_Validate(t *testing.T) {
	ok := ProblemSpecPayload{Constraints: []Constraint{{Name: "a", Weight: 100}}}
	require.NoError(t, ok.Validate())

	overweight := ProblemSpecPayload{Constraints: []Constraint{{Name: "a", Weight: 101}}}
	assert.Error(t, overweight.Validate())

	unnamed := ProblemSpecPayload{Constraints: []Constraint{{Weight: 10}}}
	assert.Error(t, unnamed.Validate())
}

func TestWorldModelPayload_Validate(t *testing.T) {
	w := WorldModelPayload{Actors: []Entity{{Name: "operator"}}}
	require.NoError(t, w.Validate())

	w.Mechanisms = []Entity{{Description: "no name"}}
	assert.Error(t, w.Validate())
}
