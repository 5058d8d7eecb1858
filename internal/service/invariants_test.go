package service

import (
	"testing"

	"mech-search/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStatistics() *RunStatistics {
	return &RunStatistics{
		Status:             model.RunStatusCompleted,
		CandidateCount:     3,
		ScenarioCount:      2,
		EvaluationCount:    6,
		DurationSeconds:    12,
		Coverage:           5.0 / 6.0,
		HardViolationCount: 1,
		TopCandidate:       &TopCandidate{ID: 7, I: 1.5},
	}
}

func TestValidateInvariants(t *testing.T) {
	topI, dur := 1.45, 10.0
	ref := &model.ReferenceMetrics{TopI: &topI, DurationSeconds: dur}

	cases := []struct {
		iv   model.Invariant
		pass bool
	}{
		{model.NewInvariant(model.InvariantMinCandidates, 3), true},
		{model.NewInvariant(model.InvariantMaxCandidates, 2), false},
		{model.NewInvariant(model.InvariantMinScenarios, "2"), true},
		{model.NewInvariant(model.InvariantMaxScenarios, 5), true},
		{model.NewInvariant(model.InvariantRunStatus, "completed"), true},
		{model.NewInvariant(model.InvariantMinTopI, 1.2), true},
		{model.NewInvariant(model.InvariantMaxTopI, 1.2), false},
		{model.NewInvariant(model.InvariantNoHardViolations, true), false},
		{model.NewInvariant(model.InvariantMaxDurationSeconds, 30), true},
		{model.NewInvariant(model.InvariantMinEvaluationCoverage, 80), true},
		{model.NewInvariant(model.InvariantMinEvaluationCoverage, 0.9), false},
		{model.NewInvariant(model.InvariantMaxTopIDelta, 0.1), true},
		{model.NewInvariant(model.InvariantMaxDurationRatio, 1.1), false},
		{model.NewInvariant("max_happiness", 1), false},
		{model.NewInvariant(model.InvariantMinCandidates, "many"), false},
	}
	ivs := make([]model.Invariant, 0, len(cases))
	for _, c := range cases {
		ivs = append(ivs, c.iv)
	}

	results := ValidateInvariants(sampleStatistics(), ivs, ref)
	require.Len(t, results, len(cases))
	for i, c := range cases {
		assert.Equal(t, c.pass, results[i].Passed, "%d %s: %s", i, c.iv.Type, results[i].Message)
	}
	assert.False(t, allPassed(results))
}

func TestValidateInvariants_NeedsBaseline(t *testing.T) {
	results := ValidateInvariants(sampleStatistics(), []model.Invariant{
		model.NewInvariant(model.InvariantMaxTopIDelta, 1),
		model.NewInvariant(model.InvariantMaxDurationRatio, 2),
	}, nil)
	for _, r := range results {
		assert.False(t, r.Passed)
		assert.NotEmpty(t, r.Message)
	}
}

func TestValidateInvariants_NoTopCandidate(t *testing.T) {
	st := sampleStatistics()
	st.TopCandidate = nil
	results := ValidateInvariants(st, []model.Invariant{model.NewInvariant(model.InvariantMinTopI, 0)}, nil)
	assert.False(t, results[0].Passed)
}

func TestValidateInvariants_FailedRunCarriesSummary(t *testing.T) {
	st := sampleStatistics()
	st.Status = model.RunStatusFailed
	st.ErrorSummary = "阶段 evaluation 执行失败: run 预算已耗尽"
	results := ValidateInvariants(st, []model.Invariant{model.NewInvariant(model.InvariantRunStatus, "completed")}, nil)
	assert.False(t, results[0].Passed)
	assert.Equal(t, st.ErrorSummary, results[0].Message)
}

func TestWilsonCI(t *testing.T) {
	pr := computePassRate(8, 10)
	assert.InDelta(t, 0.8, pr.Rate, 1e-9)
	assert.Less(t, pr.CI95Low, 0.8)
	assert.Greater(t, pr.CI95High, 0.8)
	assert.LessOrEqual(t, pr.CI95High, 1.0)

	empty := computePassRate(0, 0)
	assert.Zero(t, empty.Rate)
}
