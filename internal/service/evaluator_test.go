package service

import (
	"context"
	"testing"

	"mech-search/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var evalConstraints = []model.Constraint{
	{ID: "safety", Name: "安全", Weight: 100},
	{ID: "user_cost", Name: "User Cost", Weight: 40},
}

func TestParseEvaluation_WellFormed(t *testing.T) {
	out := parseEvaluation(`好的，结果如下：
{"p": 0.7, "r": "0.35", "constraint_satisfaction": {"safety": {"satisfied": true, "score": 0.9, "explanation": "有兜底"}, "User Cost": 0.4}, "rationale": "整体可行"}
以上。`, evalConstraints, []string{"safety", "user_cost"})

	assert.False(t, out.Malformed)
	assert.InDelta(t, 0.7, out.P, 1e-9)
	assert.InDelta(t, 0.35, out.R, 1e-9)
	assert.Equal(t, "整体可行", out.Rationale)
	require.Contains(t, out.ConstraintSatisfaction, "safety")
	assert.Equal(t, "有兜底", out.ConstraintSatisfaction["safety"].Explanation)
	// 名称映射回约束 ID
	require.Contains(t, out.ConstraintSatisfaction, "user_cost")
	assert.False(t, out.ConstraintSatisfaction["user_cost"].Satisfied)
}

func TestParseEvaluation_ArrayForm(t *testing.T) {
	out := parseEvaluation(`{"P": 80, "R": 20, "constraints": [{"id": "safety", "satisfied": false}, {"name": "user cost", "score": 0.6}]}`,
		evalConstraints, nil)

	assert.False(t, out.Malformed)
	// 百分制折算
	assert.InDelta(t, 0.8, out.P, 1e-9)
	assert.InDelta(t, 0.2, out.R, 1e-9)
	assert.Equal(t, model.ConstraintScore{Satisfied: false, Score: 0}, out.ConstraintSatisfaction["safety"])
	assert.InDelta(t, 0.6, out.ConstraintSatisfaction["user_cost"].Score, 1e-9)
}

func TestParseEvaluation_MalformedUsesNeutral(t *testing.T) {
	cases := map[string]string{
		"not json":  "模型拒绝回答",
		"missing r": `{"p": 0.9}`,
		"nan":       `{"p": "NaN", "r": "Inf"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			out := parseEvaluation(text, evalConstraints, []string{"safety"})
			assert.True(t, out.Malformed)
			assert.GreaterOrEqual(t, out.P, 0.0)
			assert.LessOrEqual(t, out.P, 1.0)
			assert.InDelta(t, neutralScore, out.R, 1e-9)
			require.Contains(t, out.ConstraintSatisfaction, "safety")
			assert.Equal(t, neutralScore, out.ConstraintSatisfaction["safety"].Score)
			assert.True(t, out.ConstraintSatisfaction["safety"].Satisfied)
		})
	}
}

func TestParseEvaluation_ClampsOutOfRange(t *testing.T) {
	out := parseEvaluation(`{"p": 1.7, "r": -0.4, "constraint_satisfaction": {"safety": 250}}`, evalConstraints, nil)
	assert.Equal(t, 1.0, out.P)
	assert.Equal(t, 0.0, out.R)
	assert.Equal(t, 1.0, out.ConstraintSatisfaction["safety"].Score)
}

func TestParseEvaluation_SlightOvershootIsCapped(t *testing.T) {
	out := parseEvaluation(`{"p": 1.2, "r": 1.05, "constraint_satisfaction": {"safety": 1.1}}`, evalConstraints, nil)
	require.False(t, out.Malformed)
	assert.Equal(t, 1.0, out.P)
	assert.Equal(t, 1.0, out.R)
	require.Contains(t, out.ConstraintSatisfaction, "safety")
	assert.Equal(t, 1.0, out.ConstraintSatisfaction["safety"].Score)
	assert.True(t, out.ConstraintSatisfaction["safety"].Satisfied)
}

func TestParseEvaluation_PercentStrings(t *testing.T) {
	out := parseEvaluation(`{"p": "85%", "r": "1.5%", "constraint_satisfaction": {"safety": "90%"}}`, evalConstraints, nil)
	require.False(t, out.Malformed)
	assert.InDelta(t, 0.85, out.P, 1e-9)
	assert.InDelta(t, 0.015, out.R, 1e-9)
	assert.InDelta(t, 0.9, out.ConstraintSatisfaction["safety"].Score, 1e-9)
}

func TestParseEvaluation_IgnoresUnknownConstraints(t *testing.T) {
	out := parseEvaluation(`{"p": 0.5, "r": 0.5, "constraint_satisfaction": {"latency": 0.1}}`, evalConstraints, nil)
	assert.NotContains(t, out.ConstraintSatisfaction, "latency")
	assert.Empty(t, out.ConstraintSatisfaction)
}

func TestEvaluationService_Evaluate(t *testing.T) {
	gen := newFakeGenerator()
	gen.costPerCall = 0.01
	svc := NewEvaluationService(zaptest.NewLogger(t))

	out, err := svc.Evaluate(context.Background(), gen, EvaluationInput{
		Candidate:   &model.Candidate{ID: 1, Mechanism: "逐步调价"},
		Scenario:    &model.Scenario{ID: 2, Name: "晚高峰", Focus: model.ScenarioFocus{Constraints: []string{"safety"}}},
		Constraints: testSpecPayload().Constraints,
	})
	require.NoError(t, err)
	assert.False(t, out.Malformed)
	assert.Equal(t, "fake", out.Provider)
	assert.Equal(t, 150, out.Tokens)
	assert.InDelta(t, 0.01, out.CostUSD, 1e-12)
	assert.Equal(t, 1, gen.Calls(PhaseEvaluation))
}

func TestEvaluationService_GeneratorError(t *testing.T) {
	gen := newFakeGenerator()
	gen.fail(PhaseEvaluation, errFakeUpstream)
	svc := NewEvaluationService(zaptest.NewLogger(t))

	_, err := svc.Evaluate(context.Background(), gen, EvaluationInput{
		Candidate: &model.Candidate{ID: 1, Mechanism: "x"},
		Scenario:  &model.Scenario{ID: 1},
	})
	assert.ErrorIs(t, err, errFakeUpstream)
}

func TestParsePhases(t *testing.T) {
	got, err := ParsePhases(nil)
	require.NoError(t, err)
	assert.Equal(t, AllPhases, got)

	got, err = ParsePhases([]string{"rank", "Scenarios", "eval", "ranking"})
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseScenarios, PhaseEvaluation, PhaseRanking}, got)

	_, err = ParsePhases([]string{"deploy"})
	assert.ErrorIs(t, err, ErrInvalidPhase)
}

func TestExtractJSONObject(t *testing.T) {
	obj, ok := extractJSONObject("```json\n{\"a\": {\"b\": 1}}\n```")
	require.True(t, ok)
	assert.Contains(t, obj, "a")

	_, ok = extractJSONObject("no braces here")
	assert.False(t, ok)
	_, ok = extractJSONObject("{broken")
	assert.False(t, ok)
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-3))
	assert.Equal(t, 0.42, clamp01(0.42))
	assert.InDelta(t, 0.75, clamp01(75), 1e-9)
	assert.InDelta(t, 0.02, clamp01(2), 1e-9)
	assert.Equal(t, 1.0, clamp01(1.1))
	assert.Equal(t, 1.0, clamp01(1.99))
	assert.Equal(t, 1.0, clamp01(1000))
}
