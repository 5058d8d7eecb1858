package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvariant_UnmarshalBothForms(t *testing.T) {
	var ivs []Invariant
	raw := `[{"min_candidates":3},{"run_status":"completed"},{"type":"min_top_i","value":0.4},{"type":"no_hard_violations"}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &ivs))
	require.Len(t, ivs, 4)

	assert.Equal(t, InvariantMinCandidates, ivs[0].Type)
	n, err := ivs[0].Float()
	require.NoError(t, err)
	assert.Equal(t, 3.0, n)

	assert.Equal(t, InvariantRunStatus, ivs[1].Type)
	s, err := ivs[1].Text()
	require.NoError(t, err)
	assert.Equal(t, "completed", s)

	f, err := ivs[2].Float()
	require.NoError(t, err)
	assert.InDelta(t, 0.4, f, 1e-9)

	b, err := ivs[3].Bool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestInvariant_RejectsAmbiguousShorthand(t *testing.T) {
	var iv Invariant
	err := json.Unmarshal([]byte(`{"min_candidates":3,"max_candidates":5}`), &iv)
	assert.Error(t, err)
}

func TestInvariant_RoundTripUsesLongForm(t *testing.T) {
	iv := NewInvariant(InvariantMaxDurationSeconds, 120)
	b, err := json.Marshal(iv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"max_duration_seconds","value":120}`, string(b))

	var back Invariant
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, iv.Type, back.Type)
	_, err = back.Text()
	assert.Error(t, err)
}

func TestLLMUsage_Record(t *testing.T) {
	var u LLMUsage
	u.Record("design", "dify", UsageBucket{Calls: 1, TotalTokens: 100, CostUSD: 0.01})
	u.Record("evaluation", "dify", UsageBucket{Calls: 2, TotalTokens: 50, CostUSD: 0.02})

	assert.Equal(t, 3, u.Total.Calls)
	assert.InDelta(t, 0.03, u.Total.CostUSD, 1e-12)
	assert.Equal(t, 150, u.ByProvider["dify"].TotalTokens)
	assert.Equal(t, 1, u.ByPhase["design"].Calls)
}
