package service

import (
	"fmt"
	"math"

	"mech-search/internal/metrics"
	"mech-search/internal/model"
)

// InvariantResult 单条检查的结果；失败只是报告项，不是错误
type InvariantResult struct {
	Type     model.InvariantType `json:"type"`
	Expected any                 `json:"expected"`
	Actual   any                 `json:"actual"`
	Passed   bool                `json:"passed"`
	Message  string              `json:"message,omitempty"`
}

// ValidateInvariants 用回放 run 的统计逐条检查 invariants。未知类型或取值非法记为失败，从不返回错误
func ValidateInvariants(st *RunStatistics, invariants []model.Invariant, ref *model.ReferenceMetrics) []InvariantResult {
	out := make([]InvariantResult, 0, len(invariants))
	for _, iv := range invariants {
		r := checkInvariant(st, iv, ref)
		result := "fail"
		if r.Passed {
			result = "pass"
		}
		metrics.InvariantResults.WithLabelValues(string(iv.Type), result).Inc()
		out = append(out, r)
	}
	return out
}

func allPassed(results []InvariantResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func checkInvariant(st *RunStatistics, iv model.Invariant, ref *model.ReferenceMetrics) InvariantResult {
	r := InvariantResult{Type: iv.Type}
	fail := func(format string, args ...any) InvariantResult {
		r.Passed = false
		r.Message = fmt.Sprintf(format, args...)
		return r
	}

	switch iv.Type {
	case model.InvariantMinCandidates, model.InvariantMaxCandidates,
		model.InvariantMinScenarios, model.InvariantMaxScenarios:
		v, err := iv.Float()
		if err != nil {
			return fail("%v", err)
		}
		actual := st.CandidateCount
		if iv.Type == model.InvariantMinScenarios || iv.Type == model.InvariantMaxScenarios {
			actual = st.ScenarioCount
		}
		r.Expected, r.Actual = v, actual
		if iv.Type == model.InvariantMinCandidates || iv.Type == model.InvariantMinScenarios {
			r.Passed = float64(actual) >= v
		} else {
			r.Passed = float64(actual) <= v
		}

	case model.InvariantRunStatus:
		want, err := iv.Text()
		if err != nil {
			return fail("%v", err)
		}
		r.Expected, r.Actual = want, string(st.Status)
		r.Passed = string(st.Status) == want
		if !r.Passed && st.ErrorSummary != "" {
			r.Message = st.ErrorSummary
		}

	case model.InvariantMinTopI, model.InvariantMaxTopI:
		v, err := iv.Float()
		if err != nil {
			return fail("%v", err)
		}
		r.Expected = v
		if st.TopCandidate == nil {
			return fail("没有可用的最优候选（未排序或全部被否决）")
		}
		r.Actual = st.TopCandidate.I
		if iv.Type == model.InvariantMinTopI {
			r.Passed = st.TopCandidate.I >= v
		} else {
			r.Passed = st.TopCandidate.I <= v
		}

	case model.InvariantNoHardViolations:
		want, err := iv.Bool()
		if err != nil {
			return fail("%v", err)
		}
		r.Expected, r.Actual = want, st.HardViolationCount
		r.Passed = (st.HardViolationCount == 0) == want

	case model.InvariantMaxDurationSeconds:
		v, err := iv.Float()
		if err != nil {
			return fail("%v", err)
		}
		r.Expected, r.Actual = v, st.DurationSeconds
		r.Passed = st.DurationSeconds <= v

	case model.InvariantMinEvaluationCoverage:
		v, err := iv.Float()
		if err != nil {
			return fail("%v", err)
		}
		if v > 1 {
			// 允许写成百分数
			v = v / 100
		}
		r.Expected, r.Actual = v, st.Coverage
		r.Passed = st.Coverage+1e-9 >= v

	case model.InvariantMaxTopIDelta:
		v, err := iv.Float()
		if err != nil {
			return fail("%v", err)
		}
		r.Expected = v
		if ref == nil || ref.TopI == nil {
			return fail("快照缺少基线 top I，无法比较")
		}
		if st.TopCandidate == nil {
			return fail("回放没有可用的最优候选")
		}
		delta := math.Abs(st.TopCandidate.I - *ref.TopI)
		r.Actual = delta
		r.Passed = delta <= v

	case model.InvariantMaxDurationRatio:
		v, err := iv.Float()
		if err != nil {
			return fail("%v", err)
		}
		r.Expected = v
		if ref == nil || ref.DurationSeconds <= 0 {
			return fail("快照缺少基线耗时，无法比较")
		}
		ratio := st.DurationSeconds / ref.DurationSeconds
		r.Actual = ratio
		r.Passed = ratio <= v

	default:
		return fail("未知 invariant 类型: %s", iv.Type)
	}
	return r
}
