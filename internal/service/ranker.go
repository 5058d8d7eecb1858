package service

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"mech-search/internal/config"
	"mech-search/internal/model"
)

const (
	standoutMinWeight  = 50
	strengthThreshold  = 0.8
	weaknessThreshold  = 0.5
	maxFactorLabels    = 4
	maxStandouts       = 2
	maxExplainSentence = 3
)

type RankedCandidate struct {
	CandidateID    uint                  `json:"candidate_id"`
	PreviousStatus model.CandidateStatus `json:"previous_status"`
	Status         model.CandidateStatus `json:"status"`
	Scores         model.CandidateScores `json:"scores"`
}

// RankingResult 已评估的候选按名次在前，未评估的在后
type RankingResult struct {
	Candidates []RankedCandidate `json:"candidates"`
	MedianP    float64           `json:"median_p"`
	MedianR    float64           `json:"median_r"`
}

type aggregate struct {
	cand       *model.Candidate
	p, r, i    float64
	n          int
	cs         map[string]float64
	violations []model.Constraint
	status     model.CandidateStatus
}

// Rank 纯函数：只读 evaluations，从头推导每个候选的分数、状态与解释
func Rank(cands []model.Candidate, evals []model.Evaluation, constraints []model.Constraint, cfg config.RankingConfig) RankingResult {
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = 1e-6
	}

	byCand := map[uint][]model.Evaluation{}
	for _, e := range evals {
		byCand[e.CandidateID] = append(byCand[e.CandidateID], e)
	}

	var ranked []*aggregate
	var unevaluated []*aggregate
	for i := range cands {
		c := &cands[i]
		es := byCand[c.ID]
		if len(es) == 0 {
			unevaluated = append(unevaluated, &aggregate{cand: c, status: model.CandidateStatusNew})
			continue
		}
		a := &aggregate{cand: c, n: len(es), cs: map[string]float64{}}
		counts := map[string]int{}
		for _, e := range es {
			a.p += e.P
			a.r += e.R
			for id, s := range e.ConstraintSatisfaction {
				a.cs[id] += s.Score
				counts[id]++
			}
		}
		a.p /= float64(a.n)
		a.r /= float64(a.n)
		for id := range a.cs {
			a.cs[id] /= float64(counts[id])
		}
		a.i = a.p / math.Max(a.r, eps)

		for _, con := range constraints {
			if !con.IsHard() {
				continue
			}
			if s, ok := a.cs[con.ID]; ok && s < cfg.HardConstraintMinScore {
				a.violations = append(a.violations, con)
			}
		}
		switch {
		case len(a.violations) > 0:
			a.status = model.CandidateStatusRejected
		case a.i >= cfg.PromisingThreshold:
			a.status = model.CandidateStatusPromising
		case a.i >= cfg.UnderTestThreshold:
			a.status = model.CandidateStatusUnderTest
		default:
			a.status = model.CandidateStatusWeak
		}
		ranked = append(ranked, a)
	}

	sort.SliceStable(ranked, func(x, y int) bool {
		a, b := ranked[x], ranked[y]
		ar, br := a.status == model.CandidateStatusRejected, b.status == model.CandidateStatusRejected
		if ar != br {
			return !ar
		}
		if a.i != b.i {
			return a.i > b.i
		}
		if a.r != b.r {
			return a.r < b.r
		}
		if !a.cand.CreatedAt.Equal(b.cand.CreatedAt) {
			return a.cand.CreatedAt.Before(b.cand.CreatedAt)
		}
		return a.cand.ID < b.cand.ID
	})

	ps := make([]float64, 0, len(ranked))
	rs := make([]float64, 0, len(ranked))
	for _, a := range ranked {
		ps = append(ps, a.p)
		rs = append(rs, a.r)
	}
	result := RankingResult{MedianP: median(ps), MedianR: median(rs)}

	for idx, a := range ranked {
		p, r, i := a.p, a.r, a.i
		scores := model.CandidateScores{
			P:                      &p,
			R:                      &r,
			I:                      &i,
			ConstraintSatisfaction: a.cs,
			Rank:                   idx + 1,
			EvaluationCount:        a.n,
		}
		for _, v := range a.violations {
			scores.HardViolations = append(scores.HardViolations, v.ID)
		}
		var prev *aggregate
		if idx > 0 {
			prev = ranked[idx-1]
		}
		scores.RankingExplanation, scores.TopPositiveFactors, scores.TopNegativeFactors =
			explain(a, prev, idx+1, len(ranked), result.MedianP, result.MedianR, constraints, cfg)

		result.Candidates = append(result.Candidates, RankedCandidate{
			CandidateID:    a.cand.ID,
			PreviousStatus: a.cand.Status,
			Status:         a.status,
			Scores:         scores,
		})
	}
	for _, a := range unevaluated {
		result.Candidates = append(result.Candidates, RankedCandidate{
			CandidateID:    a.cand.ID,
			PreviousStatus: a.cand.Status,
			Status:         model.CandidateStatusNew,
			Scores: model.CandidateScores{
				Unevaluated:        true,
				RankingExplanation: "尚无评估结果，未参与排序。",
			},
		})
	}
	return result
}

type standout struct {
	con      model.Constraint
	score    float64
	strength bool
}

func explain(a, prev *aggregate, rank, total int, medP, medR float64, constraints []model.Constraint, cfg config.RankingConfig) (string, []string, []string) {
	var sentences, pos, neg []string

	// (a) 硬约束违反必须放在第一句
	if len(a.violations) > 0 {
		parts := make([]string, 0, len(a.violations))
		for _, v := range a.violations {
			parts = append(parts, fmt.Sprintf("「%s」（满足度 %.2f < %.2f）", v.Name, a.cs[v.ID], cfg.HardConstraintMinScore))
			neg = append(neg, "违反硬约束:"+v.Name)
		}
		sentences = append(sentences, fmt.Sprintf("违反硬约束%s，已否决。", strings.Join(parts, "、")))
	}

	// (b) 名次与相邻更优候选的 I 差距
	if prev == nil {
		sentences = append(sentences, fmt.Sprintf("在 %d 个已评估候选中排名第 1（I=%.2f）。", total, a.i))
		if a.status != model.CandidateStatusRejected {
			pos = append(pos, "I 排名第一")
		}
	} else {
		gap := 0.0
		if prev.i > 0 {
			gap = (prev.i - a.i) / prev.i * 100
		}
		sentences = append(sentences, fmt.Sprintf("排名第 %d/%d（I=%.2f），比第 %d 名低 %.1f%%。", rank, total, a.i, rank-1, gap))
	}

	// (c) P/R 相对中位数
	sentences = append(sentences, fmt.Sprintf("P %s中位数（%.2f vs %.2f），R %s中位数（%.2f vs %.2f）。",
		compareWord(a.p, medP), a.p, medP, compareWord(a.r, medR), a.r, medR))
	switch {
	case a.p > medP:
		pos = append(pos, "P 高于中位数")
	case a.p < medP:
		neg = append(neg, "P 低于中位数")
	}
	switch {
	case a.r < medR:
		pos = append(pos, "R 低于中位数（更省）")
	case a.r > medR:
		neg = append(neg, "R 高于中位数（更贵）")
	}

	// (d) 高权重约束上的突出强弱项，最多两项
	var outs []standout
	for _, con := range constraints {
		s, ok := a.cs[con.ID]
		if !ok || con.Weight < standoutMinWeight {
			continue
		}
		switch {
		case s > strengthThreshold:
			outs = append(outs, standout{con: con, score: s, strength: true})
		case s < weaknessThreshold:
			outs = append(outs, standout{con: con, score: s})
		}
	}
	sort.SliceStable(outs, func(x, y int) bool { return outs[x].con.Weight > outs[y].con.Weight })
	if len(outs) > maxStandouts {
		outs = outs[:maxStandouts]
	}
	if len(outs) > 0 {
		parts := make([]string, 0, len(outs))
		for _, o := range outs {
			if o.strength {
				parts = append(parts, fmt.Sprintf("强项「%s」(%.2f)", o.con.Name, o.score))
				pos = append(pos, "强项:"+o.con.Name)
			} else {
				parts = append(parts, fmt.Sprintf("弱项「%s」(%.2f)", o.con.Name, o.score))
				neg = append(neg, "弱项:"+o.con.Name)
			}
		}
		sentences = append(sentences, "突出："+strings.Join(parts, "；")+"。")
	}

	if len(sentences) > maxExplainSentence {
		sentences = sentences[:maxExplainSentence]
	}
	return strings.Join(sentences, ""), capLabels(pos), capLabels(neg)
}

func compareWord(v, med float64) string {
	switch {
	case v > med:
		return "高于"
	case v < med:
		return "低于"
	default:
		return "持平"
	}
}

func capLabels(labels []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
		if len(out) == maxFactorLabels {
			break
		}
	}
	return out
}

// sortByRank 已排名的按名次，未排名的按创建顺序排在最后
func sortByRank(cands []model.Candidate) {
	sort.SliceStable(cands, func(x, y int) bool {
		a, b := cands[x].Scores.Rank, cands[y].Scores.Rank
		if (a == 0) != (b == 0) {
			return a != 0
		}
		if a != b {
			return a < b
		}
		return cands[x].ID < cands[y].ID
	})
}
