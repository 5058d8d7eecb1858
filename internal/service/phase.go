package service

import (
	"fmt"
	"strings"
)

type Phase string

const (
	PhaseDesign     Phase = "design"
	PhaseScenarios  Phase = "scenario_generation"
	PhaseEvaluation Phase = "evaluation"
	PhaseRanking    Phase = "ranking"
)

// AllPhases 规范执行顺序
var AllPhases = []Phase{PhaseDesign, PhaseScenarios, PhaseEvaluation, PhaseRanking}

// ParsePhases 解析外部传入的阶段名（允许 scenario/scenarios 简写），去重并按规范顺序排列
func ParsePhases(names []string) ([]Phase, error) {
	if len(names) == 0 {
		return AllPhases, nil
	}
	want := map[Phase]bool{}
	for _, n := range names {
		p := Phase(strings.ToLower(strings.TrimSpace(n)))
		switch p {
		case "scenario", "scenarios":
			p = PhaseScenarios
		case "eval":
			p = PhaseEvaluation
		case "rank":
			p = PhaseRanking
		}
		if !p.valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPhase, n)
		}
		want[p] = true
	}
	out := make([]Phase, 0, len(want))
	for _, p := range AllPhases {
		if want[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (p Phase) valid() bool {
	for _, x := range AllPhases {
		if p == x {
			return true
		}
	}
	return false
}

func containsPhase(phases []Phase, p Phase) bool {
	for _, x := range phases {
		if x == p {
			return true
		}
	}
	return false
}

// normalizePhases 校验已类型化的阶段列表；空表示全部阶段
func normalizePhases(ps []Phase) ([]Phase, error) {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, string(p))
	}
	return ParsePhases(names)
}
