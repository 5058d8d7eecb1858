package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mech-search/internal/metrics"
	"mech-search/internal/model"

	"go.uber.org/zap"
)

const neutralScore = 0.5

type EvaluationInput struct {
	Candidate   *model.Candidate
	Scenario    *model.Scenario
	Constraints []model.Constraint
	WorldModel  model.WorldModelPayload
	Chat        []model.ChatMessage
}

// EvaluationOutcome 分数已保证落在 [0,1]，约束 key 为约束 ID
type EvaluationOutcome struct {
	P                      float64
	R                      float64
	ConstraintSatisfaction map[string]model.ConstraintScore
	Rationale              string
	Malformed              bool
	Provider               string
	Tokens                 int
	CostUSD                float64
}

// EvaluationService 对单个 (候选, 场景) 做一次判定
type EvaluationService struct {
	logger *zap.Logger
}

func NewEvaluationService(logger *zap.Logger) *EvaluationService {
	return &EvaluationService{logger: logger}
}

// Evaluate 生成调用失败时返回错误；输出结构不合法时用中性默认值兜底，不返回错误
func (s *EvaluationService) Evaluate(ctx context.Context, gen Generator, in EvaluationInput) (*EvaluationOutcome, error) {
	res, err := gen.Generate(ctx, GenerationRequest{
		Phase:    PhaseEvaluation,
		System:   evaluationSystemPrompt,
		Prompt:   buildEvaluationPrompt(in),
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	out := parseEvaluation(res.Text, in.Constraints, focusConstraintIDs(in))
	out.Provider = res.Provider
	out.Tokens = res.TotalTokens
	out.CostUSD = res.CostUSD
	if out.Malformed {
		metrics.GenerationMalformed.WithLabelValues("evaluation").Inc()
		s.logger.Warn("评估输出不合法，使用中性默认值",
			zap.Uint("candidate_id", in.Candidate.ID),
			zap.Uint("scenario_id", in.Scenario.ID),
			zap.String("raw", truncate(res.Text, 300)))
	}
	return out, nil
}

const evaluationSystemPrompt = `你是机制设计评审。根据给定场景评估候选机制，只输出一个 JSON 对象：
{"p": 0~1 预测质量, "r": 0~1 资源/复杂度成本, "constraint_satisfaction": {"<约束ID>": {"satisfied": true/false, "score": 0~1, "explanation": "..."}}, "rationale": "..."}
不要输出 JSON 以外的内容。`

func buildEvaluationPrompt(in EvaluationInput) string {
	var b strings.Builder
	b.WriteString("## 候选机制\n")
	if in.Candidate.Title != "" {
		b.WriteString(fmt.Sprintf("标题: %s\n", in.Candidate.Title))
	}
	b.WriteString(fmt.Sprintf("机制: %s\n", in.Candidate.Mechanism))
	for _, e := range in.Candidate.PredictedEffects {
		b.WriteString(fmt.Sprintf("- 预期效果: %s\n", e))
	}

	b.WriteString("\n## 场景\n")
	b.WriteString(fmt.Sprintf("名称: %s\n描述: %s\n", in.Scenario.Name, in.Scenario.Description))
	if len(in.Scenario.InitialState) > 0 {
		st, _ := json.Marshal(in.Scenario.InitialState)
		b.WriteString(fmt.Sprintf("初始状态: %s\n", st))
	}
	for _, e := range in.Scenario.Events {
		b.WriteString(fmt.Sprintf("- 事件: %s\n", e))
	}
	for _, e := range in.Scenario.ExpectedOutcomes {
		b.WriteString(fmt.Sprintf("- 期望结果: %s\n", e))
	}
	if len(in.Scenario.Focus.Constraints) > 0 {
		b.WriteString(fmt.Sprintf("重点约束: %s\n", strings.Join(in.Scenario.Focus.Constraints, ", ")))
	}

	b.WriteString("\n## 约束（按 ID 打分）\n")
	for _, c := range in.Constraints {
		b.WriteString(fmt.Sprintf("- %s | %s | 权重 %.0f | %s\n", c.ID, c.Name, c.Weight, c.Description))
	}

	b.WriteString("\n## 世界模型\n")
	writeEntities(&b, "参与者", in.WorldModel.Actors)
	writeEntities(&b, "资源", in.WorldModel.Resources)
	writeEntities(&b, "假设", in.WorldModel.Assumptions)

	if chat := renderChat(in.Chat); chat != "" {
		b.WriteString("\n## 近期对话\n")
		b.WriteString(chat)
	}
	return b.String()
}

func writeEntities(b *strings.Builder, label string, items []model.Entity) {
	for _, e := range items {
		if e.Description != "" {
			b.WriteString(fmt.Sprintf("- %s: %s（%s）\n", label, e.Name, e.Description))
		} else {
			b.WriteString(fmt.Sprintf("- %s: %s\n", label, e.Name))
		}
	}
}

// focusConstraintIDs 场景声明的重点约束；为空时要求覆盖全部约束
func focusConstraintIDs(in EvaluationInput) []string {
	if len(in.Scenario.Focus.Constraints) > 0 {
		return in.Scenario.Focus.Constraints
	}
	ids := make([]string, 0, len(in.Constraints))
	for _, c := range in.Constraints {
		ids = append(ids, c.ID)
	}
	return ids
}

func parseEvaluation(text string, constraints []model.Constraint, required []string) *EvaluationOutcome {
	resolve := newConstraintResolver(constraints)
	out := &EvaluationOutcome{
		P:                      neutralScore,
		R:                      neutralScore,
		ConstraintSatisfaction: map[string]model.ConstraintScore{},
	}

	obj, ok := extractJSONObject(text)
	if !ok {
		out.Malformed = true
		out.Rationale = "评估输出无法解析，已使用中性默认值"
		fillNeutral(out.ConstraintSatisfaction, required, resolve)
		return out
	}

	p, okP := getFloat(obj, "p", "P", "prediction_quality", "prediction")
	r, okR := getFloat(obj, "r", "R", "resource_cost", "cost")
	if okP {
		out.P = clamp01(p)
	}
	if okR {
		out.R = clamp01(r)
	}
	if !okP || !okR {
		out.Malformed = true
	}
	out.Rationale = getString(obj, "rationale", "explanation", "reason")

	switch cs := firstPresent(obj, "constraint_satisfaction", "constraints").(type) {
	case map[string]any:
		for key, v := range cs {
			id, ok := resolve(key)
			if !ok {
				continue
			}
			out.ConstraintSatisfaction[id] = parseConstraintScore(v)
		}
	case []any:
		for _, item := range cs {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, ok := resolve(getString(m, "id", "constraint_id", "name"))
			if !ok {
				continue
			}
			out.ConstraintSatisfaction[id] = parseConstraintScore(m)
		}
	}
	fillNeutral(out.ConstraintSatisfaction, required, resolve)
	return out
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func parseConstraintScore(v any) model.ConstraintScore {
	if f, ok := toFloat(v); ok {
		score := clamp01(f)
		return model.ConstraintScore{Satisfied: score >= neutralScore, Score: score}
	}
	if b, ok := v.(bool); ok {
		return boolScore(b)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return model.ConstraintScore{Satisfied: true, Score: neutralScore, Explanation: "无法解析，按中性处理"}
	}
	cs := model.ConstraintScore{Explanation: getString(m, "explanation", "reason")}
	score, hasScore := getFloat(m, "score", "satisfaction")
	sat, hasSat := m["satisfied"].(bool)
	switch {
	case hasScore:
		cs.Score = clamp01(score)
		cs.Satisfied = cs.Score >= neutralScore
		if hasSat {
			cs.Satisfied = sat
		}
	case hasSat:
		b := boolScore(sat)
		cs.Score, cs.Satisfied = b.Score, b.Satisfied
	default:
		cs.Score, cs.Satisfied = neutralScore, true
	}
	return cs
}

func boolScore(b bool) model.ConstraintScore {
	if b {
		return model.ConstraintScore{Satisfied: true, Score: 1}
	}
	return model.ConstraintScore{Satisfied: false, Score: 0}
}

func fillNeutral(cs map[string]model.ConstraintScore, required []string, resolve func(string) (string, bool)) {
	for _, key := range required {
		id, ok := resolve(key)
		if !ok {
			continue
		}
		if _, ok := cs[id]; !ok {
			cs[id] = model.ConstraintScore{Satisfied: true, Score: neutralScore, Explanation: "未给出评估，按中性处理"}
		}
	}
}

// newConstraintResolver 把模型给出的键（ID、名称或名称的归一化形式）映射回约束 ID
func newConstraintResolver(constraints []model.Constraint) func(string) (string, bool) {
	byKey := make(map[string]string, len(constraints)*3)
	for _, c := range constraints {
		byKey[c.ID] = c.ID
		byKey[strings.ToLower(strings.TrimSpace(c.Name))] = c.ID
		byKey[model.ConstraintID(c.Name)] = c.ID
	}
	return func(key string) (string, bool) {
		k := strings.TrimSpace(key)
		if k == "" {
			return "", false
		}
		if id, ok := byKey[k]; ok {
			return id, true
		}
		if id, ok := byKey[strings.ToLower(k)]; ok {
			return id, true
		}
		id, ok := byKey[model.ConstraintID(k)]
		return id, ok
	}
}
