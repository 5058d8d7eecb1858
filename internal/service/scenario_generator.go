package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mech-search/internal/metrics"
	"mech-search/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// scenarioPhase 生成场景集并整体替换该 run 已有的场景集（旧场景上的评估一并删除）
func (s *PipelineService) scenarioPhase(ctx context.Context, env *runEnv) (map[string]int, error) {
	run := env.run
	pc, err := loadProjectContext(ctx, s.db, run.ProjectID, s.cfg.ChatContextMessages)
	if err != nil {
		return nil, err
	}
	m := run.Config.ScenarioCount
	produced := map[string]int{"scenarios": 0, "fallback": 0, "replaced": 0}

	res, err := env.gen.Generate(ctx, GenerationRequest{
		Phase:    PhaseScenarios,
		System:   scenarioSystemPrompt,
		Prompt:   buildScenarioPrompt(pc, m),
		JSONMode: true,
	})
	if err != nil {
		return produced, err
	}

	scenarios := parseScenarios(res.Text, pc.Spec.Constraints, m)
	if len(scenarios) < m {
		metrics.GenerationMalformed.WithLabelValues("scenario").Inc()
		env.update(func(rm *model.RunMetrics) { rm.MalformedOutputs++ })
		s.logger.Warn("场景生成输出不足或不合法，使用兜底场景",
			zap.Uint("run_id", run.ID),
			zap.Int("need", m),
			zap.Int("parsed", len(scenarios)),
			zap.String("raw", truncate(res.Text, 300)))
		fallback := fallbackScenarios(pc, m-len(scenarios), len(scenarios))
		produced["fallback"] = len(fallback)
		scenarios = append(scenarios, fallback...)
	}
	for i := range scenarios {
		scenarios[i].RunID = run.ID
		scenarios[i].Position = i + 1
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old model.ScenarioSuite
		found := tx.Where("run_id = ?", run.ID).Limit(1).Find(&old)
		if found.Error != nil {
			return fmt.Errorf("查询场景集失败: %w", found.Error)
		}
		if found.RowsAffected > 0 {
			if err := tx.Where("run_id = ?", run.ID).Delete(&model.Evaluation{}).Error; err != nil {
				return fmt.Errorf("删除旧评估失败: %w", err)
			}
			del := tx.Where("run_id = ?", run.ID).Delete(&model.Scenario{})
			if del.Error != nil {
				return fmt.Errorf("删除旧场景失败: %w", del.Error)
			}
			produced["replaced"] = int(del.RowsAffected)
			if err := tx.Delete(&old).Error; err != nil {
				return fmt.Errorf("删除旧场景集失败: %w", err)
			}
		}
		suite := &model.ScenarioSuite{
			RunID:         run.ID,
			ScenarioCount: len(scenarios),
			Scenarios:     scenarios,
		}
		if err := tx.Create(suite).Error; err != nil {
			return fmt.Errorf("保存场景集失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return produced, err
	}
	produced["scenarios"] = len(scenarios)
	return produced, nil
}

const scenarioSystemPrompt = `你是测试场景设计者。为候选机制设计压力测试场景，只输出一个 JSON 对象：
{"scenarios": [{"name": "...", "description": "...", "weight": 0~1,
  "focus": {"constraints": ["约束名"], "assumptions": [], "actors": [], "resources": []},
  "initial_state": {}, "events": ["..."], "expected_outcomes": ["..."]}]}
不要输出 JSON 以外的内容。`

func buildScenarioPrompt(pc *projectContext, m int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("请设计 %d 个场景，每个场景重点考察部分约束或假设。\n\n", m))
	b.WriteString("## 约束\n")
	for _, c := range pc.Spec.Constraints {
		b.WriteString(fmt.Sprintf("- %s（ID %s，权重 %.0f）%s\n", c.Name, c.ID, c.Weight, c.Description))
	}
	b.WriteString("\n## 目标\n")
	for _, g := range pc.Spec.Goals {
		b.WriteString(fmt.Sprintf("- %s\n", g))
	}
	b.WriteString("\n## 世界模型\n")
	writeEntities(&b, "参与者", pc.WorldModel.Actors)
	writeEntities(&b, "资源", pc.WorldModel.Resources)
	writeEntities(&b, "假设", pc.WorldModel.Assumptions)
	return b.String()
}

func parseScenarios(text string, constraints []model.Constraint, m int) []model.Scenario {
	obj, ok := extractJSONObject(text)
	if !ok {
		return nil
	}
	resolve := newConstraintResolver(constraints)
	out := make([]model.Scenario, 0, m)
	for _, it := range getObjects(obj, "scenarios") {
		name := getString(it, "name", "title")
		desc := getString(it, "description")
		if name == "" && desc == "" {
			continue
		}
		if name == "" {
			name = truncate(desc, 60)
		}
		weight := 1.0
		if w, ok := getFloat(it, "weight"); ok {
			weight = clamp01(w)
		}
		sc := model.Scenario{
			Name:             name,
			Description:      desc,
			Weight:           weight,
			Events:           getStrings(it, "events"),
			ExpectedOutcomes: getStrings(it, "expected_outcomes", "expected"),
		}
		if st, ok := it["initial_state"].(map[string]any); ok {
			sc.InitialState = st
		}
		if focus, ok := it["focus"].(map[string]any); ok {
			for _, raw := range getStrings(focus, "constraints") {
				if id, ok := resolve(raw); ok {
					sc.Focus.Constraints = appendUnique(sc.Focus.Constraints, id)
				}
			}
			sc.Focus.Assumptions = getStrings(focus, "assumptions")
			sc.Focus.Actors = getStrings(focus, "actors")
			sc.Focus.Resources = getStrings(focus, "resources")
		}
		out = append(out, sc)
		if len(out) == m {
			break
		}
	}
	return out
}

// fallbackScenarios 按约束权重从高到低各出一个聚焦场景，约束用完后退化为通用场景
func fallbackScenarios(pc *projectContext, n, offset int) []model.Scenario {
	cons := append([]model.Constraint(nil), pc.Spec.Constraints...)
	sort.SliceStable(cons, func(i, j int) bool { return cons[i].Weight > cons[j].Weight })

	out := make([]model.Scenario, 0, n)
	for _, c := range cons {
		if len(out) == n {
			return out
		}
		out = append(out, model.Scenario{
			Name:             "约束压力: " + c.Name,
			Description:      fmt.Sprintf("在资源紧张的条件下检验候选是否仍满足约束「%s」", c.Name),
			Weight:           1,
			Focus:            model.ScenarioFocus{Constraints: []string{c.ID}},
			ExpectedOutcomes: []string{"约束「" + c.Name + "」保持满足"},
		})
	}
	for len(out) < n {
		out = append(out, model.Scenario{
			Name:        fmt.Sprintf("基线场景 #%d", offset+len(out)+1),
			Description: "常规负载下的基线场景",
			Weight:      1,
		})
	}
	return out
}

func appendUnique(xs []string, x string) []string {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
