package service

import (
	"context"
	"errors"
	"fmt"

	"mech-search/internal/metrics"
	"mech-search/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type evalPair struct {
	candidateID uint
	scenarioID  uint
}

// evaluationPhase 评估所有缺失的 (候选, 场景) 对。单对失败计数后继续；预算耗尽或全部失败时阶段失败
func (s *PipelineService) evaluationPhase(ctx context.Context, env *runEnv) (map[string]int, error) {
	run := env.run
	pc, err := loadProjectContext(ctx, s.db, run.ProjectID, s.cfg.ChatContextMessages)
	if err != nil {
		return nil, err
	}
	g := s.db.WithContext(ctx)

	var cands []model.Candidate
	if err := g.Where("run_id = ?", run.ID).Order("id").Find(&cands).Error; err != nil {
		return nil, fmt.Errorf("查询候选失败: %w", err)
	}
	var scens []model.Scenario
	if err := g.Where("run_id = ?", run.ID).Order("position").Find(&scens).Error; err != nil {
		return nil, fmt.Errorf("查询场景失败: %w", err)
	}
	if len(cands) == 0 || len(scens) == 0 {
		return nil, fmt.Errorf("没有可评估的对: candidates=%d scenarios=%d", len(cands), len(scens))
	}

	done := map[evalPair]bool{}
	if !run.Config.ForceReevaluate {
		var existing []model.Evaluation
		if err := g.Select("candidate_id", "scenario_id").Where("run_id = ?", run.ID).Find(&existing).Error; err != nil {
			return nil, fmt.Errorf("查询已有评估失败: %w", err)
		}
		for _, e := range existing {
			done[evalPair{e.CandidateID, e.ScenarioID}] = true
		}
	}

	produced := map[string]int{"attempted": 0, "stored": 0, "skipped": 0, "failed": 0, "malformed": 0}
	var todo []evalPair
	for _, c := range cands {
		for _, sc := range scens {
			p := evalPair{c.ID, sc.ID}
			if done[p] {
				produced["skipped"]++
				continue
			}
			todo = append(todo, p)
		}
	}
	metrics.EvaluationsTotal.WithLabelValues("skipped").Add(float64(produced["skipped"]))
	env.update(func(m *model.RunMetrics) { m.EvaluationsSkipped += produced["skipped"] })
	if len(todo) == 0 {
		return produced, nil
	}

	candByID := make(map[uint]*model.Candidate, len(cands))
	for i := range cands {
		candByID[cands[i].ID] = &cands[i]
	}
	scenByID := make(map[uint]*model.Scenario, len(scens))
	for i := range scens {
		scenByID[scens[i].ID] = &scens[i]
	}

	env.mu.Lock()
	before := env.metrics
	env.mu.Unlock()

	workers := run.Config.EvalWorkers
	if workers <= 0 {
		workers = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for _, p := range todo {
		eg.Go(func() error {
			return s.evaluatePair(egCtx, env, pc, candByID[p.candidateID], scenByID[p.scenarioID])
		})
	}
	waitErr := eg.Wait()

	env.mu.Lock()
	m := env.metrics
	env.mu.Unlock()
	produced["attempted"] = m.EvaluationsAttempted - before.EvaluationsAttempted
	produced["stored"] = m.EvaluationsStored - before.EvaluationsStored
	produced["failed"] = m.EvaluationsFailed - before.EvaluationsFailed
	produced["malformed"] = m.MalformedOutputs - before.MalformedOutputs

	if waitErr != nil {
		return produced, waitErr
	}
	if produced["attempted"] > 0 && produced["failed"] == produced["attempted"] {
		return produced, fmt.Errorf("全部 %d 个评估均失败", produced["attempted"])
	}
	return produced, nil
}

// evaluatePair 只对预算耗尽与落库失败返回错误，生成失败计数后返回 nil
func (s *PipelineService) evaluatePair(ctx context.Context, env *runEnv, pc *projectContext, cand *model.Candidate, scen *model.Scenario) error {
	run := env.run
	env.update(func(m *model.RunMetrics) { m.EvaluationsAttempted++ })

	out, err := s.evaluator.Evaluate(ctx, env.gen, EvaluationInput{
		Candidate:   cand,
		Scenario:    scen,
		Constraints: pc.Spec.Constraints,
		WorldModel:  pc.WorldModel,
		Chat:        pc.Chat,
	})
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			return err
		}
		metrics.EvaluationsTotal.WithLabelValues("failed").Inc()
		env.update(func(m *model.RunMetrics) { m.EvaluationsFailed++ })
		s.logger.Warn("评估失败，继续其余候选",
			zap.Uint("run_id", run.ID),
			zap.Uint("candidate_id", cand.ID),
			zap.Uint("scenario_id", scen.ID),
			zap.Error(err))
		return nil
	}
	if out.Malformed {
		env.update(func(m *model.RunMetrics) { m.MalformedOutputs++ })
	}

	ev := &model.Evaluation{
		RunID:                  run.ID,
		CandidateID:            cand.ID,
		ScenarioID:             scen.ID,
		P:                      out.P,
		R:                      out.R,
		ConstraintSatisfaction: out.ConstraintSatisfaction,
		Explanation:            out.Rationale,
		Malformed:              out.Malformed,
		Provider:               out.Provider,
		Tokens:                 out.Tokens,
		CostUSD:                out.CostUSD,
	}

	stored := false
	err = s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		onConflict := clause.OnConflict{DoNothing: true}
		if run.Config.ForceReevaluate {
			onConflict = clause.OnConflict{
				Columns: []clause.Column{{Name: "run_id"}, {Name: "candidate_id"}, {Name: "scenario_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"p", "r", "constraint_satisfaction", "explanation", "malformed",
					"provider", "tokens", "cost_usd", "updated_at",
				}),
			}
		}
		res := tx.Clauses(onConflict).Create(ev)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		stored = true
		_, err := appendEvent(tx, cand.ID, run.ID, model.ProvenanceEvalResult, map[string]any{
			"scenario_id": scen.ID,
			"p":           out.P,
			"r":           out.R,
			"malformed":   out.Malformed,
			"forced":      run.Config.ForceReevaluate,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("保存评估失败 candidate=%d scenario=%d: %w", cand.ID, scen.ID, err)
	}
	if !stored {
		// 并发写入者已先插入同一对
		metrics.EvaluationsTotal.WithLabelValues("skipped").Inc()
		env.update(func(m *model.RunMetrics) { m.EvaluationsSkipped++ })
		return nil
	}
	metrics.EvaluationsTotal.WithLabelValues("stored").Inc()
	env.update(func(m *model.RunMetrics) { m.EvaluationsStored++ })
	return nil
}
