package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/metrics"
	"mech-search/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExecuteOptions 触发执行时的可选覆盖项
type ExecuteOptions struct {
	Phases         []Phase
	CandidateCount *int
	ScenarioCount  *int
}

// PipelineService 运行编排：按规范顺序驱动各阶段，并维护 run 的状态与指标
type PipelineService struct {
	db        *gorm.DB
	generator Generator
	evaluator *EvaluationService
	ranking   *RankingService
	cfg       config.PipelineConfig
	logger    *zap.Logger
}

func NewPipelineService(g *gorm.DB, generator Generator, evaluator *EvaluationService, ranking *RankingService, cfg config.PipelineConfig, logger *zap.Logger) *PipelineService {
	return &PipelineService{
		db:        g,
		generator: generator,
		evaluator: evaluator,
		ranking:   ranking,
		cfg:       cfg,
		logger:    logger,
	}
}

// runEnv 一次 RunPhases 调用内共享的状态；评估阶段会并发更新计数
type runEnv struct {
	run     *model.Run
	gen     Generator
	tracker *usageTracker

	mu      sync.Mutex
	metrics model.RunMetrics
}

func (e *runEnv) update(fn func(m *model.RunMetrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.metrics)
}

func (s *PipelineService) CreateRun(ctx context.Context, projectID uint, mode model.RunMode, cfg model.RunConfig) (*model.Run, error) {
	if mode == "" {
		mode = model.RunModeFullSearch
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: 未知运行模式 %s", ErrInvalidArgument, mode)
	}
	if err := requireProject(s.db.WithContext(ctx), projectID); err != nil {
		return nil, err
	}
	if cfg.CandidateCount <= 0 {
		cfg.CandidateCount = s.cfg.CandidateCount
	}
	if cfg.ScenarioCount <= 0 {
		cfg.ScenarioCount = s.cfg.ScenarioCount
	}
	if cfg.EvalWorkers <= 0 {
		cfg.EvalWorkers = s.cfg.EvalWorkers
	}
	if cfg.BudgetUSD <= 0 {
		cfg.BudgetUSD = s.cfg.BudgetUSD
	}

	run := &model.Run{
		ProjectID: projectID,
		Mode:      mode,
		Config:    cfg,
		Status:    model.RunStatusCreated,
		Metrics:   model.RunMetrics{PhaseTimings: []model.PhaseSpan{}},
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("创建run失败: %w", err)
	}
	return run, nil
}

func (s *PipelineService) GetRun(ctx context.Context, runID uint) (*model.Run, error) {
	var run model.Run
	if err := s.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("获取run失败: %w", err)
	}
	return &run, nil
}

// Execute 应用数量覆盖后执行指定阶段（为空则全流程）
func (s *PipelineService) Execute(ctx context.Context, runID uint, opts ExecuteOptions) (*model.Run, error) {
	if opts.CandidateCount != nil || opts.ScenarioCount != nil {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		cfg := run.Config
		if opts.CandidateCount != nil && *opts.CandidateCount > 0 {
			cfg.CandidateCount = *opts.CandidateCount
		}
		if opts.ScenarioCount != nil && *opts.ScenarioCount > 0 {
			cfg.ScenarioCount = *opts.ScenarioCount
		}
		if err := s.db.WithContext(ctx).Model(&model.Run{ID: runID}).
			Select("Config").
			Updates(&model.Run{Config: cfg}).Error; err != nil {
			return nil, fmt.Errorf("更新run配置失败: %w", err)
		}
	}
	phases := opts.Phases
	if len(phases) == 0 {
		phases = AllPhases
	}
	return s.RunPhases(ctx, runID, phases)
}

func (s *PipelineService) RunFullPipeline(ctx context.Context, runID uint) (*model.Run, error) {
	return s.RunPhases(ctx, runID, AllPhases)
}

func (s *PipelineService) RunDesignPhase(ctx context.Context, runID uint) (*model.Run, error) {
	return s.RunPhases(ctx, runID, []Phase{PhaseDesign})
}

func (s *PipelineService) RunScenarioPhase(ctx context.Context, runID uint) (*model.Run, error) {
	return s.RunPhases(ctx, runID, []Phase{PhaseScenarios})
}

func (s *PipelineService) RunEvaluationPhase(ctx context.Context, runID uint) (*model.Run, error) {
	return s.RunPhases(ctx, runID, []Phase{PhaseEvaluation})
}

func (s *PipelineService) RunRankingPhase(ctx context.Context, runID uint) (*model.Run, error) {
	return s.RunPhases(ctx, runID, []Phase{PhaseRanking})
}

// RunPhases 顺序执行阶段。任一阶段失败即停止后续阶段，run 置为 failed，已提交的产物保留；
// 全部成功且包含 ranking 时才置为 completed。已是终态的 run 状态不会被改写。
func (s *PipelineService) RunPhases(ctx context.Context, runID uint, phases []Phase) (*model.Run, error) {
	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, string(p))
	}
	phases, err := ParsePhases(names)
	if err != nil {
		return nil, err
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	env := &runEnv{
		run:     run,
		tracker: newUsageTracker(run.LLMUsage, run.Config.BudgetUSD),
		metrics: run.Metrics,
	}
	env.gen = &meteredGenerator{next: s.generator, tracker: env.tracker}

	if err := s.markRunning(ctx, run); err != nil {
		return nil, err
	}

	var phaseErr *PhaseExecutionError
	for _, p := range phases {
		start := time.Now()
		s.logger.Info("阶段开始", zap.Uint("run_id", run.ID), zap.String("phase", string(p)))

		produced, err := s.runPhase(ctx, env, p)

		span := model.PhaseSpan{
			Phase:      string(p),
			StartedAt:  start,
			DurationMS: time.Since(start).Milliseconds(),
			Produced:   produced,
		}
		outcome := "ok"
		if err != nil {
			span.Error = err.Error()
			outcome = "error"
		}
		env.update(func(m *model.RunMetrics) { m.PhaseTimings = append(m.PhaseTimings, span) })
		metrics.PhaseDuration.WithLabelValues(string(p), outcome).Observe(time.Since(start).Seconds())

		if err != nil {
			s.logger.Error("阶段失败", zap.Uint("run_id", run.ID), zap.String("phase", string(p)), zap.Error(err))
			phaseErr = &PhaseExecutionError{Phase: p, Err: err}
			break
		}
		s.logger.Info("阶段完成",
			zap.Uint("run_id", run.ID),
			zap.String("phase", string(p)),
			zap.Int64("duration_ms", span.DurationMS),
			zap.Any("produced", produced))
	}

	// 进度与用量无论成败都落库；上游取消时也要写完
	bg := context.WithoutCancel(ctx)
	if err := s.saveProgress(bg, env); err != nil {
		s.logger.Error("保存run进度失败", zap.Uint("run_id", run.ID), zap.Error(err))
	}

	if phaseErr != nil {
		s.markFailed(bg, run, phaseErr)
	} else if containsPhase(phases, PhaseRanking) {
		s.markCompleted(bg, run)
	}

	final, err := s.GetRun(bg, runID)
	if err != nil {
		return nil, err
	}
	if phaseErr != nil {
		return final, phaseErr
	}
	return final, nil
}

func (s *PipelineService) runPhase(ctx context.Context, env *runEnv, p Phase) (map[string]int, error) {
	switch p {
	case PhaseDesign:
		return s.designPhase(ctx, env)
	case PhaseScenarios:
		return s.scenarioPhase(ctx, env)
	case PhaseEvaluation:
		return s.evaluationPhase(ctx, env)
	case PhaseRanking:
		res, err := s.ranking.RankRun(ctx, env.run)
		if err != nil {
			return nil, err
		}
		produced := map[string]int{"ranked": 0, "rejected": 0, "unevaluated": 0}
		for _, c := range res.Candidates {
			switch {
			case c.Scores.Unevaluated:
				produced["unevaluated"]++
			case c.Status == model.CandidateStatusRejected:
				produced["rejected"]++
				produced["ranked"]++
			default:
				produced["ranked"]++
			}
		}
		return produced, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidPhase, p)
}

func (s *PipelineService) markRunning(ctx context.Context, run *model.Run) error {
	if run.Status != model.RunStatusCreated {
		return nil
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Run{}).
		Where("id = ? AND status = ?", run.ID, model.RunStatusCreated).
		Updates(map[string]interface{}{
			"status":     model.RunStatusRunning,
			"started_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("更新run状态失败: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		run.Status = model.RunStatusRunning
		run.StartedAt = &now
	}
	return nil
}

// markFailed 只在 created/running 时生效，completed 永远不会被降级
func (s *PipelineService) markFailed(ctx context.Context, run *model.Run, phaseErr *PhaseExecutionError) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":        model.RunStatusFailed,
		"error_summary": phaseErr.Error(),
		"completed_at":  now,
	}
	if run.StartedAt != nil {
		updates["duration_seconds"] = now.Sub(*run.StartedAt).Seconds()
	}
	res := s.db.WithContext(ctx).Model(&model.Run{}).
		Where("id = ? AND status IN ?", run.ID, []model.RunStatus{model.RunStatusCreated, model.RunStatusRunning}).
		Updates(updates)
	if res.Error != nil {
		s.logger.Error("标记run失败状态出错", zap.Uint("run_id", run.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("run 已是终态，保留原状态", zap.Uint("run_id", run.ID), zap.Error(phaseErr))
		return
	}
	metrics.RunsTotal.WithLabelValues(string(model.RunStatusFailed)).Inc()
}

func (s *PipelineService) markCompleted(ctx context.Context, run *model.Run) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       model.RunStatusCompleted,
		"completed_at": now,
	}
	if run.StartedAt != nil {
		updates["duration_seconds"] = now.Sub(*run.StartedAt).Seconds()
	}
	res := s.db.WithContext(ctx).Model(&model.Run{}).
		Where("id = ? AND status = ?", run.ID, model.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		s.logger.Error("标记run完成状态出错", zap.Uint("run_id", run.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 1 {
		metrics.RunsTotal.WithLabelValues(string(model.RunStatusCompleted)).Inc()
	}
}

// saveProgress 计数以库内实际行数为准，指标与用量整体覆盖
func (s *PipelineService) saveProgress(ctx context.Context, env *runEnv) error {
	g := s.db.WithContext(ctx)
	runID := env.run.ID

	var nCand, nScen, nEval int64
	if err := g.Model(&model.Candidate{}).Where("run_id = ?", runID).Count(&nCand).Error; err != nil {
		return fmt.Errorf("统计候选失败: %w", err)
	}
	if err := g.Model(&model.Scenario{}).Where("run_id = ?", runID).Count(&nScen).Error; err != nil {
		return fmt.Errorf("统计场景失败: %w", err)
	}
	if err := g.Model(&model.Evaluation{}).Where("run_id = ?", runID).Count(&nEval).Error; err != nil {
		return fmt.Errorf("统计评估失败: %w", err)
	}

	usage := env.tracker.snapshot()
	env.mu.Lock()
	m := env.metrics
	m.PhaseTimings = append([]model.PhaseSpan(nil), env.metrics.PhaseTimings...)
	env.mu.Unlock()
	m.GenerationRetries = usage.Total.Retries

	return g.Model(&model.Run{ID: runID}).
		Select("CandidateCount", "ScenarioCount", "EvaluationCount", "Metrics", "LLMUsage").
		Updates(&model.Run{
			CandidateCount:  int(nCand),
			ScenarioCount:   int(nScen),
			EvaluationCount: int(nEval),
			Metrics:         m,
			LLMUsage:        usage,
		}).Error
}
