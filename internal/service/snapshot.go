package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CaptureRequest struct {
	ProjectID   uint              `json:"project_id" binding:"required"`
	RunID       *uint             `json:"run_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Invariants  []model.Invariant `json:"invariants"`
}

type RestoreOptions struct {
	// 为空时新建隔离的临时项目；显式给出才复用已有项目
	TargetProjectID *uint `json:"target_project_id"`
}

type ReplayOptions struct {
	Phases          []Phase           `json:"phases"`
	Mode            model.RunMode     `json:"mode"`
	CandidateCount  *int              `json:"candidate_count"`
	ScenarioCount   *int              `json:"scenario_count"`
	TargetProjectID *uint             `json:"target_project_id"`
	Invariants      []model.Invariant `json:"invariants"`
}

// MetricDeltas 回放值减基线值；基线缺失时为空
type MetricDeltas struct {
	CandidateCount  int      `json:"candidate_count"`
	ScenarioCount   int      `json:"scenario_count"`
	EvaluationCount int      `json:"evaluation_count"`
	DurationSeconds float64  `json:"duration_seconds"`
	DurationRatio   *float64 `json:"duration_ratio,omitempty"`
	TotalTokens     int      `json:"total_tokens"`
	CostUSD         float64  `json:"cost_usd"`
	Coverage        float64  `json:"coverage"`
	TopI            *float64 `json:"top_i,omitempty"`
}

type ReplayResult struct {
	SnapshotID   uint              `json:"snapshot_id"`
	SnapshotName string            `json:"snapshot_name"`
	ProjectID    uint              `json:"project_id"`
	RunID        uint              `json:"run_id"`
	Status       model.RunStatus   `json:"status"`
	ErrorSummary string            `json:"error_summary,omitempty"`
	Statistics   *RunStatistics    `json:"statistics"`
	Invariants   []InvariantResult `json:"invariants"`
	Passed       bool              `json:"passed"`
	Deltas       *MetricDeltas     `json:"deltas,omitempty"`
	CostUSD      float64           `json:"cost_usd"`
}

// SnapshotService 快照的采集、恢复、回放与批量回归
type SnapshotService struct {
	db           *gorm.DB
	pipeline     *PipelineService
	candidates   *CandidateService
	verification *VerificationService
	cfg          config.SnapshotConfig
	logger       *zap.Logger
}

func NewSnapshotService(g *gorm.DB, pipeline *PipelineService, candidates *CandidateService, verification *VerificationService, cfg config.SnapshotConfig, logger *zap.Logger) *SnapshotService {
	return &SnapshotService{
		db:           g,
		pipeline:     pipeline,
		candidates:   candidates,
		verification: verification,
		cfg:          cfg,
		logger:       logger,
	}
}

// Capture 复制项目当前的 spec/world-model（完整副本，不是引用），给出 run 时附带其配置与基线指标
func (s *SnapshotService) Capture(ctx context.Context, req CaptureRequest) (*model.Snapshot, error) {
	for _, iv := range req.Invariants {
		if !iv.Type.Known() {
			return nil, fmt.Errorf("%w: 未知 invariant 类型 %s", ErrInvalidArgument, iv.Type)
		}
	}
	pc, err := loadProjectContext(ctx, s.db, req.ProjectID, 0)
	if err != nil {
		return nil, err
	}

	data := model.SnapshotData{
		Version:     model.SnapshotSchemaVersion,
		ProjectName: pc.Project.Name,
		Spec:        pc.Spec,
		WorldModel:  pc.WorldModel,
		CapturedAt:  time.Now(),
	}
	if m := model.RunMode(pc.Spec.RunMode); m.Valid() {
		data.RunMode = m
	}

	var ref *model.ReferenceMetrics
	if req.RunID != nil {
		run, err := s.pipeline.GetRun(ctx, *req.RunID)
		if err != nil {
			return nil, err
		}
		if run.ProjectID != req.ProjectID {
			return nil, fmt.Errorf("%w: run %d 不属于项目 %d", ErrInvalidArgument, run.ID, req.ProjectID)
		}
		cfg := run.Config
		cfg.ForceReevaluate = false
		data.RunMode = run.Mode
		data.RunConfig = &cfg

		var users []model.Candidate
		if err := s.db.WithContext(ctx).
			Where("run_id = ? AND origin = ?", run.ID, model.CandidateOriginUser).
			Order("id").Find(&users).Error; err != nil {
			return nil, fmt.Errorf("查询用户候选失败: %w", err)
		}
		for _, c := range users {
			data.UserCandidates = append(data.UserCandidates, model.CandidateSeed{
				Title:            c.Title,
				Mechanism:        c.Mechanism,
				PredictedEffects: c.PredictedEffects,
			})
		}

		stats, err := s.verification.GetRunStatistics(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		ref = referenceFromStatistics(stats)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化快照失败: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s-%s", pc.Project.Name, data.CapturedAt.Format("20060102-150405"))
	}
	invariants := req.Invariants
	if invariants == nil {
		invariants = []model.Invariant{}
	}
	snap := &model.Snapshot{
		Name:             name,
		Description:      req.Description,
		Version:          model.SnapshotSchemaVersion,
		ProjectID:        req.ProjectID,
		SourceRunID:      req.RunID,
		SnapshotData:     string(raw),
		ReferenceMetrics: ref,
		Invariants:       invariants,
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return nil, fmt.Errorf("保存快照失败: %w", err)
	}
	s.logger.Info("快照已创建",
		zap.Uint("snapshot_id", snap.ID),
		zap.Uint("project_id", req.ProjectID),
		zap.Bool("with_run", req.RunID != nil))
	return snap, nil
}

func referenceFromStatistics(st *RunStatistics) *model.ReferenceMetrics {
	ref := &model.ReferenceMetrics{
		RunID:           st.RunID,
		Status:          st.Status,
		CandidateCount:  st.CandidateCount,
		ScenarioCount:   st.ScenarioCount,
		EvaluationCount: st.EvaluationCount,
		DurationSeconds: st.DurationSeconds,
		TotalTokens:     st.TotalTokens,
		CostUSD:         st.CostUSD,
		Coverage:        st.Coverage,
	}
	if top := st.TopCandidate; top != nil {
		id, i, p, r := top.ID, top.I, top.P, top.R
		ref.TopCandidateID, ref.TopI, ref.TopP, ref.TopR = &id, &i, &p, &r
	}
	return ref
}

func (s *SnapshotService) Get(ctx context.Context, id uint) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := s.db.WithContext(ctx).First(&snap, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("获取快照失败: %w", err)
	}
	return &snap, nil
}

func (s *SnapshotService) List(ctx context.Context, projectID *uint) ([]model.Snapshot, error) {
	q := s.db.WithContext(ctx).Order("id")
	if projectID != nil {
		q = q.Where("project_id = ?", *projectID)
	}
	var out []model.Snapshot
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询快照失败: %w", err)
	}
	return out, nil
}

func (s *SnapshotService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Snapshot{}, id)
	if res.Error != nil {
		return fmt.Errorf("删除快照失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// Data 解析（必要时升级）快照内容
func (s *SnapshotService) Data(ctx context.Context, id uint) (*model.Snapshot, *model.SnapshotData, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := DecodeSnapshotData(snap.SnapshotData)
	if err != nil {
		return nil, nil, fmt.Errorf("快照 %d: %w", id, err)
	}
	return snap, data, nil
}

// Restore 把快照中的 spec/world-model 写入项目，默认新建隔离的临时项目
func (s *SnapshotService) Restore(ctx context.Context, snapshotID uint, opts RestoreOptions) (*model.Project, error) {
	snap, data, err := s.Data(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if err := data.Spec.Validate(); err != nil {
		return nil, err
	}
	if err := data.WorldModel.Validate(); err != nil {
		return nil, err
	}

	var project model.Project
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.TargetProjectID != nil {
			if err := tx.First(&project, *opts.TargetProjectID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrProjectNotFound
				}
				return fmt.Errorf("获取目标项目失败: %w", err)
			}
		} else {
			sid := snap.ID
			project = model.Project{
				Name:             fmt.Sprintf("snapshot-%d-replay-%s", snap.ID, uuid.NewString()[:8]),
				Description:      fmt.Sprintf("由快照「%s」恢复（原项目: %s）", snap.Name, data.ProjectName),
				IsTemporary:      true,
				SourceSnapshotID: &sid,
			}
			if err := tx.Create(&project).Error; err != nil {
				return fmt.Errorf("创建临时项目失败: %w", err)
			}
		}
		var spec model.ProblemSpec
		if err := upsertSpec(tx, project.ID, data.Spec, &spec); err != nil {
			return err
		}
		var wm model.WorldModel
		return upsertWorldModel(tx, project.ID, data.WorldModel, &wm)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// Replay 恢复到隔离项目、按快照配置新建 run 并执行，再用 invariants 判定结果。
// 阶段失败不作为错误返回，而是体现在 run 状态与 invariant 结果里
func (s *SnapshotService) Replay(ctx context.Context, snapshotID uint, opts ReplayOptions) (*ReplayResult, error) {
	// 先校验阶段，避免留下临时项目和卡在 created 的 run
	phases, err := normalizePhases(opts.Phases)
	if err != nil {
		return nil, err
	}
	snap, data, err := s.Data(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	project, err := s.Restore(ctx, snapshotID, RestoreOptions{TargetProjectID: opts.TargetProjectID})
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = data.RunMode
	}
	if mode == "" {
		mode = model.RunModeFullSearch
	}
	var cfg model.RunConfig
	if data.RunConfig != nil {
		cfg = *data.RunConfig
	}
	if opts.CandidateCount != nil && *opts.CandidateCount > 0 {
		cfg.CandidateCount = *opts.CandidateCount
	}
	if opts.ScenarioCount != nil && *opts.ScenarioCount > 0 {
		cfg.ScenarioCount = *opts.ScenarioCount
	}

	run, err := s.pipeline.CreateRun(ctx, project.ID, mode, cfg)
	if err != nil {
		return nil, err
	}
	if mode != model.RunModeFullSearch {
		for _, seed := range data.UserCandidates {
			if _, err := s.candidates.AddUserCandidate(ctx, run.ID, UserCandidateInput{
				Title:            seed.Title,
				Mechanism:        seed.Mechanism,
				PredictedEffects: seed.PredictedEffects,
			}); err != nil {
				return nil, err
			}
		}
	}

	if _, err := s.pipeline.RunPhases(ctx, run.ID, phases); err != nil {
		var pe *PhaseExecutionError
		if !errors.As(err, &pe) {
			return nil, err
		}
		s.logger.Warn("回放阶段失败", zap.Uint("snapshot_id", snap.ID), zap.Uint("run_id", run.ID), zap.Error(err))
	}

	stats, err := s.verification.GetRunStatistics(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	invariants := opts.Invariants
	if len(invariants) == 0 {
		invariants = snap.Invariants
	}
	results := ValidateInvariants(stats, invariants, snap.ReferenceMetrics)

	out := &ReplayResult{
		SnapshotID:   snap.ID,
		SnapshotName: snap.Name,
		ProjectID:    project.ID,
		RunID:        run.ID,
		Status:       stats.Status,
		ErrorSummary: stats.ErrorSummary,
		Statistics:   stats,
		Invariants:   results,
		Passed:       allPassed(results),
		Deltas:       computeDeltas(snap.ReferenceMetrics, stats),
		CostUSD:      stats.CostUSD,
	}
	s.logger.Info("快照回放完成",
		zap.Uint("snapshot_id", snap.ID),
		zap.Uint("run_id", run.ID),
		zap.String("status", string(stats.Status)),
		zap.Bool("passed", out.Passed),
		zap.Float64("cost_usd", out.CostUSD))
	return out, nil
}

func computeDeltas(ref *model.ReferenceMetrics, st *RunStatistics) *MetricDeltas {
	if ref == nil {
		return nil
	}
	d := &MetricDeltas{
		CandidateCount:  st.CandidateCount - ref.CandidateCount,
		ScenarioCount:   st.ScenarioCount - ref.ScenarioCount,
		EvaluationCount: st.EvaluationCount - ref.EvaluationCount,
		DurationSeconds: st.DurationSeconds - ref.DurationSeconds,
		TotalTokens:     st.TotalTokens - ref.TotalTokens,
		CostUSD:         st.CostUSD - ref.CostUSD,
		Coverage:        st.Coverage - ref.Coverage,
	}
	if ref.DurationSeconds > 0 {
		r := st.DurationSeconds / ref.DurationSeconds
		d.DurationRatio = &r
	}
	if ref.TopI != nil && st.TopCandidate != nil {
		v := st.TopCandidate.I - *ref.TopI
		d.TopI = &v
	}
	return d
}
