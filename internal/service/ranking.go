package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RankingService 把 Rank 的结果落库并追加 ranking 溯源事件
type RankingService struct {
	db     *gorm.DB
	cfg    config.RankingConfig
	logger *zap.Logger
}

func NewRankingService(g *gorm.DB, cfg config.RankingConfig, logger *zap.Logger) *RankingService {
	return &RankingService{db: g, cfg: cfg, logger: logger}
}

func (s *RankingService) RankRun(ctx context.Context, run *model.Run) (*RankingResult, error) {
	g := s.db.WithContext(ctx)

	var cands []model.Candidate
	if err := g.Where("run_id = ?", run.ID).Order("id").Find(&cands).Error; err != nil {
		return nil, fmt.Errorf("查询候选失败: %w", err)
	}
	var evals []model.Evaluation
	if err := g.Where("run_id = ?", run.ID).Find(&evals).Error; err != nil {
		return nil, fmt.Errorf("查询评估失败: %w", err)
	}
	constraints, err := s.loadConstraints(g, run.ProjectID)
	if err != nil {
		return nil, err
	}

	result := Rank(cands, evals, constraints, s.cfg)

	now := time.Now()
	err = g.Transaction(func(tx *gorm.DB) error {
		for _, rc := range result.Candidates {
			scores := rc.Scores
			scores.RankedAt = &now
			if err := tx.Model(&model.Candidate{ID: rc.CandidateID}).
				Select("Status", "Scores").
				Updates(&model.Candidate{Status: rc.Status, Scores: scores}).Error; err != nil {
				return fmt.Errorf("保存排序结果失败: %w", err)
			}
			payload := map[string]any{
				"from":  string(rc.PreviousStatus),
				"to":    string(rc.Status),
				"rank":  scores.Rank,
				"i":     scores.I,
				"p":     scores.P,
				"r":     scores.R,
				"evals": scores.EvaluationCount,
			}
			if len(scores.HardViolations) > 0 {
				payload["hard_violations"] = scores.HardViolations
			}
			if _, err := appendEvent(tx, rc.CandidateID, run.ID, model.ProvenanceRanking, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("排序完成",
		zap.Uint("run_id", run.ID),
		zap.Int("candidates", len(result.Candidates)),
		zap.Float64("median_p", result.MedianP),
		zap.Float64("median_r", result.MedianR))
	return &result, nil
}

// loadConstraints 硬约束判定所需的约束权重；spec 缺失时按无约束处理
func (s *RankingService) loadConstraints(g *gorm.DB, projectID uint) ([]model.Constraint, error) {
	var spec model.ProblemSpec
	if err := g.Where("project_id = ?", projectID).First(&spec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("获取问题描述失败: %w", err)
	}
	spec.Data.Normalize()
	return spec.Data.Constraints, nil
}
