package service

import (
	"mech-search/internal/config"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceContext struct {
	Config       *config.Config
	Logger       *zap.Logger
	Projects     *ProjectService
	Candidates   *CandidateService
	Pipeline     *PipelineService
	Ranking      *RankingService
	Verification *VerificationService
	Snapshots    *SnapshotService
}

func NewServiceContext(cfg *config.Config, g *gorm.DB, logger *zap.Logger) (*ServiceContext, error) {
	generator, err := NewGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	return NewServiceContextWithGenerator(cfg, g, generator, logger), nil
}

// NewServiceContextWithGenerator 允许注入任意 Generator（测试用桩、录制回放等）
func NewServiceContextWithGenerator(cfg *config.Config, g *gorm.DB, generator Generator, logger *zap.Logger) *ServiceContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := NewCandidateService(g)
	ranking := NewRankingService(g, cfg.Ranking, logger.Named("ranking"))
	verification := NewVerificationService(g)
	pipeline := NewPipelineService(g, generator, NewEvaluationService(logger.Named("evaluation")), ranking, cfg.Pipeline, logger.Named("pipeline"))

	return &ServiceContext{
		Config:       cfg,
		Logger:       logger,
		Projects:     NewProjectService(g, logger.Named("project")),
		Candidates:   candidates,
		Pipeline:     pipeline,
		Ranking:      ranking,
		Verification: verification,
		Snapshots:    NewSnapshotService(g, pipeline, candidates, verification, cfg.Snapshot, logger.Named("snapshot")),
	}
}
