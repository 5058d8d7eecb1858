package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mech-search/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProjectService 项目及其 spec/world-model 的最小写入口；正式的抽取与 CRUD 由外部协作方负责
type ProjectService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewProjectService(g *gorm.DB, logger *zap.Logger) *ProjectService {
	return &ProjectService{db: g, logger: logger}
}

func (s *ProjectService) CreateProject(ctx context.Context, name, description string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: 项目名称不能为空", ErrInvalidArgument)
	}
	p := &model.Project{Name: name, Description: description}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("创建项目失败: %w", err)
	}
	return p, nil
}

func (s *ProjectService) GetProject(ctx context.Context, id uint) (*model.Project, error) {
	var p model.Project
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("获取项目失败: %w", err)
	}
	return &p, nil
}

// PutSpec 写入（或覆盖）项目的结构化问题描述，版本号递增
func (s *ProjectService) PutSpec(ctx context.Context, projectID uint, payload model.ProblemSpecPayload) (*model.ProblemSpec, error) {
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	var out model.ProblemSpec
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertSpec(tx, projectID, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PutWorldModel 写入（或覆盖）项目的世界模型，版本号递增
func (s *ProjectService) PutWorldModel(ctx context.Context, projectID uint, payload model.WorldModelPayload) (*model.WorldModel, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	var out model.WorldModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertWorldModel(tx, projectID, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func upsertSpec(tx *gorm.DB, projectID uint, payload model.ProblemSpecPayload, out *model.ProblemSpec) error {
	if err := requireProject(tx, projectID); err != nil {
		return err
	}
	var existing model.ProblemSpec
	err := tx.Where("project_id = ?", projectID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		*out = model.ProblemSpec{ProjectID: projectID, Version: 1, Data: payload}
		if err := tx.Create(out).Error; err != nil {
			return fmt.Errorf("保存问题描述失败: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("查询问题描述失败: %w", err)
	}
	existing.Version++
	existing.Data = payload
	if err := tx.Model(&existing).Select("Version", "Data").Updates(&existing).Error; err != nil {
		return fmt.Errorf("更新问题描述失败: %w", err)
	}
	*out = existing
	return nil
}

func upsertWorldModel(tx *gorm.DB, projectID uint, payload model.WorldModelPayload, out *model.WorldModel) error {
	if err := requireProject(tx, projectID); err != nil {
		return err
	}
	var existing model.WorldModel
	err := tx.Where("project_id = ?", projectID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		*out = model.WorldModel{ProjectID: projectID, Version: 1, Data: payload}
		if err := tx.Create(out).Error; err != nil {
			return fmt.Errorf("保存世界模型失败: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("查询世界模型失败: %w", err)
	}
	existing.Version++
	existing.Data = payload
	if err := tx.Model(&existing).Select("Version", "Data").Updates(&existing).Error; err != nil {
		return fmt.Errorf("更新世界模型失败: %w", err)
	}
	*out = existing
	return nil
}

func requireProject(tx *gorm.DB, projectID uint) error {
	var n int64
	if err := tx.Model(&model.Project{}).Where("id = ?", projectID).Count(&n).Error; err != nil {
		return fmt.Errorf("查询项目失败: %w", err)
	}
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// projectContext 阶段开始时一次性读取的项目上下文，阶段内不再重读
type projectContext struct {
	Project    model.Project
	Spec       model.ProblemSpecPayload
	WorldModel model.WorldModelPayload
	Chat       []model.ChatMessage
}

func loadProjectContext(ctx context.Context, g *gorm.DB, projectID uint, chatLimit int) (*projectContext, error) {
	g = g.WithContext(ctx)
	var pc projectContext
	if err := g.First(&pc.Project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &PrerequisiteMissingError{
				ProjectID:         projectID,
				Missing:           []string{"project"},
				AvailableProjects: availableProjects(g),
			}
		}
		return nil, fmt.Errorf("获取项目失败: %w", err)
	}

	var missing []string
	var spec model.ProblemSpec
	if err := g.Where("project_id = ?", projectID).First(&spec).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("获取问题描述失败: %w", err)
		}
		missing = append(missing, "problem_spec")
	}
	var wm model.WorldModel
	if err := g.Where("project_id = ?", projectID).First(&wm).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("获取世界模型失败: %w", err)
		}
		missing = append(missing, "world_model")
	}
	if len(missing) > 0 {
		return nil, &PrerequisiteMissingError{
			ProjectID:         projectID,
			Missing:           missing,
			AvailableProjects: availableProjects(g),
		}
	}
	pc.Spec = spec.Data
	pc.Spec.Normalize()
	pc.WorldModel = wm.Data

	if chatLimit > 0 {
		var recent []model.ChatMessage
		if err := g.Where("project_id = ?", projectID).Order("id DESC").Limit(chatLimit).Find(&recent).Error; err != nil {
			return nil, fmt.Errorf("获取对话上下文失败: %w", err)
		}
		// 按时间正序喂给提示词
		for i := len(recent) - 1; i >= 0; i-- {
			pc.Chat = append(pc.Chat, recent[i])
		}
	}
	return &pc, nil
}

func availableProjects(g *gorm.DB) []uint {
	var ids []uint
	_ = g.Model(&model.Project{}).Order("id").Limit(50).Pluck("id", &ids).Error
	return ids
}

func renderChat(msgs []model.ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, truncate(m.Content, 400)))
	}
	return b.String()
}
