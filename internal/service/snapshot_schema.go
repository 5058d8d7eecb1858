package service

import (
	"encoding/json"
	"fmt"
	"time"

	"mech-search/internal/model"
)

// v1 快照：spec 挂在 problem_spec 下，约束没有 id，硬约束用 hard 标记，世界模型没有 simplifications
type snapshotV1Constraint struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Weight      *float64 `json:"weight"`
	Hard        *bool    `json:"hard"`
}

type snapshotV1Spec struct {
	Constraints []snapshotV1Constraint `json:"constraints"`
	Goals       []string               `json:"goals"`
	Resolution  string                 `json:"resolution"`
	RunMode     string                 `json:"run_mode"`
	Notes       string                 `json:"notes"`
}

type snapshotV1Data struct {
	Version        int                     `json:"version"`
	ProjectName    string                  `json:"project_name"`
	ProblemSpec    *snapshotV1Spec         `json:"problem_spec"`
	Spec           *snapshotV1Spec         `json:"spec"`
	WorldModel     model.WorldModelPayload `json:"world_model"`
	RunMode        model.RunMode           `json:"run_mode"`
	RunConfig      *model.RunConfig        `json:"run_config"`
	UserCandidates []model.CandidateSeed   `json:"user_candidates"`
	CapturedAt     time.Time               `json:"captured_at"`
}

const defaultV1Weight = 50

// DecodeSnapshotData 按 version 解析 snapshot_data，旧版本升级到当前结构
func DecodeSnapshotData(raw string) (*model.SnapshotData, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("解析快照数据失败: %w", err)
	}
	switch {
	case head.Version <= 1:
		return migrateSnapshotV1(raw)
	case head.Version == model.SnapshotSchemaVersion:
		var d model.SnapshotData
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("解析快照数据失败: %w", err)
		}
		d.Spec.Normalize()
		return &d, nil
	default:
		return nil, fmt.Errorf("快照版本 %d 高于当前支持的 %d", head.Version, model.SnapshotSchemaVersion)
	}
}

func migrateSnapshotV1(raw string) (*model.SnapshotData, error) {
	var v1 snapshotV1Data
	if err := json.Unmarshal([]byte(raw), &v1); err != nil {
		return nil, fmt.Errorf("解析 v1 快照失败: %w", err)
	}
	spec := v1.ProblemSpec
	if spec == nil {
		spec = v1.Spec
	}
	if spec == nil {
		spec = &snapshotV1Spec{}
	}

	out := &model.SnapshotData{
		Version:        model.SnapshotSchemaVersion,
		ProjectName:    v1.ProjectName,
		WorldModel:     v1.WorldModel,
		RunMode:        v1.RunMode,
		RunConfig:      v1.RunConfig,
		UserCandidates: v1.UserCandidates,
		CapturedAt:     v1.CapturedAt,
		Spec: model.ProblemSpecPayload{
			Goals:      spec.Goals,
			Resolution: spec.Resolution,
			RunMode:    spec.RunMode,
			Notes:      spec.Notes,
		},
	}
	for _, c := range spec.Constraints {
		w := float64(defaultV1Weight)
		if c.Weight != nil {
			w = *c.Weight
		}
		// hard 标记优先于权重：显式非硬约束不能因权重 100 变成硬约束
		if c.Hard != nil {
			if *c.Hard {
				w = model.HardConstraintWeight
			} else if w >= model.HardConstraintWeight {
				w = model.HardConstraintWeight - 1
			}
		}
		out.Spec.Constraints = append(out.Spec.Constraints, model.Constraint{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Weight:      w,
		})
	}
	out.Spec.Normalize()
	if out.WorldModel.Simplifications == nil {
		out.WorldModel.Simplifications = []model.Entity{}
	}
	if out.RunMode == "" && model.RunMode(spec.RunMode).Valid() {
		out.RunMode = model.RunMode(spec.RunMode)
	}
	return out, nil
}
