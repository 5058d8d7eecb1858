package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// SnapshotSchemaVersion 当前 snapshot_data 的结构版本
const SnapshotSchemaVersion = 2

var ErrSnapshotImmutable = errors.New("快照创建后不可修改，请创建新快照")

// Snapshot 项目 spec/world-model/run 配置的不可变自包含副本，用于回归回放
type Snapshot struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Name        string `gorm:"type:varchar(200);not null;index" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	Version     int    `gorm:"not null" json:"version"`

	// 仅作信息性回链，恢复时不读取
	ProjectID   uint  `gorm:"index" json:"project_id"`
	SourceRunID *uint `json:"source_run_id,omitempty"`

	// 原始 JSON，读取时按 version 解析/升级
	SnapshotData     string            `gorm:"type:longtext;not null" json:"-"`
	ReferenceMetrics *ReferenceMetrics `gorm:"type:text;serializer:json" json:"reference_metrics,omitempty"`
	Invariants       []Invariant       `gorm:"type:text;serializer:json" json:"invariants"`
}

func (s *Snapshot) BeforeUpdate(tx *gorm.DB) error {
	return ErrSnapshotImmutable
}

// SnapshotData v2 结构
type SnapshotData struct {
	Version     int                `json:"version"`
	ProjectName string             `json:"project_name"`
	Spec        ProblemSpecPayload `json:"spec"`
	WorldModel  WorldModelPayload  `json:"world_model"`
	RunMode     RunMode            `json:"run_mode,omitempty"`
	RunConfig   *RunConfig         `json:"run_config,omitempty"`
	// 基线 run 中用户注入的候选；eval_only / seeded 回放需要它们
	UserCandidates []CandidateSeed `json:"user_candidates,omitempty"`
	CapturedAt     time.Time       `json:"captured_at"`
}

type CandidateSeed struct {
	Title            string   `json:"title,omitempty"`
	Mechanism        string   `json:"mechanism"`
	PredictedEffects []string `json:"predicted_effects,omitempty"`
}

// ReferenceMetrics 基线 run 的指标，用于回放时计算差值
type ReferenceMetrics struct {
	RunID           uint      `json:"run_id"`
	Status          RunStatus `json:"status"`
	CandidateCount  int       `json:"candidate_count"`
	ScenarioCount   int       `json:"scenario_count"`
	EvaluationCount int       `json:"evaluation_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	TotalTokens     int       `json:"total_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	Coverage        float64   `json:"coverage"`
	TopCandidateID  *uint     `json:"top_candidate_id,omitempty"`
	TopI            *float64  `json:"top_i,omitempty"`
	TopP            *float64  `json:"top_p,omitempty"`
	TopR            *float64  `json:"top_r,omitempty"`
}

type InvariantType string

const (
	InvariantMinCandidates         InvariantType = "min_candidates"
	InvariantMaxCandidates         InvariantType = "max_candidates"
	InvariantMinScenarios          InvariantType = "min_scenarios"
	InvariantMaxScenarios          InvariantType = "max_scenarios"
	InvariantRunStatus             InvariantType = "run_status"
	InvariantMinTopI               InvariantType = "min_top_i"
	InvariantMaxTopI               InvariantType = "max_top_i"
	InvariantNoHardViolations      InvariantType = "no_hard_violations"
	InvariantMaxDurationSeconds    InvariantType = "max_duration_seconds"
	InvariantMinEvaluationCoverage InvariantType = "min_evaluation_coverage"
	// 相对基线的差值类检查
	InvariantMaxTopIDelta     InvariantType = "max_top_i_delta"
	InvariantMaxDurationRatio InvariantType = "max_duration_ratio"
)

var knownInvariants = map[InvariantType]bool{
	InvariantMinCandidates:         true,
	InvariantMaxCandidates:         true,
	InvariantMinScenarios:          true,
	InvariantMaxScenarios:          true,
	InvariantRunStatus:             true,
	InvariantMinTopI:               true,
	InvariantMaxTopI:               true,
	InvariantNoHardViolations:      true,
	InvariantMaxDurationSeconds:    true,
	InvariantMinEvaluationCoverage: true,
	InvariantMaxTopIDelta:          true,
	InvariantMaxDurationRatio:      true,
}

func (t InvariantType) Known() bool {
	return knownInvariants[t]
}

// Invariant 声明式检查项。JSON 接受两种写法：
// {"type":"min_candidates","value":3} 或简写 {"min_candidates":3}
type Invariant struct {
	Type  InvariantType   `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func NewInvariant(t InvariantType, v any) Invariant {
	raw, _ := json.Marshal(v)
	return Invariant{Type: t, Value: raw}
}

func (iv *Invariant) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("invariant 必须是对象: %w", err)
	}
	if rawType, ok := m["type"]; ok {
		var t string
		if err := json.Unmarshal(rawType, &t); err != nil {
			return fmt.Errorf("invariant.type 必须是字符串: %w", err)
		}
		iv.Type = InvariantType(t)
		iv.Value = m["value"]
		return nil
	}
	if len(m) != 1 {
		return fmt.Errorf("简写 invariant 只能包含一个键，实际 %d 个", len(m))
	}
	for k, v := range m {
		iv.Type = InvariantType(k)
		iv.Value = v
	}
	return nil
}

func (iv Invariant) Float() (float64, error) {
	if len(iv.Value) == 0 {
		return 0, fmt.Errorf("invariant %s 缺少数值", iv.Type)
	}
	var f float64
	if err := json.Unmarshal(iv.Value, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(iv.Value, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("invariant %s 的值不是数字: %s", iv.Type, string(iv.Value))
}

func (iv Invariant) Text() (string, error) {
	var s string
	if err := json.Unmarshal(iv.Value, &s); err != nil {
		return "", fmt.Errorf("invariant %s 的值不是字符串: %s", iv.Type, string(iv.Value))
	}
	return s, nil
}

// Bool 缺省视为 true，便于写 {"no_hard_violations": true} 或 {"type":"no_hard_violations"}
func (iv Invariant) Bool() (bool, error) {
	if len(iv.Value) == 0 || string(iv.Value) == "null" {
		return true, nil
	}
	var b bool
	if err := json.Unmarshal(iv.Value, &b); err != nil {
		return false, fmt.Errorf("invariant %s 的值不是布尔: %s", iv.Type, string(iv.Value))
	}
	return b, nil
}
