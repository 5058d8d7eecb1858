package model

import "time"

type ConstraintScore struct {
	Satisfied   bool    `json:"satisfied"`
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation,omitempty"`
}

// Evaluation 一个 (candidate, scenario) 对的评分；同一 run 内每对至多一条
type Evaluation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunID       uint `gorm:"not null;uniqueIndex:idx_evaluation_pair" json:"run_id"`
	CandidateID uint `gorm:"not null;uniqueIndex:idx_evaluation_pair;index" json:"candidate_id"`
	ScenarioID  uint `gorm:"not null;uniqueIndex:idx_evaluation_pair" json:"scenario_id"`

	P                      float64                    `json:"p"`
	R                      float64                    `json:"r"`
	ConstraintSatisfaction map[string]ConstraintScore `gorm:"type:longtext;serializer:json" json:"constraint_satisfaction"`
	Explanation            string                     `gorm:"type:text" json:"explanation"`

	// 生成输出不合法时用中性默认值替代
	Malformed bool    `gorm:"default:false" json:"malformed"`
	Provider  string  `gorm:"type:varchar(50)" json:"provider"`
	Tokens    int     `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
}
