package model

import "time"

type CandidateOrigin string

const (
	CandidateOriginUser   CandidateOrigin = "user"
	CandidateOriginSystem CandidateOrigin = "system"
)

type CandidateStatus string

const (
	CandidateStatusNew       CandidateStatus = "new"
	CandidateStatusUnderTest CandidateStatus = "under_test"
	CandidateStatusPromising CandidateStatus = "promising"
	CandidateStatusWeak      CandidateStatus = "weak"
	CandidateStatusRejected  CandidateStatus = "rejected"
)

// CandidateScores 由排序阶段整体重算，不做增量修补；I 在首次排序前为空
type CandidateScores struct {
	P                      *float64           `json:"p"`
	R                      *float64           `json:"r"`
	I                      *float64           `json:"i"`
	ConstraintSatisfaction map[string]float64 `json:"constraint_satisfaction,omitempty"`
	HardViolations         []string           `json:"hard_violations,omitempty"`
	Rank                   int                `json:"rank,omitempty"`
	EvaluationCount        int                `json:"evaluation_count"`
	Unevaluated            bool               `json:"unevaluated,omitempty"`
	RankingExplanation     string             `json:"ranking_explanation,omitempty"`
	TopPositiveFactors     []string           `json:"top_positive_factors,omitempty"`
	TopNegativeFactors     []string           `json:"top_negative_factors,omitempty"`
	RankedAt               *time.Time         `json:"ranked_at,omitempty"`
}

// Candidate 一次 run 内的候选机制
type Candidate struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunID            uint            `gorm:"not null;index" json:"run_id"`
	Origin           CandidateOrigin `gorm:"type:varchar(10);not null" json:"origin"`
	Title            string          `gorm:"type:varchar(200)" json:"title"`
	Mechanism        string          `gorm:"type:text;not null" json:"mechanism"`
	PredictedEffects []string        `gorm:"type:text;serializer:json" json:"predicted_effects"`
	// 谱系
	ParentIDs []uint          `gorm:"type:text;serializer:json" json:"parent_ids"`
	Status    CandidateStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Scores    CandidateScores `gorm:"type:longtext;serializer:json" json:"scores"`

	Provenance []CandidateEvent `gorm:"foreignKey:CandidateID" json:"provenance,omitempty"`
}
