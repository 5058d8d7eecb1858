package model

import "time"

type ProvenanceType string

const (
	ProvenanceDesign        ProvenanceType = "design"
	ProvenanceEvalResult    ProvenanceType = "eval_result"
	ProvenanceRanking       ProvenanceType = "ranking"
	ProvenanceFeedbackPatch ProvenanceType = "feedback_patch"
)

func (t ProvenanceType) Valid() bool {
	switch t {
	case ProvenanceDesign, ProvenanceEvalResult, ProvenanceRanking, ProvenanceFeedbackPatch:
		return true
	}
	return false
}

// CandidateEvent 候选的溯源日志：只追加，(candidate_id, seq) 唯一
type CandidateEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CandidateID uint           `gorm:"not null;uniqueIndex:idx_candidate_event_seq" json:"candidate_id"`
	Seq         int            `gorm:"not null;uniqueIndex:idx_candidate_event_seq" json:"seq"`
	RunID       uint           `gorm:"not null;index" json:"run_id"`
	Type        ProvenanceType `gorm:"type:varchar(32);not null" json:"type"`
	Payload     map[string]any `gorm:"type:text;serializer:json" json:"payload"`
}
