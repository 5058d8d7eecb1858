package model

import (
	"time"

	"gorm.io/gorm"
)

// Project 只保留编排核心需要的字段；项目的增删改查由外部协作方负责
type Project struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name        string `gorm:"type:varchar(200);not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	// 快照恢复出来的隔离项目
	IsTemporary      bool  `gorm:"index;default:false" json:"is_temporary"`
	SourceSnapshotID *uint `gorm:"index" json:"source_snapshot_id,omitempty"`
}

// ProblemSpec 结构化问题描述（每个项目一份）
type ProblemSpec struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID uint               `gorm:"not null;uniqueIndex" json:"project_id"`
	Version   int                `gorm:"default:1" json:"version"`
	Data      ProblemSpecPayload `gorm:"type:longtext;serializer:json" json:"data"`
}

// WorldModel 结构化世界模型（每个项目一份）
type WorldModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID uint              `gorm:"not null;uniqueIndex" json:"project_id"`
	Version   int               `gorm:"default:1" json:"version"`
	Data      WorldModelPayload `gorm:"type:longtext;serializer:json" json:"data"`
}

// ChatMessage 对话记录（只读：仅用于给 design/evaluation 提示词补充上下文）
type ChatMessage struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ProjectID uint   `gorm:"not null;index" json:"project_id"`
	Role      string `gorm:"type:varchar(20)" json:"role"`
	Content   string `gorm:"type:text" json:"content"`
}
