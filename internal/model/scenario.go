package model

import "time"

// ScenarioFocus 场景重点施压的对象
type ScenarioFocus struct {
	Constraints []string `json:"constraints,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
	Actors      []string `json:"actors,omitempty"`
	Resources   []string `json:"resources,omitempty"`
}

// ScenarioSuite 每个 run 至多一套；重新生成时整体替换
type ScenarioSuite struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RunID         uint       `gorm:"not null;uniqueIndex" json:"run_id"`
	ScenarioCount int        `json:"scenario_count"`
	Scenarios     []Scenario `gorm:"foreignKey:SuiteID" json:"scenarios,omitempty"`
}

type Scenario struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	SuiteID          uint           `gorm:"not null;index" json:"suite_id"`
	RunID            uint           `gorm:"not null;index" json:"run_id"`
	Position         int            `json:"position"`
	Name             string         `gorm:"type:varchar(200)" json:"name"`
	Description      string         `gorm:"type:text" json:"description"`
	Weight           float64        `json:"weight"`
	Focus            ScenarioFocus  `gorm:"type:text;serializer:json" json:"focus"`
	InitialState     map[string]any `gorm:"type:text;serializer:json" json:"initial_state"`
	Events           []string       `gorm:"type:text;serializer:json" json:"events"`
	ExpectedOutcomes []string       `gorm:"type:text;serializer:json" json:"expected_outcomes"`
}
