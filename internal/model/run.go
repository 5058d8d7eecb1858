package model

import (
	"time"

	"gorm.io/gorm"
)

type RunMode string

const (
	RunModeFullSearch RunMode = "full_search"
	RunModeEvalOnly   RunMode = "eval_only"
	RunModeSeeded     RunMode = "seeded"
)

func (m RunMode) Valid() bool {
	switch m {
	case RunModeFullSearch, RunModeEvalOnly, RunModeSeeded:
		return true
	}
	return false
}

type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type RunConfig struct {
	CandidateCount  int     `json:"candidate_count"`
	ScenarioCount   int     `json:"scenario_count"`
	BudgetUSD       float64 `json:"budget_usd"`
	EvalWorkers     int     `json:"eval_workers"`
	ForceReevaluate bool    `json:"force_reevaluate,omitempty"`
}

// PhaseSpan 子阶段不单独持久化状态，只记录一段耗时
type PhaseSpan struct {
	Phase      string         `json:"phase"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Produced   map[string]int `json:"produced,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type RunMetrics struct {
	PhaseTimings         []PhaseSpan `json:"phase_timings"`
	EvaluationsAttempted int         `json:"evaluations_attempted"`
	EvaluationsSkipped   int         `json:"evaluations_skipped"`
	EvaluationsStored    int         `json:"evaluations_stored"`
	EvaluationsFailed    int         `json:"evaluations_failed"`
	MalformedOutputs     int         `json:"malformed_outputs"`
	GenerationRetries    int         `json:"generation_retries"`
}

type UsageBucket struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Retries          int     `json:"retries"`
	CostUSD          float64 `json:"cost_usd"`
}

func (b *UsageBucket) Add(o UsageBucket) {
	b.Calls += o.Calls
	b.PromptTokens += o.PromptTokens
	b.CompletionTokens += o.CompletionTokens
	b.TotalTokens += o.TotalTokens
	b.Retries += o.Retries
	b.CostUSD += o.CostUSD
}

type LLMUsage struct {
	Total      UsageBucket            `json:"total"`
	ByPhase    map[string]UsageBucket `json:"by_phase"`
	ByProvider map[string]UsageBucket `json:"by_provider"`
}

func (u *LLMUsage) Record(phase, provider string, b UsageBucket) {
	if u.ByPhase == nil {
		u.ByPhase = map[string]UsageBucket{}
	}
	if u.ByProvider == nil {
		u.ByProvider = map[string]UsageBucket{}
	}
	u.Total.Add(b)
	p := u.ByPhase[phase]
	p.Add(b)
	u.ByPhase[phase] = p
	pr := u.ByProvider[provider]
	pr.Add(b)
	u.ByProvider[provider] = pr
}

// Run 一次流水线执行
type Run struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProjectID uint      `gorm:"not null;index" json:"project_id"`
	Mode      RunMode   `gorm:"type:varchar(20);not null" json:"mode"`
	Config    RunConfig `gorm:"type:text;serializer:json" json:"config"`

	// 状态只能前进：created -> running -> completed|failed
	Status      RunStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	// 结束时写入；运行中由 Duration() 推导
	DurationSeconds float64 `json:"duration_seconds"`

	CandidateCount  int `json:"candidate_count"`
	ScenarioCount   int `json:"scenario_count"`
	EvaluationCount int `json:"evaluation_count"`

	Metrics      RunMetrics `gorm:"type:longtext;serializer:json" json:"metrics"`
	LLMUsage     LLMUsage   `gorm:"column:llm_usage;type:longtext;serializer:json" json:"llm_usage"`
	ErrorSummary string     `gorm:"type:text" json:"error_summary,omitempty"`
}

func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}
