package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	// mysql（默认）/ sqlite（本地调试与测试）
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
	// 直接给出 DSN 时忽略上面的拆分字段；sqlite 下为文件路径
	DSN string `yaml:"dsn"`
}

type LLMConfig struct {
	// dify / openai
	Provider string       `yaml:"provider"`
	Dify     DifyConfig   `yaml:"dify"`
	OpenAI   OpenAIConfig `yaml:"openai"`
	// 每 1k token 的美元价格，用于成本核算（预算与批量回归的成本上限都依赖它）
	PromptPricePer1K     float64 `yaml:"prompt_price_per_1k"`
	CompletionPricePer1K float64 `yaml:"completion_price_per_1k"`
	// 生成调用层的重试/限流（编排器本身不重试）
	MaxRetries        int     `yaml:"max_retries"`
	RetryBaseDelayMS  int     `yaml:"retry_base_delay_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

type DifyConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// 应用类型：workflow/chat/completion
	AppType string `yaml:"app_type"`
	// response_mode: blocking/streaming（后端为简化处理建议 blocking）
	ResponseMode string `yaml:"response_mode"`
	// workflow 必填 inputs：system + query（字段名可配置，默认 system/query）
	WorkflowSystemKey string `yaml:"workflow_system_key"`
	WorkflowQueryKey  string `yaml:"workflow_query_key"`
	// Workflow 输出字段名（从 outputs 中取该 key 作为 answer；为空则自动猜测）
	WorkflowOutputKey string `yaml:"workflow_output_key"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type PipelineConfig struct {
	CandidateCount int     `yaml:"candidate_count"`
	ScenarioCount  int     `yaml:"scenario_count"`
	EvalWorkers    int     `yaml:"eval_workers"`
	BudgetUSD      float64 `yaml:"budget_usd"`
	// 注入 design/evaluation 提示词的最近对话条数
	ChatContextMessages int `yaml:"chat_context_messages"`
}

// RankingConfig I-Ranker 阈值，默认值必须与验收口径一致
type RankingConfig struct {
	PromisingThreshold     float64 `yaml:"promising_threshold"`
	UnderTestThreshold     float64 `yaml:"under_test_threshold"`
	HardConstraintMinScore float64 `yaml:"hard_constraint_min_score"`
	Epsilon                float64 `yaml:"epsilon"`
}

type SnapshotConfig struct {
	CostCeilingUSD float64 `yaml:"cost_ceiling_usd"`
	MaxSnapshots   int     `yaml:"max_snapshots"`
	OutputDir      string  `yaml:"output_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// json / console
	Encoding string `yaml:"encoding"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.ApplyEnv()
	config.ApplyDefaults()
	return &config, nil
}

// Default 无配置文件时的可运行配置（sqlite + 默认阈值）
func Default() *Config {
	cfg := &Config{}
	cfg.Database.Driver = "sqlite"
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg
}

// ApplyEnv 敏感字段允许通过环境变量覆盖，避免写进 yaml
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("MECH_DB_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("MECH_DB_DRIVER")); v != "" {
		c.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("DIFY_API_KEY")); v != "" {
		c.LLM.Dify.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		c.LLM.OpenAI.Model = v
	}
}

func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "mech-search.db"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "dify"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxRetries < 0 {
		c.LLM.MaxRetries = 0
	}
	if c.LLM.RetryBaseDelayMS <= 0 {
		c.LLM.RetryBaseDelayMS = 500
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.Pipeline.CandidateCount <= 0 {
		c.Pipeline.CandidateCount = 3
	}
	if c.Pipeline.ScenarioCount <= 0 {
		c.Pipeline.ScenarioCount = 3
	}
	if c.Pipeline.EvalWorkers <= 0 {
		c.Pipeline.EvalWorkers = 4
	}
	if c.Pipeline.ChatContextMessages <= 0 {
		c.Pipeline.ChatContextMessages = 10
	}
	if c.Ranking.PromisingThreshold == 0 {
		c.Ranking.PromisingThreshold = 0.8
	}
	if c.Ranking.UnderTestThreshold == 0 {
		c.Ranking.UnderTestThreshold = 0.5
	}
	if c.Ranking.HardConstraintMinScore == 0 {
		c.Ranking.HardConstraintMinScore = 0.5
	}
	if c.Ranking.Epsilon <= 0 {
		c.Ranking.Epsilon = 1e-6
	}
	if c.Snapshot.MaxSnapshots <= 0 {
		c.Snapshot.MaxSnapshots = 50
	}
	if c.Snapshot.OutputDir == "" {
		c.Snapshot.OutputDir = "outputs"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
}
