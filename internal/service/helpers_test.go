package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"mech-search/internal/config"
	"mech-search/internal/db"
	"mech-search/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	g, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(g))
	t.Cleanup(func() {
		if sqlDB, err := g.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return g
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.CandidateCount = 3
	cfg.Pipeline.ScenarioCount = 2
	cfg.Pipeline.EvalWorkers = 2
	cfg.Pipeline.BudgetUSD = 0
	cfg.Snapshot.OutputDir = t.TempDir()
	cfg.Snapshot.CostCeilingUSD = 0
	return cfg
}

// fakeGenerator 按阶段返回固定输出；可注入错误与每次调用的成本
type fakeGenerator struct {
	mu          sync.Mutex
	calls       map[Phase]int
	costPerCall float64
	failPhase   map[Phase]error
	respond     func(req GenerationRequest) string
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: map[Phase]int{}, failPhase: map[Phase]error{}}
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	f.mu.Lock()
	f.calls[req.Phase]++
	err := f.failPhase[req.Phase]
	respond := f.respond
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	text := defaultFakeOutput(req)
	if respond != nil {
		if s := respond(req); s != "" {
			text = s
		}
	}
	return &GenerationResult{
		Text:             text,
		Provider:         "fake",
		Model:            "fake-1",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		CostUSD:          f.costPerCall,
	}, nil
}

func (f *fakeGenerator) Calls(p Phase) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[p]
}

func (f *fakeGenerator) fail(p Phase, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPhase[p] = err
}

var errFakeUpstream = errors.New("upstream unavailable")

func defaultFakeOutput(req GenerationRequest) string {
	switch req.Phase {
	case PhaseDesign:
		return `{"candidates": [
			{"title": "阶梯定价", "mechanism": "按用量分段计价", "predicted_effects": ["削峰"]},
			{"title": "预约制", "mechanism": "用户提前预约时段", "predicted_effects": ["平滑负载"]},
			{"title": "积分激励", "mechanism": "低峰使用获得积分", "predicted_effects": ["引导错峰"]},
			{"title": "动态限流", "mechanism": "按实时负载限流", "predicted_effects": ["保护系统"]}
		]}`
	case PhaseScenarios:
		return "```json\n" + `{"scenarios": [
			{"name": "晚高峰", "description": "晚间用量激增", "weight": 0.9, "focus": {"constraints": ["安全"]}},
			{"name": "节假日", "description": "长假期间需求波动", "weight": 0.5, "focus": {"constraints": ["成本"]}},
			{"name": "设备故障", "description": "部分设备下线"}
		]}` + "\n```"
	case PhaseEvaluation:
		if strings.Contains(req.Prompt, "高风险") {
			return `{"p": 0.9, "r": 0.2, "constraint_satisfaction": {"safety": {"satisfied": false, "score": 0.2}, "cost": 0.9}, "rationale": "收益高但不安全"}`
		}
		return `{"p": 0.8, "r": 0.4, "constraint_satisfaction": {"safety": {"satisfied": true, "score": 0.9}, "cost": 0.7}, "rationale": "稳妥"}`
	}
	return "{}"
}

func testSpecPayload() model.ProblemSpecPayload {
	return model.ProblemSpecPayload{
		Constraints: []model.Constraint{
			{ID: "safety", Name: "安全", Weight: 100},
			{ID: "cost", Name: "成本", Weight: 60},
		},
		Goals:   []string{"降低高峰负载"},
		RunMode: string(model.RunModeFullSearch),
	}
}

func testWorldModelPayload() model.WorldModelPayload {
	return model.WorldModelPayload{
		Actors:     []model.Entity{{Name: "用户"}, {Name: "运营方"}},
		Mechanisms: []model.Entity{{Name: "分时电价", Description: "不同时段不同价格"}},
		Resources:  []model.Entity{{Name: "带宽"}},
	}
}

type testEnv struct {
	db  *gorm.DB
	cfg *config.Config
	gen *fakeGenerator
	svc *ServiceContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	g := newTestDB(t)
	cfg := testConfig(t)
	gen := newFakeGenerator()
	svc := NewServiceContextWithGenerator(cfg, g, gen, zaptest.NewLogger(t))
	return &testEnv{db: g, cfg: cfg, gen: gen, svc: svc}
}

// seedProject 建好带 spec 与 world-model 的项目
func (e *testEnv) seedProject(t *testing.T) *model.Project {
	t.Helper()
	ctx := context.Background()
	p, err := e.svc.Projects.CreateProject(ctx, "错峰方案", "")
	require.NoError(t, err)
	_, err = e.svc.Projects.PutSpec(ctx, p.ID, testSpecPayload())
	require.NoError(t, err)
	_, err = e.svc.Projects.PutWorldModel(ctx, p.ID, testWorldModelPayload())
	require.NoError(t, err)
	return p
}

func (e *testEnv) completedRun(t *testing.T) *model.Run {
	t.Helper()
	ctx := context.Background()
	p := e.seedProject(t)
	run, err := e.svc.Pipeline.CreateRun(ctx, p.ID, model.RunModeFullSearch, model.RunConfig{})
	require.NoError(t, err)
	run, err = e.svc.Pipeline.RunFullPipeline(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	return run
}
