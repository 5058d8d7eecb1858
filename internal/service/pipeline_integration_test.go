package service

import (
	"context"
	"testing"
	"time"

	"mech-search/internal/config"
	"mech-search/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestPipeline_Integration 真实调用 LLM 跑一遍完整流程
// 需要 config/config.yaml 且配置了可用的 provider
func TestPipeline_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("跳过集成测试：-short")
	}
	cfg, err := config.LoadConfig("../../config/config.yaml")
	if err != nil {
		t.Skip("跳过集成测试：无法加载配置文件（请确保 config/config.yaml 存在）")
		return
	}
	cfg.Pipeline.CandidateCount = 2
	cfg.Pipeline.ScenarioCount = 2
	cfg.Snapshot.OutputDir = t.TempDir()

	svc, err := NewServiceContext(cfg, newTestDB(t), zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("跳过集成测试：无法创建生成器: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	p, err := svc.Projects.CreateProject(ctx, "集成测试", "")
	require.NoError(t, err)
	_, err = svc.Projects.PutSpec(ctx, p.ID, testSpecPayload())
	require.NoError(t, err)
	_, err = svc.Projects.PutWorldModel(ctx, p.ID, testWorldModelPayload())
	require.NoError(t, err)

	run, err := svc.Pipeline.CreateRun(ctx, p.ID, model.RunModeFullSearch, model.RunConfig{})
	require.NoError(t, err)
	run, err = svc.Pipeline.RunFullPipeline(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, run.Status)
	t.Logf("RunID=%d cost=%.4f tokens=%d", run.ID, run.LLMUsage.Total.CostUSD, run.LLMUsage.Total.TotalTokens)

	completeness, err := svc.Verification.VerifyRunCompleteness(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, completeness.Complete, "issues: %v", completeness.Issues)

	stats, err := svc.Verification.GetRunStatistics(ctx, run.ID)
	require.NoError(t, err)
	t.Logf("statistics: %+v", stats)
}
