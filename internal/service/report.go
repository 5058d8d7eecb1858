package service

import (
	"fmt"
	"strings"
	"time"
)

func RenderBatchMarkdown(report *BatchReport) string {
	var b strings.Builder
	b.WriteString("# 快照回归报告\n\n")
	b.WriteString(fmt.Sprintf("- batch_id: %s\n", report.BatchID))
	b.WriteString(fmt.Sprintf("- started_at: %s\n", report.StartedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- finished_at: %s\n", report.FinishedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- total: %d / passed: %d / failed: %d / skipped: %d\n",
		report.Total, report.Passed, report.Failed, report.Skipped))
	b.WriteString(fmt.Sprintf("- total_cost_usd: %.4f（上限 %.4f）\n", report.TotalCostUSD, report.CostCeilingUSD))
	if report.Truncated {
		b.WriteString(fmt.Sprintf("- **已截断**: %s\n", report.TruncationReason))
	}
	pr := report.PassRate
	b.WriteString(fmt.Sprintf("- pass_rate: %.3f，CI95 [%.3f, %.3f]（n=%d）\n\n", pr.Rate, pr.CI95Low, pr.CI95High, pr.N))

	b.WriteString("## 逐快照结果\n\n")
	b.WriteString("| 快照 | 名称 | 结果 | run | run 状态 | 成本 | 耗时(s) | 失败项 |\n")
	b.WriteString("| ---: | --- | --- | ---: | --- | ---: | ---: | --- |\n")
	for _, e := range report.Results {
		var failed []string
		for _, r := range e.Invariants {
			if !r.Passed {
				failed = append(failed, fmt.Sprintf("%s(期望 %v, 实际 %v)", r.Type, r.Expected, r.Actual))
			}
		}
		result := e.Status
		if e.SkipReason != "" {
			result = fmt.Sprintf("%s: %s", e.Status, e.SkipReason)
		}
		b.WriteString(fmt.Sprintf("| %d | %s | %s | %d | %s | %.4f | %.1f | %s |\n",
			e.SnapshotID, e.SnapshotName, result, e.RunID, e.RunStatus, e.CostUSD, e.DurationSeconds,
			strings.Join(failed, "; ")))
	}

	var errs []string
	for _, e := range report.Results {
		if e.Error != "" {
			errs = append(errs, fmt.Sprintf("snapshot=%d: %s", e.SnapshotID, e.Error))
		}
	}
	if len(errs) > 0 {
		b.WriteString("\n## 执行错误（如有）\n\n")
		max := len(errs)
		if max > 20 {
			max = 20
		}
		for i := 0; i < max; i++ {
			b.WriteString(fmt.Sprintf("- %s\n", errs[i]))
		}
		if len(errs) > max {
			b.WriteString(fmt.Sprintf("- ...(剩余 %d 条省略)\n", len(errs)-max))
		}
	}
	return b.String()
}
