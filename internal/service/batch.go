package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mech-search/internal/metrics"
	"mech-search/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	BatchEntryPassed  = "passed"
	BatchEntryFailed  = "failed"
	BatchEntrySkipped = "skipped"

	TruncatedByCostCeiling  = "cost_ceiling"
	TruncatedByMaxSnapshots = "max_snapshots"
)

type BatchRequest struct {
	// 为空表示全部快照（按 id 顺序）
	SnapshotIDs    []uint   `json:"snapshot_ids"`
	CostCeilingUSD *float64 `json:"cost_ceiling_usd"`
	MaxSnapshots   int      `json:"max_snapshots"`
	Phases         []Phase  `json:"phases"`
}

type BatchEntry struct {
	SnapshotID      uint              `json:"snapshot_id"`
	SnapshotName    string            `json:"snapshot_name,omitempty"`
	Status          string            `json:"status"`
	SkipReason      string            `json:"skip_reason,omitempty"`
	RunID           uint              `json:"run_id,omitempty"`
	RunStatus       model.RunStatus   `json:"run_status,omitempty"`
	CostUSD         float64           `json:"cost_usd"`
	DurationSeconds float64           `json:"duration_seconds"`
	Invariants      []InvariantResult `json:"invariants,omitempty"`
	Deltas          *MetricDeltas     `json:"deltas,omitempty"`
	Error           string            `json:"error,omitempty"`
}

type BatchReport struct {
	BatchID          string       `json:"batch_id"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
	Total            int          `json:"total"`
	Passed           int          `json:"passed"`
	Failed           int          `json:"failed"`
	Skipped          int          `json:"skipped"`
	TotalCostUSD     float64      `json:"total_cost_usd"`
	CostCeilingUSD   float64      `json:"cost_ceiling_usd"`
	Truncated        bool         `json:"truncated"`
	TruncationReason string       `json:"truncation_reason,omitempty"`
	PassRate         PassRate     `json:"pass_rate"`
	Results          []BatchEntry `json:"results"`
	ResultPath       string       `json:"result_path,omitempty"`
	MarkdownPath     string       `json:"markdown_path,omitempty"`
}

// RunBatch 顺序回放快照并累计成本；累计成本达到上限后不再发起新的回放，剩余条目记为 skipped。
// 单线程执行以保证成本累计精确
func (s *SnapshotService) RunBatch(ctx context.Context, req BatchRequest) (*BatchReport, error) {
	phases, err := normalizePhases(req.Phases)
	if err != nil {
		return nil, err
	}
	ids := req.SnapshotIDs
	if len(ids) == 0 {
		snaps, err := s.List(ctx, nil)
		if err != nil {
			return nil, err
		}
		for _, sn := range snaps {
			ids = append(ids, sn.ID)
		}
	}
	ceiling := s.cfg.CostCeilingUSD
	if req.CostCeilingUSD != nil {
		ceiling = *req.CostCeilingUSD
	}
	maxN := s.cfg.MaxSnapshots
	if req.MaxSnapshots > 0 {
		maxN = req.MaxSnapshots
	}

	report := &BatchReport{
		BatchID:        uuid.NewString(),
		StartedAt:      time.Now(),
		Total:          len(ids),
		CostCeilingUSD: ceiling,
		Results:        make([]BatchEntry, 0, len(ids)),
	}
	s.logger.Info("批量回归开始",
		zap.String("batch_id", report.BatchID),
		zap.Int("total", len(ids)),
		zap.Float64("cost_ceiling_usd", ceiling),
		zap.Int("max_snapshots", maxN))

	for i, id := range ids {
		entry := BatchEntry{SnapshotID: id}
		switch {
		case maxN > 0 && i >= maxN:
			entry.Status, entry.SkipReason = BatchEntrySkipped, TruncatedByMaxSnapshots
			s.truncate(report, TruncatedByMaxSnapshots)
		case ceiling > 0 && report.TotalCostUSD >= ceiling:
			entry.Status, entry.SkipReason = BatchEntrySkipped, TruncatedByCostCeiling
			s.truncate(report, TruncatedByCostCeiling)
		default:
			entry = s.replayEntry(ctx, id, phases)
			report.TotalCostUSD += entry.CostUSD
		}

		switch entry.Status {
		case BatchEntryPassed:
			report.Passed++
		case BatchEntryFailed:
			report.Failed++
		case BatchEntrySkipped:
			report.Skipped++
		}
		report.Results = append(report.Results, entry)
	}

	report.FinishedAt = time.Now()
	report.PassRate = computePassRate(report.Passed, report.Passed+report.Failed)
	metrics.BatchCostUSD.Observe(report.TotalCostUSD)
	if report.Truncated {
		metrics.BatchTruncated.Inc()
	}

	if err := s.writeBatchReport(report); err != nil {
		s.logger.Error("写入批量回归报告失败", zap.String("batch_id", report.BatchID), zap.Error(err))
	}
	s.logger.Info("批量回归结束",
		zap.String("batch_id", report.BatchID),
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Float64("total_cost_usd", report.TotalCostUSD),
		zap.Bool("truncated", report.Truncated))
	return report, nil
}

func (s *SnapshotService) truncate(report *BatchReport, reason string) {
	if !report.Truncated {
		report.Truncated = true
		report.TruncationReason = reason
	}
}

// replayEntry 回放单个快照；快照本身无 invariants 时默认要求 run 完成
func (s *SnapshotService) replayEntry(ctx context.Context, id uint, phases []Phase) BatchEntry {
	entry := BatchEntry{SnapshotID: id}
	snap, err := s.Get(ctx, id)
	if err != nil {
		entry.Status, entry.Error = BatchEntryFailed, err.Error()
		return entry
	}
	entry.SnapshotName = snap.Name

	opts := ReplayOptions{Phases: phases}
	if len(snap.Invariants) == 0 {
		opts.Invariants = []model.Invariant{model.NewInvariant(model.InvariantRunStatus, string(model.RunStatusCompleted))}
	}
	res, err := s.Replay(ctx, id, opts)
	if err != nil {
		entry.Status, entry.Error = BatchEntryFailed, err.Error()
		return entry
	}
	entry.RunID = res.RunID
	entry.RunStatus = res.Status
	entry.CostUSD = res.CostUSD
	entry.DurationSeconds = res.Statistics.DurationSeconds
	entry.Invariants = res.Invariants
	entry.Deltas = res.Deltas
	entry.Error = res.ErrorSummary
	entry.Status = BatchEntryFailed
	if res.Passed {
		entry.Status = BatchEntryPassed
	}
	return entry
}

func (s *SnapshotService) writeBatchReport(report *BatchReport) error {
	outDir := s.cfg.OutputDir
	if outDir == "" {
		outDir = "outputs"
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	report.ResultPath = filepath.Join(outDir, fmt.Sprintf("snapshot_batch_%s.json", report.BatchID))
	report.MarkdownPath = filepath.Join(outDir, fmt.Sprintf("snapshot_batch_%s.md", report.BatchID))

	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化报告失败: %w", err)
	}
	if err := os.WriteFile(report.ResultPath, b, 0o644); err != nil {
		return fmt.Errorf("写入报告失败: %w", err)
	}
	if err := os.WriteFile(report.MarkdownPath, []byte(RenderBatchMarkdown(report)), 0o644); err != nil {
		return fmt.Errorf("写入报告失败: %w", err)
	}
	return nil
}
