package service

import (
	"context"
	"os"
	"testing"

	"mech-search/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureRun(t *testing.T, e *testEnv, run *model.Run, invariants ...model.Invariant) *model.Snapshot {
	t.Helper()
	runID := run.ID
	snap, err := e.svc.Snapshots.Capture(context.Background(), CaptureRequest{
		ProjectID:  run.ProjectID,
		RunID:      &runID,
		Name:       "baseline",
		Invariants: invariants,
	})
	require.NoError(t, err)
	return snap
}

func TestSnapshot_CaptureCopiesState(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	run := e.completedRun(t)
	snap := captureRun(t, e, run)

	assert.Equal(t, model.SnapshotSchemaVersion, snap.Version)
	require.NotNil(t, snap.ReferenceMetrics)
	assert.Equal(t, model.RunStatusCompleted, snap.ReferenceMetrics.Status)
	assert.Equal(t, 6, snap.ReferenceMetrics.EvaluationCount)
	require.NotNil(t, snap.ReferenceMetrics.TopI)
	assert.InDelta(t, 2.0, *snap.ReferenceMetrics.TopI, 1e-9)

	// 之后修改项目不影响快照
	changed := testSpecPayload()
	changed.Goals = []string{"完全不同的目标"}
	_, err := e.svc.Projects.PutSpec(ctx, run.ProjectID, changed)
	require.NoError(t, err)

	_, data, err := e.svc.Snapshots.Data(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"降低高峰负载"}, data.Spec.Goals)
	assert.Equal(t, model.RunModeFullSearch, data.RunMode)
	require.NotNil(t, data.RunConfig)
	assert.Equal(t, 3, data.RunConfig.CandidateCount)
	assert.Len(t, data.Spec.Constraints, 2)
	assert.Equal(t, "分时电价", data.WorldModel.Mechanisms[0].Name)
}

func TestSnapshot_Immutable(t *testing.T) {
	e := newTestEnv(t)
	snap := captureRun(t, e, e.completedRun(t))

	err := e.db.Model(snap).Update("name", "renamed").Error
	assert.ErrorIs(t, err, model.ErrSnapshotImmutable)

	got, err := e.svc.Snapshots.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "baseline", got.Name)
}

func TestSnapshot_CaptureRejectsUnknownInvariant(t *testing.T) {
	e := newTestEnv(t)
	p := e.seedProject(t)
	_, err := e.svc.Snapshots.Capture(context.Background(), CaptureRequest{
		ProjectID:  p.ID,
		Invariants: []model.Invariant{model.NewInvariant("max_happiness", 1)},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSnapshot_CaptureRequiresPrerequisites(t *testing.T) {
	e := newTestEnv(t)
	p, err := e.svc.Projects.CreateProject(context.Background(), "空", "")
	require.NoError(t, err)

	_, err = e.svc.Snapshots.Capture(context.Background(), CaptureRequest{ProjectID: p.ID})
	var missing *PrerequisiteMissingError
	require.ErrorAs(t, err, &missing)
}

func TestSnapshot_RestoreCreatesTemporaryProject(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	run := e.completedRun(t)
	snap := captureRun(t, e, run)

	project, err := e.svc.Snapshots.Restore(ctx, snap.ID, RestoreOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, run.ProjectID, project.ID)
	assert.True(t, project.IsTemporary)
	require.NotNil(t, project.SourceSnapshotID)
	assert.Equal(t, snap.ID, *project.SourceSnapshotID)

	var spec model.ProblemSpec
	require.NoError(t, e.db.Where("project_id = ?", project.ID).First(&spec).Error)
	assert.Equal(t, testSpecPayload().Constraints, spec.Data.Constraints)
}

func TestSnapshot_ReplayPassesInvariants(t *testing.T) {
	e := newTestEnv(t)
	run := e.completedRun(t)
	snap := captureRun(t, e, run,
		model.NewInvariant(model.InvariantMinCandidates, 3),
		model.NewInvariant(model.InvariantRunStatus, "completed"),
		model.NewInvariant(model.InvariantNoHardViolations, true),
		model.NewInvariant(model.InvariantMinEvaluationCoverage, 100),
		model.NewInvariant(model.InvariantMaxTopIDelta, 0.01),
	)

	res, err := e.svc.Snapshots.Replay(context.Background(), snap.ID, ReplayOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, res.RunID)
	assert.NotEqual(t, run.ProjectID, res.ProjectID)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	require.Len(t, res.Invariants, 5)
	for _, r := range res.Invariants {
		assert.True(t, r.Passed, "%s: %s", r.Type, r.Message)
	}
	assert.True(t, res.Passed)
	require.NotNil(t, res.Deltas)
	assert.Equal(t, 0, res.Deltas.EvaluationCount)
	require.NotNil(t, res.Deltas.TopI)
	assert.InDelta(t, 0, *res.Deltas.TopI, 1e-9)
}

func TestSnapshot_ReplayFailureIsReportedNotReturned(t *testing.T) {
	e := newTestEnv(t)
	snap := captureRun(t, e, e.completedRun(t), model.NewInvariant(model.InvariantRunStatus, "completed"))
	e.gen.fail(PhaseScenarios, errFakeUpstream)

	res, err := e.svc.Snapshots.Replay(context.Background(), snap.ID, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.False(t, res.Passed)
	assert.Contains(t, res.ErrorSummary, string(PhaseScenarios))
	require.Len(t, res.Invariants, 1)
	assert.Equal(t, "failed", res.Invariants[0].Actual)
}

func TestSnapshot_ReplayEvalOnlyReinjectsUserCandidates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := e.seedProject(t)
	run, err := e.svc.Pipeline.CreateRun(ctx, p.ID, model.RunModeEvalOnly, model.RunConfig{})
	require.NoError(t, err)
	_, err = e.svc.Candidates.AddUserCandidate(ctx, run.ID, UserCandidateInput{Title: "稳妥", Mechanism: "逐步调价"})
	require.NoError(t, err)
	run, err = e.svc.Pipeline.RunFullPipeline(ctx, run.ID)
	require.NoError(t, err)

	snap := captureRun(t, e, run, model.NewInvariant(model.InvariantMinCandidates, 1))
	res, err := e.svc.Snapshots.Replay(ctx, snap.ID, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Statistics.CandidateCount)
	assert.True(t, res.Passed)
}

func TestSnapshot_InvalidPhasesLeaveNoArtifacts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	snap := captureRun(t, e, e.completedRun(t))

	var projectsBefore, runsBefore int64
	require.NoError(t, e.db.Model(&model.Project{}).Count(&projectsBefore).Error)
	require.NoError(t, e.db.Model(&model.Run{}).Count(&runsBefore).Error)

	_, err := e.svc.Snapshots.Replay(ctx, snap.ID, ReplayOptions{Phases: []Phase{"bogus"}})
	assert.ErrorIs(t, err, ErrInvalidPhase)

	_, err = e.svc.Snapshots.RunBatch(ctx, BatchRequest{SnapshotIDs: []uint{snap.ID, snap.ID}, Phases: []Phase{PhaseDesign, "bogus"}})
	assert.ErrorIs(t, err, ErrInvalidPhase)

	var projectsAfter, runsAfter int64
	require.NoError(t, e.db.Model(&model.Project{}).Count(&projectsAfter).Error)
	require.NoError(t, e.db.Model(&model.Run{}).Count(&runsAfter).Error)
	assert.Equal(t, projectsBefore, projectsAfter)
	assert.Equal(t, runsBefore, runsAfter)
}

func TestSnapshot_ListAndDelete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	run := e.completedRun(t)
	snap := captureRun(t, e, run)
	other := e.seedProject(t)
	_, err := e.svc.Snapshots.Capture(ctx, CaptureRequest{ProjectID: other.ID, Name: "other"})
	require.NoError(t, err)

	all, err := e.svc.Snapshots.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pid := run.ProjectID
	mine, err := e.svc.Snapshots.List(ctx, &pid)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, snap.ID, mine[0].ID)

	require.NoError(t, e.svc.Snapshots.Delete(ctx, snap.ID))
	assert.ErrorIs(t, e.svc.Snapshots.Delete(ctx, snap.ID), ErrSnapshotNotFound)
	_, err = e.svc.Snapshots.Get(ctx, snap.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestBatch_StopsAtCostCeiling(t *testing.T) {
	e := newTestEnv(t)
	e.gen.costPerCall = 0.1
	run := e.completedRun(t)
	var ids []uint
	for i := 0; i < 3; i++ {
		ids = append(ids, captureRun(t, e, run).ID)
	}

	// 每次回放 8 次调用 = 0.8 USD；第二次后累计 1.6 已超过上限
	ceiling := 1.0
	report, err := e.svc.Snapshots.RunBatch(context.Background(), BatchRequest{
		SnapshotIDs:    ids,
		CostCeilingUSD: &ceiling,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Skipped)
	assert.True(t, report.Truncated)
	assert.Equal(t, TruncatedByCostCeiling, report.TruncationReason)
	assert.InDelta(t, 1.6, report.TotalCostUSD, 1e-9)
	require.Len(t, report.Results, 3)
	assert.Equal(t, BatchEntrySkipped, report.Results[2].Status)
	assert.Equal(t, TruncatedByCostCeiling, report.Results[2].SkipReason)
	assert.Zero(t, report.Results[2].RunID)

	assert.FileExists(t, report.ResultPath)
	md, err := os.ReadFile(report.MarkdownPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), report.BatchID)
}

func TestBatch_MaxSnapshotsAndFailures(t *testing.T) {
	e := newTestEnv(t)
	run := e.completedRun(t)
	good := captureRun(t, e, run)
	strict := captureRun(t, e, run, model.NewInvariant(model.InvariantMaxCandidates, 1))
	extra := captureRun(t, e, run)

	report, err := e.svc.Snapshots.RunBatch(context.Background(), BatchRequest{
		SnapshotIDs:  []uint{good.ID, strict.ID, 999, extra.ID},
		MaxSnapshots: 3,
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 4)
	assert.Equal(t, BatchEntryPassed, report.Results[0].Status)
	assert.Equal(t, BatchEntryFailed, report.Results[1].Status)
	assert.Equal(t, BatchEntryFailed, report.Results[2].Status)
	assert.NotEmpty(t, report.Results[2].Error)
	assert.Equal(t, BatchEntrySkipped, report.Results[3].Status)
	assert.Equal(t, TruncatedByMaxSnapshots, report.TruncationReason)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 3, report.PassRate.N)
}

func TestDecodeSnapshotData_UpgradesV1(t *testing.T) {
	raw := `{
		"version": 1,
		"project_name": "legacy",
		"problem_spec": {
			"constraints": [
				{"name": "Data Privacy", "hard": true, "weight": 30},
				{"name": "Latency"},
				{"name": "Cost", "weight": 70},
				{"name": "Comfort", "hard": false, "weight": 100}
			],
			"goals": ["g1"],
			"run_mode": "seeded",
			"notes": "from v1"
		},
		"world_model": {"actors": [{"name": "user"}]}
	}`
	d, err := DecodeSnapshotData(raw)
	require.NoError(t, err)

	assert.Equal(t, model.SnapshotSchemaVersion, d.Version)
	require.Len(t, d.Spec.Constraints, 4)
	assert.Equal(t, model.Constraint{ID: "data_privacy", Name: "Data Privacy", Weight: 100}, d.Spec.Constraints[0])
	assert.Equal(t, 50.0, d.Spec.Constraints[1].Weight)
	assert.Equal(t, "latency", d.Spec.Constraints[1].ID)
	assert.Equal(t, 70.0, d.Spec.Constraints[2].Weight)
	assert.Equal(t, 99.0, d.Spec.Constraints[3].Weight)
	assert.False(t, d.Spec.Constraints[3].IsHard())
	assert.Equal(t, "from v1", d.Spec.Notes)
	assert.Equal(t, model.RunModeSeeded, d.RunMode)
	assert.NotNil(t, d.WorldModel.Simplifications)
	assert.Empty(t, d.WorldModel.Simplifications)
}

func TestDecodeSnapshotData_Versions(t *testing.T) {
	_, err := DecodeSnapshotData(`{"version": 3}`)
	assert.Error(t, err)

	_, err = DecodeSnapshotData(`not json`)
	assert.Error(t, err)

	// 缺省 version 视为 v1
	d, err := DecodeSnapshotData(`{"spec": {"constraints": [{"name": "安全", "hard": true}]}}`)
	require.NoError(t, err)
	require.Len(t, d.Spec.Constraints, 1)
	assert.True(t, d.Spec.Constraints[0].IsHard())
}
