package service

import (
	"context"
	"errors"
	"fmt"

	"mech-search/internal/model"

	"gorm.io/gorm"
)

// VerificationService 对 run 的持久化数据做只读审计，从不修改数据
type VerificationService struct {
	db *gorm.DB
}

func NewVerificationService(g *gorm.DB) *VerificationService {
	return &VerificationService{db: g}
}

type CompletenessReport struct {
	RunID               uint     `json:"run_id"`
	Complete            bool     `json:"complete"`
	CandidatesOK        bool     `json:"candidates_ok"`
	ScenariosOK         bool     `json:"scenarios_ok"`
	EvaluationsOK       bool     `json:"evaluations_ok"`
	ExpectedCandidates  int      `json:"expected_candidates"`
	ActualCandidates    int      `json:"actual_candidates"`
	ExpectedScenarios   int      `json:"expected_scenarios"`
	ActualScenarios     int      `json:"actual_scenarios"`
	ExpectedEvaluations int      `json:"expected_evaluations"`
	CoveredPairs        int      `json:"covered_pairs"`
	Coverage            float64  `json:"coverage"`
	Issues              []string `json:"issues"`
}

type IntegrityReport struct {
	RunID uint `json:"run_id"`
	OK    bool `json:"ok"`
	// 指向不存在候选/场景的评估
	OrphanEvaluations []uint `json:"orphan_evaluations"`
	// 候选或场景属于其他 run 的评估
	MismatchedEvaluations []uint `json:"mismatched_evaluations"`
	// 所属场景集不存在的场景
	OrphanScenarios []uint `json:"orphan_scenarios"`
	// run_id 与候选所属 run 不一致的溯源事件
	MismatchedEvents []uint   `json:"mismatched_events"`
	Issues           []string `json:"issues"`
}

type TopCandidate struct {
	ID     uint                  `json:"id"`
	Title  string                `json:"title"`
	Status model.CandidateStatus `json:"status"`
	I      float64               `json:"i"`
	P      float64               `json:"p"`
	R      float64               `json:"r"`
}

type RunStatistics struct {
	RunID                uint              `json:"run_id"`
	ProjectID            uint              `json:"project_id"`
	Mode                 model.RunMode     `json:"mode"`
	Status               model.RunStatus   `json:"status"`
	CandidateCount       int               `json:"candidate_count"`
	ScenarioCount        int               `json:"scenario_count"`
	EvaluationCount      int               `json:"evaluation_count"`
	DurationSeconds      float64           `json:"duration_seconds"`
	StatusBreakdown      map[string]int    `json:"status_breakdown"`
	RankedCount          int               `json:"ranked_count"`
	UnevaluatedCount     int               `json:"unevaluated_count"`
	HardViolationCount   int               `json:"hard_violation_count"`
	TopCandidate         *TopCandidate     `json:"top_candidate,omitempty"`
	MeanI                *float64          `json:"mean_i,omitempty"`
	MedianI              *float64          `json:"median_i,omitempty"`
	Coverage             float64           `json:"coverage"`
	MalformedEvaluations int               `json:"malformed_evaluations"`
	TotalTokens          int               `json:"total_tokens"`
	CostUSD              float64           `json:"cost_usd"`
	PhaseTimings         []model.PhaseSpan `json:"phase_timings"`
	ErrorSummary         string            `json:"error_summary,omitempty"`
}

type runData struct {
	run   model.Run
	cands []model.Candidate
	scens []model.Scenario
	evals []model.Evaluation
}

func (s *VerificationService) load(ctx context.Context, runID uint) (*runData, error) {
	g := s.db.WithContext(ctx)
	var d runData
	if err := g.First(&d.run, runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("获取run失败: %w", err)
	}
	if err := g.Where("run_id = ?", runID).Order("id").Find(&d.cands).Error; err != nil {
		return nil, fmt.Errorf("查询候选失败: %w", err)
	}
	if err := g.Where("run_id = ?", runID).Order("position").Find(&d.scens).Error; err != nil {
		return nil, fmt.Errorf("查询场景失败: %w", err)
	}
	if err := g.Where("run_id = ?", runID).Find(&d.evals).Error; err != nil {
		return nil, fmt.Errorf("查询评估失败: %w", err)
	}
	return &d, nil
}

// coverage 被有效评估覆盖的 (候选, 场景) 对占全部对的比例
func (d *runData) coverage() (int, float64) {
	total := len(d.cands) * len(d.scens)
	if total == 0 {
		return 0, 0
	}
	candSet := make(map[uint]bool, len(d.cands))
	for _, c := range d.cands {
		candSet[c.ID] = true
	}
	scenSet := make(map[uint]bool, len(d.scens))
	for _, sc := range d.scens {
		scenSet[sc.ID] = true
	}
	covered := map[evalPair]bool{}
	for _, e := range d.evals {
		if candSet[e.CandidateID] && scenSet[e.ScenarioID] {
			covered[evalPair{e.CandidateID, e.ScenarioID}] = true
		}
	}
	return len(covered), float64(len(covered)) / float64(total)
}

func (s *VerificationService) VerifyRunCompleteness(ctx context.Context, runID uint) (*CompletenessReport, error) {
	d, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	rep := &CompletenessReport{
		RunID:              runID,
		ExpectedCandidates: d.run.Config.CandidateCount,
		ActualCandidates:   len(d.cands),
		ExpectedScenarios:  d.run.Config.ScenarioCount,
		ActualScenarios:    len(d.scens),
		Issues:             []string{},
	}
	if d.run.Mode == model.RunModeEvalOnly {
		// eval_only 的候选全部来自用户，数量以实际为准
		rep.ExpectedCandidates = len(d.cands)
	}
	rep.CoveredPairs, rep.Coverage = d.coverage()
	rep.ExpectedEvaluations = len(d.cands) * len(d.scens)

	rep.CandidatesOK = rep.ActualCandidates > 0 && rep.ActualCandidates >= rep.ExpectedCandidates
	if !rep.CandidatesOK {
		rep.Issues = append(rep.Issues, fmt.Sprintf("候选数量不足: 期望 %d，实际 %d", rep.ExpectedCandidates, rep.ActualCandidates))
	}
	rep.ScenariosOK = rep.ActualScenarios > 0 && rep.ActualScenarios >= rep.ExpectedScenarios
	if !rep.ScenariosOK {
		rep.Issues = append(rep.Issues, fmt.Sprintf("场景数量不足: 期望 %d，实际 %d", rep.ExpectedScenarios, rep.ActualScenarios))
	}
	rep.EvaluationsOK = rep.ExpectedEvaluations > 0 && rep.CoveredPairs == rep.ExpectedEvaluations
	if !rep.EvaluationsOK {
		rep.Issues = append(rep.Issues, fmt.Sprintf("评估覆盖不完整: %d/%d（%.1f%%）",
			rep.CoveredPairs, rep.ExpectedEvaluations, rep.Coverage*100))
	}
	rep.Complete = rep.CandidatesOK && rep.ScenariosOK && rep.EvaluationsOK
	return rep, nil
}

func (s *VerificationService) VerifyDataIntegrity(ctx context.Context, runID uint) (*IntegrityReport, error) {
	d, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	g := s.db.WithContext(ctx)
	rep := &IntegrityReport{
		RunID:                 runID,
		OrphanEvaluations:     []uint{},
		MismatchedEvaluations: []uint{},
		OrphanScenarios:       []uint{},
		MismatchedEvents:      []uint{},
		Issues:                []string{},
	}

	// 评估引用的候选/场景可能不在本 run 的集合里，按 ID 全局查一次
	candRun, err := ownerRuns(g, &model.Candidate{}, evalIDs(d.evals, true))
	if err != nil {
		return nil, err
	}
	scenRun, err := ownerRuns(g, &model.Scenario{}, evalIDs(d.evals, false))
	if err != nil {
		return nil, err
	}
	for _, e := range d.evals {
		cr, okC := candRun[e.CandidateID]
		sr, okS := scenRun[e.ScenarioID]
		switch {
		case !okC || !okS:
			rep.OrphanEvaluations = append(rep.OrphanEvaluations, e.ID)
		case cr != runID || sr != runID:
			rep.MismatchedEvaluations = append(rep.MismatchedEvaluations, e.ID)
		}
	}

	var suiteIDs []uint
	if err := g.Model(&model.ScenarioSuite{}).Where("run_id = ?", runID).Pluck("id", &suiteIDs).Error; err != nil {
		return nil, fmt.Errorf("查询场景集失败: %w", err)
	}
	suites := map[uint]bool{}
	for _, id := range suiteIDs {
		suites[id] = true
	}
	for _, sc := range d.scens {
		if !suites[sc.SuiteID] {
			rep.OrphanScenarios = append(rep.OrphanScenarios, sc.ID)
		}
	}

	if len(d.cands) > 0 {
		candIDs := make([]uint, 0, len(d.cands))
		for _, c := range d.cands {
			candIDs = append(candIDs, c.ID)
		}
		var bad []uint
		if err := g.Model(&model.CandidateEvent{}).
			Where("candidate_id IN ? AND run_id <> ?", candIDs, runID).
			Pluck("id", &bad).Error; err != nil {
			return nil, fmt.Errorf("查询溯源事件失败: %w", err)
		}
		rep.MismatchedEvents = append(rep.MismatchedEvents, bad...)
	}

	if n := len(rep.OrphanEvaluations); n > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d 条评估引用了不存在的候选或场景", n))
	}
	if n := len(rep.MismatchedEvaluations); n > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d 条评估引用了其他 run 的候选或场景", n))
	}
	if n := len(rep.OrphanScenarios); n > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d 个场景不属于本 run 的场景集", n))
	}
	if n := len(rep.MismatchedEvents); n > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d 条溯源事件的 run_id 与候选不一致", n))
	}
	rep.OK = len(rep.Issues) == 0
	return rep, nil
}

func evalIDs(evals []model.Evaluation, candidate bool) []uint {
	seen := map[uint]bool{}
	out := make([]uint, 0, len(evals))
	for _, e := range evals {
		id := e.ScenarioID
		if candidate {
			id = e.CandidateID
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func ownerRuns(g *gorm.DB, m any, ids []uint) (map[uint]uint, error) {
	out := map[uint]uint{}
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		ID    uint
		RunID uint
	}
	if err := g.Model(m).Select("id", "run_id").Where("id IN ?", ids).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询归属失败: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.RunID
	}
	return out, nil
}

func (s *VerificationService) GetRunStatistics(ctx context.Context, runID uint) (*RunStatistics, error) {
	d, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	st := &RunStatistics{
		RunID:           runID,
		ProjectID:       d.run.ProjectID,
		Mode:            d.run.Mode,
		Status:          d.run.Status,
		CandidateCount:  len(d.cands),
		ScenarioCount:   len(d.scens),
		EvaluationCount: len(d.evals),
		DurationSeconds: d.run.DurationSeconds,
		StatusBreakdown: map[string]int{},
		TotalTokens:     d.run.LLMUsage.Total.TotalTokens,
		CostUSD:         d.run.LLMUsage.Total.CostUSD,
		PhaseTimings:    d.run.Metrics.PhaseTimings,
		ErrorSummary:    d.run.ErrorSummary,
	}
	if st.DurationSeconds == 0 {
		st.DurationSeconds = d.run.Duration().Seconds()
	}
	_, st.Coverage = d.coverage()
	for _, e := range d.evals {
		if e.Malformed {
			st.MalformedEvaluations++
		}
	}

	cands := append([]model.Candidate(nil), d.cands...)
	sortByRank(cands)
	var is []float64
	for _, c := range cands {
		st.StatusBreakdown[string(c.Status)]++
		if len(c.Scores.HardViolations) > 0 {
			st.HardViolationCount++
		}
		if c.Scores.I == nil {
			st.UnevaluatedCount++
			continue
		}
		st.RankedCount++
		is = append(is, *c.Scores.I)
		if st.TopCandidate == nil && c.Status != model.CandidateStatusRejected {
			st.TopCandidate = &TopCandidate{
				ID:     c.ID,
				Title:  c.Title,
				Status: c.Status,
				I:      *c.Scores.I,
				P:      deref(c.Scores.P),
				R:      deref(c.Scores.R),
			}
		}
	}
	if len(is) > 0 {
		mi, md := mean(is), median(is)
		st.MeanI, st.MedianI = &mi, &md
	}
	return st, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
