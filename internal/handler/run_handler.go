package handler

import (
	"errors"
	"net/http"

	"mech-search/internal/model"
	"mech-search/internal/service"

	"github.com/gin-gonic/gin"
)

type RunHandler struct {
	pipeline     *service.PipelineService
	candidates   *service.CandidateService
	verification *service.VerificationService
}

func NewRunHandler(pipeline *service.PipelineService, candidates *service.CandidateService, verification *service.VerificationService) *RunHandler {
	return &RunHandler{
		pipeline:     pipeline,
		candidates:   candidates,
		verification: verification,
	}
}

// CreateRun 创建 run（不执行）
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req struct {
		ProjectID uint            `json:"project_id" binding:"required"`
		Mode      model.RunMode   `json:"mode"`
		Config    model.RunConfig `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := h.pipeline.CreateRun(c.Request.Context(), req.ProjectID, req.Mode, req.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": run})
}

func (h *RunHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	run, err := h.pipeline.GetRun(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// AddCandidate 注入用户候选
func (h *RunHandler) AddCandidate(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	var req service.UserCandidateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cand, err := h.candidates.AddUserCandidate(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"candidate": cand})
}

// Execute 执行全流程或指定阶段；阶段失败时仍返回 run，状态与 error_summary 说明发生了什么
func (h *RunHandler) Execute(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	var req struct {
		Phases         []string `json:"phases"`
		CandidateCount *int     `json:"candidate_count"`
		ScenarioCount  *int     `json:"scenario_count"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	phases, err := service.ParsePhases(req.Phases)
	if err != nil {
		writeError(c, err)
		return
	}

	run, err := h.pipeline.Execute(c.Request.Context(), id, service.ExecuteOptions{
		Phases:         phases,
		CandidateCount: req.CandidateCount,
		ScenarioCount:  req.ScenarioCount,
	})
	var phaseErr *service.PhaseExecutionError
	var missing *service.PrerequisiteMissingError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"run": run})
	case errors.As(err, &missing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"run":                run,
			"error":              err.Error(),
			"missing":            missing.Missing,
			"available_projects": missing.AvailableProjects,
		})
	case errors.As(err, &phaseErr) && run != nil:
		c.JSON(http.StatusOK, gin.H{
			"run":          run,
			"failed_phase": phaseErr.Phase,
			"error":        err.Error(),
		})
	default:
		writeError(c, err)
	}
}

// ListCandidates 按排序结果返回候选（含分数、状态、溯源、解释）
func (h *RunHandler) ListCandidates(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	cands, err := h.candidates.ListRanked(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": cands, "total": len(cands)})
}

// AddFeedback 追加 feedback_patch 溯源事件
func (h *RunHandler) AddFeedback(c *gin.Context) {
	id, ok := parseID(c, "candidate")
	if !ok {
		return
	}
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.candidates.AddFeedbackPatch(c.Request.Context(), id, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": ev})
}

func (h *RunHandler) GetStatistics(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	st, err := h.verification.GetRunStatistics(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": st})
}

func (h *RunHandler) GetCompleteness(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	rep, err := h.verification.VerifyRunCompleteness(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completeness": rep})
}

func (h *RunHandler) GetIntegrity(c *gin.Context) {
	id, ok := parseID(c, "run")
	if !ok {
		return
	}
	rep, err := h.verification.VerifyDataIntegrity(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrity": rep})
}
