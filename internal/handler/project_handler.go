package handler

import (
	"net/http"

	"mech-search/internal/model"
	"mech-search/internal/service"

	"github.com/gin-gonic/gin"
)

type ProjectHandler struct {
	projects *service.ProjectService
}

func NewProjectHandler(projects *service.ProjectService) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

// CreateProject 创建项目（协作方的最小入口）
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.projects.CreateProject(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

// PutSpec 写入结构化问题描述
func (h *ProjectHandler) PutSpec(c *gin.Context) {
	id, ok := parseID(c, "project")
	if !ok {
		return
	}
	var payload model.ProblemSpecPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec, err := h.projects.PutSpec(c.Request.Context(), id, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spec": spec})
}

// PutWorldModel 写入世界模型
func (h *ProjectHandler) PutWorldModel(c *gin.Context) {
	id, ok := parseID(c, "project")
	if !ok {
		return
	}
	var payload model.WorldModelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wm, err := h.projects.PutWorldModel(c.Request.Context(), id, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"world_model": wm})
}
