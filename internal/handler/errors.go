package handler

import (
	"errors"
	"net/http"

	"mech-search/internal/model"
	"mech-search/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// writeError 把服务层错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	var missing *service.PrerequisiteMissingError
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &missing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":              err.Error(),
			"missing":            missing.Missing,
			"available_projects": missing.AvailableProjects,
		})
	case errors.Is(err, service.ErrRunNotFound),
		errors.Is(err, service.ErrProjectNotFound),
		errors.Is(err, service.ErrCandidateNotFound),
		errors.Is(err, service.ErrSnapshotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidArgument),
		errors.Is(err, service.ErrInvalidPhase),
		errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrSnapshotImmutable),
		errors.Is(err, service.ErrProvenanceConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	var uri struct {
		ID uint `uri:"id" binding:"required,min=1"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法的 " + name + " id"})
		return 0, false
	}
	return uri.ID, true
}
