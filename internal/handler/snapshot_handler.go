package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"mech-search/internal/model"
	"mech-search/internal/service"

	"github.com/gin-gonic/gin"
)

type SnapshotHandler struct {
	snapshots *service.SnapshotService
}

func NewSnapshotHandler(snapshots *service.SnapshotService) *SnapshotHandler {
	return &SnapshotHandler{snapshots: snapshots}
}

// snapshotView 对外展示时附带解析（必要时升级）后的 snapshot_data
type snapshotView struct {
	*model.Snapshot
	Data *model.SnapshotData `json:"snapshot_data,omitempty"`
}

func (h *SnapshotHandler) Capture(c *gin.Context) {
	var req service.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := h.snapshots.Capture(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot": snap})
}

func (h *SnapshotHandler) List(c *gin.Context) {
	var projectID *uint
	if v := c.Query("project_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "非法的 project_id"})
			return
		}
		id := uint(n)
		projectID = &id
	}
	snaps, err := h.snapshots.List(c.Request.Context(), projectID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "total": len(snaps)})
}

func (h *SnapshotHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "snapshot")
	if !ok {
		return
	}
	snap, data, err := h.snapshots.Data(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snapshotView{Snapshot: snap, Data: data}})
}

func (h *SnapshotHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "snapshot")
	if !ok {
		return
	}
	if err := h.snapshots.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// Restore 把快照的问题描述与世界模型恢复到项目（默认新建临时项目）
func (h *SnapshotHandler) Restore(c *gin.Context) {
	id, ok := parseID(c, "snapshot")
	if !ok {
		return
	}
	var opts service.RestoreOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	project, err := h.snapshots.Restore(c.Request.Context(), id, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

// Replay 回放单个快照并返回 invariant 结果与指标差值
func (h *SnapshotHandler) Replay(c *gin.Context) {
	id, ok := parseID(c, "snapshot")
	if !ok {
		return
	}
	var opts service.ReplayOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	res, err := h.snapshots.Replay(c.Request.Context(), id, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replay": res})
}

// RunBatch 成本上限内顺序回放一批快照
func (h *SnapshotHandler) RunBatch(c *gin.Context) {
	var req service.BatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.CostCeilingUSD != nil && *req.CostCeilingUSD < 0 {
		writeError(c, fmt.Errorf("cost_ceiling_usd 不能为负: %w", service.ErrInvalidArgument))
		return
	}
	report, err := h.snapshots.RunBatch(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
