package router

import (
	"mech-search/internal/handler"
	"mech-search/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(svc *service.ServiceContext) *gin.Engine {
	r := gin.Default()

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 初始化handlers
	projectHandler := handler.NewProjectHandler(svc.Projects)
	runHandler := handler.NewRunHandler(svc.Pipeline, svc.Candidates, svc.Verification)
	snapshotHandler := handler.NewSnapshotHandler(svc.Snapshots)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API路由
	api := r.Group("/api")
	{
		// 项目与协作输入
		projects := api.Group("/projects")
		{
			projects.POST("", projectHandler.CreateProject)
			projects.PUT("/:id/spec", projectHandler.PutSpec)
			projects.PUT("/:id/world-model", projectHandler.PutWorldModel)
		}

		// run 编排
		runs := api.Group("/runs")
		{
			runs.POST("", runHandler.CreateRun)
			runs.GET("/:id", runHandler.GetRun)
			runs.POST("/:id/candidates", runHandler.AddCandidate)
			runs.GET("/:id/candidates", runHandler.ListCandidates)
			runs.POST("/:id/execute", runHandler.Execute)
			runs.GET("/:id/statistics", runHandler.GetStatistics)
			runs.GET("/:id/completeness", runHandler.GetCompleteness)
			runs.GET("/:id/integrity", runHandler.GetIntegrity)
		}

		api.POST("/candidates/:id/feedback", runHandler.AddFeedback)

		// 快照回归
		snapshots := api.Group("/snapshots")
		{
			snapshots.POST("", snapshotHandler.Capture)
			snapshots.GET("", snapshotHandler.List)
			snapshots.POST("/batch", snapshotHandler.RunBatch)
			snapshots.GET("/:id", snapshotHandler.Get)
			snapshots.DELETE("/:id", snapshotHandler.Delete)
			snapshots.POST("/:id/restore", snapshotHandler.Restore)
			snapshots.POST("/:id/replay", snapshotHandler.Replay)
		}
	}

	return r
}
