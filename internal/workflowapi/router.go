// Package workflowapi exposes the workflow engine's CRUD and activation
// operations over HTTP, grounded on n8n_workflows_api.py and the teacher's
// gin handler conventions.
package workflowapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/engine"
	"github.com/MycosoftLabs/mycosoft-mas-sub007/internal/workflows/scheduler"
)

// API wires an engine.Engine and scheduler.Scheduler into gin routes.
type API struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logger    *logrus.Logger
}

// New constructs an API. sched is stored on the API but no registered route
// reads it, so it may be nil.
func New(eng *engine.Engine, sched *scheduler.Scheduler, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{engine: eng, scheduler: sched, logger: log}
}

// Register mounts the workflow routes under group (e.g. r.Group("/workflows")).
func (a *API) Register(group *gin.RouterGroup) {
	group.GET("", a.listWorkflows)
	group.GET("/stats", a.workflowStats)
	group.GET("/health", a.healthCheck)
	group.POST("/sync", a.sync)
	group.POST("/import", a.importWorkflow)
	group.GET("/:id", a.getWorkflow)
	group.PUT("/:id", a.updateWorkflow)
	group.DELETE("/:id", a.deleteWorkflow)
	group.POST("", a.createWorkflow)
	group.POST("/:id/activate", a.activateWorkflow)
	group.POST("/:id/deactivate", a.deactivateWorkflow)
	group.POST("/:id/clone", a.cloneWorkflow)
	group.GET("/:id/versions", a.listVersions)
	group.POST("/:id/restore", a.restoreWorkflow)
	group.GET("/:id/executions", a.executionStats)
}

func (a *API) listWorkflows(c *gin.Context) {
	opts := engine.ListOptions{
		ActiveOnly: c.Query("active_only") == "true",
		Category:   engine.WorkflowCategory(c.Query("category")),
	}
	workflows, err := a.engine.ListWorkflows(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (a *API) getWorkflow(c *gin.Context) {
	workflow, err := a.engine.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, workflow)
}

type createWorkflowRequest struct {
	Name        string                 `json:"name" binding:"required"`
	Nodes       []interface{}          `json:"nodes"`
	Connections map[string]interface{} `json:"connections"`
	Settings    map[string]interface{} `json:"settings"`
}

func (a *API) createWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data := map[string]interface{}{"name": req.Name, "nodes": req.Nodes, "connections": req.Connections, "settings": req.Settings}
	result, err := a.engine.CreateWorkflow(c.Request.Context(), data)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (a *API) updateWorkflow(c *gin.Context) {
	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := a.engine.UpdateWorkflow(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) deleteWorkflow(c *gin.Context) {
	archiveFirst := c.Query("archive_first") != "false"
	if err := a.engine.DeleteWorkflow(c.Request.Context(), c.Param("id"), archiveFirst); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (a *API) activateWorkflow(c *gin.Context) {
	result, err := a.engine.ActivateWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) deactivateWorkflow(c *gin.Context) {
	result, err := a.engine.DeactivateWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type cloneRequest struct {
	NewName string `json:"new_name" binding:"required"`
}

func (a *API) cloneWorkflow(c *gin.Context) {
	var req cloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := a.engine.CloneWorkflow(c.Request.Context(), c.Param("id"), req.NewName)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (a *API) listVersions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"versions": a.engine.ListVersions(c.Param("id"))})
}

type restoreRequest struct {
	Version int `json:"version"`
}

func (a *API) restoreWorkflow(c *gin.Context) {
	var req restoreRequest
	_ = c.ShouldBindJSON(&req) // body is optional: restore latest if absent
	result, err := a.engine.RestoreWorkflow(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type importRequest struct {
	Filepath string `json:"filepath" binding:"required"`
	Activate bool   `json:"activate"`
}

func (a *API) importWorkflow(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, skipped, err := a.engine.ImportWorkflowFromFile(c.Request.Context(), req.Filepath, req.Activate)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if skipped {
		c.JSON(http.StatusOK, gin.H{"skipped": true, "reason": "no name"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type syncRequest struct {
	ActivateCore bool `json:"activate_core"`
}

func (a *API) sync(c *gin.Context) {
	req := syncRequest{ActivateCore: true}
	_ = c.ShouldBindJSON(&req)
	result := a.engine.SyncAllLocalWorkflows(c.Request.Context(), req.ActivateCore)
	c.JSON(http.StatusOK, result)
}

func (a *API) workflowStats(c *gin.Context) {
	stats, err := a.engine.GetWorkflowStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) healthCheck(c *gin.Context) {
	health := a.engine.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !health.Connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (a *API) executionStats(c *gin.Context) {
	stats, err := a.engine.GetExecutionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
