// Package api exposes the task control surface over HTTP.
package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"kbharvest/internal/archive"
	"kbharvest/internal/model"
	"kbharvest/internal/task"
)

type createTaskRequest struct {
	Mode        model.Mode          `json:"mode"`
	Query       string              `json:"query"`
	CallbackURL string              `json:"callback_url"`
	Filter      *model.FilterConfig `json:"filter"`
}

type createTaskResponse struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
}

type listTasksResponse struct {
	Tasks []*model.Task `json:"tasks"`
	Total int           `json:"total"`
	Skip  int           `json:"skip"`
	Limit int           `json:"limit"`
}

type API struct {
	taskManager *task.Manager
}

func NewAPI(taskManager *task.Manager) *API {
	return &API{taskManager: taskManager}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/tasks", a.CreateTask)
		api.GET("/tasks", a.ListTasks)
		api.GET("/tasks/:id", a.GetTask)
		api.DELETE("/tasks/:id", a.DeleteTask)
		api.GET("/tasks/:id/download", a.DownloadArchive)
	}
}

// CreateTask accepts a crawl request and dispatches it asynchronously.
func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create task request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	createdTask, err := a.taskManager.CreateTask(req.Query, req.Mode, req.CallbackURL, req.Filter)
	if err != nil {
		if errors.Is(err, task.ErrEmptyQuery) || errors.Is(err, task.ErrUnknownMode) {
			log.Warn().Err(err).Msg("rejecting task creation")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("task creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}
	c.JSON(http.StatusCreated, createTaskResponse{TaskID: createdTask.ID, Status: createdTask.Status})
}

// GetTask returns one task record.
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	foundTask, err := a.taskManager.GetTask(id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("loading task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	c.JSON(http.StatusOK, foundTask)
}

// ListTasks returns a page of tasks, newest first. Supports skip, limit and
// an optional status filter.
func (a *API) ListTasks(c *gin.Context) {
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	status := model.Status(c.Query("status"))

	tasks, total, err := a.taskManager.ListTasks(skip, limit, status)
	if err != nil {
		log.Error().Err(err).Msg("listing tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	c.JSON(http.StatusOK, listTasksResponse{Tasks: tasks, Total: total, Skip: skip, Limit: limit})
}

// DeleteTask removes a task and cancels its worker if one is running.
func (a *API) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.taskManager.DeleteTask(id); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("deleting task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DownloadArchive zips the task's output tree on demand and serves it.
func (a *API) DownloadArchive(c *gin.Context) {
	id := c.Param("id")
	foundTask, err := a.taskManager.GetTask(id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("loading task for download")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load task"})
		return
	}
	if foundTask.Status != model.StatusCompleted {
		log.Warn().Str("task_id", id).Str("status", string(foundTask.Status)).Msg("output not ready to download")
		c.JSON(http.StatusBadRequest, gin.H{"error": "task output not ready"})
		return
	}

	zipPath := filepath.Join(filepath.Dir(foundTask.OutputDir), "archive.zip")
	count, err := archive.BuildArchive(zipPath, foundTask.OutputDir)
	if err != nil {
		log.Error().Str("task_id", id).Err(err).Msg("building archive")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build archive"})
		return
	}
	log.Info().Str("task_id", id).Int("files", count).Msg("serving archive download")
	c.FileAttachment(zipPath, "task-"+foundTask.ID+".zip")
}
