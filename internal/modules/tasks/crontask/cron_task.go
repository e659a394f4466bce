package crontask

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	pkgcron "github.com/mx-space/social/internal/pkg/cron"
	"github.com/mx-space/social/internal/pkg/pagination"
	"github.com/mx-space/social/internal/pkg/response"
	"github.com/mx-space/social/internal/pkg/taskqueue"
)

// Handler exposes the scheduler and the job queue for operators.
type Handler struct {
	sched *pkgcron.Scheduler
	queue *taskqueue.Queue
}

func NewHandler(sched *pkgcron.Scheduler, queue *taskqueue.Queue) *Handler {
	return &Handler{sched: sched, queue: queue}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/cron-task", authMW)
	g.GET("", h.list)
	g.POST("/:name/run", h.run)

	tasks := g.Group("/tasks")
	tasks.GET("", h.listTasks)
	tasks.GET("/:taskId", h.getTask)
	tasks.DELETE("/:taskId", h.deleteTask)
	tasks.DELETE("", h.deleteTasks)
}

// GET /cron-task
func (h *Handler) list(c *gin.Context) {
	response.OK(c, h.sched.List())
}

// POST /cron-task/:name/run
func (h *Handler) run(c *gin.Context) {
	name := c.Param("name")
	if err := h.sched.Run(c.Request.Context(), name); errors.Is(err, pkgcron.ErrUnknownJob) {
		response.NotFoundMsg(c, "no cron job named "+name)
		return
	}
	response.OK(c, gin.H{"name": name, "ran": true})
}

// GET /cron-task/tasks?type=&status=
func (h *Handler) listTasks(c *gin.Context) {
	q := pagination.FromContext(c)
	jobs, total, err := h.queue.List(c.Request.Context(), q.Page, q.Size, c.Query("type"), taskqueue.Status(c.Query("status")))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, jobs, pagination.Meta(total, q))
}

// GET /cron-task/tasks/:taskId
func (h *Handler) getTask(c *gin.Context) {
	job, err := h.queue.GetByID(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if job == nil {
		response.NotFoundMsg(c, "task not found")
		return
	}
	response.OK(c, job)
}

// DELETE /cron-task/tasks/:taskId
func (h *Handler) deleteTask(c *gin.Context) {
	if err := h.queue.DeleteByID(c.Request.Context(), c.Param("taskId")); err != nil {
		if errors.Is(err, taskqueue.ErrNotFound) {
			response.NotFoundMsg(c, "task not found")
			return
		}
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

// DELETE /cron-task/tasks?before=<unix_ms>
func (h *Handler) deleteTasks(c *gin.Context) {
	before := time.Now()
	if v, err := strconv.ParseInt(c.Query("before"), 10, 64); err == nil && v > 0 {
		before = time.UnixMilli(v)
	}
	n, err := h.queue.DeleteFinished(c.Request.Context(), before)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": n})
}
