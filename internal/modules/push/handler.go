package push

import (
	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/pkg/response"
)

type Handler struct {
	queue *Queue
}

func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/push", authMW)
	g.GET("/jobs/:id", h.getJob)
}

// getJob reports the state of one of the caller's push jobs.
func (h *Handler) getJob(c *gin.Context) {
	job, err := h.queue.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if job == nil || job.Type != JobSend {
		response.NotFound(c)
		return
	}
	var payload Payload
	if err := job.Decode(&payload); err != nil || payload.UserID != middleware.CurrentUserID(c) {
		response.NotFound(c)
		return
	}

	response.OK(c, gin.H{
		"id":              job.ID,
		"status":          job.Status,
		"attempts":        job.Attempts,
		"max_attempts":    job.MaxAttempts,
		"next_attempt_at": job.NextAttemptAt,
		"result":          job.Result,
		"error":           job.Error,
		"created_at":      job.CreatedAt,
		"finished_at":     job.FinishedAt,
	})
}
