package presence

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/pkg/response"
)

const maxBatchIDs = 200

// Announcer broadcasts visible presence changes to a user's audience.
type Announcer interface {
	AnnouncePresence(ctx context.Context, change Change)
}

type Handler struct {
	registry  *Registry
	announcer Announcer
}

func NewHandler(registry *Registry, announcer Announcer) *Handler {
	return &Handler{registry: registry, announcer: announcer}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/presence", authMW)
	g.GET("", h.batch)
	g.GET("/:id", h.get)
	g.PUT("/appear-offline", h.appearOffline)
}

func (h *Handler) batch(c *gin.Context) {
	var ids []string
	for _, part := range strings.Split(c.Query("ids"), ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	if len(ids) > maxBatchIDs {
		response.BadRequest(c, "too many ids")
		return
	}
	statuses, err := h.registry.BatchStatus(c.Request.Context(), ids)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, statuses)
}

func (h *Handler) get(c *gin.Context) {
	id := c.Param("id")
	statuses, err := h.registry.BatchStatus(c.Request.Context(), []string{id})
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, statuses[id])
}

type appearOfflineDTO struct {
	AppearOffline *bool `json:"appear_offline" binding:"required"`
}

func (h *Handler) appearOffline(c *gin.Context) {
	var dto appearOfflineDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	uid := middleware.CurrentUserID(c)
	ctx := c.Request.Context()

	change, err := h.registry.SetAppearOffline(ctx, uid, *dto.AppearOffline)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if change.Announce && h.announcer != nil {
		h.announcer.AnnouncePresence(ctx, change)
	}
	response.OK(c, gin.H{"appear_offline": *dto.AppearOffline, "visible": change.Visible})
}
