package notification

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/pkg/pagination"
	"github.com/mx-space/social/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/notifications", authMW)
	g.GET("", h.list)
	g.GET("/unread-count", h.unreadCount)
	g.PATCH("/read-all", h.markAllRead)
	g.PATCH("/:id/read", h.markRead)
	g.DELETE("/:id", h.delete)
	g.GET("/preferences", h.getPreferences)
	g.PUT("/preferences", h.updatePreferences)
}

func (h *Handler) list(c *gin.Context) {
	filter := ListQuery{
		UnreadOnly: c.Query("unread") == "true" || c.Query("unread") == "1",
		Type:       models.NotificationType(c.Query("type")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		response.BadRequest(c, ErrInvalidType.Error())
		return
	}
	rows, pag, err := h.svc.List(c.Request.Context(), middleware.CurrentUserID(c), pagination.FromContext(c), filter)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, rows, pag)
}

func (h *Handler) unreadCount(c *gin.Context) {
	n, err := h.svc.UnreadCount(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"count": n})
}

func (h *Handler) markRead(c *gin.Context) {
	ok, err := h.svc.MarkRead(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if !ok {
		response.NotFound(c)
		return
	}
	response.NoContent(c)
}

func (h *Handler) markAllRead(c *gin.Context) {
	n, err := h.svc.MarkAllRead(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"updated": n})
}

func (h *Handler) delete(c *gin.Context) {
	ok, err := h.svc.Delete(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if !ok {
		response.NotFound(c)
		return
	}
	response.NoContent(c)
}

func (h *Handler) getPreferences(c *gin.Context) {
	pref, err := h.svc.GetPreferences(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, pref)
}

func (h *Handler) updatePreferences(c *gin.Context) {
	var dto PreferencesDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	pref, err := h.svc.UpdatePreferences(c.Request.Context(), middleware.CurrentUserID(c), &dto)
	if err != nil {
		if errors.Is(err, ErrInvalidPrefs) {
			response.UnprocessableEntity(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, pref)
}
