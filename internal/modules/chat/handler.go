package chat

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
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
	g := rg.Group("/conversations", authMW)
	g.POST("", h.createDirect)
	g.GET("", h.list)
	g.GET("/:id/messages", h.messages)
}

func (h *Handler) createDirect(c *gin.Context) {
	var dto CreateDirectDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	conv, err := h.svc.CreateDirect(c.Request.Context(), middleware.CurrentUserID(c), dto.UserID)
	if err != nil {
		if errors.Is(err, ErrSelfConversation) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Created(c, conv)
}

func (h *Handler) list(c *gin.Context) {
	rows, err := h.svc.ListConversations(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, rows)
}

func (h *Handler) messages(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.svc.IsParticipant(c.Request.Context(), id, middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if !ok {
		response.NotFoundMsg(c, ErrNotFound.Error())
		return
	}
	rows, pag, err := h.svc.ListMessages(c.Request.Context(), id, pagination.FromContext(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Paged(c, rows, pag)
}
