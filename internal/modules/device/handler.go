package device

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/devices", authMW)
	g.POST("", h.register)
	g.GET("", h.list)
	g.DELETE("/:token", h.unregister)
}

func (h *Handler) register(c *gin.Context) {
	var dto RegisterDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	row, err := h.svc.Register(c.Request.Context(), middleware.CurrentUserID(c), &dto)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Created(c, row)
}

func (h *Handler) list(c *gin.Context) {
	rows, err := h.svc.List(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, rows)
}

func (h *Handler) unregister(c *gin.Context) {
	ok, err := h.svc.Unregister(c.Request.Context(), middleware.CurrentUserID(c), c.Param("token"))
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
