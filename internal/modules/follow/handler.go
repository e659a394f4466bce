package follow

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
	g := rg.Group("/users/:id", authMW)
	g.POST("/follow", h.follow)
	g.DELETE("/follow", h.unfollow)
	g.GET("/followers", h.followers)
}

func (h *Handler) follow(c *gin.Context) {
	created, err := h.svc.Follow(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSelfFollow) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	if created {
		response.Created(c, gin.H{"following": true})
		return
	}
	response.OK(c, gin.H{"following": true})
}

func (h *Handler) unfollow(c *gin.Context) {
	ok, err := h.svc.Unfollow(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id"))
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

func (h *Handler) followers(c *gin.Context) {
	id := c.Param("id")
	ids, err := h.svc.Followers(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	followers, following, err := h.svc.Counts(c.Request.Context(), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{
		"data":      ids,
		"followers": followers,
		"following": following,
	})
}
