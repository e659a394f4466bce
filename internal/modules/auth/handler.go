package auth

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
	g := rg.Group("/auth", authMW)
	g.GET("/sessions", h.listSessions)
	g.DELETE("/sessions/current", h.logout)
	g.DELETE("/sessions/:id", h.revokeSession)

	g.GET("/tokens", h.listTokens)
	g.POST("/tokens", h.createToken)
	g.DELETE("/tokens/:id", h.deleteToken)
}

func (h *Handler) listSessions(c *gin.Context) {
	rows, err := h.svc.ListSessions(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	current := c.GetString(middleware.ContextKeySID)
	out := make([]gin.H, 0, len(rows))
	for _, s := range rows {
		out = append(out, gin.H{
			"id":         s.ID,
			"ua":         s.UA,
			"created_at": s.CreatedAt,
			"last_used":  s.UpdatedAt,
			"expires_at": s.ExpiresAt,
			"current":    s.ID == current,
		})
	}
	response.OK(c, out)
}

// logout revokes the session the request was made with. API tokens carry no
// session and get 400.
func (h *Handler) logout(c *gin.Context) {
	sid := c.GetString(middleware.ContextKeySID)
	if sid == "" {
		response.BadRequest(c, "request is not bound to a session")
		return
	}
	h.revoke(c, sid)
}

func (h *Handler) revokeSession(c *gin.Context) {
	h.revoke(c, c.Param("id"))
}

func (h *Handler) revoke(c *gin.Context, sid string) {
	if err := h.svc.RevokeSession(c.Request.Context(), middleware.CurrentUserID(c), sid); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			response.NotFoundMsg(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) listTokens(c *gin.Context) {
	tokens, err := h.svc.ListTokens(c.Request.Context(), middleware.CurrentUserID(c))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	// the secret is shown once, at creation
	out := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, gin.H{
			"id":         t.ID,
			"name":       t.Name,
			"created_at": t.CreatedAt,
			"expired_at": t.ExpiredAt,
		})
	}
	response.OK(c, out)
}

func (h *Handler) createToken(c *gin.Context) {
	var dto CreateTokenDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	t, err := h.svc.CreateToken(c.Request.Context(), middleware.CurrentUserID(c), &dto)
	if err != nil {
		if errors.Is(err, ErrTokenName) {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Created(c, t)
}

func (h *Handler) deleteToken(c *gin.Context) {
	if err := h.svc.DeleteToken(c.Request.Context(), middleware.CurrentUserID(c), c.Param("id")); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			response.NotFoundMsg(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}
