package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/pkg/jwt"
	"github.com/mx-space/social/internal/pkg/response"
	sessionpkg "github.com/mx-space/social/internal/pkg/session"
	"gorm.io/gorm"
)

const (
	ContextKeyUserID = "user_id"
	ContextKeySID    = "session_id"
	apiTokenPrefix   = "txo"
)

var (
	ErrNoToken        = errors.New("token is required")
	ErrSessionRevoked = errors.New("session expired or revoked")
	ErrUnknownToken   = errors.New("api token not found")
)

// Authenticator resolves bearer credentials to a user id. It accepts session JWTs,
// tokens from an external issuer (no sid) and personal API tokens.
type Authenticator struct {
	db       *gorm.DB
	sessions *sessionpkg.Store
}

func NewAuthenticator(db *gorm.DB) *Authenticator {
	return &Authenticator{db: db, sessions: sessionpkg.NewStore(db)}
}

// Middleware rejects the request with 401 unless it carries a valid credential.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		claims, err := a.Claims(ctx, extractToken(c))
		if err != nil {
			response.Unauthorized(c)
			return
		}
		c.Set(ContextKeyUserID, claims.UserID)
		if claims.SessionID != "" {
			c.Set(ContextKeySID, claims.SessionID)
			a.sessions.Touch(ctx, claims.UserID, claims.SessionID)
		}
		c.Next()
	}
}

// Validate returns the user id behind rawToken. Socket handshakes authenticate through it.
func (a *Authenticator) Validate(ctx context.Context, rawToken string) (string, error) {
	claims, err := a.Claims(ctx, rawToken)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (a *Authenticator) Claims(ctx context.Context, rawToken string) (*jwt.Claims, error) {
	token := NormalizeToken(rawToken)
	switch {
	case token == "":
		return nil, ErrNoToken
	case strings.HasPrefix(token, apiTokenPrefix):
		uid, err := a.apiTokenOwner(ctx, token)
		if err != nil {
			return nil, err
		}
		return &jwt.Claims{UserID: uid}, nil
	}

	claims, err := jwt.Parse(token)
	if err != nil {
		return nil, err
	}
	ok, err := a.sessions.Active(ctx, claims.UserID, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

func (a *Authenticator) apiTokenOwner(ctx context.Context, token string) (string, error) {
	var row models.APIToken
	err := a.db.WithContext(ctx).
		Select("user_id").
		Where("token = ? AND (expired_at IS NULL OR expired_at > ?)", token, time.Now()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownToken
	}
	return row.UserID, err
}

// CurrentUserID extracts the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func IsAuthenticated(c *gin.Context) bool {
	return CurrentUserID(c) != ""
}

// RequireUsers admits only the listed user ids. It must run after the auth middleware.
func RequireUsers(ids []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := allowed[CurrentUserID(c)]; !ok {
			response.Forbidden(c)
			return
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return h
	}
	return c.Query("token")
}

// NormalizeToken trims spaces and strips an optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
