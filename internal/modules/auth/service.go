package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mx-space/social/internal/models"
	sessionpkg "github.com/mx-space/social/internal/pkg/session"
	"gorm.io/gorm"
)

const apiTokenPrefix = "txo"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrTokenName       = errors.New("token name is required")
)

type CreateTokenDTO struct {
	Name      string     `json:"name"`
	ExpiredAt *time.Time `json:"expired_at"`
}

// Service manages the credentials a client can open a connection with: JWT-backed
// sessions and personal API tokens.
type Service struct {
	db       *gorm.DB
	sessions *sessionpkg.Store
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, sessions: sessionpkg.NewStore(db)}
}

// ListSessions returns the user's sessions that still authenticate, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.UserSession, error) {
	var rows []models.UserSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("updated_at DESC").
		Find(&rows).Error
	return rows, err
}

// RevokeSession stops sessionID from authenticating new requests and handshakes.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	err := s.sessions.Revoke(ctx, userID, sessionID)
	if errors.Is(err, sessionpkg.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

func (s *Service) ListTokens(ctx context.Context, userID string) ([]models.APIToken, error) {
	var tokens []models.APIToken
	return tokens, s.db.WithContext(ctx).
		Where("user_id = ? AND (expired_at IS NULL OR expired_at > ?)", userID, time.Now()).
		Order("created_at DESC").Find(&tokens).Error
}

// CreateToken mints a personal API token. The secret is only returned here.
func (s *Service) CreateToken(ctx context.Context, userID string, dto *CreateTokenDTO) (*models.APIToken, error) {
	name := strings.TrimSpace(dto.Name)
	if name == "" {
		return nil, ErrTokenName
	}
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	t := models.APIToken{
		UserID:    userID,
		Token:     apiTokenPrefix + hex.EncodeToString(b),
		Name:      name,
		ExpiredAt: dto.ExpiredAt,
	}
	return &t, s.db.WithContext(ctx).Create(&t).Error
}

func (s *Service) DeleteToken(ctx context.Context, userID, tokenID string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", tokenID, userID).
		Delete(&models.APIToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}
