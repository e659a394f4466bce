package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mx-space/social/internal/models"
	jwtpkg "github.com/mx-space/social/internal/pkg/jwt"
	"gorm.io/gorm"
)

const (
	DefaultTTL = 30 * 24 * time.Hour

	// touchEvery bounds how often an authenticated request writes last activity.
	touchEvery = time.Minute
)

var ErrNotFound = errors.New("session not found")

// Store binds issued JWTs to rows in user_sessions so they can be listed and revoked.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Issue records a session for userID and returns a token carrying its id as sid.
func (s *Store) Issue(ctx context.Context, userID, ua string, ttl time.Duration) (string, *models.UserSession, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	row := &models.UserSession{
		UserID:    userID,
		UA:        strings.TrimSpace(ua),
		ExpiresAt: time.Now().Add(ttl),
	}
	db := s.db.WithContext(ctx)
	if err := db.Create(row).Error; err != nil {
		return "", nil, err
	}

	token, err := jwtpkg.SignWithOptions(userID, ttl, jwtpkg.SignOptions{SessionID: row.ID})
	if err != nil {
		db.Delete(row)
		return "", nil, err
	}
	return token, row, nil
}

// Active reports whether sid still authenticates userID. An empty sid comes from an
// external issuer and is not tracked here.
func (s *Store) Active(ctx context.Context, userID, sid string) (bool, error) {
	if sid = strings.TrimSpace(sid); sid == "" {
		return true, nil
	}
	var n int64
	err := s.live(ctx, userID, sid).Where("expires_at > ?", time.Now()).Count(&n).Error
	return n > 0, err
}

// Touch bumps updated_at at most once per touchEvery.
func (s *Store) Touch(ctx context.Context, userID, sid string) {
	if sid = strings.TrimSpace(sid); sid == "" {
		return
	}
	now := time.Now()
	s.live(ctx, userID, sid).
		Where("updated_at < ?", now.Add(-touchEvery)).
		Update("updated_at", now)
}

func (s *Store) Revoke(ctx context.Context, userID, sid string) error {
	now := time.Now()
	res := s.live(ctx, userID, sid).Update("revoked_at", &now)
	switch {
	case res.Error != nil:
		return res.Error
	case res.RowsAffected == 0:
		return ErrNotFound
	}
	return nil
}

func (s *Store) live(ctx context.Context, userID, sid string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.UserSession{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", sid, userID)
}
