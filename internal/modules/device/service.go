package device

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mx-space/social/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidToken = errors.New("device token is required")

type RegisterDTO struct {
	Token      string `json:"token"       binding:"required,max=191"`
	DeviceType string `json:"device_type" binding:"omitempty,oneof=ios android web"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Register activates token for userID. The same token held by any other user is
// deactivated in the same transaction, so a handed-down phone stops receiving the
// previous owner's pushes. Registering twice only refreshes the row.
func (s *Service) Register(ctx context.Context, userID string, dto *RegisterDTO) (*models.DeviceTokenModel, error) {
	token := strings.TrimSpace(dto.Token)
	if token == "" || userID == "" {
		return nil, ErrInvalidToken
	}

	now := time.Now()
	row := models.DeviceTokenModel{
		UserID:     userID,
		Token:      token,
		DeviceType: dto.DeviceType,
		IsActive:   true,
		LastUsedAt: &now,
	}

	var saved models.DeviceTokenModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.DeviceTokenModel{}).
			Where("token = ? AND user_id <> ? AND is_active = ?", token, userID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"device_type", "is_active", "last_used_at", "updated_at", "deleted_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND token = ?", userID, token).First(&saved).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// List returns every token of the user, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]models.DeviceTokenModel, error) {
	var rows []models.DeviceTokenModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&rows).Error
	return rows, err
}

// Unregister removes the user's token. It reports whether a row existed.
func (s *Service) Unregister(ctx context.Context, userID, token string) (bool, error) {
	res := s.db.WithContext(ctx).Unscoped().
		Where("user_id = ? AND token = ?", userID, token).
		Delete(&models.DeviceTokenModel{})
	return res.RowsAffected > 0, res.Error
}

// ActiveTokens lists the tokens push delivery should target for userID.
func (s *Service) ActiveTokens(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := s.db.WithContext(ctx).Model(&models.DeviceTokenModel{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("token").
		Pluck("token", &tokens).Error
	return tokens, err
}

// Deactivate marks tokens the provider rejected permanently, whoever owns them.
func (s *Service) Deactivate(ctx context.Context, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&models.DeviceTokenModel{}).
		Where("token IN ? AND is_active = ?", tokens, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// Touch records a successful delivery on the active rows of tokens.
func (s *Service) Touch(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.DeviceTokenModel{}).
		Where("token IN ? AND is_active = ?", tokens, true).
		Update("last_used_at", time.Now()).Error
}

// PurgeInactive hard-deletes tokens that have been inactive since before cutoff.
func (s *Service) PurgeInactive(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Unscoped().
		Where("is_active = ? AND updated_at < ?", false, before).
		Delete(&models.DeviceTokenModel{})
	return res.RowsAffected, res.Error
}

// PurgeOrphans hard-deletes tokens whose owner no longer exists.
func (s *Service) PurgeOrphans(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx)
	live := tx.Model(&models.UserModel{}).Select("id")
	res := tx.Unscoped().
		Where("user_id NOT IN (?)", live).
		Delete(&models.DeviceTokenModel{})
	return res.RowsAffected, res.Error
}
