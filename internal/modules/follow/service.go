package follow

import (
	"context"
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/modules/notification"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrSelfFollow = errors.New("cannot follow yourself")

// Router delivers the FOLLOW notification.
type Router interface {
	CreateAndRoute(ctx context.Context, ev notification.Event) (*models.NotificationModel, error)
}

type Service struct {
	db     *gorm.DB
	router Router
	logger *zap.Logger
}

func NewService(db *gorm.DB, router Router, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, router: router, logger: logger}
}

// Follow creates the edge follower → followee. It reports false when the edge
// already existed; only a new edge notifies the followee.
func (s *Service) Follow(ctx context.Context, followerID, followeeID string) (bool, error) {
	if followerID == followeeID {
		return false, ErrSelfFollow
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&models.FollowModel{}).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	edge := models.FollowModel{FollowerID: followerID, FolloweeID: followeeID}
	if err := s.db.WithContext(ctx).Create(&edge).Error; err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}

	if s.router != nil {
		if _, err := s.router.CreateAndRoute(ctx, notification.Event{
			Type:        models.NotificationFollow,
			RecipientID: followeeID,
			SenderID:    followerID,
			Data:        map[string]any{"followerId": followerID},
		}); err != nil {
			s.logger.Warn("follow notification failed", zap.String("followee", followeeID), zap.Error(err))
		}
	}
	return true, nil
}

// Unfollow removes the edge. It reports whether one existed.
func (s *Service) Unfollow(ctx context.Context, followerID, followeeID string) (bool, error) {
	res := s.db.WithContext(ctx).Unscoped().
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Delete(&models.FollowModel{})
	return res.RowsAffected > 0, res.Error
}

// Followers lists who follows userID.
func (s *Service) Followers(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.FollowModel{}).
		Where("followee_id = ?", userID).
		Order("follower_id").
		Pluck("follower_id", &ids).Error
	return ids, err
}

func (s *Service) IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.FollowModel{}).
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		Count(&n).Error
	return n > 0, err
}

// Counts returns how many users follow userID and how many userID follows.
func (s *Service) Counts(ctx context.Context, userID string) (followers, following int64, err error) {
	db := s.db.WithContext(ctx).Model(&models.FollowModel{})
	if err = db.Where("followee_id = ?", userID).Count(&followers).Error; err != nil {
		return
	}
	err = s.db.WithContext(ctx).Model(&models.FollowModel{}).Where("follower_id = ?", userID).Count(&following).Error
	return
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
