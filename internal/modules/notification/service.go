package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/modules/push"
	"github.com/mx-space/social/internal/pkg/metrics"
	"github.com/mx-space/social/internal/pkg/pagination"
	"github.com/mx-space/social/internal/pkg/response"
	"github.com/mx-space/social/internal/pkg/taskqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	usernameCacheSize = 1024
	usernameCacheTTL  = 10 * time.Minute
)

type Service struct {
	db     *gorm.DB
	queue  Enqueuer
	logger *zap.Logger

	liveMu sync.RWMutex
	live   LiveDelivery

	usernames *expirable.LRU[string, string]

	enqueueAttempts int
	enqueueBackoff  time.Duration
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnqueueRetry bounds how often a failed hand-off to the push queue is retried.
func WithEnqueueRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.enqueueAttempts = attempts
		}
		s.enqueueBackoff = backoff
	}
}

func NewService(db *gorm.DB, queue Enqueuer, opts ...Option) *Service {
	s := &Service{
		db:              db,
		queue:           queue,
		logger:          zap.NewNop(),
		live:            NopLive{},
		usernames:       expirable.NewLRU[string, string](usernameCacheSize, nil, usernameCacheTTL),
		enqueueAttempts: 3,
		enqueueBackoff:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLive wires the realtime gateway. A nil value restores NopLive.
func (s *Service) SetLive(live LiveDelivery) {
	if live == nil {
		live = NopLive{}
	}
	s.liveMu.Lock()
	s.live = live
	s.liveMu.Unlock()
}

func (s *Service) liveDelivery() LiveDelivery {
	s.liveMu.RLock()
	defer s.liveMu.RUnlock()
	return s.live
}

// CreateAndRoute persists the notification and makes exactly one delivery attempt:
// a live emit when the recipient is visibly online, a queued push otherwise. Users
// that switched the category (or push globally) off only get the stored record.
// Social reactions to one's own content return (nil, nil) and store nothing.
func (s *Service) CreateAndRoute(ctx context.Context, ev Event) (*models.NotificationModel, error) {
	if !ev.Type.Valid() {
		return nil, ErrInvalidType
	}
	if ev.RecipientID == "" {
		return nil, ErrNoRecipient
	}
	if ev.SenderID != "" && ev.SenderID == ev.RecipientID && selfSuppressed[ev.Type] {
		metrics.NotificationsRouted.WithLabelValues(string(OutcomeSkipped)).Inc()
		return nil, nil
	}

	title, body := s.render(ctx, ev)
	row := &models.NotificationModel{
		RecipientID: ev.RecipientID,
		Type:        ev.Type,
		Title:       title,
		Body:        body,
		Data:        ev.Data,
	}
	if ev.SenderID != "" {
		sender := ev.SenderID
		row.SenderID = &sender
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	outcome, err := s.route(ctx, row, ev)
	metrics.NotificationsRouted.WithLabelValues(string(outcome)).Inc()
	s.logger.Debug("notification routed",
		zap.String("id", row.ID),
		zap.String("recipient", row.RecipientID),
		zap.String("type", string(row.Type)),
		zap.String("outcome", string(outcome)),
	)
	return row, err
}

func (s *Service) route(ctx context.Context, row *models.NotificationModel, ev Event) (Outcome, error) {
	allowed, err := s.CheckPreferences(ctx, row.RecipientID, row.Type)
	if err != nil {
		s.logger.Warn("preference lookup failed, delivering anyway",
			zap.String("recipient", row.RecipientID), zap.Error(err))
	}
	if !allowed {
		return OutcomeSuppressed, nil
	}

	live := s.liveDelivery()
	online, err := live.IsUserOnline(ctx, row.RecipientID)
	if err != nil {
		s.logger.Warn("presence lookup failed, falling back to push",
			zap.String("recipient", row.RecipientID), zap.Error(err))
	}
	if online {
		if err := live.EmitToUser(ctx, row.RecipientID, EventNotificationNew, row); err != nil {
			s.logger.Debug("live emit failed", zap.String("recipient", row.RecipientID), zap.Error(err))
		}
		return OutcomeLive, nil
	}

	payload := push.Payload{
		NotificationID: row.ID,
		UserID:         row.RecipientID,
		Title:          row.Title,
		Body:           row.Body,
		Data:           pushData(row),
		Badge:          ev.Badge,
		Sound:          ev.Sound,
		ImageURL:       ev.ImageURL,
	}
	if payload.Badge == nil {
		if n, err := s.UnreadCount(ctx, row.RecipientID); err == nil {
			badge := int(n)
			payload.Badge = &badge
		}
	}
	if err := s.enqueue(ctx, payload); err != nil {
		s.logger.Error("push enqueue failed",
			zap.String("id", row.ID), zap.String("recipient", row.RecipientID), zap.Error(err))
		return OutcomeFailed, fmt.Errorf("enqueue push: %w", err)
	}
	return OutcomeQueued, nil
}

// enqueue hands payload to the queue, retrying transient errors. A duplicate
// means an earlier attempt was stored even though its reply got lost.
func (s *Service) enqueue(ctx context.Context, payload push.Payload) error {
	var err error
	for attempt := 1; attempt <= s.enqueueAttempts; attempt++ {
		_, err = s.queue.Enqueue(ctx, payload)
		if err == nil || errors.Is(err, taskqueue.ErrDuplicate) {
			return nil
		}
		if attempt == s.enqueueAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.enqueueBackoff * time.Duration(attempt)):
		}
	}
	return err
}

func pushData(row *models.NotificationModel) map[string]interface{} {
	data := make(map[string]interface{}, len(row.Data)+2)
	for k, v := range row.Data {
		data[k] = v
	}
	data["notificationId"] = row.ID
	data["type"] = string(row.Type)
	return data
}

func (s *Service) render(ctx context.Context, ev Event) (string, string) {
	tpl := templates[ev.Type]
	title, body := tpl.Title, tpl.Body
	if ev.Title != "" {
		title = ev.Title
	}
	if ev.Body != "" {
		body = ev.Body
	}

	vars := make(map[string]string, len(ev.Vars)+1)
	if ev.SenderID != "" {
		if name := s.username(ctx, ev.SenderID); name != "" {
			vars["username"] = name
		}
	}
	for k, v := range ev.Vars {
		vars[k] = v
	}
	return render(title, vars), render(body, vars)
}

func (s *Service) username(ctx context.Context, userID string) string {
	if name, ok := s.usernames.Get(userID); ok {
		return name
	}
	var user models.UserModel
	err := s.db.WithContext(ctx).Select("id", "username").Where("id = ?", userID).Take(&user).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Debug("sender lookup failed", zap.String("user", userID), zap.Error(err))
		}
		return ""
	}
	s.usernames.Add(userID, user.Username)
	return user.Username
}

// CheckPreferences reports whether type t may be delivered to userID. A missing
// preference row or category allows delivery.
func (s *Service) CheckPreferences(ctx context.Context, userID string, t models.NotificationType) (bool, error) {
	pref, err := s.findPreferences(ctx, userID)
	if err != nil {
		return true, err
	}
	if pref == nil {
		return true, nil
	}
	if !pref.PushEnabled {
		return false, nil
	}
	if enabled, ok := pref.Categories[t]; ok {
		return enabled, nil
	}
	return true, nil
}

func (s *Service) findPreferences(ctx context.Context, userID string) (*models.NotificationPreferenceModel, error) {
	var pref models.NotificationPreferenceModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

// GetPreferences returns the stored preferences, or the defaults when none exist.
func (s *Service) GetPreferences(ctx context.Context, userID string) (*models.NotificationPreferenceModel, error) {
	pref, err := s.findPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if pref == nil {
		pref = &models.NotificationPreferenceModel{UserID: userID, PushEnabled: true}
	}
	if pref.Categories == nil {
		pref.Categories = map[models.NotificationType]bool{}
	}
	return pref, nil
}

// UpdatePreferences merges dto into the user's preferences.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, dto *PreferencesDTO) (*models.NotificationPreferenceModel, error) {
	for t := range dto.Categories {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrefs, t)
		}
	}
	pref, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if dto.PushEnabled != nil {
		pref.PushEnabled = *dto.PushEnabled
	}
	for t, enabled := range dto.Categories {
		pref.Categories[t] = enabled
	}
	if err := s.db.WithContext(ctx).Save(pref).Error; err != nil {
		return nil, err
	}
	return pref, nil
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, q pagination.Query, filter ListQuery) ([]models.NotificationModel, response.Pagination, error) {
	tx := s.db.WithContext(ctx).Model(&models.NotificationModel{}).Where("recipient_id = ?", userID)
	if filter.UnreadOnly {
		tx = tx.Where("is_read = ?", false)
	}
	if filter.Type != "" {
		tx = tx.Where("type = ?", filter.Type)
	}
	var rows []models.NotificationModel
	pag, err := pagination.Paginate(tx.Order("created_at DESC"), q, &rows)
	return rows, pag, err
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.NotificationModel{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Count(&n).Error
	return n, err
}

// MarkRead marks one of the user's notifications read. It reports whether the
// notification exists.
func (s *Service) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	var row models.NotificationModel
	err := s.db.WithContext(ctx).Where("id = ? AND recipient_id = ?", id, userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if row.IsRead {
		return true, nil
	}
	now := time.Now()
	err = s.db.WithContext(ctx).Model(&row).Updates(map[string]any{"is_read": true, "read_at": now}).Error
	return true, err
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.NotificationModel{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (s *Service) Delete(ctx context.Context, userID, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND recipient_id = ?", id, userID).
		Delete(&models.NotificationModel{})
	return res.RowsAffected > 0, res.Error
}

// DeleteOlderThan hard-deletes notifications created before cutoff.
func (s *Service) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Unscoped().
		Where("created_at < ?", before).
		Delete(&models.NotificationModel{})
	return res.RowsAffected, res.Error
}

// DeleteOrphans hard-deletes notifications whose recipient no longer exists.
func (s *Service) DeleteOrphans(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx)
	live := tx.Model(&models.UserModel{}).Select("id")
	res := tx.Unscoped().
		Where("recipient_id NOT IN (?)", live).
		Delete(&models.NotificationModel{})
	return res.RowsAffected, res.Error
}
