package chat

import (
	"context"
	"errors"
	"time"

	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/pkg/pagination"
	"github.com/mx-space/social/internal/pkg/response"
	"gorm.io/gorm"
)

var (
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrNotFound         = errors.New("conversation not found")
	ErrMessageNotFound  = errors.New("message not found")
)

type CreateDirectDTO struct {
	UserID string `json:"user_id" binding:"required"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateDirect returns the direct conversation between a and b, creating it on
// first use.
func (s *Service) CreateDirect(ctx context.Context, a, b string) (*models.ConversationModel, error) {
	if a == b {
		return nil, ErrSelfConversation
	}

	var conv models.ConversationModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := tx.Model(&models.ParticipantModel{}).
			Select("conversation_id").
			Where("user_id IN ?", []string{a, b}).
			Group("conversation_id").
			Having("COUNT(DISTINCT user_id) = ?", 2)
		err := tx.Where("kind = ? AND id IN (?)", models.ConversationDirect, existing).
			Preload("Participants").
			Take(&conv).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		conv = models.ConversationModel{
			Kind: models.ConversationDirect,
			Participants: []models.ParticipantModel{
				{UserID: a},
				{UserID: b},
			},
		}
		return tx.Create(&conv).Error
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationModel, error) {
	mine := s.db.Model(&models.ParticipantModel{}).Select("conversation_id").Where("user_id = ?", userID)
	var rows []models.ConversationModel
	err := s.db.WithContext(ctx).
		Where("id IN (?)", mine).
		Preload("Participants").
		Order("last_message_at DESC").
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}

// GetOtherParticipantID returns the counterpart of userID in a direct conversation.
func (s *Service) GetOtherParticipantID(ctx context.Context, conversationID, userID string) (string, error) {
	var other models.ParticipantModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id <> ?", conversationID, userID).
		Take(&other).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return other.UserID, nil
}

// SendMessage stores a message and bumps the conversation's activity time.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, content string) (*models.MessageModel, error) {
	msg := &models.MessageModel{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.ConversationModel{}).
			Where("id = ?", conversationID).
			Update("last_message_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead moves the user's read marker to messageID, or to the latest message when
// messageID is empty.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID, messageID string) (*models.ParticipantModel, error) {
	db := s.db.WithContext(ctx)

	var msg models.MessageModel
	q := db.Where("conversation_id = ?", conversationID)
	if messageID != "" {
		q = q.Where("id = ?", messageID)
	} else {
		q = q.Order("created_at DESC")
	}
	if err := q.Take(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	var p models.ParticipantModel
	if err := db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := time.Now()
	if err := db.Model(&p).Updates(map[string]any{
		"last_read_message_id": msg.ID,
		"last_read_at":         now,
	}).Error; err != nil {
		return nil, err
	}
	p.LastReadMessageID = &msg.ID
	p.LastReadAt = &now
	return &p, nil
}

// ListMessages returns a conversation's messages, newest first.
func (s *Service) ListMessages(ctx context.Context, conversationID string, q pagination.Query) ([]models.MessageModel, response.Pagination, error) {
	tx := s.db.WithContext(ctx).Model(&models.MessageModel{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC")
	var rows []models.MessageModel
	pag, err := pagination.Paginate(tx, q, &rows)
	return rows, pag, err
}
