package models

// FollowModel is a directed edge: FollowerID follows FolloweeID.
type FollowModel struct {
	Base
	FollowerID string `json:"follower_id" gorm:"type:char(36);uniqueIndex:idx_follows_pair;not null"`
	FolloweeID string `json:"followee_id" gorm:"type:char(36);uniqueIndex:idx_follows_pair;index;not null"`
}

func (FollowModel) TableName() string { return "follows" }
