package model

import "time"

type PushStatus int

const (
	PushNew        PushStatus = 0
	PushProcessing PushStatus = 1
	PushSent       PushStatus = 2
	PushDead       PushStatus = 3
)

func (s PushStatus) String() string {
	switch s {
	case PushNew:
		return "NEW"
	case PushProcessing:
		return "PROCESSING"
	case PushSent:
		return "SENT"
	case PushDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

const (
	Unread = 0
	Read   = 1
)

// Notification is a user-facing completion event keyed by the business key
// of the task that produced it.
type Notification struct {
	ID             int64      `json:"id" gorm:"primaryKey"`
	BusinessKey    string     `json:"business_key" gorm:"size:128;not null;uniqueIndex"`
	Title          string     `json:"title" gorm:"size:255"`
	Content        string     `json:"content" gorm:"type:text"`
	ToUserID       int64      `json:"to_user_id" gorm:"not null;index:idx_notification_user,priority:1"`
	PushStatus     PushStatus `json:"push_status" gorm:"not null;default:0;index"`
	PushRetryCount int        `json:"push_retry_count" gorm:"not null;default:0"`
	NextRetryTime  *time.Time `json:"next_retry_time"`
	LastError      string     `json:"last_error" gorm:"size:1000"`
	LockedAt       *time.Time `json:"locked_at"`
	ReadStatus     int        `json:"read_status" gorm:"not null;default:0;index:idx_notification_user,priority:2"`
	CreateUserID   int64      `json:"create_user_id"`
	CreateUserName string     `json:"create_user_name" gorm:"size:64"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Notification) TableName() string { return "notifications" }
