package model

import "time"

type OutboxStatus int

const (
	OutboxNew     OutboxStatus = 0
	OutboxSending OutboxStatus = 1
	OutboxSent    OutboxStatus = 2
	OutboxFailed  OutboxStatus = 3
)

func (s OutboxStatus) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxSending:
		return "SENDING"
	case OutboxSent:
		return "SENT"
	case OutboxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// OutboxEntry is a message that must eventually reach the broker. The
// (topic, tag, msg_key) triple is unique so a repeated insert is a no-op.
type OutboxEntry struct {
	ID            int64        `json:"id" gorm:"primaryKey"`
	Topic         string       `json:"topic" gorm:"size:128;not null;uniqueIndex:uk_outbox_msg,priority:1"`
	Tag           string       `json:"tag" gorm:"size:64;not null;uniqueIndex:uk_outbox_msg,priority:2"`
	MsgKey        string       `json:"msg_key" gorm:"size:191;not null;uniqueIndex:uk_outbox_msg,priority:3"`
	Payload       string       `json:"payload" gorm:"type:text"`
	PayloadType   string       `json:"payload_type" gorm:"size:64"`
	Status        OutboxStatus `json:"status" gorm:"not null;default:0;index:idx_outbox_pending,priority:1"`
	RetryCount    int          `json:"retry_count" gorm:"not null;default:0"`
	NextRetryTime *time.Time   `json:"next_retry_time" gorm:"index:idx_outbox_pending,priority:2"`
	LastError     string       `json:"last_error" gorm:"size:1000"`
	LockedAt      *time.Time   `json:"locked_at"`
	TraceID       string       `json:"trace_id" gorm:"size:64"`
	CreatedBy     string       `json:"created_by" gorm:"size:64"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "mq_outbox" }
