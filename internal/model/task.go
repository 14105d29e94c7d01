package model

import (
	"strings"
	"time"
)

type TaskStatus int

const (
	TaskWaiting TaskStatus = 0
	TaskRunning TaskStatus = 1
	TaskSuccess TaskStatus = 2
	TaskFail    TaskStatus = 3
)

func (s TaskStatus) String() string {
	switch s {
	case TaskWaiting:
		return "WAITING"
	case TaskRunning:
		return "RUNNING"
	case TaskSuccess:
		return "SUCCESS"
	case TaskFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFail
}

type TaskType int

const (
	TaskTypeExportExcel TaskType = 1
	TaskTypeSendEmail   TaskType = 2
)

// BizType selects the runner that executes a task.
type BizType int

const (
	BizMenu             BizType = 1
	BizRole             BizType = 2
	BizDept             BizType = 3
	BizUser             BizType = 4
	BizJob              BizType = 5
	BizUnit             BizType = 101
	BizBrand            BizType = 102
	BizAttribute        BizType = 103
	BizAttributeValue   BizType = 104
	BizCategory         BizType = 105
	BizProduct          BizType = 106
	BizCommonPhotoGroup BizType = 110
	BizCommonNotify     BizType = 111
	BizCommonJob        BizType = 112
	BizOrderTrade       BizType = 120
)

var bizTypeNames = map[BizType]string{
	BizMenu:             "menu",
	BizRole:             "role",
	BizDept:             "dept",
	BizUser:             "user",
	BizJob:              "job",
	BizUnit:             "unit",
	BizBrand:            "brand",
	BizAttribute:        "attribute",
	BizAttributeValue:   "attribute_value",
	BizCategory:         "category",
	BizProduct:          "product",
	BizCommonPhotoGroup: "photo_group",
	BizCommonNotify:     "notify",
	BizCommonJob:        "common_job",
	BizOrderTrade:       "order_trade",
}

func (b BizType) String() string {
	if name, ok := bizTypeNames[b]; ok {
		return name
	}
	return "unknown"
}

// ParseBizType resolves a case-insensitive business type name.
func ParseBizType(name string) (BizType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for b, n := range bizTypeNames {
		if n == name {
			return b, true
		}
	}
	return 0, false
}

// Task is one unit of asynchronous work. InflightFingerprint mirrors
// Fingerprint while the task is non-terminal and is NULL afterwards, so its
// unique index admits at most one live task per fingerprint.
type Task struct {
	ID                  int64      `json:"id" gorm:"primaryKey"`
	BizKey              string     `json:"biz_key" gorm:"size:64;not null;uniqueIndex"`
	DedupKey            string     `json:"dedup_key" gorm:"size:191"`
	Fingerprint         string     `json:"fingerprint" gorm:"size:64;not null;index"`
	InflightFingerprint *string    `json:"-" gorm:"size:64;uniqueIndex"`
	Name                string     `json:"name" gorm:"size:255"`
	Type                TaskType   `json:"type" gorm:"not null"`
	BizType             BizType    `json:"biz_type" gorm:"not null"`
	RequestParam        string     `json:"request_param" gorm:"type:text"`
	Status              TaskStatus `json:"status" gorm:"not null;default:0;index:idx_task_status,priority:1"`
	ResultRef           string     `json:"result_ref" gorm:"size:1024"`
	ErrorMsg            string     `json:"error_msg" gorm:"size:1000"`
	FailureCount        int        `json:"failure_count" gorm:"not null;default:0"`
	Version             int        `json:"version" gorm:"not null;default:0"`
	LeaseExpiresAt      *time.Time `json:"lease_expires_at"`
	CreateUserID        int64      `json:"create_user_id" gorm:"index"`
	CreateUserName      string     `json:"create_user_name" gorm:"size:64"`
	UpdateUserID        int64      `json:"update_user_id"`
	UpdateUserName      string     `json:"update_user_name" gorm:"size:64"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" gorm:"index:idx_task_status,priority:2"`
}

func (Task) TableName() string { return "tasks" }
