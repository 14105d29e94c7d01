package resp

import (
	"time"

	"mallflow/internal/model"
)

type SubmitExportResponse struct {
	RequestKey  string `json:"request_key"`
	Fingerprint string `json:"fingerprint"`
}

type TaskItem struct {
	ID           int64     `json:"id"`
	BizKey       string    `json:"biz_key"`
	Name         string    `json:"name"`
	BizType      string    `json:"biz_type"`
	Status       string    `json:"status"`
	ResultRef    string    `json:"result_ref,omitempty"`
	ErrorMsg     string    `json:"error_msg,omitempty"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func NewTaskItem(t *model.Task) TaskItem {
	return TaskItem{
		ID:           t.ID,
		BizKey:       t.BizKey,
		Name:         t.Name,
		BizType:      t.BizType.String(),
		Status:       t.Status.String(),
		ResultRef:    t.ResultRef,
		ErrorMsg:     t.ErrorMsg,
		FailureCount: t.FailureCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type NotificationItem struct {
	ID          int64     `json:"id"`
	BusinessKey string    `json:"business_key"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Read        bool      `json:"read"`
	PushStatus  string    `json:"push_status"`
	CreatedAt   time.Time `json:"created_at"`
}

type NotificationList struct {
	Items []NotificationItem `json:"items"`
}

func NewNotificationList(list []model.Notification) NotificationList {
	items := make([]NotificationItem, 0, len(list))
	for _, n := range list {
		items = append(items, NotificationItem{
			ID:          n.ID,
			BusinessKey: n.BusinessKey,
			Title:       n.Title,
			Content:     n.Content,
			Read:        n.ReadStatus == model.Read,
			PushStatus:  n.PushStatus.String(),
			CreatedAt:   n.CreatedAt,
		})
	}
	return NotificationList{Items: items}
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}
