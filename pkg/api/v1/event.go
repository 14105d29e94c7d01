package v1

import "encoding/json"

// TaskCreateRequest asks the creation gate to materialize a task.
type TaskCreateRequest struct {
	DedupKey    string `json:"dedup_key"`
	Fingerprint string `json:"fingerprint"`
	BizType     int    `json:"biz_type"`
	ParamJSON   string `json:"param_json"`
	UserID      int64  `json:"user_id"`
	UserName    string `json:"user_name"`
}

// TaskEvent announces a WAITING task to executors.
type TaskEvent struct {
	TaskID int64  `json:"task_id"`
	BizKey string `json:"biz_key"`
}

// NotifyEvent describes a terminal task outcome. BusinessKey locates the
// notification row.
type NotifyEvent struct {
	EventType   string `json:"event_type"`
	BusinessKey string `json:"business_key"`
	Content     string `json:"content"`
}

// ExportResult is the notification content of an export task.
type ExportResult struct {
	TaskID   int64  `json:"task_id"`
	UserID   int64  `json:"user_id"`
	Status   string `json:"status"`
	FileName string `json:"file_name,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PushEnvelope is what a connected client receives.
type PushEnvelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}
