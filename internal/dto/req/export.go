package req

import "encoding/json"

type SubmitExportRequest struct {
	Params json.RawMessage `json:"params"`
}

type ListNotificationsRequest struct {
	Unread bool `form:"unread"`
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
}

type IDUri struct {
	ID int64 `uri:"id" binding:"required,min=1"`
}
