package constraints

// Broker topics and tags.
const (
	TopicTaskCreate   = "task-create"
	TopicTask         = "task"
	TopicNotification = "notification"

	TagExportCreate = "export-create"
	TagExport       = "export"
	TagNotify       = "notify"
)

// Outbox payload type descriptors.
const (
	PayloadTaskCreate  = "task.create.v1"
	PayloadTaskEvent   = "task.event.v1"
	PayloadNotifyEvent = "notify.event.v1"
)

// Event types carried in notify events and push envelopes.
const (
	EventExportExcel = "EXPORT_EXCEL"
	EventPing        = "ping"
)

// SSE event names.
const (
	SSEMessage = "message"
	SSEPing    = "ping"
)
