package metrics

type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
}

// PipelineObserver records per-row outcomes of the background workers.
type PipelineObserver interface {
	TaskFinished(outcome string)
	OutboxDispatched(result string)
	PushAttempted(result string)
}
