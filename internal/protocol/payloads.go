package protocol

// SubmitTask asks the kernel to classify, route and execute a query.
type SubmitTask struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"` // high | medium | low
}

// CancelTask aborts an in-flight task by its correlation id.
type CancelTask struct {
	TaskID string `json:"taskId"`
}

// ProcessingStarted acknowledges a submit before any chunks flow.
type ProcessingStarted struct {
	TaskID   string `json:"taskId"`
	Intent   string `json:"intent,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// StreamChunk is a non-terminal slice of generated output.
type StreamChunk struct {
	TaskID string `json:"taskId"`
	Chunk  string `json:"chunk"`
	Index  int    `json:"index"`
}

// FinalResponse closes a task with its full output.
type FinalResponse struct {
	TaskID            string `json:"taskId"`
	Text              string `json:"text"`
	Degraded          bool   `json:"degraded,omitempty"`
	DegradationReason string `json:"degradationReason,omitempty"`
}

// ErrorPayload carries a failure back to the caller.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusPayload answers a get-status request.
type StatusPayload struct {
	ActiveConnections int     `json:"activeConnections"`
	ActiveTasks       int     `json:"activeTasks"`
	CacheSize         int     `json:"cacheSize"`
	UptimeSeconds     float64 `json:"uptime"`
}

// TaskCancelled confirms a cancel-task request.
type TaskCancelled struct {
	TaskID string `json:"taskId"`
}

// CacheCleared confirms a clear-cache request.
type CacheCleared struct {
	Entries int `json:"entries"` // entries evicted
}

// HeartbeatPayload carries the sender's clock for liveness tracking.
type HeartbeatPayload struct {
	SentAt int64 `json:"sentAt"` // Unix milliseconds
}
