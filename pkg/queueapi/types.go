// Package queueapi holds the wire types shared by the broker and the
// VM poller.
package queueapi

// Task is a unit of submitted code plus its execution constraints. The
// id is chosen by the client and must be globally unique.
type Task struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Timeout   int    `json:"timeout"`
	Timestamp string `json:"timestamp,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	ClientID  string `json:"client_id"`
}

type SubmitTaskResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
	VMID   string `json:"vm_id,omitempty"`
}

// SubmitResultRequest is the result report posted by a worker. Success
// is a pointer so the broker can tell an omitted field from false.
type SubmitResultRequest struct {
	ID            string         `json:"id"`
	Success       *bool          `json:"success"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time,omitempty"`
	Timestamp     string         `json:"timestamp"`
	Code          string         `json:"code,omitempty"`
	Status        string         `json:"status"`
	VMID          string         `json:"vm_id,omitempty"`
	VMInfo        map[string]any `json:"vm_info,omitempty"`
	SystemMetrics map[string]any `json:"system_metrics,omitempty"`
	Benchmarks    map[string]any `json:"benchmarks,omitempty"`
	VideoData     map[string]any `json:"video_data,omitempty"`
}

// Result is the stored outcome record returned by GET /results/{id}.
// VideoData is populated by the broker from an embedded marker line in
// Output; it is never persisted.
type Result struct {
	ID            string         `json:"id"`
	Success       bool           `json:"success"`
	Output        string         `json:"output"`
	Error         string         `json:"error"`
	ExecutionTime float64        `json:"execution_time"`
	Timestamp     string         `json:"timestamp"`
	Code          string         `json:"code"`
	Status        string         `json:"status"`
	VMID          string         `json:"vm_id"`
	VMInfo        map[string]any `json:"vm_info,omitempty"`
	SystemMetrics map[string]any `json:"system_metrics,omitempty"`
	Benchmarks    map[string]any `json:"benchmarks,omitempty"`
	VideoData     map[string]any `json:"video_data,omitempty"`
}

type QueueStatusResponse struct {
	PendingTasks     int     `json:"pending_tasks"`
	AssignedTasks    int     `json:"assigned_tasks"`
	RunningTasks     int     `json:"running_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	FailedTasks      int     `json:"failed_tasks"`
	TimeoutTasks     int     `json:"timeout_tasks"`
	ActiveVMs        int     `json:"active_vms"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	QueueHealth      string  `json:"queue_health"`
	Timestamp        string  `json:"timestamp"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}
