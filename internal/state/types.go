package state

import (
	"errors"
	"time"
)

// Task lifecycle states. Once a task leaves pending it never returns;
// completed, failed and timeout are terminal.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

var (
	ErrDuplicateID = errors.New("task id already exists")
	ErrNotFound    = errors.New("not found")
)

type TaskRecord struct {
	ID         string
	Code       string
	Timeout    int
	Timestamp  string
	Priority   int
	ClientID   string
	Status     string
	VMID       string
	AssignedAt time.Time
	CreatedAt  time.Time
}

type ResultRecord struct {
	ID            string
	TaskID        string
	Success       bool
	Output        string
	Error         string
	ExecutionTime float64
	Timestamp     string
	Code          string
	Status        string
	VMID          string
	VMInfo        map[string]any
	SystemMetrics map[string]any
	Benchmarks    map[string]any
	CreatedAt     time.Time
}

// WorkerStatusRecord is a liveness signal only; assignment correctness
// never depends on it.
type WorkerStatusRecord struct {
	VMID     string
	LastSeen time.Time
	Status   string
	Info     string
}

type QueueStats struct {
	PendingTasks     int
	AssignedTasks    int
	RunningTasks     int
	CompletedTasks   int
	FailedTasks      int
	TimeoutTasks     int
	ActiveVMs        int
	AvgExecutionTime float64
}
