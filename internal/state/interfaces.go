package state

import (
	"context"
	"time"
)

// Windows used by Stats and Cleanup. Worker liveness is deliberately
// shorter-lived than task retention.
const (
	ActiveVMWindow        = 5 * time.Minute
	WorkerStalenessWindow = time.Hour
)

// Store is the durable task/result/liveness contract. ClaimNextTask
// must be atomic: under concurrent callers no two may receive the same
// task id. All "not there" outcomes are reported via the bool return;
// errors are reserved for storage failures, ErrDuplicateID and
// ErrNotFound.
type Store interface {
	// AddTask persists a task with status pending. Returns
	// ErrDuplicateID when the id is already taken.
	AddTask(ctx context.Context, task TaskRecord) error

	// ClaimNextTask selects the pending task with the highest
	// priority (FIFO within equal priority), transitions it to
	// assigned with the given owner, and records worker liveness, all
	// in one indivisible operation. ok=false means the queue is empty.
	ClaimNextTask(ctx context.Context, vmID string) (TaskRecord, bool, error)

	// UpdateStatus sets the status (and optionally vm_id) of an
	// existing task. The store does not police the state machine;
	// callers are expected to only move forward.
	UpdateStatus(ctx context.Context, taskID, status, vmID string) error

	// AddResult upserts the result and moves the parent task to the
	// result's status in a single transaction. Returns ErrNotFound
	// when the task does not exist.
	AddResult(ctx context.Context, result ResultRecord) error

	GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error)
	GetResult(ctx context.Context, taskID string) (ResultRecord, bool, error)

	// Stats never fails on an empty store; it returns zeroes.
	Stats(ctx context.Context) (QueueStats, error)

	// Cleanup deletes terminal tasks and their results created before
	// now-retention, plus worker rows unseen for WorkerStalenessWindow.
	// Non-terminal tasks survive regardless of age.
	Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int, error)

	Close() error
}
