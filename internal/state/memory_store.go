package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything behind one mutex, which trivially makes
// ClaimNextTask atomic. Used by tests and local single-process runs.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]TaskRecord
	results map[string]ResultRecord
	workers map[string]WorkerStatusRecord
	order   map[string]int64
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]TaskRecord),
		results: make(map[string]ResultRecord),
		workers: make(map[string]WorkerStatusRecord),
		order:   make(map[string]int64),
	}
}

func (m *MemoryStore) AddTask(_ context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrDuplicateID
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Priority == 0 {
		task.Priority = 1
	}
	task.Status = StatusPending
	m.seq++
	m.order[task.ID] = m.seq
	m.tasks[task.ID] = task
	return nil
}

func (m *MemoryStore) ClaimNextTask(_ context.Context, vmID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]TaskRecord, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return TaskRecord{}, false, nil
	}
	// Insertion order is the FIFO tiebreak; wall-clock timestamps can
	// collide at coarse clock granularity.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return m.order[pending[i].ID] < m.order[pending[j].ID]
	})
	now := time.Now().UTC()
	claimed := pending[0]
	claimed.Status = StatusAssigned
	claimed.VMID = vmID
	claimed.AssignedAt = now
	m.tasks[claimed.ID] = claimed
	m.workers[vmID] = WorkerStatusRecord{VMID: vmID, LastSeen: now, Status: "active"}
	return claimed, true, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, taskID, status, vmID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if vmID != "" {
		t.VMID = vmID
	}
	m.tasks[taskID] = t
	return nil
}

func (m *MemoryStore) AddResult(_ context.Context, result ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[result.TaskID]
	if !ok {
		return ErrNotFound
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	m.results[result.TaskID] = result
	t.Status = result.Status
	m.tasks[result.TaskID] = t
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok, nil
}

func (m *MemoryStore) GetResult(_ context.Context, taskID string) (ResultRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[taskID]
	return r, ok, nil
}

func (m *MemoryStore) Stats(_ context.Context) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats QueueStats
	for _, t := range m.tasks {
		switch t.Status {
		case StatusPending:
			stats.PendingTasks++
		case StatusAssigned:
			stats.AssignedTasks++
		case StatusRunning:
			stats.RunningTasks++
		case StatusCompleted:
			stats.CompletedTasks++
		case StatusFailed:
			stats.FailedTasks++
		case StatusTimeout:
			stats.TimeoutTasks++
		}
	}
	cutoff := time.Now().UTC().Add(-ActiveVMWindow)
	for _, w := range m.workers {
		if w.LastSeen.After(cutoff) {
			stats.ActiveVMs++
		}
	}
	var sum float64
	var n int
	for _, r := range m.results {
		if r.ExecutionTime > 0 {
			sum += r.ExecutionTime
			n++
		}
	}
	if n > 0 {
		stats.AvgExecutionTime = sum / float64(n)
	}
	return stats, nil
}

func (m *MemoryStore) Cleanup(_ context.Context, retention time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-retention)
	deleted := 0
	for id, t := range m.tasks {
		if !IsTerminal(t.Status) || !t.CreatedAt.Before(cutoff) {
			continue
		}
		delete(m.tasks, id)
		delete(m.results, id)
		delete(m.order, id)
		deleted++
	}
	staleCutoff := now.Add(-WorkerStalenessWindow)
	for id, w := range m.workers {
		if w.LastSeen.Before(staleCutoff) {
			delete(m.workers, id)
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Close() error { return nil }
