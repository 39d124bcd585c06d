package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// storeUnderTest runs the contract suite against every local backend.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func mustAdd(t *testing.T, s Store, id string, priority int) {
	t.Helper()
	err := s.AddTask(context.Background(), TaskRecord{
		ID: id, Code: "print(1)", Timeout: 10, Timestamp: "2026-01-01T00:00:00Z",
		Priority: priority, ClientID: "c1",
	})
	if err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}

func TestAddTaskRejectsDuplicateID(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		mustAdd(t, s, "t1", 1)
		err := s.AddTask(context.Background(), TaskRecord{
			ID: "t1", Code: "x", Timeout: 5, Timestamp: "2026-01-01T00:00:00Z", ClientID: "c1",
		})
		if err != ErrDuplicateID {
			t.Fatalf("%s: err = %v, want ErrDuplicateID", name, err)
		}
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		mustAdd(t, s, "A", 1)
		mustAdd(t, s, "B", 5)
		mustAdd(t, s, "C", 3)
		mustAdd(t, s, "D", 5)

		want := []string{"B", "D", "A"}
		// B and D share priority 5; B was submitted first. C is
		// reported running mid-stream and must never be re-claimed.
		if err := s.UpdateStatus(context.Background(), "C", StatusRunning, "w9"); err != nil {
			t.Fatalf("%s: update C: %v", name, err)
		}
		for i, id := range want {
			task, ok, err := s.ClaimNextTask(context.Background(), "w1")
			if err != nil || !ok {
				t.Fatalf("%s: claim %d: ok=%v err=%v", name, i, ok, err)
			}
			if task.ID != id {
				t.Fatalf("%s: claim %d = %s, want %s", name, i, task.ID, id)
			}
			if task.Status != StatusAssigned || task.VMID != "w1" {
				t.Fatalf("%s: claimed task = %+v", name, task)
			}
		}
		if _, ok, err := s.ClaimNextTask(context.Background(), "w1"); err != nil || ok {
			t.Fatalf("%s: expected empty queue, ok=%v err=%v", name, ok, err)
		}
	}
}

func TestConcurrentClaimsAreExactlyOnce(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		const tasks = 20
		const workers = 8
		for i := 0; i < tasks; i++ {
			mustAdd(t, s, "t"+string(rune('a'+i)), 1)
		}

		var mu sync.Mutex
		claimed := map[string]string{}
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					task, ok, err := s.ClaimNextTask(context.Background(), worker)
					if err != nil {
						t.Errorf("%s: claim: %v", name, err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					if prev, dup := claimed[task.ID]; dup {
						t.Errorf("%s: task %s claimed by %s and %s", name, task.ID, prev, worker)
					}
					claimed[task.ID] = worker
					mu.Unlock()
				}
			}("w" + string(rune('0'+w)))
		}
		wg.Wait()
		if len(claimed) != tasks {
			t.Fatalf("%s: claimed %d tasks, want %d", name, len(claimed), tasks)
		}
	}
}

func TestAddResultFinalizesTask(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		mustAdd(t, s, "t1", 1)
		if _, _, err := s.ClaimNextTask(context.Background(), "w1"); err != nil {
			t.Fatalf("%s: claim: %v", name, err)
		}
		res := ResultRecord{
			ID: "t1", TaskID: "t1", Success: true, Output: "2\n",
			ExecutionTime: 0.5, Timestamp: "2026-01-01T00:00:01Z", Status: StatusCompleted,
			VMID:       "w1",
			VMInfo:     map[string]any{"hostname": "vm-1"},
			Benchmarks: map[string]any{"gflops": 12.5},
		}
		if err := s.AddResult(context.Background(), res); err != nil {
			t.Fatalf("%s: add result: %v", name, err)
		}

		task, ok, err := s.GetTask(context.Background(), "t1")
		if err != nil || !ok {
			t.Fatalf("%s: get task: ok=%v err=%v", name, ok, err)
		}
		if task.Status != StatusCompleted {
			t.Fatalf("%s: task status = %s, want completed", name, task.Status)
		}

		got, ok, err := s.GetResult(context.Background(), "t1")
		if err != nil || !ok {
			t.Fatalf("%s: get result: ok=%v err=%v", name, ok, err)
		}
		if got.Output != "2\n" || !got.Success || got.Status != StatusCompleted {
			t.Fatalf("%s: result = %+v", name, got)
		}
		if got.VMInfo["hostname"] != "vm-1" {
			t.Fatalf("%s: vm_info = %v", name, got.VMInfo)
		}
		if got.Benchmarks["gflops"] != 12.5 {
			t.Fatalf("%s: benchmarks = %v", name, got.Benchmarks)
		}
	}
}

func TestAddResultIsIdempotentPerTask(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		mustAdd(t, s, "t1", 1)
		first := ResultRecord{ID: "t1", TaskID: "t1", Success: false, Output: "boom",
			Timestamp: "2026-01-01T00:00:01Z", Status: StatusFailed}
		second := first
		second.Success = true
		second.Output = "2\n"
		second.Status = StatusCompleted

		if err := s.AddResult(context.Background(), first); err != nil {
			t.Fatalf("%s: first result: %v", name, err)
		}
		if err := s.AddResult(context.Background(), second); err != nil {
			t.Fatalf("%s: second result: %v", name, err)
		}
		got, ok, _ := s.GetResult(context.Background(), "t1")
		if !ok || got.Output != "2\n" || got.Status != StatusCompleted {
			t.Fatalf("%s: result after resubmit = %+v", name, got)
		}
	}
}

func TestAddResultUnknownTask(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		err := s.AddResult(context.Background(), ResultRecord{
			ID: "ghost", TaskID: "ghost", Timestamp: "2026-01-01T00:00:00Z", Status: StatusCompleted,
		})
		if err != ErrNotFound {
			t.Fatalf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestUpdateStatusUnknownTaskErrors(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		if err := s.UpdateStatus(context.Background(), "ghost", StatusRunning, ""); err != ErrNotFound {
			t.Fatalf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
}

func TestCleanupRemovesOnlyOldTerminalTasks(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-48 * time.Hour)
		if err := s.AddTask(ctx, TaskRecord{
			ID: "old-done", Code: "x", Timeout: 5, Timestamp: "2026-01-01T00:00:00Z",
			ClientID: "c1", CreatedAt: old,
		}); err != nil {
			t.Fatalf("%s: add old-done: %v", name, err)
		}
		if err := s.AddTask(ctx, TaskRecord{
			ID: "old-pending", Code: "x", Timeout: 5, Timestamp: "2026-01-01T00:00:00Z",
			ClientID: "c1", CreatedAt: old,
		}); err != nil {
			t.Fatalf("%s: add old-pending: %v", name, err)
		}
		mustAdd(t, s, "fresh-done", 1)

		for _, id := range []string{"old-done", "fresh-done"} {
			if err := s.AddResult(ctx, ResultRecord{
				ID: id, TaskID: id, Success: true, Timestamp: "2026-01-01T00:00:01Z", Status: StatusCompleted,
			}); err != nil {
				t.Fatalf("%s: result %s: %v", name, id, err)
			}
		}

		deleted, err := s.Cleanup(ctx, 24*time.Hour, time.Now().UTC())
		if err != nil {
			t.Fatalf("%s: cleanup: %v", name, err)
		}
		if deleted != 1 {
			t.Fatalf("%s: deleted = %d, want 1", name, deleted)
		}
		if _, ok, _ := s.GetTask(ctx, "old-done"); ok {
			t.Fatalf("%s: old terminal task survived cleanup", name)
		}
		if _, ok, _ := s.GetResult(ctx, "old-done"); ok {
			t.Fatalf("%s: old result survived cleanup", name)
		}
		if _, ok, _ := s.GetTask(ctx, "old-pending"); !ok {
			t.Fatalf("%s: pending task was deleted by cleanup", name)
		}
		if _, ok, _ := s.GetTask(ctx, "fresh-done"); !ok {
			t.Fatalf("%s: fresh terminal task was deleted by cleanup", name)
		}
	}
}

func TestStatsCountsAndActiveVMs(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		ctx := context.Background()
		mustAdd(t, s, "a", 1)
		mustAdd(t, s, "b", 1)
		if _, _, err := s.ClaimNextTask(ctx, "w1"); err != nil {
			t.Fatalf("%s: claim: %v", name, err)
		}
		if err := s.AddResult(ctx, ResultRecord{
			ID: "a", TaskID: "a", Success: true, ExecutionTime: 2.0,
			Timestamp: "2026-01-01T00:00:01Z", Status: StatusCompleted,
		}); err != nil {
			t.Fatalf("%s: result: %v", name, err)
		}

		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("%s: stats: %v", name, err)
		}
		if stats.PendingTasks != 1 || stats.CompletedTasks != 1 {
			t.Fatalf("%s: stats = %+v", name, stats)
		}
		if stats.ActiveVMs != 1 {
			t.Fatalf("%s: active_vms = %d, want 1", name, stats.ActiveVMs)
		}
		if stats.AvgExecutionTime != 2.0 {
			t.Fatalf("%s: avg_execution_time = %v, want 2.0", name, stats.AvgExecutionTime)
		}
	}
}
