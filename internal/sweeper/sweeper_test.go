package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/example/codequeue/internal/state"
)

func TestRunOnceDeletesAgedTerminalTasks(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := store.AddTask(ctx, state.TaskRecord{
		ID: "old", Code: "x", Timeout: 5, Timestamp: "2026-01-01T00:00:00Z",
		ClientID: "c1", CreatedAt: old,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddResult(ctx, state.ResultRecord{
		ID: "old", TaskID: "old", Success: true,
		Timestamp: "2026-01-01T00:00:01Z", Status: state.StatusCompleted,
	}); err != nil {
		t.Fatalf("result: %v", err)
	}
	if err := store.AddTask(ctx, state.TaskRecord{
		ID: "live", Code: "x", Timeout: 5, Timestamp: "2026-01-01T00:00:00Z", ClientID: "c1",
	}); err != nil {
		t.Fatalf("add live: %v", err)
	}

	New(store, time.Hour, time.Minute).RunOnce(ctx)

	if _, ok, _ := store.GetTask(ctx, "old"); ok {
		t.Fatalf("aged terminal task survived the sweep")
	}
	if _, ok, _ := store.GetTask(ctx, "live"); !ok {
		t.Fatalf("pending task was swept")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := state.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(store, time.Hour, time.Millisecond).Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}
