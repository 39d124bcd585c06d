// Package sweeper removes aged-out terminal tasks and stale worker
// liveness rows on a fixed interval.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/example/codequeue/internal/observability"
	"github.com/example/codequeue/internal/state"
)

type Sweeper struct {
	store     state.Store
	retention time.Duration
	interval  time.Duration
}

func New(store state.Store, retention, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, retention: retention, interval: interval}
}

// Run sweeps every interval until ctx is cancelled. Sweep failures are
// logged and the ticker keeps going; a broken sweep must not take the
// broker down.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) {
	deleted, err := s.store.Cleanup(ctx, s.retention, time.Now().UTC())
	if err != nil {
		log.Printf("cleanup sweep failed: %v", err)
		return
	}
	observability.Default.IncCounter("cleanup_sweeps_total", nil, 1)
	if deleted > 0 {
		observability.Default.IncCounter("cleanup_tasks_deleted_total", nil, float64(deleted))
		log.Printf("cleanup sweep deleted=%d retention=%s", deleted, s.retention)
	}
}
