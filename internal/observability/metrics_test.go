package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("tasks_claimed_total", map[string]string{"store": "memory", "vm_id": "vm1"}, 3)
	r.SetGauge("pending_tasks", map[string]string{"store": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `tasks_claimed_total{store="memory",vm_id="vm1"} 3`) {
		t.Fatalf("missing claim counter in output: %s", out)
	}
	if !strings.Contains(out, `pending_tasks{store="memory"} 2`) {
		t.Fatalf("missing pending gauge in output: %s", out)
	}
}

func TestCounterAccumulatesAcrossLabelSets(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("http_requests_total", map[string]string{"path": "/tasks"}, 1)
	r.IncCounter("http_requests_total", map[string]string{"path": "/tasks"}, 1)
	r.IncCounter("http_requests_total", map[string]string{"path": "/results"}, 1)

	s := r.Snapshot()
	if len(s.Counters) != 2 {
		t.Fatalf("counters = %d, want 2 label sets", len(s.Counters))
	}
	for _, p := range s.Counters {
		if p.Labels["path"] == "/tasks" && p.Value != 2 {
			t.Fatalf("/tasks counter = %v, want 2", p.Value)
		}
	}
}
