package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/codequeue/pkg/queueapi"
	"github.com/example/codequeue/worker/internal/config"
	"github.com/example/codequeue/worker/internal/executor"
)

type fakeSandbox struct {
	res      executor.Result
	err      error
	panicMsg string
}

func (f *fakeSandbox) Execute(_ context.Context, _ string, _ time.Duration) (executor.Result, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.res, f.err
}

type brokerRecorder struct {
	mu            sync.Mutex
	statusUpdates []string
	results       []queueapi.SubmitResultRequest
	resultFails   int
	resultStatus  int
}

func (b *brokerRecorder) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		var req queueapi.UpdateStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode status update: %v", err)
		}
		b.mu.Lock()
		b.statusUpdates = append(b.statusUpdates, req.Status)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.resultFails > 0 {
			b.resultFails--
			status := b.resultStatus
			if status == 0 {
				status = http.StatusInternalServerError
			}
			w.WriteHeader(status)
			return
		}
		var req queueapi.SubmitResultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode result: %v", err)
		}
		b.results = append(b.results, req)
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newPollerForTest(t *testing.T, brokerURL string, sandbox executor.Sandbox) (*Poller, *[]time.Duration) {
	cfg := config.Config{
		VMID:         "w1",
		BrokerURL:    brokerURL,
		PollInterval: time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
	p := New(cfg, sandbox, nil)
	var sleeps []time.Duration
	p.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return p, &sleeps
}

func TestHandleTaskReportsCompletedResult(t *testing.T) {
	rec := &brokerRecorder{}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	sandbox := &fakeSandbox{res: executor.Result{Stdout: "2\n", ExecutionTime: 0.3}}
	p, _ := newPollerForTest(t, ts.URL, sandbox)

	p.handleTask(context.Background(), queueapi.Task{ID: "t1", Code: "print(1+1)", Timeout: 10})

	if len(rec.statusUpdates) != 1 || rec.statusUpdates[0] != "running" {
		t.Fatalf("status updates = %v, want [running]", rec.statusUpdates)
	}
	if len(rec.results) != 1 {
		t.Fatalf("results = %d, want 1", len(rec.results))
	}
	got := rec.results[0]
	if got.Status != "completed" || got.Success == nil || !*got.Success || got.Output != "2\n" {
		t.Fatalf("result = %+v", got)
	}
	if got.VMID != "w1" || got.VMInfo == nil || got.SystemMetrics == nil {
		t.Fatalf("result missing worker context: %+v", got)
	}
}

func TestHandleTaskTimeoutStatus(t *testing.T) {
	rec := &brokerRecorder{}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	sandbox := &fakeSandbox{res: executor.Result{Stdout: "partial", TimedOut: true, ExecutionTime: 10}}
	p, _ := newPollerForTest(t, ts.URL, sandbox)

	p.handleTask(context.Background(), queueapi.Task{ID: "t1", Code: "while True: pass", Timeout: 10})

	got := rec.results[0]
	if got.Status != "timeout" {
		t.Fatalf("status = %q, want timeout", got.Status)
	}
	if got.Success == nil || *got.Success {
		t.Fatalf("success = %v, want false", got.Success)
	}
}

func TestHandleTaskNonZeroExitIsFailed(t *testing.T) {
	rec := &brokerRecorder{}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	sandbox := &fakeSandbox{res: executor.Result{Stderr: "Traceback", ExitCode: 1, ExecutionTime: 0.1}}
	p, _ := newPollerForTest(t, ts.URL, sandbox)

	p.handleTask(context.Background(), queueapi.Task{ID: "t1", Code: "raise", Timeout: 10})

	got := rec.results[0]
	if got.Status != "failed" || got.Error != "Traceback" {
		t.Fatalf("result = %+v", got)
	}
}

func TestSubmitRetriesWithGrowingDelay(t *testing.T) {
	rec := &brokerRecorder{resultFails: 2}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	sandbox := &fakeSandbox{res: executor.Result{Stdout: "ok\n"}}
	p, sleeps := newPollerForTest(t, ts.URL, sandbox)

	p.handleTask(context.Background(), queueapi.Task{ID: "t1", Code: "x", Timeout: 5})

	if len(rec.results) != 1 {
		t.Fatalf("results = %d, want 1 after retries", len(rec.results))
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2 retry delays", *sleeps)
	}
	if (*sleeps)[0] != time.Second || (*sleeps)[1] != 2*time.Second {
		t.Fatalf("delays = %v, want linearly growing", *sleeps)
	}
}

func TestSubmitDoesNotRetryClientErrors(t *testing.T) {
	rec := &brokerRecorder{resultFails: 10, resultStatus: http.StatusNotFound}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	sandbox := &fakeSandbox{res: executor.Result{Stdout: "ok\n"}}
	p, sleeps := newPollerForTest(t, ts.URL, sandbox)

	p.handleTask(context.Background(), queueapi.Task{ID: "ghost", Code: "x", Timeout: 5})

	if len(*sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none for a 4xx", *sleeps)
	}
	if rec.resultFails != 9 {
		t.Fatalf("attempts = %d, want exactly 1", 10-rec.resultFails)
	}
}

func TestPanicInSandboxReportsFailed(t *testing.T) {
	rec := &brokerRecorder{}
	ts := httptest.NewServer(rec.handler(t))
	defer ts.Close()

	p, _ := newPollerForTest(t, ts.URL, &fakeSandbox{panicMsg: "boom"})

	p.handleTask(context.Background(), queueapi.Task{ID: "t1", Code: "x", Timeout: 5})

	if len(rec.results) != 1 {
		t.Fatalf("results = %d, want synthesized failure", len(rec.results))
	}
	got := rec.results[0]
	if got.Status != "failed" || got.Error == "" {
		t.Fatalf("result = %+v", got)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	p, _ := newPollerForTest(t, ts.URL, &fakeSandbox{})
	_, ok, err := p.claim(context.Background())
	if err != nil || ok {
		t.Fatalf("claim = ok=%v err=%v, want empty", ok, err)
	}
}
