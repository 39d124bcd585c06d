// Package runtime drives the claim → execute → report loop against the
// broker.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/example/codequeue/internal/marker"
	"github.com/example/codequeue/internal/observability"
	"github.com/example/codequeue/pkg/queueapi"
	"github.com/example/codequeue/worker/internal/artifact"
	"github.com/example/codequeue/worker/internal/config"
	"github.com/example/codequeue/worker/internal/executor"
	"github.com/example/codequeue/worker/internal/sysinfo"
)

type Poller struct {
	cfg        config.Config
	sandbox    executor.Sandbox
	uploader   *artifact.Uploader
	httpClient *http.Client

	// sleep is swapped out by tests.
	sleep func(time.Duration)
}

func New(cfg config.Config, sandbox executor.Sandbox, uploader *artifact.Uploader) *Poller {
	return &Poller{
		cfg:        cfg,
		sandbox:    sandbox,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sleep:      time.Sleep,
	}
}

// Run polls until ctx is cancelled. Claim failures are expected while
// the broker restarts, so they only log and wait out the poll interval.
func (p *Poller) Run(ctx context.Context) error {
	log.Printf("poller started vm_id=%s broker=%s interval=%s", p.cfg.VMID, p.cfg.BrokerURL, p.cfg.PollInterval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok, err := p.claim(ctx)
		if err != nil {
			log.Printf("claim failed: %v", err)
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if !ok {
			p.sleep(p.cfg.PollInterval)
			continue
		}
		p.handleTask(ctx, task)
	}
}

// handleTask owns one claimed task end to end. A panic anywhere inside
// must not kill the loop: it becomes a failed result, reported best
// effort.
func (p *Poller) handleTask(ctx context.Context, task queueapi.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic while executing task=%s: %v", task.ID, r)
			report := p.baseResult(task)
			report.Status = "failed"
			report.Error = fmt.Sprintf("worker panic: %v", r)
			if err := p.submitWithRetry(ctx, report); err != nil {
				log.Printf("report after panic failed task=%s: %v", task.ID, err)
			}
		}
	}()

	log.Printf("claimed task=%s timeout=%ds priority=%d", task.ID, task.Timeout, task.Priority)
	if err := p.reportRunning(ctx, task.ID); err != nil {
		log.Printf("running status update failed task=%s: %v", task.ID, err)
	}

	res, err := p.sandbox.Execute(ctx, task.Code, time.Duration(task.Timeout)*time.Second)
	report := p.baseResult(task)
	switch {
	case err != nil:
		report.Status = "failed"
		report.Error = err.Error()
	case res.TimedOut:
		report.Status = "timeout"
		report.Output = res.Stdout
		report.Error = fmt.Sprintf("execution exceeded %d seconds", task.Timeout)
		report.ExecutionTime = res.ExecutionTime
	case res.ExitCode != 0:
		report.Status = "failed"
		report.Output = res.Stdout
		report.Error = res.Stderr
		report.ExecutionTime = res.ExecutionTime
	default:
		ok := true
		report.Success = &ok
		report.Status = "completed"
		report.Output = res.Stdout
		report.Error = res.Stderr
		report.ExecutionTime = res.ExecutionTime
	}

	if video := marker.ExtractVideoData(report.Output); video != nil {
		artifact.AttachGIFData(ctx, video, task.ID, p.uploader)
		report.VideoData = video
	}
	report.Benchmarks = marker.ExtractBenchmarks(report.Output)
	report.SystemMetrics = sysinfo.Collect(ctx)

	observability.Default.IncCounter("worker_tasks_executed_total", map[string]string{"status": report.Status}, 1)
	if err := p.submitWithRetry(ctx, report); err != nil {
		log.Printf("abandoning result task=%s after retries: %v", task.ID, err)
	} else {
		log.Printf("reported task=%s status=%s in %.2fs", task.ID, report.Status, report.ExecutionTime)
	}
}

func (p *Poller) baseResult(task queueapi.Task) queueapi.SubmitResultRequest {
	failed := false
	return queueapi.SubmitResultRequest{
		ID:        task.ID,
		Success:   &failed,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Code:      task.Code,
		VMID:      p.cfg.VMID,
		VMInfo:    sysinfo.Describe(p.cfg.VMID),
	}
}

func (p *Poller) claim(ctx context.Context) (queueapi.Task, bool, error) {
	url := p.endpoint("/tasks/next") + "?vm_id=" + p.cfg.VMID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return queueapi.Task{}, false, err
	}
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return queueapi.Task{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return queueapi.Task{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return queueapi.Task{}, false, statusError(resp.StatusCode)
	}
	var task queueapi.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return queueapi.Task{}, false, err
	}
	return task, true, nil
}

func (p *Poller) reportRunning(ctx context.Context, taskID string) error {
	body, err := json.Marshal(queueapi.UpdateStatusRequest{Status: "running", VMID: p.cfg.VMID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.endpoint("/tasks/"+taskID+"/status"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode)
	}
	return nil
}

// submitWithRetry posts the result up to MaxRetries times with a
// linearly growing delay. Client errors are final: a request the
// broker rejected once will be rejected again.
func (p *Poller) submitWithRetry(ctx context.Context, report queueapi.SubmitResultRequest) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err := p.submitResult(ctx, report)
		if err == nil {
			return nil
		}
		lastErr = err
		var be *brokerError
		if errors.As(err, &be) && be.code >= 400 && be.code < 500 {
			return err
		}
		if attempt < p.cfg.MaxRetries {
			delay := p.cfg.RetryDelay * time.Duration(attempt)
			log.Printf("result submit failed task=%s attempt=%d/%d, retrying in %s: %v",
				report.ID, attempt, p.cfg.MaxRetries, delay, err)
			p.sleep(delay)
		}
	}
	return lastErr
}

func (p *Poller) submitResult(ctx context.Context, report queueapi.SubmitResultRequest) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/results"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode)
	}
	return nil
}

func (p *Poller) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BrokerURL, "/") + path
}

func (p *Poller) authorize(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

type brokerError struct {
	code int
}

func (e *brokerError) Error() string {
	return fmt.Sprintf("broker request failed: status %d", e.code)
}

func statusError(code int) error {
	return &brokerError{code: code}
}
