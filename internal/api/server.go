package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/codequeue/internal/marker"
	"github.com/example/codequeue/internal/observability"
	"github.com/example/codequeue/internal/state"
	"github.com/example/codequeue/pkg/queueapi"
)

type Config struct {
	APIKey string

	// Submission rate bounds per sliding minute; zero disables.
	SubmitPerClientPerMin int
	SubmitGlobalPerMin    int
}

// Server is the broker's HTTP façade over a state.Store. Handlers only
// translate between the wire and the store; all queue semantics live in
// the store itself.
type Server struct {
	store   state.Store
	auth    *authorizer
	limiter *submitLimiter
}

func NewServer(store state.Store, cfg Config) *Server {
	return &Server{
		store:   store,
		auth:    newAuthorizer(cfg.APIKey),
		limiter: newSubmitLimiter(cfg.SubmitPerClientPerMin, cfg.SubmitGlobalPerMin),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleSubmitTask)
	mux.HandleFunc("/tasks/", s.handleTaskSubresource)
	mux.HandleFunc("/results", s.handleSubmitResult)
	mux.HandleFunc("/results/", s.handleGetResult)
	mux.HandleFunc("/status", s.handleQueueStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handleMetricsPrometheus)
	return withTracing(withLogging(mux))
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.auth.authorize(r) {
		return true
	}
	writeError(w, http.StatusUnauthorized, "invalid API key")
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, queueapi.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req queueapi.Task
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case strings.TrimSpace(req.ID) == "":
		writeError(w, http.StatusBadRequest, "missing required field: id")
		return
	case req.Code == "":
		writeError(w, http.StatusBadRequest, "missing required field: code")
		return
	case strings.TrimSpace(req.ClientID) == "":
		writeError(w, http.StatusBadRequest, "missing required field: client_id")
		return
	case req.Timeout <= 0:
		writeError(w, http.StatusBadRequest, "missing required field: timeout")
		return
	}
	if !s.limiter.allow(req.ClientID, time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if req.Priority == 0 {
		req.Priority = 1
	}
	err := s.store.AddTask(r.Context(), state.TaskRecord{
		ID:        req.ID,
		Code:      req.Code,
		Timeout:   req.Timeout,
		Timestamp: req.Timestamp,
		Priority:  req.Priority,
		ClientID:  req.ClientID,
	})
	if errors.Is(err, state.ErrDuplicateID) {
		writeError(w, http.StatusConflict, "task id already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.Default.IncCounter("tasks_submitted_total", map[string]string{"client_id": req.ClientID}, 1)
	writeJSON(w, http.StatusCreated, queueapi.SubmitTaskResponse{
		Message: "Task submitted successfully",
		TaskID:  req.ID,
	})
}

func (s *Server) handleTaskSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if rest == "next" {
		s.handleClaimTask(w, r)
		return
	}
	if taskID, ok := strings.CutSuffix(rest, "/status"); ok && taskID != "" && !strings.Contains(taskID, "/") {
		s.handleUpdateStatus(w, r, taskID)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	vmID := strings.TrimSpace(r.URL.Query().Get("vm_id"))
	if vmID == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: vm_id")
		return
	}
	task, ok, err := s.store.ClaimNextTask(r.Context(), vmID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	observability.Default.IncCounter("tasks_claimed_total", map[string]string{"vm_id": vmID}, 1)
	writeJSON(w, http.StatusOK, queueapi.Task{
		ID:        task.ID,
		Code:      task.Code,
		Timeout:   task.Timeout,
		Timestamp: task.Timestamp,
		Priority:  task.Priority,
		ClientID:  task.ClientID,
	})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req queueapi.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid status: "+req.Status)
		return
	}
	err := s.store.UpdateStatus(r.Context(), taskID, req.Status, req.VMID)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Status updated"})
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req queueapi.SubmitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case strings.TrimSpace(req.ID) == "":
		writeError(w, http.StatusBadRequest, "missing required field: id")
		return
	case req.Success == nil:
		writeError(w, http.StatusBadRequest, "missing required field: success")
		return
	case req.Timestamp == "":
		writeError(w, http.StatusBadRequest, "missing required field: timestamp")
		return
	case req.Status == "":
		writeError(w, http.StatusBadRequest, "missing required field: status")
		return
	}
	if !validStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid status: "+req.Status)
		return
	}
	err := s.store.AddResult(r.Context(), state.ResultRecord{
		ID:            req.ID,
		TaskID:        req.ID,
		Success:       *req.Success,
		Output:        req.Output,
		Error:         req.Error,
		ExecutionTime: req.ExecutionTime,
		Timestamp:     req.Timestamp,
		Code:          req.Code,
		Status:        req.Status,
		VMID:          req.VMID,
		VMInfo:        req.VMInfo,
		SystemMetrics: req.SystemMetrics,
		Benchmarks:    req.Benchmarks,
	})
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observability.Default.IncCounter("results_reported_total", map[string]string{"status": req.Status}, 1)
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Result submitted successfully"})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/results/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	rec, ok, err := s.store.GetResult(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	res := queueapi.Result{
		ID:            rec.ID,
		Success:       rec.Success,
		Output:        rec.Output,
		Error:         rec.Error,
		ExecutionTime: rec.ExecutionTime,
		Timestamp:     rec.Timestamp,
		Code:          rec.Code,
		Status:        rec.Status,
		VMID:          rec.VMID,
		VMInfo:        rec.VMInfo,
		SystemMetrics: rec.SystemMetrics,
		Benchmarks:    rec.Benchmarks,
	}
	// video_data is derived, never stored: extract it fresh from the
	// captured output on every read.
	if payload, found := marker.Extract(rec.Output, marker.GIFOutput); found {
		res.VideoData = payload
	} else if payload, found := marker.Extract(rec.Output, marker.VideoOutput); found {
		res.VideoData = payload
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, queueapi.QueueStatusResponse{
		PendingTasks:     stats.PendingTasks,
		AssignedTasks:    stats.AssignedTasks,
		RunningTasks:     stats.RunningTasks,
		CompletedTasks:   stats.CompletedTasks,
		FailedTasks:      stats.FailedTasks,
		TimeoutTasks:     stats.TimeoutTasks,
		ActiveVMs:        stats.ActiveVMs,
		AvgExecutionTime: stats.AvgExecutionTime,
		QueueHealth:      "healthy",
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func validStatus(status string) bool {
	switch status {
	case state.StatusPending, state.StatusAssigned, state.StatusRunning,
		state.StatusCompleted, state.StatusFailed, state.StatusTimeout:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
