// Package executor runs submitted code in a subprocess with a
// wall-clock timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Result of one execution. TimedOut implies the process was killed at
// the deadline; ExitCode is meaningless in that case.
type Result struct {
	Stdout        string
	Stderr        string
	ExitCode      int
	TimedOut      bool
	ExecutionTime float64
}

// Sandbox executes an opaque code blob. The timeout is the task's own
// wall-clock budget, not a transport deadline.
type Sandbox interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (Result, error)
}

// Subprocess writes the code to a temp file and runs it under the
// configured interpreter. It is the only sandbox the poller ships;
// isolation beyond a separate process is out of scope here.
type Subprocess struct {
	Interpreter string
	WorkDir     string
}

func NewSubprocess(interpreter, workDir string) *Subprocess {
	if interpreter == "" {
		interpreter = "python3"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Subprocess{Interpreter: interpreter, WorkDir: workDir}
}

func (s *Subprocess) Execute(ctx context.Context, code string, timeout time.Duration) (Result, error) {
	script, err := os.CreateTemp(s.WorkDir, "task-*.py")
	if err != nil {
		return Result{}, fmt.Errorf("create script file: %w", err)
	}
	path := script.Name()
	defer func() { _ = os.Remove(path) }()
	if _, err := script.WriteString(code); err != nil {
		_ = script.Close()
		return Result{}, fmt.Errorf("write script file: %w", err)
	}
	if err := script.Close(); err != nil {
		return Result{}, fmt.Errorf("close script file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Interpreter, path)
	cmd.Dir = s.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started).Seconds()

	res := Result{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExecutionTime: elapsed,
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// Interpreter missing, work dir unwritable and the like are
		// sandbox failures, not task failures.
		return Result{}, fmt.Errorf("run %s: %w", filepath.Base(s.Interpreter), runErr)
	}
	return res, nil
}
