package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout keeps a fixed-width fraction so stored UTC
// timestamps compare correctly as strings.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the default durable backend: a single database file
// next to the broker. The connection pool is pinned to one connection
// so every operation, claim included, is serialized by the driver.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			timeout INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			priority INTEGER DEFAULT 1,
			client_id TEXT NOT NULL,
			status TEXT DEFAULT 'pending',
			vm_id TEXT,
			assigned_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			output TEXT,
			error TEXT,
			execution_time REAL,
			timestamp TEXT NOT NULL,
			code TEXT,
			status TEXT NOT NULL,
			vm_id TEXT,
			vm_info TEXT,
			system_metrics TEXT,
			benchmarks TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks (id)
		)`,
		`CREATE TABLE IF NOT EXISTS vm_status (
			vm_id TEXT PRIMARY KEY,
			last_seen TEXT NOT NULL,
			status TEXT DEFAULT 'active',
			info TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks (priority DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_results_task_id ON results (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vm_last_seen ON vm_status (last_seen)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) AddTask(ctx context.Context, task TaskRecord) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Priority == 0 {
		task.Priority = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, code, timeout, timestamp, priority, client_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Code, task.Timeout, task.Timestamp, task.Priority, task.ClientID,
		StatusPending, task.CreatedAt.Format(sqliteTimeLayout))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateID
		}
		return fmt.Errorf("add task: %w", err)
	}
	return nil
}

// ClaimNextTask is a single conditional UPDATE: the candidate row is
// picked by a subquery and the status guard re-checked in the same
// statement, so two claimers can never win the same row.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context, vmID string) (TaskRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, vm_id = ?, assigned_at = ?
		 WHERE id = (
			SELECT id FROM tasks WHERE status = ?
			ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1
		 ) AND status = ?
		 RETURNING id, code, timeout, timestamp, priority, client_id, created_at`,
		StatusAssigned, vmID, now.Format(sqliteTimeLayout), StatusPending, StatusPending)

	var t TaskRecord
	var createdAt string
	err = row.Scan(&t.ID, &t.Code, &t.Timeout, &t.Timestamp, &t.Priority, &t.ClientID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("claim task: %w", err)
	}
	t.Status = StatusAssigned
	t.VMID = vmID
	t.AssignedAt = now
	t.CreatedAt = parseStoredTime(createdAt)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vm_status (vm_id, last_seen, status, created_at) VALUES (?, ?, 'active', ?)
		 ON CONFLICT(vm_id) DO UPDATE SET last_seen = excluded.last_seen, status = 'active'`,
		vmID, now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout)); err != nil {
		return TaskRecord{}, false, fmt.Errorf("record worker liveness: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID, status, vmID string) error {
	var res sql.Result
	var err error
	if vmID != "" {
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, vm_id = ? WHERE id = ?`, status, vmID, taskID)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, taskID)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddResult upserts the result and flips the parent task's status in
// one transaction, so the pair never observably disagrees.
func (s *SQLiteStore) AddResult(ctx context.Context, result ResultRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, result.TaskID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check task: %w", err)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO results
		 (id, task_id, success, output, error, execution_time, timestamp, code, status, vm_id, vm_info, system_metrics, benchmarks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.TaskID, boolToInt(result.Success), result.Output, result.Error,
		result.ExecutionTime, result.Timestamp, result.Code, result.Status, result.VMID,
		marshalJSON(result.VMInfo), marshalJSON(result.SystemMetrics), marshalJSON(result.Benchmarks),
		result.CreatedAt.Format(sqliteTimeLayout)); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, result.Status, result.TaskID); err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, timeout, timestamp, priority, client_id, status,
		        COALESCE(vm_id, ''), COALESCE(assigned_at, ''), created_at
		 FROM tasks WHERE id = ?`, taskID)
	var t TaskRecord
	var assignedAt, createdAt string
	err := row.Scan(&t.ID, &t.Code, &t.Timeout, &t.Timestamp, &t.Priority, &t.ClientID,
		&t.Status, &t.VMID, &assignedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("get task: %w", err)
	}
	t.AssignedAt = parseStoredTime(assignedAt)
	t.CreatedAt = parseStoredTime(createdAt)
	return t, true, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (ResultRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, success, COALESCE(output, ''), COALESCE(error, ''),
		        COALESCE(execution_time, 0), timestamp, COALESCE(code, ''), status,
		        COALESCE(vm_id, ''), COALESCE(vm_info, ''), COALESCE(system_metrics, ''),
		        COALESCE(benchmarks, ''), created_at
		 FROM results WHERE task_id = ?`, taskID)
	var r ResultRecord
	var success int
	var vmInfo, sysMetrics, benchmarks, createdAt string
	err := row.Scan(&r.ID, &r.TaskID, &success, &r.Output, &r.Error, &r.ExecutionTime,
		&r.Timestamp, &r.Code, &r.Status, &r.VMID, &vmInfo, &sysMetrics, &benchmarks, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ResultRecord{}, false, nil
	}
	if err != nil {
		return ResultRecord{}, false, fmt.Errorf("get result: %w", err)
	}
	r.Success = success != 0
	r.VMInfo = unmarshalJSON(vmInfo)
	r.SystemMetrics = unmarshalJSON(sysMetrics)
	r.Benchmarks = unmarshalJSON(benchmarks)
	r.CreatedAt = parseStoredTime(createdAt)
	return r, true, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch status {
		case StatusPending:
			stats.PendingTasks = count
		case StatusAssigned:
			stats.AssignedTasks = count
		case StatusRunning:
			stats.RunningTasks = count
		case StatusCompleted:
			stats.CompletedTasks = count
		case StatusFailed:
			stats.FailedTasks = count
		case StatusTimeout:
			stats.TimeoutTasks = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	cutoff := time.Now().UTC().Add(-ActiveVMWindow).Format(sqliteTimeLayout)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vm_status WHERE last_seen > ?`, cutoff).Scan(&stats.ActiveVMs); err != nil {
		return stats, err
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(execution_time) FROM results WHERE execution_time > 0`).Scan(&avg); err != nil {
		return stats, err
	}
	if avg.Valid {
		stats.AvgExecutionTime = avg.Float64
	}
	return stats, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.Add(-retention).Format(sqliteTimeLayout)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM results WHERE task_id IN (
			SELECT id FROM tasks WHERE status IN ('completed', 'failed', 'timeout') AND created_at < ?
		 )`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup results: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed', 'timeout') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	staleCutoff := now.Add(-WorkerStalenessWindow).Format(sqliteTimeLayout)
	if _, err := tx.ExecContext(ctx, `DELETE FROM vm_status WHERE last_seen < ?`, staleCutoff); err != nil {
		return 0, fmt.Errorf("cleanup vm_status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalJSON(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func parseStoredTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
