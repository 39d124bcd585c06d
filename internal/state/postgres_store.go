package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/codequeue/db/migrations"
)

// PostgresStore serves deployments where several broker replicas share
// one database. The claim relies on FOR UPDATE SKIP LOCKED instead of
// the single-connection serialization the sqlite backend uses.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) applyMigrations(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var count int
		if err := p.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, file).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		raw, err := fs.ReadFile(migrations.Files, file)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(raw)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, NOW())`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func listMigrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) AddTask(ctx context.Context, task TaskRecord) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Priority == 0 {
		task.Priority = 1
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tasks (id, code, timeout, timestamp, priority, client_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.Code, task.Timeout, task.Timestamp, task.Priority, task.ClientID,
		StatusPending, task.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateID
		}
		return fmt.Errorf("add task: %w", err)
	}
	return nil
}

func (p *PostgresStore) ClaimNextTask(ctx context.Context, vmID string) (TaskRecord, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`UPDATE tasks SET status = $1, vm_id = $2, assigned_at = $3
		 WHERE id = (
			SELECT id FROM tasks WHERE status = $4
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND status = $4
		 RETURNING id, code, timeout, timestamp, priority, client_id, created_at`,
		StatusAssigned, vmID, now, StatusPending)

	var t TaskRecord
	err = row.Scan(&t.ID, &t.Code, &t.Timeout, &t.Timestamp, &t.Priority, &t.ClientID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("claim task: %w", err)
	}
	t.Status = StatusAssigned
	t.VMID = vmID
	t.AssignedAt = now

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vm_status (vm_id, last_seen, status, created_at) VALUES ($1, $2, 'active', $2)
		 ON CONFLICT (vm_id) DO UPDATE SET last_seen = EXCLUDED.last_seen, status = 'active'`,
		vmID, now); err != nil {
		return TaskRecord{}, false, fmt.Errorf("record worker liveness: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TaskRecord{}, false, err
	}
	return t, true, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, taskID, status, vmID string) error {
	var res sql.Result
	var err error
	if vmID != "" {
		res, err = p.db.ExecContext(ctx, `UPDATE tasks SET status = $1, vm_id = $2 WHERE id = $3`, status, vmID, taskID)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, status, taskID)
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

func (p *PostgresStore) AddResult(ctx context.Context, result ResultRecord) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, result.TaskID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check task: %w", err)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results
		 (id, task_id, success, output, error, execution_time, timestamp, code, status, vm_id, vm_info, system_metrics, benchmarks, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (task_id) DO UPDATE SET
			id = EXCLUDED.id,
			success = EXCLUDED.success, output = EXCLUDED.output, error = EXCLUDED.error,
			execution_time = EXCLUDED.execution_time, timestamp = EXCLUDED.timestamp,
			code = EXCLUDED.code, status = EXCLUDED.status, vm_id = EXCLUDED.vm_id,
			vm_info = EXCLUDED.vm_info, system_metrics = EXCLUDED.system_metrics,
			benchmarks = EXCLUDED.benchmarks`,
		result.ID, result.TaskID, result.Success, result.Output, result.Error,
		result.ExecutionTime, result.Timestamp, result.Code, result.Status, result.VMID,
		marshalJSON(result.VMInfo), marshalJSON(result.SystemMetrics), marshalJSON(result.Benchmarks),
		result.CreatedAt); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = $1 WHERE id = $2`, result.Status, result.TaskID); err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, code, timeout, timestamp, priority, client_id, status,
		        COALESCE(vm_id, ''), COALESCE(assigned_at, 'epoch'::timestamptz), created_at
		 FROM tasks WHERE id = $1`, taskID)
	var t TaskRecord
	err := row.Scan(&t.ID, &t.Code, &t.Timeout, &t.Timestamp, &t.Priority, &t.ClientID,
		&t.Status, &t.VMID, &t.AssignedAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("get task: %w", err)
	}
	return t, true, nil
}

func (p *PostgresStore) GetResult(ctx context.Context, taskID string) (ResultRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, task_id, success, COALESCE(output, ''), COALESCE(error, ''),
		        COALESCE(execution_time, 0), timestamp, COALESCE(code, ''), status,
		        COALESCE(vm_id, ''), COALESCE(vm_info, ''), COALESCE(system_metrics, ''),
		        COALESCE(benchmarks, ''), created_at
		 FROM results WHERE task_id = $1`, taskID)
	var r ResultRecord
	var vmInfo, sysMetrics, benchmarks string
	err := row.Scan(&r.ID, &r.TaskID, &r.Success, &r.Output, &r.Error, &r.ExecutionTime,
		&r.Timestamp, &r.Code, &r.Status, &r.VMID, &vmInfo, &sysMetrics, &benchmarks, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ResultRecord{}, false, nil
	}
	if err != nil {
		return ResultRecord{}, false, fmt.Errorf("get result: %w", err)
	}
	r.VMInfo = unmarshalJSON(vmInfo)
	r.SystemMetrics = unmarshalJSON(sysMetrics)
	r.Benchmarks = unmarshalJSON(benchmarks)
	return r, true, nil
}

func (p *PostgresStore) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
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

	cutoff := time.Now().UTC().Add(-ActiveVMWindow)
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vm_status WHERE last_seen > $1`, cutoff).Scan(&stats.ActiveVMs); err != nil {
		return stats, err
	}
	var avg sql.NullFloat64
	if err := p.db.QueryRowContext(ctx,
		`SELECT AVG(execution_time) FROM results WHERE execution_time > 0`).Scan(&avg); err != nil {
		return stats, err
	}
	if avg.Valid {
		stats.AvgExecutionTime = avg.Float64
	}
	return stats, nil
}

func (p *PostgresStore) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.Add(-retention)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM results WHERE task_id IN (
			SELECT id FROM tasks WHERE status IN ('completed', 'failed', 'timeout') AND created_at < $1
		 )`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup results: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed', 'timeout') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vm_status WHERE last_seen < $1`, now.Add(-WorkerStalenessWindow)); err != nil {
		return 0, fmt.Errorf("cleanup vm_status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
