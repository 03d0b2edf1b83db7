package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tradepilot/engine/internal/models"
)

// QueueRepository handles the optimization queue. Claims are optimistic: a
// task is taken by flipping its status to running in a single conditional
// UPDATE, so no two workers ever hold the same task.
type QueueRepository struct {
	pool DatabasePool
}

func NewQueueRepository(pool DatabasePool) *QueueRepository {
	return &QueueRepository{pool: pool}
}

const taskColumns = `id, task_type, component_id, frequency, priority, config,
		next_run_at, last_run_at, status, last_result, last_error,
		consecutive_failures, enabled, updated_at`

// DueTasks returns enabled tasks whose next run time has passed, most urgent
// first. Running tasks are excluded; completed and failed recurring tasks
// become due again once their next_run_at arrives.
func (r *QueueRepository) DueTasks(ctx context.Context, asOf time.Time, limit int) ([]models.OptimizationTask, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM optimization_queue
		WHERE enabled = true AND status <> 'running' AND next_run_at <= $1
		ORDER BY priority ASC, next_run_at ASC
		LIMIT $2
	`, taskColumns)

	rows, err := r.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.OptimizationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due tasks: %w", err)
	}

	return tasks, nil
}

// List returns queue items for inspection, most urgent first.
func (r *QueueRepository) List(ctx context.Context, limit int) ([]models.OptimizationTask, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM optimization_queue
		ORDER BY priority ASC, next_run_at ASC
		LIMIT $1
	`, taskColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.OptimizationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// Claim atomically flips a task to running. Returns ErrTaskNotClaimed when
// the task was already running (or vanished).
func (r *QueueRepository) Claim(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE optimization_queue
		SET status = 'running', last_run_at = $2, updated_at = $2
		WHERE id = $1 AND enabled = true AND status <> 'running'
	`

	result, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return ErrTaskNotClaimed
	}

	return nil
}

// Complete records a successful run, clears the failure counter and schedules
// the next occurrence. The running→completed transition is exclusive.
func (r *QueueRepository) Complete(ctx context.Context, id string, result map[string]any, nextRun, at time.Time) error {
	query := `
		UPDATE optimization_queue
		SET status = 'completed', last_result = $2, last_error = NULL,
			consecutive_failures = 0, next_run_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'running'
	`

	tag, err := r.pool.Exec(ctx, query, id, result, nextRun, at)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotClaimed
	}

	return nil
}

// Fail records a failed run, increments the consecutive-failure counter and
// disables the task once the counter reaches maxFailures. It returns the new
// counter value and whether the task is still enabled.
func (r *QueueRepository) Fail(ctx context.Context, id, errMsg string, nextRun, at time.Time, maxFailures int) (int, bool, error) {
	query := `
		UPDATE optimization_queue
		SET status = 'failed', last_error = $2,
			consecutive_failures = consecutive_failures + 1,
			enabled = (consecutive_failures + 1 < $3),
			next_run_at = $4, updated_at = $5
		WHERE id = $1 AND status = 'running'
		RETURNING consecutive_failures, enabled
	`

	var failures int
	var enabled bool
	err := r.pool.QueryRow(ctx, query, id, errMsg, maxFailures, nextRun, at).Scan(&failures, &enabled)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record task failure for %s: %w", id, err)
	}

	return failures, enabled, nil
}

// HasScheduled reports whether a task of the given type is already pending or
// running for the component. Used to keep enqueueing idempotent.
func (r *QueueRepository) HasScheduled(ctx context.Context, taskType models.OptimizationType, componentID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM optimization_queue
			WHERE task_type = $1 AND component_id = $2
			AND enabled = true AND status IN ('pending', 'running')
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, string(taskType), componentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check scheduled tasks: %w", err)
	}

	return exists, nil
}

// Enqueue inserts a new pending task.
func (r *QueueRepository) Enqueue(ctx context.Context, task models.OptimizationTask) error {
	query := `
		INSERT INTO optimization_queue
			(id, task_type, component_id, frequency, priority, config,
			 next_run_at, status, consecutive_failures, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, true, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		task.ID, string(task.Type), task.ComponentID, string(task.Frequency),
		task.Priority, task.Config, task.NextRunAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

// RequeueStale treats tasks stuck in running since before the cutoff as
// failed and makes them due immediately. This recovers tasks orphaned by a
// shutdown mid-run.
func (r *QueueRepository) RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	query := `
		UPDATE optimization_queue
		SET status = 'failed', last_error = 'stale running task requeued',
			consecutive_failures = consecutive_failures + 1,
			next_run_at = $2, updated_at = $2
		WHERE status = 'running' AND updated_at < $1
	`

	result, err := r.pool.Exec(ctx, query, cutoff, at)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale tasks: %w", err)
	}

	return result.RowsAffected(), nil
}

// SetEnabled re-enables (or disables) a task manually.
func (r *QueueRepository) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	query := `
		UPDATE optimization_queue
		SET enabled = $2, consecutive_failures = 0, updated_at = $3
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, id, enabled, at)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("task %s not found", id)
	}

	return nil
}

func scanTask(row interface{ Scan(dest ...any) error }) (models.OptimizationTask, error) {
	var task models.OptimizationTask
	var taskType, frequency, status string
	err := row.Scan(
		&task.ID,
		&taskType,
		&task.ComponentID,
		&frequency,
		&task.Priority,
		&task.Config,
		&task.NextRunAt,
		&task.LastRunAt,
		&status,
		&task.LastResult,
		&task.LastError,
		&task.ConsecutiveFailures,
		&task.Enabled,
		&task.UpdatedAt,
	)
	if err != nil {
		return task, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Type = models.OptimizationType(taskType)
	task.Frequency = models.Frequency(frequency)
	task.Status = models.TaskStatus(status)
	return task, nil
}
