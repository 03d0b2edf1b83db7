package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradepilot/engine/internal/models"
)

// ABTestRepository stores experiments. Terminal rows are immutable: every
// mutation is guarded by status = 'running', and a no-op update surfaces as
// ErrTestConcluded.
type ABTestRepository struct {
	pool DatabasePool
}

func NewABTestRepository(pool DatabasePool) *ABTestRepository {
	return &ABTestRepository{pool: pool}
}

const abTestColumns = `id, name, model_type, control_version, treatment_version,
		control_traffic_pct, treatment_traffic_pct, started_at, duration_seconds,
		success_metric, min_improvement_pct, control_metrics, treatment_metrics,
		status, conclusion, ended_at`

// Create inserts a new running experiment.
func (r *ABTestRepository) Create(ctx context.Context, t models.ABTest) error {
	query := `
		INSERT INTO ab_tests
			(id, name, model_type, control_version, treatment_version,
			 control_traffic_pct, treatment_traffic_pct, started_at,
			 duration_seconds, success_metric, min_improvement_pct,
			 control_metrics, treatment_metrics, status, conclusion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'running', '')
	`

	_, err := r.pool.Exec(ctx, query,
		t.ID, t.Name, t.ModelType, t.ControlVersion, t.TreatmentVersion,
		t.ControlTrafficPct, t.TreatmentTrafficPct, t.StartedAt,
		int64(t.Duration.Seconds()), t.SuccessMetric, t.MinImprovementPct,
		t.ControlMetrics, t.TreatmentMetrics)
	if err != nil {
		return fmt.Errorf("failed to create ab test: %w", err)
	}

	return nil
}

// Get returns one experiment by id, (nil, nil) when absent.
func (r *ABTestRepository) Get(ctx context.Context, id string) (*models.ABTest, error) {
	query := fmt.Sprintf(`SELECT %s FROM ab_tests WHERE id = $1`, abTestColumns)

	t, err := scanABTest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ab test %s: %w", id, err)
	}

	return t, nil
}

// ListRunning returns all running experiments, oldest first.
func (r *ABTestRepository) ListRunning(ctx context.Context) ([]models.ABTest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM ab_tests
		WHERE status = 'running'
		ORDER BY started_at ASC
	`, abTestColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query running ab tests: %w", err)
	}
	defer rows.Close()

	return collectABTests(rows)
}

// List returns the newest experiments regardless of state.
func (r *ABTestRepository) List(ctx context.Context, limit int) ([]models.ABTest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM ab_tests
		ORDER BY started_at DESC
		LIMIT $1
	`, abTestColumns)

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ab tests: %w", err)
	}
	defer rows.Close()

	return collectABTests(rows)
}

// HasRunningForModelType reports whether any experiment is currently running
// for a model type. One experiment per model type at a time.
func (r *ABTestRepository) HasRunningForModelType(ctx context.Context, modelType string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM ab_tests WHERE model_type = $1 AND status = 'running')`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, modelType).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check running ab tests: %w", err)
	}

	return exists, nil
}

// UpdateMetrics refreshes the variant snapshots of a running experiment.
func (r *ABTestRepository) UpdateMetrics(ctx context.Context, id string, control, treatment models.VariantMetrics) error {
	query := `
		UPDATE ab_tests
		SET control_metrics = $2, treatment_metrics = $3
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.pool.Exec(ctx, query, id, control, treatment)
	if err != nil {
		return fmt.Errorf("failed to update ab test metrics for %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return ErrTestConcluded
	}

	return nil
}

// Conclude moves a running experiment to a terminal state with its final
// metric snapshots. A second conclusion attempt returns ErrTestConcluded.
func (r *ABTestRepository) Conclude(ctx context.Context, id string, status models.ABTestStatus, conclusion string, control, treatment models.VariantMetrics, endedAt time.Time) error {
	query := `
		UPDATE ab_tests
		SET status = $2, conclusion = $3, control_metrics = $4,
			treatment_metrics = $5, ended_at = $6
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.pool.Exec(ctx, query, id, string(status), conclusion, control, treatment, endedAt)
	if err != nil {
		return fmt.Errorf("failed to conclude ab test %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return ErrTestConcluded
	}

	return nil
}

func collectABTests(rows pgx.Rows) ([]models.ABTest, error) {
	var tests []models.ABTest
	for rows.Next() {
		t, err := scanABTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ab tests: %w", err)
	}

	return tests, nil
}

func scanABTest(row interface{ Scan(dest ...any) error }) (*models.ABTest, error) {
	var t models.ABTest
	var status string
	var durationSeconds int64
	err := row.Scan(
		&t.ID, &t.Name, &t.ModelType, &t.ControlVersion, &t.TreatmentVersion,
		&t.ControlTrafficPct, &t.TreatmentTrafficPct, &t.StartedAt, &durationSeconds,
		&t.SuccessMetric, &t.MinImprovementPct, &t.ControlMetrics, &t.TreatmentMetrics,
		&status, &t.Conclusion, &t.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = models.ABTestStatus(status)
	t.Duration = time.Duration(durationSeconds) * time.Second
	return &t, nil
}
