package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradepilot/engine/internal/models"
)

// ModelVersionRepository tracks trained model artifacts and their evaluation
// rollups through the staged → production → retired lifecycle.
type ModelVersionRepository struct {
	pool DatabasePool
}

func NewModelVersionRepository(pool DatabasePool) *ModelVersionRepository {
	return &ModelVersionRepository{pool: pool}
}

const modelVersionColumns = `id, model_type, version, artifact_ref, status,
		created_at, promoted_at, retired_at`

// Create registers a new staged model version.
func (r *ModelVersionRepository) Create(ctx context.Context, mv models.ModelVersion) error {
	query := `
		INSERT INTO model_versions
			(id, model_type, version, artifact_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		mv.ID, mv.ModelType, mv.Version, mv.ArtifactRef, string(mv.Status), mv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create model version: %w", err)
	}

	return nil
}

// CurrentProduction returns the production version for a model type, or
// (nil, nil) when none exists yet.
func (r *ModelVersionRepository) CurrentProduction(ctx context.Context, modelType string) (*models.ModelVersion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM model_versions
		WHERE model_type = $1 AND status = 'production'
		ORDER BY promoted_at DESC
		LIMIT 1
	`, modelVersionColumns)

	mv, err := scanModelVersion(r.pool.QueryRow(ctx, query, modelType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get production model for %s: %w", modelType, err)
	}

	return mv, nil
}

// PreviousProduction returns the most recently retired version that once ran
// in production, the rollback target. (nil, nil) when there is none.
func (r *ModelVersionRepository) PreviousProduction(ctx context.Context, modelType string) (*models.ModelVersion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM model_versions
		WHERE model_type = $1 AND status = 'retired' AND promoted_at IS NOT NULL
		ORDER BY retired_at DESC
		LIMIT 1
	`, modelVersionColumns)

	mv, err := scanModelVersion(r.pool.QueryRow(ctx, query, modelType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get previous production model for %s: %w", modelType, err)
	}

	return mv, nil
}

// GetByVersion returns one version record, (nil, nil) when absent.
func (r *ModelVersionRepository) GetByVersion(ctx context.Context, modelType, version string) (*models.ModelVersion, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM model_versions
		WHERE model_type = $1 AND version = $2
	`, modelVersionColumns)

	mv, err := scanModelVersion(r.pool.QueryRow(ctx, query, modelType, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get model version %s: %w", version, err)
	}

	return mv, nil
}

// Promote marks a version as production, stamping promoted_at.
func (r *ModelVersionRepository) Promote(ctx context.Context, modelType, version string, at time.Time) error {
	query := `
		UPDATE model_versions
		SET status = 'production', promoted_at = $3, retired_at = NULL
		WHERE model_type = $1 AND version = $2
	`

	result, err := r.pool.Exec(ctx, query, modelType, version, at)
	if err != nil {
		return fmt.Errorf("failed to promote model version %s: %w", version, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("model version %s/%s not found", modelType, version)
	}

	return nil
}

// Retire marks a version as retired, stamping retired_at.
func (r *ModelVersionRepository) Retire(ctx context.Context, modelType, version string, at time.Time) error {
	query := `
		UPDATE model_versions
		SET status = 'retired', retired_at = $3
		WHERE model_type = $1 AND version = $2
	`

	result, err := r.pool.Exec(ctx, query, modelType, version, at)
	if err != nil {
		return fmt.Errorf("failed to retire model version %s: %w", version, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("model version %s/%s not found", modelType, version)
	}

	return nil
}

// SavePerformance upserts the evaluation rollup for a model version.
func (r *ModelVersionRepository) SavePerformance(ctx context.Context, p models.ModelPerformance) error {
	query := `
		INSERT INTO model_performance
			(model_version, model_type, accuracy, precision_score, recall, f1, auc,
			 sharpe, win_rate, sample_count, trained_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (model_version) DO UPDATE SET
			accuracy = EXCLUDED.accuracy, precision_score = EXCLUDED.precision_score,
			recall = EXCLUDED.recall, f1 = EXCLUDED.f1, auc = EXCLUDED.auc,
			sharpe = EXCLUDED.sharpe, win_rate = EXCLUDED.win_rate,
			sample_count = EXCLUDED.sample_count, trained_at = EXCLUDED.trained_at
	`

	_, err := r.pool.Exec(ctx, query,
		p.ModelVersion, p.ModelType, p.Accuracy, p.Precision, p.Recall,
		p.F1, p.AUC, p.Sharpe, p.WinRate, p.SampleCount, p.TrainedAt)
	if err != nil {
		return fmt.Errorf("failed to save model performance: %w", err)
	}

	return nil
}

// BaselineAccuracy returns the evaluation accuracy recorded when the version
// was trained, the reference point for drift detection. Zero when missing.
func (r *ModelVersionRepository) BaselineAccuracy(ctx context.Context, version string) (float64, error) {
	query := `SELECT accuracy FROM model_performance WHERE model_version = $1`

	var accuracy float64
	err := r.pool.QueryRow(ctx, query, version).Scan(&accuracy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get baseline accuracy for %s: %w", version, err)
	}

	return accuracy, nil
}

func scanModelVersion(row interface{ Scan(dest ...any) error }) (*models.ModelVersion, error) {
	var mv models.ModelVersion
	var status string
	err := row.Scan(
		&mv.ID, &mv.ModelType, &mv.Version, &mv.ArtifactRef, &status,
		&mv.CreatedAt, &mv.PromotedAt, &mv.RetiredAt,
	)
	if err != nil {
		return nil, err
	}
	mv.Status = models.ModelVersionStatus(status)
	return &mv, nil
}
