package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tradepilot/engine/internal/models"
)

// PredictionRepository stores model predictions and their validation outcomes.
type PredictionRepository struct {
	pool DatabasePool
}

func NewPredictionRepository(pool DatabasePool) *PredictionRepository {
	return &PredictionRepository{pool: pool}
}

const predictionColumns = `id, model_version, model_type, symbol, predicted_at,
		horizon_minutes, direction, confidence, features,
		validated_at, actual_direction, actual_return, was_accurate`

// Insert records a new prediction.
func (r *PredictionRepository) Insert(ctx context.Context, p models.ModelPrediction) error {
	query := `
		INSERT INTO model_predictions
			(id, model_version, model_type, symbol, predicted_at,
			 horizon_minutes, direction, confidence, features)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.ModelVersion, p.ModelType, p.Symbol, p.PredictedAt,
		p.HorizonMinutes, p.Direction, p.Confidence, p.Features)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}

	return nil
}

// ListDue returns unvalidated predictions whose horizon has elapsed, oldest
// first.
func (r *PredictionRepository) ListDue(ctx context.Context, asOf time.Time, limit int) ([]models.ModelPrediction, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM model_predictions
		WHERE validated_at IS NULL
		AND predicted_at + make_interval(mins => horizon_minutes) <= $1
		ORDER BY predicted_at ASC
		LIMIT $2
	`, predictionColumns)

	rows, err := r.pool.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due predictions: %w", err)
	}
	defer rows.Close()

	var predictions []models.ModelPrediction
	for rows.Next() {
		var p models.ModelPrediction
		err := rows.Scan(
			&p.ID, &p.ModelVersion, &p.ModelType, &p.Symbol, &p.PredictedAt,
			&p.HorizonMinutes, &p.Direction, &p.Confidence, &p.Features,
			&p.ValidatedAt, &p.ActualDirection, &p.ActualReturn, &p.WasAccurate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating predictions: %w", err)
	}

	return predictions, nil
}

// MarkValidated writes the outcome of a prediction. The validated_at IS NULL
// guard makes validation happen at most once; a second attempt returns
// ErrAlreadyValidated.
func (r *PredictionRepository) MarkValidated(ctx context.Context, id, actualDirection string, actualReturn float64, accurate bool, at time.Time) error {
	query := `
		UPDATE model_predictions
		SET validated_at = $2, actual_direction = $3,
			actual_return = $4, was_accurate = $5
		WHERE id = $1 AND validated_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id, at, actualDirection, actualReturn, accurate)
	if err != nil {
		return fmt.Errorf("failed to validate prediction %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyValidated
	}

	return nil
}

// FeatureSamples returns validated predictions for a model type, newest
// first, capped at limit. These feed feature selection and retraining.
func (r *PredictionRepository) FeatureSamples(ctx context.Context, modelType string, limit int) ([]models.ModelPrediction, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM model_predictions
		WHERE model_type = $1 AND validated_at IS NOT NULL
		ORDER BY predicted_at DESC
		LIMIT $2
	`, predictionColumns)

	rows, err := r.pool.Query(ctx, query, modelType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query validated predictions: %w", err)
	}
	defer rows.Close()

	var predictions []models.ModelPrediction
	for rows.Next() {
		var p models.ModelPrediction
		err := rows.Scan(
			&p.ID, &p.ModelVersion, &p.ModelType, &p.Symbol, &p.PredictedAt,
			&p.HorizonMinutes, &p.Direction, &p.Confidence, &p.Features,
			&p.ValidatedAt, &p.ActualDirection, &p.ActualReturn, &p.WasAccurate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating predictions: %w", err)
	}

	return predictions, nil
}

// AccuracyForVersion returns the rolling accuracy and sample count for one
// model version over validated predictions since the cutoff. An empty version
// aggregates across all versions.
func (r *PredictionRepository) AccuracyForVersion(ctx context.Context, version string, since time.Time) (float64, int, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE was_accurate), COUNT(*)
		FROM model_predictions
		WHERE ($1 = '' OR model_version = $1)
		  AND validated_at IS NOT NULL AND validated_at >= $2
	`

	var accurate, total int
	if err := r.pool.QueryRow(ctx, query, version, since).Scan(&accurate, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to compute accuracy for %s: %w", version, err)
	}
	if total == 0 {
		return 0, 0, nil
	}

	return float64(accurate) / float64(total), total, nil
}
