package models

import (
	"time"
)

// ModelPrediction is one inference event. The validation fields are written
// exactly once, when the prediction horizon elapses and a matching market
// observation exists; re-validation is rejected at the store level.
type ModelPrediction struct {
	ID              string             `json:"id" db:"id"`
	ModelVersion    string             `json:"model_version" db:"model_version"`
	ModelType       string             `json:"model_type" db:"model_type"`
	Symbol          string             `json:"symbol" db:"symbol"`
	PredictedAt     time.Time          `json:"predicted_at" db:"predicted_at"`
	HorizonMinutes  int                `json:"horizon_minutes" db:"horizon_minutes"`
	Direction       string             `json:"direction" db:"direction"` // "up" or "down"
	Confidence      float64            `json:"confidence" db:"confidence"`
	Features        map[string]float64 `json:"features" db:"features"`
	ValidatedAt     *time.Time         `json:"validated_at,omitempty" db:"validated_at"`
	ActualDirection *string            `json:"actual_direction,omitempty" db:"actual_direction"`
	ActualReturn    *float64           `json:"actual_return,omitempty" db:"actual_return"`
	WasAccurate     *bool              `json:"was_accurate,omitempty" db:"was_accurate"`
}

// Horizon returns the prediction horizon as a duration.
func (p *ModelPrediction) Horizon() time.Duration {
	return time.Duration(p.HorizonMinutes) * time.Minute
}

// DueAt returns the time at which the prediction becomes validatable.
func (p *ModelPrediction) DueAt() time.Time {
	return p.PredictedAt.Add(p.Horizon())
}

// IsValidated reports whether the outcome has already been recorded.
func (p *ModelPrediction) IsValidated() bool {
	return p.ValidatedAt != nil
}
