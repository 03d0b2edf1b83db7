package models

import (
	"time"
)

// StrategyPerformance is a periodic rollup for one strategy, upserted by the
// analysis routines and keyed by (strategy, period start).
type StrategyPerformance struct {
	StrategyID  string    `json:"strategy_id" db:"strategy_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`
	TotalTrades int       `json:"total_trades" db:"total_trades"`
	WinRate     float64   `json:"win_rate" db:"win_rate"`
	NetPnL      float64   `json:"net_pnl" db:"net_pnl"`
	Sharpe      float64   `json:"sharpe" db:"sharpe"`
	MaxDrawdown float64   `json:"max_drawdown" db:"max_drawdown"`
	Volatility  float64   `json:"volatility" db:"volatility"`
}

// ModelPerformance is the evaluation rollup for one trained model version.
type ModelPerformance struct {
	ModelVersion string    `json:"model_version" db:"model_version"`
	ModelType    string    `json:"model_type" db:"model_type"`
	Accuracy     float64   `json:"accuracy" db:"accuracy"`
	Precision    float64   `json:"precision" db:"precision_score"`
	Recall       float64   `json:"recall" db:"recall"`
	F1           float64   `json:"f1" db:"f1"`
	AUC          float64   `json:"auc" db:"auc"`
	Sharpe       float64   `json:"sharpe" db:"sharpe"`
	WinRate      float64   `json:"win_rate" db:"win_rate"`
	SampleCount  int       `json:"sample_count" db:"sample_count"`
	TrainedAt    time.Time `json:"trained_at" db:"trained_at"`
}

// ModelVersionStatus tracks a model artifact through its lifecycle.
type ModelVersionStatus string

const (
	ModelStaged     ModelVersionStatus = "staged"
	ModelProduction ModelVersionStatus = "production"
	ModelRetired    ModelVersionStatus = "retired"
)

// ModelVersion is one trained model artifact reference.
type ModelVersion struct {
	ID          string             `json:"id" db:"id"`
	ModelType   string             `json:"model_type" db:"model_type"`
	Version     string             `json:"version" db:"version"`
	ArtifactRef string             `json:"artifact_ref" db:"artifact_ref"`
	Status      ModelVersionStatus `json:"status" db:"status"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	PromotedAt  *time.Time         `json:"promoted_at,omitempty" db:"promoted_at"`
	RetiredAt   *time.Time         `json:"retired_at,omitempty" db:"retired_at"`
}
