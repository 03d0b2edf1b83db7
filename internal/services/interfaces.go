package services

import (
	"context"
	"time"

	"github.com/tradepilot/engine/internal/database"
	"github.com/tradepilot/engine/internal/models"
)

// The services depend on narrow store interfaces rather than the concrete
// repositories so tests can swap in fakes without a database.

type QueueStore interface {
	DueTasks(ctx context.Context, asOf time.Time, limit int) ([]models.OptimizationTask, error)
	Claim(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, result map[string]any, nextRun, at time.Time) error
	Fail(ctx context.Context, id, errMsg string, nextRun, at time.Time, maxFailures int) (int, bool, error)
	HasScheduled(ctx context.Context, taskType models.OptimizationType, componentID string) (bool, error)
	Enqueue(ctx context.Context, task models.OptimizationTask) error
	RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error)
}

type PredictionStore interface {
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]models.ModelPrediction, error)
	MarkValidated(ctx context.Context, id, actualDirection string, actualReturn float64, accurate bool, at time.Time) error
	FeatureSamples(ctx context.Context, modelType string, limit int) ([]models.ModelPrediction, error)
	AccuracyForVersion(ctx context.Context, version string, since time.Time) (float64, int, error)
}

type TradeStore interface {
	StrategyStatsBetween(ctx context.Context, from, to time.Time) ([]models.StrategyStats, error)
	DailySeriesSince(ctx context.Context, since time.Time) ([]database.StrategyDailySeries, error)
	ListCompleted(ctx context.Context, strategyID string, from, to time.Time, limit int) ([]models.TradeOutcome, error)
	ListByModelVersion(ctx context.Context, version string, since time.Time) ([]models.TradeOutcome, error)
}

type MarketStore interface {
	SnapshotAt(ctx context.Context, symbol string, ts time.Time, tolerance time.Duration) (*models.MarketCondition, error)
	RecentSnapshots(ctx context.Context, symbol string, before time.Time, limit int) ([]models.MarketCondition, error)
}

type EventStore interface {
	Append(ctx context.Context, ev models.ImprovementEvent) error
	ExistsOn(ctx context.Context, eventType string, ts time.Time) (bool, error)
}

type ABTestStore interface {
	Create(ctx context.Context, t models.ABTest) error
	ListRunning(ctx context.Context) ([]models.ABTest, error)
	HasRunningForModelType(ctx context.Context, modelType string) (bool, error)
	UpdateMetrics(ctx context.Context, id string, control, treatment models.VariantMetrics) error
	Conclude(ctx context.Context, id string, status models.ABTestStatus, conclusion string, control, treatment models.VariantMetrics, endedAt time.Time) error
}

type ModelVersionStore interface {
	Create(ctx context.Context, mv models.ModelVersion) error
	CurrentProduction(ctx context.Context, modelType string) (*models.ModelVersion, error)
	PreviousProduction(ctx context.Context, modelType string) (*models.ModelVersion, error)
	GetByVersion(ctx context.Context, modelType, version string) (*models.ModelVersion, error)
	Promote(ctx context.Context, modelType, version string, at time.Time) error
	Retire(ctx context.Context, modelType, version string, at time.Time) error
	SavePerformance(ctx context.Context, p models.ModelPerformance) error
	BaselineAccuracy(ctx context.Context, version string) (float64, error)
}

// StatsCache is the Redis-backed fast path for repeated reads. All methods
// are advisory; a failing cache never blocks a cycle.
type StatsCache interface {
	GetStrategyStats(ctx context.Context) ([]models.StrategyStats, error)
	SetStrategyStats(ctx context.Context, stats []models.StrategyStats) error
	SummarySentOn(ctx context.Context, day time.Time) (bool, error)
	MarkSummarySent(ctx context.Context, day time.Time) error
}
