package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/engine/internal/models"
)

type engineFixture struct {
	engine      *Engine
	queue       *fakeQueue
	predictions *fakePredictions
	market      *fakeMarket
	events      *fakeEvents
	notifier    *recordingNotifier
	clock       *time.Time
}

func newEngineFixture(now time.Time) *engineFixture {
	queue := newFakeQueue()
	predictions := &fakePredictions{}
	market := &fakeMarket{}
	events := &fakeEvents{}
	trades := &fakeTrades{}
	cache := newFakeCache()
	notifier := &recordingNotifier{}
	versions := newFakeVersions()
	abtests := newFakeABTests()
	logger := quietLogger()

	clock := now
	clockFn := func() time.Time { return clock }

	analyzer := NewPerformanceAnalyzer(testImprovementConfig(), trades, predictions, queue, events, cache, notifier, logger)
	analyzer.now = clockFn
	optimizer := NewOptimizer(testOptimizerConfig(), trades, predictions, logger)
	optimizer.now = clockFn
	experiments := NewExperimentManager(testABTestConfig(), abtests, trades, events, notifier, nil, logger)
	experiments.now = clockFn
	trainer := NewModelTrainer(testTrainerConfig(), testImprovementConfig(), predictions, versions, market, events, notifier, experiments, logger)
	trainer.now = clockFn
	experiments.SetPromoter(trainer)

	engine := NewEngine(testImprovementConfig(), queue, predictions, market, events,
		analyzer, optimizer, trainer, experiments, notifier, logger)
	engine.now = clockFn

	return &engineFixture{
		engine:      engine,
		queue:       queue,
		predictions: predictions,
		market:      market,
		events:      events,
		notifier:    notifier,
		clock:       &clock,
	}
}

func TestEngineDisablesTaskAfterConsecutiveFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(now)
	ctx := context.Background()

	// A task type the dispatcher does not know fails on every run.
	require.NoError(t, f.queue.Enqueue(ctx, models.OptimizationTask{
		ID:          "bad-task",
		Type:        models.OptimizationType("bogus"),
		ComponentID: "momentum",
		Frequency:   models.FrequencyMinute,
		Priority:    1,
		NextRunAt:   now,
		Status:      models.TaskPending,
		Enabled:     true,
		UpdatedAt:   now,
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.RunCycle(ctx))
		*f.clock = f.clock.Add(2 * time.Minute)
	}

	task := f.queue.get("bad-task")
	assert.False(t, task.Enabled)
	assert.Equal(t, 3, task.ConsecutiveFailures)

	// Exactly one critical alert and one disable event, on the third failure.
	assert.Len(t, f.notifier.bySeverity(SeverityCritical), 1)
	assert.Len(t, f.events.byType(models.EventTaskDisabled), 1)

	// A further cycle leaves the disabled task alone.
	require.NoError(t, f.engine.RunCycle(ctx))
	assert.Len(t, f.notifier.bySeverity(SeverityCritical), 1)
}

func TestEngineValidatesMaturedPredictions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(now)
	ctx := context.Background()

	predictedAt := now.Add(-2 * time.Hour)
	f.predictions.predictions = append(f.predictions.predictions,
		models.ModelPrediction{
			ID: "p-up", ModelVersion: "v1", ModelType: "direction", Symbol: "BTC/USDT",
			PredictedAt: predictedAt, HorizonMinutes: 60, Direction: "up", Confidence: 0.8,
		},
		models.ModelPrediction{
			ID: "p-down", ModelVersion: "v1", ModelType: "direction", Symbol: "BTC/USDT",
			PredictedAt: predictedAt, HorizonMinutes: 60, Direction: "down", Confidence: 0.7,
		},
		// Not matured yet: horizon ends in the future.
		models.ModelPrediction{
			ID: "p-young", ModelVersion: "v1", ModelType: "direction", Symbol: "BTC/USDT",
			PredictedAt: now.Add(-10 * time.Minute), HorizonMinutes: 60, Direction: "up",
		},
	)
	f.market.snapshots = append(f.market.snapshots,
		models.MarketCondition{Symbol: "BTC/USDT", Timestamp: predictedAt, Close: decimal.NewFromInt(50000)},
		models.MarketCondition{Symbol: "BTC/USDT", Timestamp: predictedAt.Add(time.Hour), Close: decimal.NewFromInt(51000)},
	)

	require.NoError(t, f.engine.RunCycle(ctx))

	validated := 0
	for i := range f.predictions.predictions {
		p := &f.predictions.predictions[i]
		switch p.ID {
		case "p-up":
			require.NotNil(t, p.ValidatedAt)
			assert.Equal(t, "up", *p.ActualDirection)
			assert.InDelta(t, 0.02, *p.ActualReturn, 1e-9)
			assert.True(t, *p.WasAccurate)
			validated++
		case "p-down":
			require.NotNil(t, p.ValidatedAt)
			assert.False(t, *p.WasAccurate)
			validated++
		case "p-young":
			assert.Nil(t, p.ValidatedAt)
		}
	}
	assert.Equal(t, 2, validated)
}

func TestEngineDefersPredictionsWithoutSnapshots(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(now)
	ctx := context.Background()

	f.predictions.predictions = append(f.predictions.predictions, models.ModelPrediction{
		ID: "p-orphan", ModelVersion: "v1", ModelType: "direction", Symbol: "ETH/USDT",
		PredictedAt: now.Add(-2 * time.Hour), HorizonMinutes: 60, Direction: "up",
	})

	require.NoError(t, f.engine.RunCycle(ctx))
	assert.Nil(t, f.predictions.predictions[0].ValidatedAt)
}

func TestEngineSeedDefaultTasksIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(now)
	ctx := context.Background()

	require.NoError(t, f.engine.SeedDefaultTasks(ctx))
	require.NoError(t, f.engine.SeedDefaultTasks(ctx))

	// One weights task plus retrain, feature selection and threshold tuning
	// per model type.
	expected := 1 + 3*len(defaultModelTypes)
	due, err := f.queue.DueTasks(ctx, now, 100)
	require.NoError(t, err)
	assert.Len(t, due, expected)
}

func TestEngineRequeuesStaleRunningTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(now)
	ctx := context.Background()

	stale := now.Add(-3 * time.Hour)
	require.NoError(t, f.queue.Enqueue(ctx, models.OptimizationTask{
		ID:          "stuck",
		Type:        models.OptimizationStrategyWeights,
		ComponentID: "portfolio",
		Frequency:   models.FrequencyDaily,
		Priority:    3,
		NextRunAt:   stale,
		Status:      models.TaskRunning,
		Enabled:     true,
		UpdatedAt:   stale,
	}))

	require.NoError(t, f.engine.RunCycle(ctx))

	// The stale task was recovered and immediately re-run as a weights task;
	// with no trades it completes as a no-op.
	task := f.queue.get("stuck")
	assert.NotEqual(t, models.TaskRunning, task.Status)
	assert.True(t, task.Enabled)
}

func TestEngineTriggerCycleNonBlocking(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newEngineFixture(now)

	// Repeated triggers without a running loop must not block.
	for i := 0; i < 5; i++ {
		f.engine.TriggerCycle()
	}
}
