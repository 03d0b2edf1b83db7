package services

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/engine/internal/config"
	"github.com/tradepilot/engine/internal/models"
)

func testOptimizerConfig() config.OptimizerConfig {
	return config.OptimizerConfig{
		PopulationSize:      20,
		Generations:         10,
		MutationRate:        0.1,
		MutationScale:       0.1,
		ImportanceThreshold: 0.01,
		MaxFeatures:         50,
		PredictionSample:    5000,
		WeightLookbackDays:  30,
		MinWeight:           0.05,
		MaxWeight:           0.50,
		ThresholdMinSamples: 100,
		Seed:                42,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestNormalizeWeightsBandAndSum(t *testing.T) {
	cases := []map[string]float64{
		{"a": 100, "b": 1, "c": 1},
		{"a": 1, "b": 1, "c": 1},
		{"a": 5, "b": 3, "c": 2, "d": 1, "e": 0.5},
		{"a": 0, "b": 0, "c": 0},
	}

	for _, scores := range cases {
		weights := normalizeWeights(scores, 0.05, 0.50)
		var sum float64
		for id, w := range weights {
			assert.GreaterOrEqual(t, w, 0.05, "weight %s below floor", id)
			assert.LessOrEqual(t, w, 0.50+1e-9, "weight %s above cap", id)
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
}

func TestNormalizeWeightsRedistributesCappedSurplus(t *testing.T) {
	// One dominant score caps at the band maximum; the mass above the cap
	// must land on the remaining strategies, keeping the sum at one.
	weights := normalizeWeights(map[string]float64{"a": 100, "b": 1, "c": 1}, 0.05, 0.50)
	assert.InDelta(t, 0.50, weights["a"], 1e-9)
	assert.InDelta(t, 0.25, weights["b"], 1e-9)
	assert.InDelta(t, 0.25, weights["c"], 1e-9)
}

func TestNormalizeWeightsTwoStrategies(t *testing.T) {
	// Two strategies cannot both stay under the 0.50 cap unless split evenly.
	weights := normalizeWeights(map[string]float64{"a": 10, "b": 1}, 0.05, 0.50)
	assert.InDelta(t, 0.50, weights["a"], 1e-9)
	assert.InDelta(t, 0.50, weights["b"], 1e-9)
}

func TestAllocateWeights(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := &fakeTrades{}
	for day := 0; day < 20; day++ {
		exit := now.AddDate(0, 0, -day)
		// A steady winner, a middling strategy and a volatile coin flip.
		trades.trades = append(trades.trades,
			mkTrade("steady", "v1", exit, 20+float64(day%3)),
			mkTrade("middling", "v1", exit, float64(10-day%8)),
			mkTrade("volatile", "v1", exit, float64(80*(day%2*2-1))),
		)
	}

	o := NewOptimizer(testOptimizerConfig(), trades, &fakePredictions{}, quietLogger())
	o.now = fixedClock(now)

	outcome, err := o.AllocateWeights(context.Background())
	require.NoError(t, err)

	weights := outcome.Params["weights"].(map[string]any)
	require.Len(t, weights, 3)

	var sum float64
	for _, v := range weights {
		sum += v.(float64)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
	assert.Greater(t, weights["steady"].(float64), weights["volatile"].(float64))
}

func TestOptimizeHyperparametersSkipsThinHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := &fakeTrades{}
	for i := 0; i < minTradesForGA-1; i++ {
		trades.trades = append(trades.trades, mkTrade("momentum", "v1", now.Add(-time.Duration(i)*time.Hour), 10))
	}

	o := NewOptimizer(testOptimizerConfig(), trades, &fakePredictions{}, quietLogger())
	o.now = fixedClock(now)

	outcome, err := o.OptimizeHyperparameters(context.Background(), "momentum", nil)
	require.NoError(t, err)
	assert.Nil(t, outcome.Params)
	assert.Contains(t, outcome.Summary, "skipped")
}

func TestTuneThresholdInsufficientSamples(t *testing.T) {
	preds := &fakePredictions{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ { // below the 100-sample floor at every cutoff
		acc := i%2 == 0
		preds.predictions = append(preds.predictions, models.ModelPrediction{
			ID: "p", ModelType: "direction", Confidence: 0.8,
			PredictedAt: now.Add(-time.Duration(i) * time.Minute),
			ValidatedAt: &now, WasAccurate: &acc,
		})
	}

	o := NewOptimizer(testOptimizerConfig(), &fakeTrades{}, preds, quietLogger())
	o.now = fixedClock(now)

	outcome, err := o.TuneThreshold(context.Background(), "direction", nil)
	require.NoError(t, err)
	assert.Nil(t, outcome.Params)
	assert.Contains(t, outcome.Summary, "insufficient samples")
}

func TestTuneThresholdPrefersSelectiveCutoff(t *testing.T) {
	preds := &fakePredictions{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// High-confidence predictions are right, low-confidence ones are noise.
	for i := 0; i < 400; i++ {
		confidence := 0.4
		accurate := i%2 == 0
		if i < 200 {
			confidence = 0.8
			accurate = i%10 != 0
		}
		acc := accurate
		preds.predictions = append(preds.predictions, models.ModelPrediction{
			ID: "p", ModelType: "direction", Confidence: confidence,
			PredictedAt: now.Add(-time.Duration(i) * time.Minute),
			ValidatedAt: &now, WasAccurate: &acc,
		})
	}

	o := NewOptimizer(testOptimizerConfig(), &fakeTrades{}, preds, quietLogger())
	o.now = fixedClock(now)

	outcome, err := o.TuneThreshold(context.Background(), "direction", map[string]any{"confidence_threshold": 0.5})
	require.NoError(t, err)
	require.NotNil(t, outcome.Params)

	cutoff := outcome.Params["confidence_threshold"].(float64)
	assert.Greater(t, cutoff, 0.4)
}

func TestSelectFeaturesRanksByCorrelation(t *testing.T) {
	preds := &fakePredictions{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 300; i++ {
		ret := float64(i%21-10) / 100
		acc := ret > 0
		preds.predictions = append(preds.predictions, models.ModelPrediction{
			ID: "p", ModelType: "direction",
			PredictedAt: now.Add(-time.Duration(i) * time.Minute),
			Features: map[string]float64{
				"signal": ret * 3,            // strongly correlated
				"noise":  float64(i%7) - 3.5, // uncorrelated
			},
			ValidatedAt: &now, ActualReturn: &ret, WasAccurate: &acc,
		})
	}

	o := NewOptimizer(testOptimizerConfig(), &fakeTrades{}, preds, quietLogger())
	o.now = fixedClock(now)

	outcome, err := o.SelectFeatures(context.Background(), "direction")
	require.NoError(t, err)

	selected := outcome.Params["selected_features"].([]string)
	require.NotEmpty(t, selected)
	assert.Equal(t, "signal", selected[0])
}
