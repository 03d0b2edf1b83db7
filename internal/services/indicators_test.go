package services

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/engine/internal/models"
)

func indicatorSnapshots(n int) []models.MarketCondition {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snapshots := make([]models.MarketCondition, n)
	for i := range snapshots {
		price := 50000.0 + float64(i)*25 // steady uptrend
		snapshots[i] = models.MarketCondition{
			Symbol:    "BTC/USDT",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(price - 10),
			High:      decimal.NewFromFloat(price + 40),
			Low:       decimal.NewFromFloat(price - 40),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromFloat(100 + float64(i%5)*10),
		}
	}
	return snapshots
}

func TestIndicatorFeatures(t *testing.T) {
	features := indicatorFeatures(indicatorSnapshots(indicatorBackfillBars))
	require.NotEmpty(t, features)

	for _, name := range []string{"rsi", "ema_fast", "ema_slow", "macd", "macd_signal", "atr",
		"trend_distance", "volume_ratio", "hour_of_day", "day_of_week"} {
		assert.Contains(t, features, name)
	}

	// A steady uptrend: fast EMA above slow, price above the slow EMA, RSI
	// in the upper half.
	assert.Greater(t, features["ema_fast"], features["ema_slow"])
	assert.Greater(t, features["trend_distance"], 0.0)
	assert.Greater(t, features["rsi"], 50.0)
	assert.Greater(t, features["volume_ratio"], 0.0)
}

func TestIndicatorFeaturesTooLittleHistory(t *testing.T) {
	assert.Nil(t, indicatorFeatures(indicatorSnapshots(emaSlowPeriod)))
}
