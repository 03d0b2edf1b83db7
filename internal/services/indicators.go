package services

import (
	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/tradepilot/engine/internal/models"
)

const (
	// indicatorBackfillBars is how many snapshots feed the recomputation; the
	// slowest indicator needs 26 bars plus signal smoothing to stabilize.
	indicatorBackfillBars = 64

	rsiPeriod     = 14
	emaFastPeriod = 9
	emaSlowPeriod = 26
)

// indicatorFeatures recomputes the standard feature set from raw market
// snapshots, for predictions stored without their feature vectors. Returns nil
// when there is not enough history.
func indicatorFeatures(snapshots []models.MarketCondition) map[string]float64 {
	if len(snapshots) < emaSlowPeriod+1 {
		return nil
	}

	closes := make([]float64, len(snapshots))
	highs := make([]float64, len(snapshots))
	lows := make([]float64, len(snapshots))
	volumes := make([]float64, len(snapshots))
	for i := range snapshots {
		closes[i] = snapshots[i].Close.InexactFloat64()
		highs[i] = snapshots[i].High.InexactFloat64()
		lows[i] = snapshots[i].Low.InexactFloat64()
		volumes[i] = snapshots[i].Volume.InexactFloat64()
	}

	features := make(map[string]float64)

	last := snapshots[len(snapshots)-1]
	features["hour_of_day"] = float64(last.Timestamp.UTC().Hour())
	features["day_of_week"] = float64(last.Timestamp.UTC().Weekday())

	// Last bar's volume relative to the window average.
	if avg := mean(volumes); avg > 0 {
		features["volume_ratio"] = volumes[len(volumes)-1] / avg
	}

	rsiIndicator := momentum.NewRsiWithPeriod[float64](rsiPeriod)
	if rsi := helper.ChanToSlice(rsiIndicator.Compute(helper.SliceToChan(closes))); len(rsi) > 0 {
		features["rsi"] = rsi[len(rsi)-1]
	}

	emaFast := trend.NewEmaWithPeriod[float64](emaFastPeriod)
	if ema := helper.ChanToSlice(emaFast.Compute(helper.SliceToChan(closes))); len(ema) > 0 {
		features["ema_fast"] = ema[len(ema)-1]
	}

	emaSlow := trend.NewEmaWithPeriod[float64](emaSlowPeriod)
	if ema := helper.ChanToSlice(emaSlow.Compute(helper.SliceToChan(closes))); len(ema) > 0 {
		slow := ema[len(ema)-1]
		features["ema_slow"] = slow
		if slow != 0 {
			features["trend_distance"] = (closes[len(closes)-1] - slow) / slow
		}
	}

	// The MACD outputs share a duplicated source channel; both sides must be
	// drained together or the duplicator blocks once its buffer fills.
	macdIndicator := trend.NewMacd[float64]()
	macdLine, signalLine := macdIndicator.Compute(helper.SliceToChan(closes))
	signalCh := make(chan []float64, 1)
	go func() { signalCh <- helper.ChanToSlice(signalLine) }()
	macdValues := helper.ChanToSlice(macdLine)
	signalValues := <-signalCh
	if len(macdValues) > 0 {
		features["macd"] = macdValues[len(macdValues)-1]
	}
	if len(signalValues) > 0 {
		features["macd_signal"] = signalValues[len(signalValues)-1]
	}

	atrIndicator := volatility.NewAtr[float64]()
	atrValues := helper.ChanToSlice(atrIndicator.Compute(
		helper.SliceToChan(highs), helper.SliceToChan(lows), helper.SliceToChan(closes)))
	if len(atrValues) > 0 {
		features["atr"] = atrValues[len(atrValues)-1]
	}

	return features
}
