package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tradepilot/engine/internal/config"
	"github.com/tradepilot/engine/internal/models"
)

const (
	// minTrainingSamples is the floor below which a retrain is skipped.
	minTrainingSamples = 200

	maxTrainingSamples = 20000

	// driftWindow is the rolling window for live accuracy when checking a
	// production model against its training baseline.
	driftWindow = 7 * 24 * time.Hour
)

// ExperimentStarter launches an A/B test between two model versions.
type ExperimentStarter interface {
	StartExperiment(ctx context.Context, modelType, controlVersion, treatmentVersion string) error
}

// RetrainResult reports what a retrain run did.
type RetrainResult struct {
	Skipped           bool
	Reason            string
	Version           string
	Metrics           ModelMetrics
	Promoted          bool
	ExperimentStarted bool
}

// DriftReport compares a production model's rolling accuracy to its training
// baseline.
type DriftReport struct {
	Detected bool
	Version  string
	Baseline float64
	Rolling  float64
	Samples  int
	DropPct  float64
}

// ModelTrainer retrains models from validated prediction history and manages
// the staged → production → retired lifecycle. Promotion of a retrained model
// goes through an A/B test whenever a production model already exists.
type ModelTrainer struct {
	cfg      config.TrainerConfig
	driftCfg config.ImprovementConfig

	predictions PredictionStore
	versions    ModelVersionStore
	market      MarketStore
	events      EventStore
	notifier    Notifier
	experiments ExperimentStarter

	fitter ModelFitter
	logger *logrus.Logger
	now    func() time.Time
	newID  func() string
}

func NewModelTrainer(cfg config.TrainerConfig, driftCfg config.ImprovementConfig, predictions PredictionStore, versions ModelVersionStore, market MarketStore, events EventStore, notifier Notifier, experiments ExperimentStarter, logger *logrus.Logger) *ModelTrainer {
	return &ModelTrainer{
		cfg:         cfg,
		driftCfg:    driftCfg,
		predictions: predictions,
		versions:    versions,
		market:      market,
		events:      events,
		notifier:    notifier,
		experiments: experiments,
		fitter:      logisticFitter,
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// Retrain fits a fresh model for the type from recent validated predictions,
// evaluates it on a held-out chronological split, and stages it when it
// clears the quality gates. The first model for a type is promoted directly;
// later ones go through an A/B test against production.
func (t *ModelTrainer) Retrain(ctx context.Context, modelType string) (RetrainResult, error) {
	now := t.now()

	samples, err := t.buildDataset(ctx, modelType, now)
	if err != nil {
		return RetrainResult{}, err
	}
	if len(samples) < minTrainingSamples {
		return RetrainResult{
			Skipped: true,
			Reason:  fmt.Sprintf("%d samples, need %d", len(samples), minTrainingSamples),
		}, nil
	}

	split := len(samples) - int(float64(len(samples))*t.cfg.TestSplit)
	if split <= 0 || split >= len(samples) {
		return RetrainResult{Skipped: true, Reason: "degenerate train/test split"}, nil
	}
	train, test := samples[:split], samples[split:]
	normalizeSamples(train, test)

	metrics, err := t.fitter(train, test)
	if err != nil {
		return RetrainResult{}, fmt.Errorf("failed to fit %s model: %w", modelType, err)
	}

	if metrics.Sharpe < t.cfg.MinSharpe || metrics.WinRate < t.cfg.MinWinRate {
		t.logger.WithFields(logrus.Fields{
			"model_type": modelType,
			"sharpe":     metrics.Sharpe,
			"win_rate":   metrics.WinRate,
		}).Info("Retrained model below quality gates, discarding")
		return RetrainResult{
			Skipped: true,
			Reason: fmt.Sprintf("below quality gates: sharpe %.2f (min %.2f), win rate %.2f (min %.2f)",
				metrics.Sharpe, t.cfg.MinSharpe, metrics.WinRate, t.cfg.MinWinRate),
			Metrics: metrics,
		}, nil
	}

	version := fmt.Sprintf("v%s-%s", now.Format("20060102"), t.newID()[:8])
	mv := models.ModelVersion{
		ID:          t.newID(),
		ModelType:   modelType,
		Version:     version,
		ArtifactRef: fmt.Sprintf("models/%s/%s.json", modelType, version),
		Status:      models.ModelStaged,
		CreatedAt:   now,
	}
	if err := t.versions.Create(ctx, mv); err != nil {
		return RetrainResult{}, err
	}
	if err := t.versions.SavePerformance(ctx, models.ModelPerformance{
		ModelVersion: version,
		ModelType:    modelType,
		Accuracy:     metrics.Accuracy,
		Precision:    metrics.Precision,
		Recall:       metrics.Recall,
		F1:           metrics.F1,
		AUC:          metrics.AUC,
		Sharpe:       metrics.Sharpe,
		WinRate:      metrics.WinRate,
		SampleCount:  len(samples),
		TrainedAt:    now,
	}); err != nil {
		return RetrainResult{}, err
	}

	t.appendEvent(ctx, models.ImprovementEvent{
		EventType:     models.EventModelStaged,
		ComponentID:   modelType,
		TriggerReason: "scheduled retrain",
		After: map[string]any{
			"version":  version,
			"accuracy": metrics.Accuracy,
			"sharpe":   metrics.Sharpe,
		},
	})

	result := RetrainResult{Version: version, Metrics: metrics}

	prod, err := t.versions.CurrentProduction(ctx, modelType)
	if err != nil {
		return result, err
	}
	if prod == nil {
		if err := t.Promote(ctx, modelType, version, "first production model"); err != nil {
			return result, err
		}
		result.Promoted = true
		return result, nil
	}

	if err := t.experiments.StartExperiment(ctx, modelType, prod.Version, version); err != nil {
		return result, fmt.Errorf("failed to start experiment for %s: %w", version, err)
	}
	result.ExperimentStarted = true
	return result, nil
}

// Promote makes a version the production model, retiring the incumbent.
func (t *ModelTrainer) Promote(ctx context.Context, modelType, version, reason string) error {
	mv, err := t.versions.GetByVersion(ctx, modelType, version)
	if err != nil {
		return err
	}
	if mv == nil {
		return fmt.Errorf("model version %s/%s not found", modelType, version)
	}

	now := t.now()
	before := map[string]any{}

	prod, err := t.versions.CurrentProduction(ctx, modelType)
	if err != nil {
		return err
	}
	if prod != nil && prod.Version != version {
		if err := t.versions.Retire(ctx, modelType, prod.Version, now); err != nil {
			return err
		}
		before["version"] = prod.Version
	}

	if err := t.versions.Promote(ctx, modelType, version, now); err != nil {
		return err
	}

	t.appendEvent(ctx, models.ImprovementEvent{
		EventType:     models.EventModelPromoted,
		ComponentID:   modelType,
		TriggerReason: reason,
		Before:        before,
		After:         map[string]any{"version": version},
	})

	t.notify(ctx, Alert{
		Title:    fmt.Sprintf("Model promoted: %s", modelType),
		Body:     fmt.Sprintf("%s is now in production (%s)", version, reason),
		Severity: SeveritySuccess,
	})

	t.logger.WithFields(logrus.Fields{
		"model_type": modelType,
		"version":    version,
		"reason":     reason,
	}).Info("Model promoted to production")

	return nil
}

// Rollback retires the current production model and promotes the target
// version in its place. An empty target falls back to the most recently
// retired production predecessor. Safe to call with no current production
// model; the target is then simply promoted.
func (t *ModelTrainer) Rollback(ctx context.Context, modelType, targetVersion, reason string) error {
	var target *models.ModelVersion
	var err error
	if targetVersion == "" {
		target, err = t.versions.PreviousProduction(ctx, modelType)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("no previous production model for %s", modelType)
		}
	} else {
		target, err = t.versions.GetByVersion(ctx, modelType, targetVersion)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("model version %s/%s not found", modelType, targetVersion)
		}
	}

	prod, err := t.versions.CurrentProduction(ctx, modelType)
	if err != nil {
		return err
	}
	if prod != nil && prod.Version == target.Version {
		return nil
	}

	now := t.now()
	before := map[string]any{}
	if prod != nil {
		if err := t.versions.Retire(ctx, modelType, prod.Version, now); err != nil {
			return err
		}
		before["version"] = prod.Version
	}
	if err := t.versions.Promote(ctx, modelType, target.Version, now); err != nil {
		return err
	}

	t.appendEvent(ctx, models.ImprovementEvent{
		EventType:     models.EventModelRollback,
		ComponentID:   modelType,
		TriggerReason: reason,
		Before:        before,
		After:         map[string]any{"version": target.Version},
	})

	body := fmt.Sprintf("%s restored to production (%s)", target.Version, reason)
	if prod != nil {
		body = fmt.Sprintf("%s replaced by %s (%s)", prod.Version, target.Version, reason)
	}
	t.notify(ctx, Alert{
		Title:    fmt.Sprintf("Model rolled back: %s", modelType),
		Body:     body,
		Severity: SeverityCritical,
	})

	return nil
}

// CheckDrift compares the production model's rolling accuracy over the drift
// window against its training baseline. Side effects are left to the caller.
func (t *ModelTrainer) CheckDrift(ctx context.Context, modelType string) (DriftReport, error) {
	prod, err := t.versions.CurrentProduction(ctx, modelType)
	if err != nil {
		return DriftReport{}, err
	}
	if prod == nil {
		return DriftReport{}, nil
	}

	baseline, err := t.versions.BaselineAccuracy(ctx, prod.Version)
	if err != nil {
		return DriftReport{}, err
	}

	rolling, n, err := t.predictions.AccuracyForVersion(ctx, prod.Version, t.now().Add(-driftWindow))
	if err != nil {
		return DriftReport{}, err
	}

	report := DriftReport{
		Version:  prod.Version,
		Baseline: baseline,
		Rolling:  rolling,
		Samples:  n,
	}
	if n < t.driftCfg.DriftMinSamples || baseline <= 0 {
		return report, nil
	}

	report.DropPct = (baseline - rolling) / baseline * 100
	report.Detected = report.DropPct > t.driftCfg.DriftThreshold*100
	return report, nil
}

// buildDataset assembles training samples from validated predictions in the
// lookback window, oldest first, with a consistent feature ordering. Missing
// feature vectors are backfilled from market snapshots.
func (t *ModelTrainer) buildDataset(ctx context.Context, modelType string, now time.Time) ([]TrainingSample, error) {
	predictions, err := t.predictions.FeatureSamples(ctx, modelType, maxTrainingSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to load training predictions for %s: %w", modelType, err)
	}

	cutoff := now.AddDate(0, 0, -t.cfg.LookbackDays)
	names := make(map[string]struct{})
	usable := predictions[:0]
	for i := range predictions {
		p := &predictions[i]
		if p.PredictedAt.Before(cutoff) || p.ActualDirection == nil || p.ActualReturn == nil {
			continue
		}
		if len(p.Features) == 0 {
			features, err := t.backfillFeatures(ctx, p.Symbol, p.PredictedAt)
			if err != nil {
				t.logger.WithFields(logrus.Fields{
					"symbol": p.Symbol,
					"error":  err.Error(),
				}).Debug("Indicator backfill failed, skipping sample")
				continue
			}
			if len(features) == 0 {
				continue
			}
			p.Features = features
		}
		for name := range p.Features {
			names[name] = struct{}{}
		}
		usable = append(usable, *p)
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	// FeatureSamples returns newest first; training wants chronological order.
	samples := make([]TrainingSample, 0, len(usable))
	for i := len(usable) - 1; i >= 0; i-- {
		p := &usable[i]
		vec := make([]float64, len(ordered))
		for j, name := range ordered {
			vec[j] = p.Features[name]
		}
		label := 0
		if *p.ActualDirection == "up" {
			label = 1
		}
		samples = append(samples, TrainingSample{
			Features: vec,
			Label:    label,
			Return:   *p.ActualReturn,
		})
	}

	return samples, nil
}

// backfillFeatures recomputes indicator features for a symbol at a point in
// time from stored market snapshots.
func (t *ModelTrainer) backfillFeatures(ctx context.Context, symbol string, at time.Time) (map[string]float64, error) {
	snapshots, err := t.market.RecentSnapshots(ctx, symbol, at, indicatorBackfillBars)
	if err != nil {
		return nil, err
	}
	return indicatorFeatures(snapshots), nil
}

func (t *ModelTrainer) appendEvent(ctx context.Context, ev models.ImprovementEvent) {
	ev.ID = t.newID()
	ev.Automated = true
	ev.CreatedAt = t.now()
	if err := t.events.Append(ctx, ev); err != nil {
		t.logger.WithField("error", err.Error()).Error("Failed to append improvement event")
	}
}

func (t *ModelTrainer) notify(ctx context.Context, alert Alert) {
	if t.notifier == nil {
		return
	}
	// Best effort; the notifier logs its own failures.
	_ = t.notifier.Notify(ctx, alert)
}
