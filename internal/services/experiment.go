package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tradepilot/engine/internal/config"
	"github.com/tradepilot/engine/internal/database"
	"github.com/tradepilot/engine/internal/models"
)

// Promoter applies the winning side of an experiment. Implemented by the
// model trainer; the indirection breaks the trainer↔experiment construction
// cycle.
type Promoter interface {
	Promote(ctx context.Context, modelType, version, reason string) error
}

// ExperimentManager runs A/B tests between the production model and a
// retrained challenger. One experiment per model type at a time; concluded
// experiments are immutable.
type ExperimentManager struct {
	cfg      config.ABTestConfig
	abtests  ABTestStore
	trades   TradeStore
	events   EventStore
	notifier Notifier
	promoter Promoter
	logger   *logrus.Logger
	now      func() time.Time
	newID    func() string
}

func NewExperimentManager(cfg config.ABTestConfig, abtests ABTestStore, trades TradeStore, events EventStore, notifier Notifier, promoter Promoter, logger *logrus.Logger) *ExperimentManager {
	return &ExperimentManager{
		cfg:      cfg,
		abtests:  abtests,
		trades:   trades,
		events:   events,
		notifier: notifier,
		promoter: promoter,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// SetPromoter wires the promoter after construction.
func (m *ExperimentManager) SetPromoter(p Promoter) {
	m.promoter = p
}

// StartExperiment opens a new A/B test routing a slice of traffic to the
// treatment version. A model type with a running experiment keeps it; the new
// challenger is dropped and will come back on the next retrain.
func (m *ExperimentManager) StartExperiment(ctx context.Context, modelType, controlVersion, treatmentVersion string) error {
	running, err := m.abtests.HasRunningForModelType(ctx, modelType)
	if err != nil {
		return err
	}
	if running {
		m.logger.WithFields(logrus.Fields{
			"model_type": modelType,
			"treatment":  treatmentVersion,
		}).Info("Experiment already running for model type, skipping")
		return nil
	}

	now := m.now()
	test := models.ABTest{
		ID:                  m.newID(),
		Name:                fmt.Sprintf("%s: %s vs %s", modelType, controlVersion, treatmentVersion),
		ModelType:           modelType,
		ControlVersion:      controlVersion,
		TreatmentVersion:    treatmentVersion,
		ControlTrafficPct:   m.cfg.ControlTrafficPct,
		TreatmentTrafficPct: m.cfg.TreatmentTrafficPct,
		StartedAt:           now,
		Duration:            m.cfg.Duration,
		SuccessMetric:       m.cfg.SuccessMetric,
		MinImprovementPct:   m.cfg.MinImprovementPct,
		Status:              models.ABTestRunning,
	}
	if err := m.abtests.Create(ctx, test); err != nil {
		return err
	}

	m.appendEvent(ctx, models.ImprovementEvent{
		EventType:     models.EventABTestStarted,
		ComponentID:   modelType,
		TriggerReason: "retrained model staged",
		After: map[string]any{
			"test_id":   test.ID,
			"control":   controlVersion,
			"treatment": treatmentVersion,
		},
	})

	m.notify(ctx, Alert{
		Title: fmt.Sprintf("A/B test started: %s", modelType),
		Body: fmt.Sprintf("%s (%d%%) vs %s (%d%%) on %s for %s",
			controlVersion, test.ControlTrafficPct,
			treatmentVersion, test.TreatmentTrafficPct,
			test.SuccessMetric, test.Duration),
		Severity: SeverityInfo,
	})

	return nil
}

// UpdateAll refreshes metrics for every running experiment and concludes
// those that have earned a verdict. Individual experiment errors are logged
// and do not stop the sweep.
func (m *ExperimentManager) UpdateAll(ctx context.Context) error {
	tests, err := m.abtests.ListRunning(ctx)
	if err != nil {
		return err
	}

	for i := range tests {
		if err := m.update(ctx, &tests[i]); err != nil {
			m.logger.WithFields(logrus.Fields{
				"test_id": tests[i].ID,
				"error":   err.Error(),
			}).Error("Failed to update experiment")
		}
	}
	return nil
}

func (m *ExperimentManager) update(ctx context.Context, test *models.ABTest) error {
	control, err := m.variantMetrics(ctx, test.ControlVersion, test.StartedAt)
	if err != nil {
		return err
	}
	treatment, err := m.variantMetrics(ctx, test.TreatmentVersion, test.StartedAt)
	if err != nil {
		return err
	}

	if err := m.abtests.UpdateMetrics(ctx, test.ID, control, treatment); err != nil {
		// Lost a race with another conclusion path; the test is settled.
		if errors.Is(err, database.ErrTestConcluded) {
			return nil
		}
		return err
	}

	now := m.now()
	elapsed := now.Sub(test.StartedAt)

	// A treatment that never trades cannot be judged; cut it loose once it
	// has had a fair chance at traffic.
	if treatment.TradeCount == 0 {
		if elapsed >= m.cfg.RejectAfter {
			return m.conclude(ctx, test, models.ABTestRejected,
				"no treatment trades recorded", control, treatment, now)
		}
		return nil
	}

	improvement := metricImprovement(control, treatment, test.SuccessMetric)

	switch {
	// Severe degradation ends the test on the short fuse, before maturation.
	case control.TradeCount > 0 && elapsed >= m.cfg.RejectAfter && improvement <= m.cfg.RejectMarginPct:
		return m.conclude(ctx, test, models.ABTestRejected,
			fmt.Sprintf("treatment degraded %s by %.1f%%", test.SuccessMetric, -improvement),
			control, treatment, now)
	case control.TradeCount > 0 && elapsed >= m.cfg.MaturationPeriod && improvement >= test.MinImprovementPct:
		return m.conclude(ctx, test, models.ABTestPromoted,
			fmt.Sprintf("treatment improved %s by %.1f%%", test.SuccessMetric, improvement),
			control, treatment, now)
	// The scheduled duration forces a verdict even when the control side
	// recorded no trades.
	case elapsed >= test.Duration:
		if improvement >= test.MinImprovementPct {
			return m.conclude(ctx, test, models.ABTestPromoted,
				fmt.Sprintf("treatment improved %s by %.1f%%", test.SuccessMetric, improvement),
				control, treatment, now)
		}
		return m.conclude(ctx, test, models.ABTestRejected,
			fmt.Sprintf("treatment improved %s by only %.1f%% (need %.1f%%)",
				test.SuccessMetric, improvement, test.MinImprovementPct),
			control, treatment, now)
	default:
		return nil
	}
}

func (m *ExperimentManager) conclude(ctx context.Context, test *models.ABTest, status models.ABTestStatus, conclusion string, control, treatment models.VariantMetrics, now time.Time) error {
	err := m.abtests.Conclude(ctx, test.ID, status, conclusion, control, treatment, now)
	if err != nil {
		if errors.Is(err, database.ErrTestConcluded) {
			return nil
		}
		return err
	}

	m.appendEvent(ctx, models.ImprovementEvent{
		EventType:     models.EventABTestConcluded,
		ComponentID:   test.ModelType,
		TriggerReason: conclusion,
		Before:        map[string]any{"control": test.ControlVersion},
		After: map[string]any{
			"treatment": test.TreatmentVersion,
			"status":    string(status),
		},
	})

	severity := SeverityWarning
	if status == models.ABTestPromoted {
		severity = SeveritySuccess
	}
	m.notify(ctx, Alert{
		Title:    fmt.Sprintf("A/B test concluded: %s", test.Name),
		Body:     conclusion,
		Severity: severity,
	})

	if status == models.ABTestPromoted && m.promoter != nil {
		if err := m.promoter.Promote(ctx, test.ModelType, test.TreatmentVersion, conclusion); err != nil {
			return fmt.Errorf("failed to promote experiment winner: %w", err)
		}
	}

	return nil
}

// variantMetrics aggregates the trades attributed to a model version since
// the experiment started.
func (m *ExperimentManager) variantMetrics(ctx context.Context, version string, since time.Time) (models.VariantMetrics, error) {
	trades, err := m.trades.ListByModelVersion(ctx, version, since)
	if err != nil {
		return models.VariantMetrics{}, err
	}

	metrics := models.VariantMetrics{TradeCount: len(trades)}
	if len(trades) == 0 {
		return metrics, nil
	}

	pnl := make([]float64, len(trades))
	wins := 0
	for i := range trades {
		pnl[i] = trades[i].NetPnL.InexactFloat64()
		metrics.NetPnL += pnl[i]
		if pnl[i] > 0 {
			wins++
		}
	}
	metrics.WinRate = float64(wins) / float64(len(trades))
	metrics.Sharpe = sharpeRatio(pnl)
	return metrics, nil
}

// metricImprovement is the treatment's percentage change over the control on
// the success metric.
func metricImprovement(control, treatment models.VariantMetrics, metric string) float64 {
	c := control.Metric(metric)
	t := treatment.Metric(metric)
	if c == 0 {
		if t > 0 {
			return 100
		}
		return 0
	}
	return (t - c) / absFloat(c) * 100
}

func (m *ExperimentManager) appendEvent(ctx context.Context, ev models.ImprovementEvent) {
	ev.ID = m.newID()
	ev.Automated = true
	ev.CreatedAt = m.now()
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.WithField("error", err.Error()).Error("Failed to append improvement event")
	}
}

func (m *ExperimentManager) notify(ctx context.Context, alert Alert) {
	if m.notifier == nil {
		return
	}
	_ = m.notifier.Notify(ctx, alert)
}
