package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tradepilot/engine/internal/config"
	"github.com/tradepilot/engine/internal/database"
	"github.com/tradepilot/engine/internal/models"
)

const (
	// staleTaskAfter is how long a task may sit in running before a restart
	// is assumed to have orphaned it.
	staleTaskAfter = time.Hour

	// snapshotTolerance bounds how far from the prediction horizon a market
	// snapshot may be and still settle the prediction.
	snapshotTolerance = 10 * time.Minute
)

// dominantModelType is the model that drives trade entries; performance
// breaches that call for a retrain target it.
const dominantModelType = "direction"

// defaultModelTypes are the model components seeded with recurring retrain,
// feature-selection and threshold-tuning work on first start.
var defaultModelTypes = []string{dominantModelType, "volatility"}

// Engine drives the improvement cycle: recover stale work, process the
// optimization queue, analyze performance, check model drift, advance
// experiments, send the daily summary and validate matured predictions.
// A failing phase aborts the cycle; the next run is pulled in on backoff.
type Engine struct {
	cfg config.ImprovementConfig

	queue       QueueStore
	predictions PredictionStore
	market      MarketStore
	events      EventStore
	analyzer    *PerformanceAnalyzer
	optimizer   *Optimizer
	trainer     *ModelTrainer
	experiments *ExperimentManager
	notifier    Notifier

	logger *logrus.Logger
	now    func() time.Time
	newID  func() string

	runCh  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg config.ImprovementConfig, queue QueueStore, predictions PredictionStore, market MarketStore, events EventStore, analyzer *PerformanceAnalyzer, optimizer *Optimizer, trainer *ModelTrainer, experiments *ExperimentManager, notifier Notifier, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		queue:       queue,
		predictions: predictions,
		market:      market,
		events:      events,
		analyzer:    analyzer,
		optimizer:   optimizer,
		trainer:     trainer,
		experiments: experiments,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		runCh:       make(chan struct{}, 1),
	}
}

// Start seeds the default recurring tasks and launches the cycle loop.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.SeedDefaultTasks(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to seed default tasks: %w", err)
	}

	e.notify(ctx, Alert{
		Title:    "Improvement engine started",
		Body:     fmt.Sprintf("Cycle interval %s", e.cfg.CycleInterval),
		Severity: SeverityInfo,
	})

	e.wg.Add(1)
	go e.run(ctx)

	e.logger.WithField("interval", e.cfg.CycleInterval.String()).Info("Improvement engine started")
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.notify(ctx, Alert{
		Title:    "Improvement engine stopped",
		Severity: SeverityInfo,
	})
	e.logger.Info("Improvement engine stopped")
}

// TriggerCycle requests an immediate cycle. Non-blocking; a cycle already
// requested or running absorbs the trigger.
func (e *Engine) TriggerCycle() {
	select {
	case e.runCh <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.CycleInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.runCh:
			e.runAndReschedule(ctx, timer)
		case <-timer.C:
			e.runAndReschedule(ctx, timer)
		}
	}
}

func (e *Engine) runAndReschedule(ctx context.Context, timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	next := e.cfg.CycleInterval
	if err := e.RunCycle(ctx); err != nil {
		e.logger.WithField("error", err.Error()).Error("Improvement cycle failed")
		next = e.cfg.CycleBackoff
	}
	timer.Reset(next)
}

// RunCycle executes one full improvement cycle. Cancellation is checked at
// every step boundary so shutdown completes within one step.
func (e *Engine) RunCycle(ctx context.Context) error {
	started := e.now()
	e.logger.Debug("Improvement cycle starting")

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"stale task recovery", e.recoverStaleTasks},
		{"queue processing", e.processQueue},
		{"performance analysis", e.analyzer.Analyze},
		{"drift check", e.checkDrift},
		{"experiment update", e.experiments.UpdateAll},
		{"daily summary", func(ctx context.Context) error {
			_, err := e.analyzer.MaybeSendDailySummary(ctx)
			return err
		}},
		{"prediction validation", e.validatePredictions},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s failed: %w", step.name, err)
		}
	}

	e.logger.WithField("duration", e.now().Sub(started).String()).Debug("Improvement cycle finished")
	return nil
}

func (e *Engine) recoverStaleTasks(ctx context.Context) error {
	now := e.now()
	requeued, err := e.queue.RequeueStale(ctx, now.Add(-staleTaskAfter), now)
	if err != nil {
		return fmt.Errorf("failed to requeue stale tasks: %w", err)
	}
	if requeued > 0 {
		e.logger.WithField("count", requeued).Warn("Requeued stale running tasks")
	}
	return nil
}

// processQueue claims and executes due tasks, most urgent first. A claim lost
// to another worker is skipped; a task failure is recorded on the task, not
// surfaced as a cycle error.
func (e *Engine) processQueue(ctx context.Context) error {
	now := e.now()
	tasks, err := e.queue.DueTasks(ctx, now, e.cfg.QueueBatchSize)
	if err != nil {
		return err
	}

	for i := range tasks {
		task := &tasks[i]
		if err := e.queue.Claim(ctx, task.ID, e.now()); err != nil {
			if errors.Is(err, database.ErrTaskNotClaimed) {
				continue
			}
			return err
		}
		e.executeTask(ctx, task)
	}
	return nil
}

func (e *Engine) executeTask(ctx context.Context, task *models.OptimizationTask) {
	log := e.logger.WithFields(logrus.Fields{
		"task_id":      task.ID,
		"task_type":    string(task.Type),
		"component_id": task.ComponentID,
	})
	log.Info("Executing optimization task")

	outcome, err := e.dispatch(ctx, task)
	now := e.now()
	nextRun := now.Add(task.Frequency.Interval())

	if err != nil {
		failures, enabled, failErr := e.queue.Fail(ctx, task.ID, err.Error(), nextRun, now, e.cfg.MaxConsecutiveFailures)
		if failErr != nil {
			log.WithField("error", failErr.Error()).Error("Failed to record task failure")
			return
		}
		log.WithFields(logrus.Fields{
			"error":    err.Error(),
			"failures": failures,
		}).Error("Optimization task failed")

		if !enabled {
			e.appendEvent(ctx, models.ImprovementEvent{
				EventType:     models.EventTaskDisabled,
				ComponentID:   task.ComponentID,
				TriggerReason: fmt.Sprintf("%d consecutive failures", failures),
				Before:        map[string]any{"task_type": string(task.Type)},
			})
			e.notify(ctx, Alert{
				Title: fmt.Sprintf("Task disabled: %s/%s", task.Type, task.ComponentID),
				Body: fmt.Sprintf("Disabled after %d consecutive failures. Last error: %s",
					failures, err.Error()),
				Severity: SeverityCritical,
			})
		}
		return
	}

	if err := e.queue.Complete(ctx, task.ID, outcome.toMap(), nextRun, now); err != nil {
		log.WithField("error", err.Error()).Error("Failed to record task completion")
		return
	}

	e.appendEvent(ctx, models.ImprovementEvent{
		EventType:     models.EventTaskCompleted,
		ComponentID:   task.ComponentID,
		TriggerReason: string(task.Type),
		After: map[string]any{
			"summary":         outcome.Summary,
			"improvement_pct": outcome.ImprovementPct,
		},
	})
	e.notify(ctx, Alert{
		Title:    fmt.Sprintf("Task completed: %s/%s", task.Type, task.ComponentID),
		Body:     outcome.Summary,
		Severity: SeveritySuccess,
	})
	log.WithField("summary", outcome.Summary).Info("Optimization task completed")
}

func (e *Engine) dispatch(ctx context.Context, task *models.OptimizationTask) (OptimizationOutcome, error) {
	switch task.Type {
	case models.OptimizationHyperparameter:
		return e.optimizer.OptimizeHyperparameters(ctx, task.ComponentID, task.Config)
	case models.OptimizationFeatureSelection:
		return e.optimizer.SelectFeatures(ctx, task.ComponentID)
	case models.OptimizationStrategyWeights:
		return e.optimizer.AllocateWeights(ctx)
	case models.OptimizationThresholdTuning:
		return e.optimizer.TuneThreshold(ctx, task.ComponentID, task.Config)
	case models.OptimizationModelRetrain:
		return e.retrainOutcome(ctx, task.ComponentID)
	default:
		return OptimizationOutcome{}, fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (e *Engine) retrainOutcome(ctx context.Context, modelType string) (OptimizationOutcome, error) {
	result, err := e.trainer.Retrain(ctx, modelType)
	if err != nil {
		return OptimizationOutcome{}, err
	}
	if result.Skipped {
		return OptimizationOutcome{Summary: "skipped: " + result.Reason}, nil
	}

	summary := fmt.Sprintf("staged %s (accuracy %.3f, sharpe %.2f)",
		result.Version, result.Metrics.Accuracy, result.Metrics.Sharpe)
	switch {
	case result.Promoted:
		summary += ", promoted directly"
	case result.ExperimentStarted:
		summary += ", experiment started"
	}

	return OptimizationOutcome{
		Params:  map[string]any{"version": result.Version},
		Summary: summary,
	}, nil
}

// checkDrift compares each production model's rolling accuracy against its
// training baseline and queues an urgent retrain on a breach.
func (e *Engine) checkDrift(ctx context.Context) error {
	for _, modelType := range defaultModelTypes {
		report, err := e.trainer.CheckDrift(ctx, modelType)
		if err != nil {
			return err
		}
		if !report.Detected {
			continue
		}

		e.logger.WithFields(logrus.Fields{
			"model_type": modelType,
			"version":    report.Version,
			"baseline":   report.Baseline,
			"rolling":    report.Rolling,
			"drop_pct":   report.DropPct,
		}).Warn("Model drift detected")

		e.appendEvent(ctx, models.ImprovementEvent{
			EventType:     models.EventDriftDetected,
			ComponentID:   modelType,
			TriggerReason: fmt.Sprintf("accuracy dropped %.1f%% from baseline", report.DropPct),
			Before:        map[string]any{"baseline_accuracy": report.Baseline},
			After: map[string]any{
				"rolling_accuracy": report.Rolling,
				"samples":          report.Samples,
			},
		})
		e.notify(ctx, Alert{
			Title: fmt.Sprintf("Model drift: %s", modelType),
			Body: fmt.Sprintf("%s accuracy %.1f%% vs baseline %.1f%% over %d predictions. Retrain and feature reselection queued.",
				report.Version, report.Rolling*100, report.Baseline*100, report.Samples),
			Severity: SeverityWarning,
		})

		if err := e.enqueueOnce(ctx, models.OptimizationModelRetrain, modelType,
			priorityUrgent, models.FrequencyWeekly); err != nil {
			return err
		}
		if err := e.enqueueOnce(ctx, models.OptimizationFeatureSelection, modelType,
			priorityUrgent, models.FrequencyWeekly); err != nil {
			return err
		}
	}
	return nil
}

// validatePredictions settles matured predictions against market snapshots,
// fanning out across a bounded worker group. Predictions with no usable
// snapshot stay unvalidated for a later cycle.
func (e *Engine) validatePredictions(ctx context.Context) error {
	now := e.now()
	due, err := e.predictions.ListDue(ctx, now, e.cfg.ValidationBatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ValidationFanOut)

	for i := range due {
		p := &due[i]
		g.Go(func() error {
			return e.validateOne(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.logger.WithField("count", len(due)).Debug("Prediction validation pass finished")
	return nil
}

func (e *Engine) validateOne(ctx context.Context, p *models.ModelPrediction) error {
	entry, err := e.market.SnapshotAt(ctx, p.Symbol, p.PredictedAt, snapshotTolerance)
	if err != nil {
		return err
	}
	exit, err := e.market.SnapshotAt(ctx, p.Symbol, p.DueAt(), snapshotTolerance)
	if err != nil {
		return err
	}
	if entry == nil || exit == nil {
		// No snapshot close enough yet; leave the prediction for later.
		return nil
	}

	entryPrice := entry.Close.InexactFloat64()
	if entryPrice == 0 {
		return nil
	}
	actualReturn := (exit.Close.InexactFloat64() - entryPrice) / entryPrice

	actualDirection := "down"
	if actualReturn > 0 {
		actualDirection = "up"
	}
	accurate := actualDirection == p.Direction

	err = e.predictions.MarkValidated(ctx, p.ID, actualDirection, actualReturn, accurate, e.now())
	if err != nil && !errors.Is(err, database.ErrAlreadyValidated) {
		return err
	}
	return nil
}

// SeedDefaultTasks enqueues the recurring optimization work on first start:
// daily weight allocation plus weekly retrain, feature selection and
// threshold tuning per model type. Already-scheduled work is left untouched.
func (e *Engine) SeedDefaultTasks(ctx context.Context) error {
	if err := e.enqueueOnce(ctx, models.OptimizationStrategyWeights, "portfolio",
		priorityHigh, models.FrequencyDaily); err != nil {
		return err
	}
	for _, modelType := range defaultModelTypes {
		if err := e.enqueueOnce(ctx, models.OptimizationModelRetrain, modelType,
			priorityHigh, models.FrequencyWeekly); err != nil {
			return err
		}
		if err := e.enqueueOnce(ctx, models.OptimizationFeatureSelection, modelType,
			priorityHigh, models.FrequencyWeekly); err != nil {
			return err
		}
		if err := e.enqueueOnce(ctx, models.OptimizationThresholdTuning, modelType,
			priorityHigh, models.FrequencyWeekly); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enqueueOnce(ctx context.Context, taskType models.OptimizationType, componentID string, priority int, frequency models.Frequency) error {
	scheduled, err := e.queue.HasScheduled(ctx, taskType, componentID)
	if err != nil {
		return err
	}
	if scheduled {
		return nil
	}

	now := e.now()
	return e.queue.Enqueue(ctx, models.OptimizationTask{
		ID:          e.newID(),
		Type:        taskType,
		ComponentID: componentID,
		Frequency:   frequency,
		Priority:    priority,
		Config:      map[string]any{},
		NextRunAt:   now,
		Status:      models.TaskPending,
		Enabled:     true,
		UpdatedAt:   now,
	})
}

func (e *Engine) appendEvent(ctx context.Context, ev models.ImprovementEvent) {
	ev.ID = e.newID()
	ev.Automated = true
	ev.CreatedAt = e.now()
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.WithField("error", err.Error()).Error("Failed to append improvement event")
	}
}

func (e *Engine) notify(ctx context.Context, alert Alert) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Notify(ctx, alert)
}
