package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepilot/engine/internal/database"
	"github.com/tradepilot/engine/internal/models"
)

// In-memory fakes mirroring the repository semantics, including the guarded
// state transitions the SQL enforces.

type fakeQueue struct {
	mu    sync.Mutex
	tasks map[string]*models.OptimizationTask
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[string]*models.OptimizationTask)}
}

func (q *fakeQueue) DueTasks(_ context.Context, asOf time.Time, limit int) ([]models.OptimizationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []models.OptimizationTask
	for _, t := range q.tasks {
		if t.Enabled && t.Status != models.TaskRunning && !t.NextRunAt.After(asOf) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *fakeQueue) Claim(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || !t.Enabled || t.Status == models.TaskRunning {
		return database.ErrTaskNotClaimed
	}
	t.Status = models.TaskRunning
	t.LastRunAt = &at
	t.UpdatedAt = at
	return nil
}

func (q *fakeQueue) Complete(_ context.Context, id string, result map[string]any, nextRun, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return database.ErrTaskNotClaimed
	}
	t.Status = models.TaskCompleted
	t.LastResult = result
	t.LastError = nil
	t.ConsecutiveFailures = 0
	t.NextRunAt = nextRun
	t.UpdatedAt = at
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, id, errMsg string, nextRun, at time.Time, maxFailures int) (int, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != models.TaskRunning {
		return 0, false, database.ErrTaskNotClaimed
	}
	t.Status = models.TaskFailed
	t.LastError = &errMsg
	t.ConsecutiveFailures++
	if t.ConsecutiveFailures >= maxFailures {
		t.Enabled = false
	}
	t.NextRunAt = nextRun
	t.UpdatedAt = at
	return t.ConsecutiveFailures, t.Enabled, nil
}

func (q *fakeQueue) HasScheduled(_ context.Context, taskType models.OptimizationType, componentID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if t.Enabled && t.Type == taskType && t.ComponentID == componentID &&
			(t.Status == models.TaskPending || t.Status == models.TaskRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, task models.OptimizationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	copied := task
	q.tasks[task.ID] = &copied
	return nil
}

func (q *fakeQueue) RequeueStale(_ context.Context, cutoff, at time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, t := range q.tasks {
		if t.Status == models.TaskRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = models.TaskFailed
			t.ConsecutiveFailures++
			t.NextRunAt = at
			t.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) get(id string) models.OptimizationTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.tasks[id]
}

func (q *fakeQueue) byType(taskType models.OptimizationType, componentID string) []models.OptimizationTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []models.OptimizationTask
	for _, t := range q.tasks {
		if t.Type == taskType && t.ComponentID == componentID {
			out = append(out, *t)
		}
	}
	return out
}

type fakePredictions struct {
	mu          sync.Mutex
	predictions []models.ModelPrediction
}

func (f *fakePredictions) ListDue(_ context.Context, asOf time.Time, limit int) ([]models.ModelPrediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []models.ModelPrediction
	for i := range f.predictions {
		p := &f.predictions[i]
		if p.ValidatedAt == nil && !p.DueAt().After(asOf) {
			due = append(due, *p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].PredictedAt.Before(due[j].PredictedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakePredictions) MarkValidated(_ context.Context, id, actualDirection string, actualReturn float64, accurate bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.predictions {
		p := &f.predictions[i]
		if p.ID != id {
			continue
		}
		if p.ValidatedAt != nil {
			return database.ErrAlreadyValidated
		}
		p.ValidatedAt = &at
		p.ActualDirection = &actualDirection
		p.ActualReturn = &actualReturn
		p.WasAccurate = &accurate
		return nil
	}
	return database.ErrAlreadyValidated
}

func (f *fakePredictions) FeatureSamples(_ context.Context, modelType string, limit int) ([]models.ModelPrediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.ModelPrediction
	for i := range f.predictions {
		p := &f.predictions[i]
		if p.ModelType == modelType && p.ValidatedAt != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PredictedAt.After(out[j].PredictedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePredictions) AccuracyForVersion(_ context.Context, version string, since time.Time) (float64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var accurate, total int
	for i := range f.predictions {
		p := &f.predictions[i]
		if (version != "" && p.ModelVersion != version) || p.ValidatedAt == nil || p.ValidatedAt.Before(since) {
			continue
		}
		total++
		if p.WasAccurate != nil && *p.WasAccurate {
			accurate++
		}
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(accurate) / float64(total), total, nil
}

type fakeTrades struct {
	trades []models.TradeOutcome
}

func (f *fakeTrades) StrategyStatsBetween(_ context.Context, from, to time.Time) ([]models.StrategyStats, error) {
	byStrategy := make(map[string]*models.StrategyStats)
	for i := range f.trades {
		t := &f.trades[i]
		if !t.IsComplete || t.ExitTime == nil || t.ExitTime.Before(from) || !t.ExitTime.Before(to) {
			continue
		}
		s := byStrategy[t.StrategyID]
		if s == nil {
			s = &models.StrategyStats{StrategyID: t.StrategyID}
			byStrategy[t.StrategyID] = s
		}
		s.Trades++
		if t.IsWin() {
			s.Wins++
		}
		s.NetPnL += t.NetPnL.InexactFloat64()
	}

	var out []models.StrategyStats
	for _, s := range byStrategy {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}

func (f *fakeTrades) DailySeriesSince(_ context.Context, since time.Time) ([]database.StrategyDailySeries, error) {
	type dayKey struct {
		strategy string
		day      string
	}
	daily := make(map[dayKey]float64)
	counts := make(map[string]*database.StrategyDailySeries)

	for i := range f.trades {
		t := &f.trades[i]
		if !t.IsComplete || t.ExitTime == nil || t.ExitTime.Before(since) {
			continue
		}
		key := dayKey{t.StrategyID, t.ExitTime.Format("2006-01-02")}
		daily[key] += t.NetPnL.InexactFloat64()
		s := counts[t.StrategyID]
		if s == nil {
			s = &database.StrategyDailySeries{StrategyID: t.StrategyID}
			counts[t.StrategyID] = s
		}
		s.Trades++
		if t.IsWin() {
			s.Wins++
		}
	}

	var keys []dayKey
	for k := range daily {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].strategy != keys[j].strategy {
			return keys[i].strategy < keys[j].strategy
		}
		return keys[i].day < keys[j].day
	})
	for _, k := range keys {
		counts[k.strategy].DailyPnL = append(counts[k.strategy].DailyPnL, daily[k])
	}

	var out []database.StrategyDailySeries
	var names []string
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, *counts[name])
	}
	return out, nil
}

func (f *fakeTrades) ListCompleted(_ context.Context, strategyID string, from, to time.Time, limit int) ([]models.TradeOutcome, error) {
	var out []models.TradeOutcome
	for i := range f.trades {
		t := &f.trades[i]
		if !t.IsComplete || t.ExitTime == nil || t.ExitTime.Before(from) || !t.ExitTime.Before(to) {
			continue
		}
		if strategyID != "" && t.StrategyID != strategyID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTrades) ListByModelVersion(_ context.Context, version string, since time.Time) ([]models.TradeOutcome, error) {
	var out []models.TradeOutcome
	for i := range f.trades {
		t := &f.trades[i]
		if t.IsComplete && t.ModelVersion == version && t.ExitTime != nil && !t.ExitTime.Before(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	return out, nil
}

type fakeMarket struct {
	snapshots []models.MarketCondition
}

func (f *fakeMarket) SnapshotAt(_ context.Context, symbol string, ts time.Time, tolerance time.Duration) (*models.MarketCondition, error) {
	var best *models.MarketCondition
	for i := range f.snapshots {
		s := &f.snapshots[i]
		if s.Symbol != symbol || s.Timestamp.Before(ts) || !s.Timestamp.Before(ts.Add(tolerance)) {
			continue
		}
		if best == nil || s.Timestamp.Before(best.Timestamp) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeMarket) RecentSnapshots(_ context.Context, symbol string, before time.Time, limit int) ([]models.MarketCondition, error) {
	var out []models.MarketCondition
	for i := range f.snapshots {
		s := &f.snapshots[i]
		if s.Symbol == symbol && s.Timestamp.Before(before) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.ImprovementEvent
}

func (f *fakeEvents) Append(_ context.Context, ev models.ImprovementEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) ExistsOn(_ context.Context, eventType string, ts time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	day := ts.Format("2006-01-02")
	for i := range f.events {
		if f.events[i].EventType == eventType && f.events[i].CreatedAt.Format("2006-01-02") == day {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEvents) byType(eventType string) []models.ImprovementEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.ImprovementEvent
	for i := range f.events {
		if f.events[i].EventType == eventType {
			out = append(out, f.events[i])
		}
	}
	return out
}

type fakeABTests struct {
	mu    sync.Mutex
	tests map[string]*models.ABTest
}

func newFakeABTests() *fakeABTests {
	return &fakeABTests{tests: make(map[string]*models.ABTest)}
}

func (f *fakeABTests) Create(_ context.Context, t models.ABTest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := t
	f.tests[t.ID] = &copied
	return nil
}

func (f *fakeABTests) ListRunning(_ context.Context) ([]models.ABTest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.ABTest
	for _, t := range f.tests {
		if t.Status == models.ABTestRunning {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (f *fakeABTests) HasRunningForModelType(_ context.Context, modelType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.tests {
		if t.ModelType == modelType && t.Status == models.ABTestRunning {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeABTests) UpdateMetrics(_ context.Context, id string, control, treatment models.VariantMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tests[id]
	if !ok || t.Status != models.ABTestRunning {
		return database.ErrTestConcluded
	}
	t.ControlMetrics = control
	t.TreatmentMetrics = treatment
	return nil
}

func (f *fakeABTests) Conclude(_ context.Context, id string, status models.ABTestStatus, conclusion string, control, treatment models.VariantMetrics, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tests[id]
	if !ok || t.Status != models.ABTestRunning {
		return database.ErrTestConcluded
	}
	t.Status = status
	t.Conclusion = conclusion
	t.ControlMetrics = control
	t.TreatmentMetrics = treatment
	t.EndedAt = &endedAt
	return nil
}

func (f *fakeABTests) get(id string) models.ABTest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tests[id]
}

type fakeVersions struct {
	mu       sync.Mutex
	versions []models.ModelVersion
	perf     map[string]models.ModelPerformance
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{perf: make(map[string]models.ModelPerformance)}
}

func (f *fakeVersions) Create(_ context.Context, mv models.ModelVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, mv)
	return nil
}

func (f *fakeVersions) CurrentProduction(_ context.Context, modelType string) (*models.ModelVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *models.ModelVersion
	for i := range f.versions {
		v := &f.versions[i]
		if v.ModelType != modelType || v.Status != models.ModelProduction {
			continue
		}
		if best == nil || (v.PromotedAt != nil && best.PromotedAt != nil && v.PromotedAt.After(*best.PromotedAt)) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeVersions) PreviousProduction(_ context.Context, modelType string) (*models.ModelVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *models.ModelVersion
	for i := range f.versions {
		v := &f.versions[i]
		if v.ModelType != modelType || v.Status != models.ModelRetired || v.PromotedAt == nil {
			continue
		}
		if best == nil || (v.RetiredAt != nil && best.RetiredAt != nil && v.RetiredAt.After(*best.RetiredAt)) {
			best = v
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeVersions) GetByVersion(_ context.Context, modelType, version string) (*models.ModelVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.versions {
		v := &f.versions[i]
		if v.ModelType == modelType && v.Version == version {
			copied := *v
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeVersions) Promote(_ context.Context, modelType, version string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.versions {
		v := &f.versions[i]
		if v.ModelType == modelType && v.Version == version {
			v.Status = models.ModelProduction
			promoted := at
			v.PromotedAt = &promoted
			v.RetiredAt = nil
			return nil
		}
	}
	return nil
}

func (f *fakeVersions) Retire(_ context.Context, modelType, version string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.versions {
		v := &f.versions[i]
		if v.ModelType == modelType && v.Version == version {
			v.Status = models.ModelRetired
			retired := at
			v.RetiredAt = &retired
			return nil
		}
	}
	return nil
}

func (f *fakeVersions) SavePerformance(_ context.Context, p models.ModelPerformance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perf[p.ModelVersion] = p
	return nil
}

func (f *fakeVersions) BaselineAccuracy(_ context.Context, version string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perf[version].Accuracy, nil
}

type fakeCache struct {
	mu    sync.Mutex
	stats []models.StrategyStats
	sent  map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{sent: make(map[string]bool)}
}

func (f *fakeCache) GetStrategyStats(context.Context) ([]models.StrategyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeCache) SetStrategyStats(_ context.Context, stats []models.StrategyStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
	return nil
}

func (f *fakeCache) SummarySentOn(_ context.Context, day time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[day.Format("2006-01-02")], nil
}

func (f *fakeCache) MarkSummarySent(_ context.Context, day time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[day.Format("2006-01-02")] = true
	return nil
}

func mkTrade(strategy, version string, exit time.Time, pnl float64) models.TradeOutcome {
	entry := exit.Add(-30 * time.Minute)
	return models.TradeOutcome{
		ID:           uuid.New().String(),
		StrategyID:   strategy,
		ModelVersion: version,
		Symbol:       "BTC/USDT",
		Direction:    "long",
		EntryTime:    entry,
		ExitTime:     &exit,
		EntryPrice:   decimal.NewFromInt(50000),
		ExitPrice:    decimal.NewFromFloat(50000 + pnl),
		Quantity:     decimal.NewFromFloat(0.1),
		NetPnL:       decimal.NewFromFloat(pnl),
		GrossPnL:     decimal.NewFromFloat(pnl),
		MaxFavorable: decimal.NewFromFloat(absFloat(pnl) * 1.5),
		MaxAdverse:   decimal.NewFromFloat(absFloat(pnl) * 0.5),
		IsComplete:   true,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// recordingNotifier captures alerts for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) bySeverity(s Severity) []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Alert
	for _, a := range n.alerts {
		if a.Severity == s {
			out = append(out, a)
		}
	}
	return out
}
