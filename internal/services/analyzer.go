package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tradepilot/engine/internal/config"
	"github.com/tradepilot/engine/internal/models"
)

const (
	statsWindow   = 24 * time.Hour
	trendLookback = 30 // days

	// trendStabilityBand is the relative change below which a metric is
	// called stable rather than improving or declining.
	trendStabilityBand = 0.05

	minTradesPerHour = 5

	priorityUrgent = 1
	priorityHigh   = 2
)

// Trend labels the direction of a metric over the lookback window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// TrendReport summarizes portfolio-level metric direction.
type TrendReport struct {
	NetPnL     Trend `json:"net_pnl"`
	Drawdown   Trend `json:"drawdown"`
	Volatility Trend `json:"volatility"`
}

// StreakStats captures win/loss streaks over a trade sequence. Current is
// positive for a win streak, negative for a loss streak.
type StreakStats struct {
	Current     int `json:"current"`
	LongestWin  int `json:"longest_win"`
	LongestLoss int `json:"longest_loss"`
}

// TimePattern is the win rate for one hour of the day, for hours with enough
// trades to mean anything.
type TimePattern struct {
	Hour    int     `json:"hour"`
	Trades  int     `json:"trades"`
	WinRate float64 `json:"win_rate"`
}

// PerformanceAnalyzer watches strategy performance and reacts by queueing
// optimization work and alerting. It never changes trading behavior directly.
type PerformanceAnalyzer struct {
	cfg         config.ImprovementConfig
	trades      TradeStore
	predictions PredictionStore
	queue       QueueStore
	events      EventStore
	cache       StatsCache
	notifier    Notifier
	logger      *logrus.Logger
	now         func() time.Time
	newID       func() string
}

func NewPerformanceAnalyzer(cfg config.ImprovementConfig, trades TradeStore, predictions PredictionStore, queue QueueStore, events EventStore, cache StatsCache, notifier Notifier, logger *logrus.Logger) *PerformanceAnalyzer {
	return &PerformanceAnalyzer{
		cfg:         cfg,
		trades:      trades,
		predictions: predictions,
		queue:       queue,
		events:      events,
		cache:       cache,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

// StrategyStats returns the rolling per-strategy aggregates, served from
// cache when fresh.
func (a *PerformanceAnalyzer) StrategyStats(ctx context.Context) ([]models.StrategyStats, error) {
	if a.cache != nil {
		if cached, err := a.cache.GetStrategyStats(ctx); err == nil && cached != nil {
			return cached, nil
		}
	}

	now := a.now()
	stats, err := a.trades.StrategyStatsBetween(ctx, now.Add(-statsWindow), now)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.SetStrategyStats(ctx, stats); err != nil {
			a.logger.WithField("error", err.Error()).Warn("Failed to cache strategy stats")
		}
	}
	return stats, nil
}

// Analyze inspects recent performance and enqueues optimization work for
// strategies breaching their floors. Enqueueing is idempotent: a strategy
// with the fix already scheduled is left alone.
func (a *PerformanceAnalyzer) Analyze(ctx context.Context) error {
	stats, err := a.StrategyStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load strategy stats: %w", err)
	}

	for _, s := range stats {
		if s.Trades < a.cfg.MinTradesForWinRate {
			continue
		}
		if s.WinRate() < a.cfg.MinWinRate {
			reason := fmt.Sprintf("win rate %.1f%% over %d trades, floor %.1f%%",
				s.WinRate()*100, s.Trades, a.cfg.MinWinRate*100)
			if err := a.enqueueOnce(ctx, models.OptimizationHyperparameter, s.StrategyID, priorityUrgent, reason); err != nil {
				return err
			}
		}
	}

	series, err := a.trades.DailySeriesSince(ctx, a.now().AddDate(0, 0, -trendLookback))
	if err != nil {
		return fmt.Errorf("failed to load daily series: %w", err)
	}
	for _, s := range series {
		if len(s.DailyPnL) < 7 {
			continue
		}
		if sharpe := sharpeRatio(s.DailyPnL); sharpe < a.cfg.MinSharpe {
			reason := fmt.Sprintf("%s sharpe %.2f over %d days, floor %.2f",
				s.StrategyID, sharpe, len(s.DailyPnL), a.cfg.MinSharpe)
			if err := a.enqueueOnce(ctx, models.OptimizationModelRetrain, dominantModelType, priorityHigh, reason); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *PerformanceAnalyzer) enqueueOnce(ctx context.Context, taskType models.OptimizationType, componentID string, priority int, reason string) error {
	scheduled, err := a.queue.HasScheduled(ctx, taskType, componentID)
	if err != nil {
		return err
	}
	if scheduled {
		return nil
	}

	now := a.now()
	task := models.OptimizationTask{
		ID:          a.newID(),
		Type:        taskType,
		ComponentID: componentID,
		Frequency:   models.FrequencyDaily,
		Priority:    priority,
		Config:      map[string]any{"trigger": reason},
		NextRunAt:   now,
		Status:      models.TaskPending,
		Enabled:     true,
		UpdatedAt:   now,
	}
	if err := a.queue.Enqueue(ctx, task); err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"task_type":    string(taskType),
		"component_id": componentID,
		"reason":       reason,
	}).Warn("Performance breach, optimization queued")

	if a.notifier != nil {
		_ = a.notifier.Notify(ctx, Alert{
			Title:    fmt.Sprintf("Performance breach: %s", componentID),
			Body:     fmt.Sprintf("%s. Queued %s.", reason, taskType),
			Severity: SeverityWarning,
		})
	}
	return nil
}

// Trends reports the direction of portfolio net P&L, drawdown and volatility
// over the trend lookback.
func (a *PerformanceAnalyzer) Trends(ctx context.Context) (TrendReport, error) {
	daily, err := a.portfolioDaily(ctx)
	if err != nil {
		return TrendReport{}, err
	}
	return trendReport(daily), nil
}

// portfolioDaily collapses the per-strategy daily series into one
// portfolio-level daily P&L sequence over the trend lookback.
func (a *PerformanceAnalyzer) portfolioDaily(ctx context.Context) ([]float64, error) {
	series, err := a.trades.DailySeriesSince(ctx, a.now().AddDate(0, 0, -trendLookback))
	if err != nil {
		return nil, err
	}

	var daily []float64
	for _, s := range series {
		for i, v := range s.DailyPnL {
			if i < len(daily) {
				daily[i] += v
			} else {
				daily = append(daily, v)
			}
		}
	}
	return daily, nil
}

func trendReport(daily []float64) TrendReport {
	return TrendReport{
		NetPnL:     trendOf(daily, true),
		Drawdown:   trendOf(drawdownSeries(daily), false),
		Volatility: trendOf(rollingAbs(daily), false),
	}
}

// trendOf splits the series into a historical and a recent half and compares
// their means. Changes within the stability band are stable. For metrics
// where lower is better the direction flips.
func trendOf(values []float64, higherIsBetter bool) Trend {
	if len(values) < 4 {
		return TrendStable
	}
	mid := len(values) / 2
	historical := mean(values[:mid])
	recent := mean(values[mid:])

	scale := absFloat(historical)
	if scale < 1e-9 {
		scale = 1e-9
	}
	change := (recent - historical) / scale
	if absFloat(change) <= trendStabilityBand {
		return TrendStable
	}
	if (change > 0) == higherIsBetter {
		return TrendImproving
	}
	return TrendDeclining
}

func drawdownSeries(daily []float64) []float64 {
	out := make([]float64, len(daily))
	var cum, peak float64
	for i, v := range daily {
		cum += v
		if cum > peak {
			peak = cum
		}
		out[i] = peak - cum
	}
	return out
}

func rollingAbs(daily []float64) []float64 {
	out := make([]float64, len(daily))
	for i, v := range daily {
		out[i] = absFloat(v)
	}
	return out
}

// Streaks computes win/loss streaks over a chronological trade sequence.
func Streaks(trades []models.TradeOutcome) StreakStats {
	var stats StreakStats
	for i := range trades {
		if trades[i].IsWin() {
			if stats.Current > 0 {
				stats.Current++
			} else {
				stats.Current = 1
			}
			if stats.Current > stats.LongestWin {
				stats.LongestWin = stats.Current
			}
		} else {
			if stats.Current < 0 {
				stats.Current--
			} else {
				stats.Current = -1
			}
			if -stats.Current > stats.LongestLoss {
				stats.LongestLoss = -stats.Current
			}
		}
	}
	return stats
}

// TimePatterns buckets trades by entry hour and reports win rates for hours
// with enough volume, best hour first.
func TimePatterns(trades []models.TradeOutcome) []TimePattern {
	type bucket struct{ trades, wins int }
	hours := make(map[int]*bucket)
	for i := range trades {
		h := trades[i].EntryTime.Hour()
		b := hours[h]
		if b == nil {
			b = &bucket{}
			hours[h] = b
		}
		b.trades++
		if trades[i].IsWin() {
			b.wins++
		}
	}

	var patterns []TimePattern
	for h, b := range hours {
		if b.trades < minTradesPerHour {
			continue
		}
		patterns = append(patterns, TimePattern{
			Hour:    h,
			Trades:  b.trades,
			WinRate: float64(b.wins) / float64(b.trades),
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].WinRate != patterns[j].WinRate {
			return patterns[i].WinRate > patterns[j].WinRate
		}
		return patterns[i].Hour < patterns[j].Hour
	})
	return patterns
}

// MaybeSendDailySummary sends the daily digest once per calendar day, after
// the configured local time. The Redis marker is the fast path; the audit
// trail is the durable guard. Returns whether a summary went out.
func (a *PerformanceAnalyzer) MaybeSendDailySummary(ctx context.Context) (bool, error) {
	now := a.now()
	after, err := time.Parse("15:04", a.cfg.DailySummaryAfter)
	if err != nil {
		return false, fmt.Errorf("invalid daily summary time: %w", err)
	}
	gate := time.Date(now.Year(), now.Month(), now.Day(), after.Hour(), after.Minute(), 0, 0, now.Location())
	if now.Before(gate) {
		return false, nil
	}

	if a.cache != nil {
		if sent, err := a.cache.SummarySentOn(ctx, now); err == nil && sent {
			return false, nil
		}
	}
	sent, err := a.events.ExistsOn(ctx, models.EventDailySummarySent, now)
	if err != nil {
		return false, err
	}
	if sent {
		if a.cache != nil {
			_ = a.cache.MarkSummarySent(ctx, now)
		}
		return false, nil
	}

	body, err := a.composeDailySummary(ctx, now)
	if err != nil {
		return false, err
	}

	if a.notifier != nil {
		_ = a.notifier.Notify(ctx, Alert{
			Title:    fmt.Sprintf("Daily summary %s", now.Format("2006-01-02")),
			Body:     body,
			Severity: SeverityInfo,
		})
	}

	ev := models.ImprovementEvent{
		ID:          a.newID(),
		EventType:   models.EventDailySummarySent,
		ComponentID: "portfolio",
		Automated:   true,
		CreatedAt:   now,
	}
	if err := a.events.Append(ctx, ev); err != nil {
		return false, err
	}
	if a.cache != nil {
		_ = a.cache.MarkSummarySent(ctx, now)
	}

	a.logger.Info("Daily summary sent")
	return true, nil
}

func (a *PerformanceAnalyzer) composeDailySummary(ctx context.Context, now time.Time) (string, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats, err := a.trades.StrategyStatsBetween(ctx, dayStart, now)
	if err != nil {
		return "", err
	}
	trades, err := a.trades.ListCompleted(ctx, "", dayStart, now, maxTradesPerOptimization)
	if err != nil {
		return "", err
	}
	daily, err := a.portfolioDaily(ctx)
	if err != nil {
		return "", err
	}
	trends := trendReport(daily)

	var totalTrades, totalWins int
	var totalPnL float64
	best := ""
	bestPnL := 0.0
	for _, s := range stats {
		totalTrades += s.Trades
		totalWins += s.Wins
		totalPnL += s.NetPnL
		if best == "" || s.NetPnL > bestPnL {
			best, bestPnL = s.StrategyID, s.NetPnL
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trades: %d, Net P&L: %.2f", totalTrades, totalPnL)
	if totalTrades > 0 {
		fmt.Fprintf(&b, ", Win rate: %.1f%%", float64(totalWins)/float64(totalTrades)*100)
	}
	if best != "" {
		fmt.Fprintf(&b, "\nBest strategy: %s (%.2f)", best, bestPnL)
	}
	if a.predictions != nil {
		accuracy, n, err := a.predictions.AccuracyForVersion(ctx, "", dayStart)
		if err != nil {
			return "", err
		}
		if n > 0 {
			fmt.Fprintf(&b, "\nPrediction accuracy: %.1f%% over %d predictions", accuracy*100, n)
		}
	}
	fmt.Fprintf(&b, "\nTrend: pnl %s, drawdown %s, volatility %s",
		trends.NetPnL, trends.Drawdown, trends.Volatility)
	fmt.Fprintf(&b, "\nMax drawdown (%dd): %.2f", trendLookback, maxDrawdown(daily))

	streaks := Streaks(trades)
	fmt.Fprintf(&b, "\nStreaks: current %+d, longest win %d, longest loss %d",
		streaks.Current, streaks.LongestWin, streaks.LongestLoss)

	if patterns := TimePatterns(trades); len(patterns) > 0 {
		bestHour := patterns[0]
		worstHour := patterns[len(patterns)-1]
		fmt.Fprintf(&b, "\nBest hour: %02d:00 (%.0f%%), worst: %02d:00 (%.0f%%)",
			bestHour.Hour, bestHour.WinRate*100, worstHour.Hour, worstHour.WinRate*100)
	}

	return b.String(), nil
}
