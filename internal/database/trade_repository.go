package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tradepilot/engine/internal/models"
)

// TradeRepository reads completed trade outcomes for the analysis and
// optimization routines. Trades are written by the execution system; this
// side only reads.
type TradeRepository struct {
	pool DatabasePool
}

func NewTradeRepository(pool DatabasePool) *TradeRepository {
	return &TradeRepository{pool: pool}
}

const tradeColumns = `id, strategy_id, model_version, symbol, direction,
		entry_time, exit_time, entry_price, exit_price, quantity,
		gross_pnl, net_pnl, commission, slippage, duration_seconds,
		max_favorable_excursion, max_adverse_excursion, is_complete`

// StrategyStatsBetween aggregates completed trades per strategy over a window.
func (r *TradeRepository) StrategyStatsBetween(ctx context.Context, from, to time.Time) ([]models.StrategyStats, error) {
	query := `
		SELECT strategy_id, COUNT(*),
			COUNT(*) FILTER (WHERE net_pnl > 0),
			COALESCE(SUM(net_pnl), 0)::float8
		FROM trade_outcomes
		WHERE is_complete = true AND exit_time >= $1 AND exit_time < $2
		GROUP BY strategy_id
		ORDER BY strategy_id
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy stats: %w", err)
	}
	defer rows.Close()

	var stats []models.StrategyStats
	for rows.Next() {
		var s models.StrategyStats
		if err := rows.Scan(&s.StrategyID, &s.Trades, &s.Wins, &s.NetPnL); err != nil {
			return nil, fmt.Errorf("failed to scan strategy stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy stats: %w", err)
	}

	return stats, nil
}

// StrategyDailySeries holds one strategy's day-by-day net P&L over a window,
// plus totals for win-rate computation. Days are contiguous in query order.
type StrategyDailySeries struct {
	StrategyID string
	DailyPnL   []float64
	Trades     int
	Wins       int
}

// DailySeriesSince returns the per-strategy daily P&L series since the cutoff,
// the raw material for Sharpe, volatility and weight allocation.
func (r *TradeRepository) DailySeriesSince(ctx context.Context, since time.Time) ([]StrategyDailySeries, error) {
	query := `
		SELECT strategy_id, date_trunc('day', exit_time),
			COALESCE(SUM(net_pnl), 0)::float8,
			COUNT(*), COUNT(*) FILTER (WHERE net_pnl > 0)
		FROM trade_outcomes
		WHERE is_complete = true AND exit_time >= $1
		GROUP BY strategy_id, date_trunc('day', exit_time)
		ORDER BY strategy_id, date_trunc('day', exit_time)
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily series: %w", err)
	}
	defer rows.Close()

	var series []StrategyDailySeries
	for rows.Next() {
		var strategyID string
		var day time.Time
		var pnl float64
		var trades, wins int
		if err := rows.Scan(&strategyID, &day, &pnl, &trades, &wins); err != nil {
			return nil, fmt.Errorf("failed to scan daily series: %w", err)
		}
		if len(series) == 0 || series[len(series)-1].StrategyID != strategyID {
			series = append(series, StrategyDailySeries{StrategyID: strategyID})
		}
		last := &series[len(series)-1]
		last.DailyPnL = append(last.DailyPnL, pnl)
		last.Trades += trades
		last.Wins += wins
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily series: %w", err)
	}

	return series, nil
}

// ListCompleted returns completed trades in a window, oldest first. An empty
// strategyID matches all strategies.
func (r *TradeRepository) ListCompleted(ctx context.Context, strategyID string, from, to time.Time, limit int) ([]models.TradeOutcome, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM trade_outcomes
		WHERE is_complete = true AND exit_time >= $1 AND exit_time < $2
		AND ($3 = '' OR strategy_id = $3)
		ORDER BY exit_time ASC
		LIMIT $4
	`, tradeColumns)

	rows, err := r.pool.Query(ctx, query, from, to, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// ListByModelVersion returns completed trades attributed to a model version
// since the cutoff, oldest first.
func (r *TradeRepository) ListByModelVersion(ctx context.Context, version string, since time.Time) ([]models.TradeOutcome, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM trade_outcomes
		WHERE is_complete = true AND model_version = $1 AND exit_time >= $2
		ORDER BY exit_time ASC
	`, tradeColumns)

	rows, err := r.pool.Query(ctx, query, version, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for model %s: %w", version, err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]models.TradeOutcome, error) {
	var trades []models.TradeOutcome
	for rows.Next() {
		var t models.TradeOutcome
		err := rows.Scan(
			&t.ID, &t.StrategyID, &t.ModelVersion, &t.Symbol, &t.Direction,
			&t.EntryTime, &t.ExitTime, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.GrossPnL, &t.NetPnL, &t.Commission, &t.Slippage, &t.DurationSeconds,
			&t.MaxFavorable, &t.MaxAdverse, &t.IsComplete,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
