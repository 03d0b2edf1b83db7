package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradepilot/engine/internal/models"
)

// MarketRepository reads market condition snapshots. Snapshots are written by
// the data-collection side and are append-only here.
type MarketRepository struct {
	pool DatabasePool
}

func NewMarketRepository(pool DatabasePool) *MarketRepository {
	return &MarketRepository{pool: pool}
}

const marketColumns = `symbol, timestamp, open, high, low, close, volume,
		rsi, ema_fast, ema_slow, atr, bollinger_upper, bollinger_lower,
		macd, macd_signal, regime, volatility`

// SnapshotAt returns the first snapshot for the symbol at or after ts, within
// the tolerance window. Returns (nil, nil) when no snapshot is close enough;
// validation of the corresponding prediction is then deferred.
func (r *MarketRepository) SnapshotAt(ctx context.Context, symbol string, ts time.Time, tolerance time.Duration) (*models.MarketCondition, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM market_conditions
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC
		LIMIT 1
	`, marketColumns)

	row := r.pool.QueryRow(ctx, query, symbol, ts, ts.Add(tolerance))
	mc, err := scanMarketCondition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query snapshot for %s: %w", symbol, err)
	}

	return mc, nil
}

// RecentSnapshots returns up to limit snapshots for the symbol before the
// cutoff, oldest first, for indicator backfill.
func (r *MarketRepository) RecentSnapshots(ctx context.Context, symbol string, before time.Time, limit int) ([]models.MarketCondition, error) {
	query := fmt.Sprintf(`
		SELECT * FROM (
			SELECT %s
			FROM market_conditions
			WHERE symbol = $1 AND timestamp < $2
			ORDER BY timestamp DESC
			LIMIT $3
		) recent
		ORDER BY timestamp ASC
	`, marketColumns)

	rows, err := r.pool.Query(ctx, query, symbol, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", symbol, err)
	}
	defer rows.Close()

	var snapshots []models.MarketCondition
	for rows.Next() {
		mc, err := scanMarketCondition(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snapshots, nil
}

func scanMarketCondition(row interface{ Scan(dest ...any) error }) (*models.MarketCondition, error) {
	var mc models.MarketCondition
	err := row.Scan(
		&mc.Symbol, &mc.Timestamp, &mc.Open, &mc.High, &mc.Low, &mc.Close,
		&mc.Volume, &mc.RSI, &mc.EMAFast, &mc.EMASlow, &mc.ATR,
		&mc.BollingerUpper, &mc.BollingerLower, &mc.MACD, &mc.MACDSignal,
		&mc.Regime, &mc.Volatility,
	)
	if err != nil {
		return nil, err
	}
	return &mc, nil
}
