package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeOutcome is one closed or open trade. Records are created when a trade
// opens and mutated once on close; a complete trade is never modified again.
type TradeOutcome struct {
	ID              string          `json:"id" db:"id"`
	StrategyID      string          `json:"strategy_id" db:"strategy_id"`
	ModelVersion    string          `json:"model_version" db:"model_version"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Direction       string          `json:"direction" db:"direction"` // "long" or "short"
	EntryTime       time.Time       `json:"entry_time" db:"entry_time"`
	ExitTime        *time.Time      `json:"exit_time,omitempty" db:"exit_time"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice       decimal.Decimal `json:"exit_price" db:"exit_price"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	GrossPnL        decimal.Decimal `json:"gross_pnl" db:"gross_pnl"`
	NetPnL          decimal.Decimal `json:"net_pnl" db:"net_pnl"`
	Commission      decimal.Decimal `json:"commission" db:"commission"`
	Slippage        decimal.Decimal `json:"slippage" db:"slippage"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	MaxFavorable    decimal.Decimal `json:"max_favorable_excursion" db:"max_favorable_excursion"`
	MaxAdverse      decimal.Decimal `json:"max_adverse_excursion" db:"max_adverse_excursion"`
	IsComplete      bool            `json:"is_complete" db:"is_complete"`
}

// IsWin reports whether the trade closed with positive net P&L.
func (t *TradeOutcome) IsWin() bool {
	return t.NetPnL.IsPositive()
}

// StrategyStats is a per-strategy aggregate over a time window.
type StrategyStats struct {
	StrategyID string  `json:"strategy_id"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	NetPnL     float64 `json:"net_pnl"`
}

// WinRate returns wins/trades, zero when there are no trades.
func (s StrategyStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}
