package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketCondition is one market snapshot per (symbol, timestamp). Append-only.
type MarketCondition struct {
	Symbol         string          `json:"symbol" db:"symbol"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	Open           decimal.Decimal `json:"open" db:"open"`
	High           decimal.Decimal `json:"high" db:"high"`
	Low            decimal.Decimal `json:"low" db:"low"`
	Close          decimal.Decimal `json:"close" db:"close"`
	Volume         decimal.Decimal `json:"volume" db:"volume"`
	RSI            float64         `json:"rsi" db:"rsi"`
	EMAFast        float64         `json:"ema_fast" db:"ema_fast"`
	EMASlow        float64         `json:"ema_slow" db:"ema_slow"`
	ATR            float64         `json:"atr" db:"atr"`
	BollingerUpper float64         `json:"bollinger_upper" db:"bollinger_upper"`
	BollingerLower float64         `json:"bollinger_lower" db:"bollinger_lower"`
	MACD           float64         `json:"macd" db:"macd"`
	MACDSignal     float64         `json:"macd_signal" db:"macd_signal"`
	Regime         string          `json:"regime" db:"regime"` // "trending", "ranging", "volatile"
	Volatility     float64         `json:"volatility" db:"volatility"`
}
