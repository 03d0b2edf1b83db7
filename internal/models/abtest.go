package models

import (
	"time"
)

// ABTestStatus is the experiment lifecycle state. Transitions only move
// forward: running → promoted | rejected. Terminal states are final.
type ABTestStatus string

const (
	ABTestRunning  ABTestStatus = "running"
	ABTestPromoted ABTestStatus = "promoted"
	ABTestRejected ABTestStatus = "rejected"
)

// VariantMetrics is the rolling metric snapshot for one side of an experiment.
type VariantMetrics struct {
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
	NetPnL     float64 `json:"net_pnl"`
	Sharpe     float64 `json:"sharpe"`
}

// Metric returns the named success metric value.
func (m VariantMetrics) Metric(name string) float64 {
	switch name {
	case "win_rate":
		return m.WinRate
	case "net_pnl":
		return m.NetPnL
	default:
		return m.Sharpe
	}
}

// ABTest compares a control and a treatment model version under a traffic
// split until the scheduled duration elapses or an early conclusion fires.
type ABTest struct {
	ID                  string         `json:"id" db:"id"`
	Name                string         `json:"name" db:"name"`
	ModelType           string         `json:"model_type" db:"model_type"`
	ControlVersion      string         `json:"control_version" db:"control_version"`
	TreatmentVersion    string         `json:"treatment_version" db:"treatment_version"`
	ControlTrafficPct   int            `json:"control_traffic_pct" db:"control_traffic_pct"`
	TreatmentTrafficPct int            `json:"treatment_traffic_pct" db:"treatment_traffic_pct"`
	StartedAt           time.Time      `json:"started_at" db:"started_at"`
	Duration            time.Duration  `json:"duration" db:"duration"`
	SuccessMetric       string         `json:"success_metric" db:"success_metric"`
	MinImprovementPct   float64        `json:"min_improvement_pct" db:"min_improvement_pct"`
	ControlMetrics      VariantMetrics `json:"control_metrics" db:"control_metrics"`
	TreatmentMetrics    VariantMetrics `json:"treatment_metrics" db:"treatment_metrics"`
	Status              ABTestStatus   `json:"status" db:"status"`
	Conclusion          string         `json:"conclusion" db:"conclusion"`
	EndedAt             *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
}

// IsTerminal reports whether the experiment has concluded.
func (t *ABTest) IsTerminal() bool {
	return t.Status == ABTestPromoted || t.Status == ABTestRejected
}
