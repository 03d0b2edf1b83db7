package models

import (
	"time"
)

// OptimizationType enumerates the recurring task kinds the engine dispatches.
type OptimizationType string

const (
	OptimizationHyperparameter   OptimizationType = "hyperparameter"
	OptimizationFeatureSelection OptimizationType = "feature_selection"
	OptimizationStrategyWeights  OptimizationType = "strategy_weights"
	OptimizationThresholdTuning  OptimizationType = "threshold_tuning"
	OptimizationModelRetrain     OptimizationType = "model_retrain"
)

// TaskStatus is the lifecycle state of a queue item.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Frequency controls how a completed task is rescheduled.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	// FrequencyMinute exists for exercising the queue in test deployments.
	FrequencyMinute Frequency = "minute"
)

// Interval returns the wall-clock spacing for the frequency. Unknown values
// fall back to daily, matching how unrecognized schedules are treated.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMinute:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

// OptimizationTask is one recurring item in the optimization queue. At most
// one pending task may exist per (type, component), and the pending→running
// transition is exclusive so a task is never picked up twice.
type OptimizationTask struct {
	ID                  string           `json:"id" db:"id"`
	Type                OptimizationType `json:"task_type" db:"task_type"`
	ComponentID         string           `json:"component_id" db:"component_id"`
	Frequency           Frequency        `json:"frequency" db:"frequency"`
	Priority            int              `json:"priority" db:"priority"` // lower = more urgent
	Config              map[string]any   `json:"config" db:"config"`
	NextRunAt           time.Time        `json:"next_run_at" db:"next_run_at"`
	LastRunAt           *time.Time       `json:"last_run_at,omitempty" db:"last_run_at"`
	Status              TaskStatus       `json:"status" db:"status"`
	LastResult          map[string]any   `json:"last_result,omitempty" db:"last_result"`
	LastError           *string          `json:"last_error,omitempty" db:"last_error"`
	ConsecutiveFailures int              `json:"consecutive_failures" db:"consecutive_failures"`
	Enabled             bool             `json:"enabled" db:"enabled"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// ImprovementEvent is the append-only audit record of every change applied to
// the system. Never mutated after creation.
type ImprovementEvent struct {
	ID            string         `json:"id" db:"id"`
	EventType     string         `json:"event_type" db:"event_type"`
	ComponentID   string         `json:"component_id" db:"component_id"`
	TriggerReason string         `json:"trigger_reason" db:"trigger_reason"`
	Before        map[string]any `json:"before,omitempty" db:"before_state"`
	After         map[string]any `json:"after,omitempty" db:"after_state"`
	Automated     bool           `json:"automated" db:"automated"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// Audit event types appended by the engine and its services.
const (
	EventTaskCompleted    = "task_completed"
	EventTaskDisabled     = "task_disabled"
	EventModelStaged      = "model_staged"
	EventModelPromoted    = "model_promoted"
	EventModelRollback    = "model_rollback"
	EventDriftDetected    = "drift_detected"
	EventABTestStarted    = "ab_test_started"
	EventABTestConcluded  = "ab_test_concluded"
	EventDailySummarySent = "daily_summary_sent"
)
