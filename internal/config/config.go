package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Improvement ImprovementConfig `mapstructure:"improvement"`
	Optimizer   OptimizerConfig   `mapstructure:"optimizer"`
	Trainer     TrainerConfig     `mapstructure:"trainer"`
	ABTest      ABTestConfig      `mapstructure:"ab_test"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// ImprovementConfig drives the improvement cycle loop.
type ImprovementConfig struct {
	CycleInterval          time.Duration `mapstructure:"cycle_interval"`
	CycleBackoff           time.Duration `mapstructure:"cycle_backoff"`
	QueueBatchSize         int           `mapstructure:"queue_batch_size"`
	ValidationBatchSize    int           `mapstructure:"validation_batch_size"`
	ValidationFanOut       int           `mapstructure:"validation_fan_out"`
	DailySummaryAfter      string        `mapstructure:"daily_summary_after"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	MinWinRate             float64       `mapstructure:"min_win_rate"`
	MinTradesForWinRate    int           `mapstructure:"min_trades_for_win_rate"`
	MinSharpe              float64       `mapstructure:"min_sharpe"`
	DriftThreshold         float64       `mapstructure:"drift_threshold"`
	DriftMinSamples        int           `mapstructure:"drift_min_samples"`
}

// OptimizerConfig holds genetic algorithm and selection parameters.
type OptimizerConfig struct {
	PopulationSize      int     `mapstructure:"population_size"`
	Generations         int     `mapstructure:"generations"`
	MutationRate        float64 `mapstructure:"mutation_rate"`
	MutationScale       float64 `mapstructure:"mutation_scale"`
	ImportanceThreshold float64 `mapstructure:"importance_threshold"`
	MaxFeatures         int     `mapstructure:"max_features"`
	PredictionSample    int     `mapstructure:"prediction_sample"`
	WeightLookbackDays  int     `mapstructure:"weight_lookback_days"`
	MinWeight           float64 `mapstructure:"min_weight"`
	MaxWeight           float64 `mapstructure:"max_weight"`
	ThresholdMinSamples int     `mapstructure:"threshold_min_samples"`
	Seed                int64   `mapstructure:"seed"`
}

type TrainerConfig struct {
	LookbackDays int     `mapstructure:"lookback_days"`
	TestSplit    float64 `mapstructure:"test_split"`
	MinSharpe    float64 `mapstructure:"min_sharpe"`
	MinWinRate   float64 `mapstructure:"min_win_rate"`
}

type ABTestConfig struct {
	Duration            time.Duration `mapstructure:"duration"`
	ControlTrafficPct   int           `mapstructure:"control_traffic_pct"`
	TreatmentTrafficPct int           `mapstructure:"treatment_traffic_pct"`
	SuccessMetric       string        `mapstructure:"success_metric"`
	MinImprovementPct   float64       `mapstructure:"min_improvement_pct"`
	RejectMarginPct     float64       `mapstructure:"reject_margin_pct"`
	MaturationPeriod    time.Duration `mapstructure:"maturation_period"`
	RejectAfter         time.Duration `mapstructure:"reject_after"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if _, err := time.Parse("15:04", c.Improvement.DailySummaryAfter); err != nil {
		return fmt.Errorf("invalid daily_summary_after %q, expected HH:MM: %w", c.Improvement.DailySummaryAfter, err)
	}
	if c.Improvement.CycleInterval <= 0 {
		return fmt.Errorf("cycle_interval must be positive, got %s", c.Improvement.CycleInterval)
	}
	if c.Optimizer.MinWeight >= c.Optimizer.MaxWeight {
		return fmt.Errorf("optimizer min_weight %.2f must be below max_weight %.2f",
			c.Optimizer.MinWeight, c.Optimizer.MaxWeight)
	}
	if c.ABTest.ControlTrafficPct+c.ABTest.TreatmentTrafficPct != 100 {
		return fmt.Errorf("ab test traffic split must sum to 100, got %d/%d",
			c.ABTest.ControlTrafficPct, c.ABTest.TreatmentTrafficPct)
	}
	return nil
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "tradepilot")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", 0)

	// Improvement cycle
	viper.SetDefault("improvement.cycle_interval", "15m")
	viper.SetDefault("improvement.cycle_backoff", "1m")
	viper.SetDefault("improvement.queue_batch_size", 5)
	viper.SetDefault("improvement.validation_batch_size", 1000)
	viper.SetDefault("improvement.validation_fan_out", 4)
	viper.SetDefault("improvement.daily_summary_after", "20:00")
	viper.SetDefault("improvement.max_consecutive_failures", 3)
	viper.SetDefault("improvement.min_win_rate", 0.45)
	viper.SetDefault("improvement.min_trades_for_win_rate", 10)
	viper.SetDefault("improvement.min_sharpe", 0.5)
	viper.SetDefault("improvement.drift_threshold", 0.10)
	viper.SetDefault("improvement.drift_min_samples", 100)

	// Optimizer
	viper.SetDefault("optimizer.population_size", 20)
	viper.SetDefault("optimizer.generations", 10)
	viper.SetDefault("optimizer.mutation_rate", 0.1)
	viper.SetDefault("optimizer.mutation_scale", 0.1)
	viper.SetDefault("optimizer.importance_threshold", 0.01)
	viper.SetDefault("optimizer.max_features", 50)
	viper.SetDefault("optimizer.prediction_sample", 5000)
	viper.SetDefault("optimizer.weight_lookback_days", 30)
	viper.SetDefault("optimizer.min_weight", 0.05)
	viper.SetDefault("optimizer.max_weight", 0.50)
	viper.SetDefault("optimizer.threshold_min_samples", 100)
	viper.SetDefault("optimizer.seed", 0)

	// Trainer
	viper.SetDefault("trainer.lookback_days", 90)
	viper.SetDefault("trainer.test_split", 0.2)
	viper.SetDefault("trainer.min_sharpe", 0.8)
	viper.SetDefault("trainer.min_win_rate", 0.52)

	// A/B testing
	viper.SetDefault("ab_test.duration", "72h")
	viper.SetDefault("ab_test.control_traffic_pct", 90)
	viper.SetDefault("ab_test.treatment_traffic_pct", 10)
	viper.SetDefault("ab_test.success_metric", "sharpe")
	viper.SetDefault("ab_test.min_improvement_pct", 5.0)
	viper.SetDefault("ab_test.reject_margin_pct", -10.0)
	viper.SetDefault("ab_test.maturation_period", "24h")
	viper.SetDefault("ab_test.reject_after", "12h")
}
