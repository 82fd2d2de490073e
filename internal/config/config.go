// Package config loads and validates the control plane's runtime configuration
// from environment variables, using viper for env binding and defaulting.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Environment is the deployment environment.
type Environment string

const (
	EnvProduction Environment = "PRODUCTION"
	EnvPaper      Environment = "PAPER"
)

// Config is the complete application configuration, sourced from the
// VG_* environment variables named in spec.md §6.
type Config struct {
	Environment       Environment
	DryRun            bool
	BaseCapital       decimal.Decimal
	MaxLossPerTrade   decimal.Decimal
	MaxCapitalPerTrade decimal.Decimal
	MaxTradesPerDay   int
	MaxDrawdownPct    decimal.Decimal
	MaxContractsPerInstrument int64

	DBPath        string
	LogDir        string
	KillSwitchFile string

	Broker       BrokerConfig
	Notification NotificationConfig
	Server       ServerConfig

	AnalysisIntervalSeconds int
	OrderTimeout            time.Duration
	OrderPollInterval       time.Duration
	MonitorBroadcastCadence time.Duration
	MonitorExitCadence      time.Duration
}

// BrokerConfig holds broker session credentials.
type BrokerConfig struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// NotificationConfig holds best-effort notification-sink credentials.
type NotificationConfig struct {
	WebhookURL string
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	Host string
	Port int
}

// Load reads configuration from the environment using viper, applying the
// spec's documented defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("VG_ENV", string(EnvProduction))
	v.SetDefault("VG_DRY_RUN", false)
	v.SetDefault("VG_BASE_CAPITAL", 1000000)
	v.SetDefault("VG_MAX_LOSS_PER_TRADE", 50000)
	v.SetDefault("VG_MAX_CAPITAL_PER_TRADE", 300000)
	v.SetDefault("MAX_TRADES_PER_DAY", 3)
	v.SetDefault("VG_MAX_DRAWDOWN_PCT", 0.15)
	v.SetDefault("VG_MAX_CONTRACTS_PER_INSTRUMENT", 1800)
	v.SetDefault("VG_DB_PATH", "./data")
	v.SetDefault("VG_LOG_DIR", "./logs")
	v.SetDefault("VG_KILL_SWITCH_FILE", "./KILL_SWITCH")
	v.SetDefault("VG_HOST", "0.0.0.0")
	v.SetDefault("VG_PORT", 8080)
	v.SetDefault("VG_ANALYSIS_INTERVAL_SECONDS", 1800)
	v.SetDefault("VG_ORDER_TIMEOUT_SECONDS", 10)
	v.SetDefault("VG_ORDER_POLL_INTERVAL_MS", 200)
	v.SetDefault("VG_MONITOR_BROADCAST_SECONDS", 1)
	v.SetDefault("VG_MONITOR_EXIT_SECONDS", 5)

	cfg := &Config{
		Environment:               Environment(v.GetString("VG_ENV")),
		DryRun:                    v.GetBool("VG_DRY_RUN"),
		BaseCapital:               decimal.NewFromFloat(v.GetFloat64("VG_BASE_CAPITAL")),
		MaxLossPerTrade:           decimal.NewFromFloat(v.GetFloat64("VG_MAX_LOSS_PER_TRADE")),
		MaxCapitalPerTrade:        decimal.NewFromFloat(v.GetFloat64("VG_MAX_CAPITAL_PER_TRADE")),
		MaxTradesPerDay:           v.GetInt("MAX_TRADES_PER_DAY"),
		MaxDrawdownPct:            decimal.NewFromFloat(v.GetFloat64("VG_MAX_DRAWDOWN_PCT")),
		MaxContractsPerInstrument: v.GetInt64("VG_MAX_CONTRACTS_PER_INSTRUMENT"),
		DBPath:                    v.GetString("VG_DB_PATH"),
		LogDir:                    v.GetString("VG_LOG_DIR"),
		KillSwitchFile:            v.GetString("VG_KILL_SWITCH_FILE"),
		Broker: BrokerConfig{
			AccessToken:  v.GetString("VG_BROKER_ACCESS_TOKEN"),
			RefreshToken: v.GetString("VG_BROKER_REFRESH_TOKEN"),
			ClientID:     v.GetString("VG_BROKER_CLIENT_ID"),
			ClientSecret: v.GetString("VG_BROKER_CLIENT_SECRET"),
		},
		Notification: NotificationConfig{
			WebhookURL: v.GetString("VG_NOTIFY_WEBHOOK_URL"),
		},
		Server: ServerConfig{
			Host: v.GetString("VG_HOST"),
			Port: v.GetInt("VG_PORT"),
		},
		AnalysisIntervalSeconds: v.GetInt("VG_ANALYSIS_INTERVAL_SECONDS"),
		OrderTimeout:            time.Duration(v.GetInt("VG_ORDER_TIMEOUT_SECONDS")) * time.Second,
		OrderPollInterval:       time.Duration(v.GetInt("VG_ORDER_POLL_INTERVAL_MS")) * time.Millisecond,
		MonitorBroadcastCadence: time.Duration(v.GetInt("VG_MONITOR_BROADCAST_SECONDS")) * time.Second,
		MonitorExitCadence:      time.Duration(v.GetInt("VG_MONITOR_EXIT_SECONDS")) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural invariants that would make the process unsafe
// to run; a failure here should exit the process with a non-zero code.
func (c *Config) Validate() error {
	if c.BaseCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: VG_BASE_CAPITAL must be positive")
	}
	if c.MaxCapitalPerTrade.GreaterThan(c.BaseCapital) {
		return fmt.Errorf("config: VG_MAX_CAPITAL_PER_TRADE cannot exceed VG_BASE_CAPITAL")
	}
	if c.MaxTradesPerDay <= 0 {
		return fmt.Errorf("config: MAX_TRADES_PER_DAY must be positive")
	}
	if c.MaxDrawdownPct.LessThanOrEqual(decimal.Zero) || c.MaxDrawdownPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: VG_MAX_DRAWDOWN_PCT must be in (0,1]")
	}
	if c.Environment != EnvProduction && c.Environment != EnvPaper {
		return fmt.Errorf("config: VG_ENV must be PRODUCTION or PAPER, got %q", c.Environment)
	}
	return nil
}

// IsPaperTrading reports whether live broker calls should be simulated.
func (c *Config) IsPaperTrading() bool {
	return c.DryRun || c.Environment == EnvPaper
}
