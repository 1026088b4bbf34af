// Package config loads engine configuration from file, environment and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/api"
	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/engine"
	"github.com/atlas-desktop/strategy-engine/internal/events"
	"github.com/atlas-desktop/strategy-engine/internal/journal"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so
// engine.update_interval is read from STRATEGY_ENGINE_UPDATE_INTERVAL.
const EnvPrefix = "STRATEGY"

const (
	ProviderYahoo  = "yahoo"
	ProviderAlpaca = "alpaca"
	ProviderStore  = "store"

	JournalFile     = "file"
	JournalPostgres = "postgres"
	JournalNone     = "none"
)

// Config is the full application configuration.
type Config struct {
	LogLevel string            `mapstructure:"log_level"`
	Alphas   []string          `mapstructure:"alphas"`
	Engine   engine.Config     `mapstructure:"engine"`
	Backtest backtester.Config `mapstructure:"backtest"`
	Data     DataConfig        `mapstructure:"data"`
	Journal  JournalConfig     `mapstructure:"journal"`
	Server   api.Config        `mapstructure:"server"`
	Events   events.Config     `mapstructure:"events"`
}

// DataConfig selects and configures the market data provider.
type DataConfig struct {
	Provider   string            `mapstructure:"provider"`
	Dir        string            `mapstructure:"dir"`
	CacheTTL   time.Duration     `mapstructure:"cache_ttl"`
	IncludeVIX bool              `mapstructure:"include_vix"`
	Alpaca     data.AlpacaConfig `mapstructure:"alpaca"`
	Redis      data.RedisConfig  `mapstructure:"redis"`
}

// JournalConfig selects where closed trades are recorded.
type JournalConfig struct {
	Driver   string                 `mapstructure:"driver"`
	Path     string                 `mapstructure:"path"`
	Postgres journal.PostgresConfig `mapstructure:"postgres"`
}

// Loader layers defaults, config file, .env, environment and bound flags,
// in increasing order of precedence.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// BindFlag makes a command-line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for config key %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads path, or searches the default locations when path is empty,
// and returns the validated configuration. A missing config file is only
// an error when path was given explicitly.
func (l *Loader) Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("config")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./config")
		l.v.AddConfigPath("$HOME/.strategy-engine")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ConfigFile is the file Load read, or empty when defaults were used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load is shorthand for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if len(c.Alphas) == 0 {
		return errors.New("at least one alpha is required")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Backtest.Validate(); err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	switch c.Data.Provider {
	case ProviderYahoo, ProviderStore:
	case ProviderAlpaca:
		if c.Data.Alpaca.KeyID == "" || c.Data.Alpaca.SecretKey == "" {
			return errors.New("data: alpaca provider requires key_id and secret_key")
		}
	default:
		return fmt.Errorf("data: unknown provider %q", c.Data.Provider)
	}
	if c.Data.CacheTTL < 0 {
		return fmt.Errorf("data: cache ttl cannot be negative, got %s", c.Data.CacheTTL)
	}

	switch c.Journal.Driver {
	case JournalNone:
	case JournalFile:
		if c.Journal.Path == "" {
			return errors.New("journal: file driver requires a path")
		}
	case JournalPostgres:
		if c.Journal.Postgres.DSN == "" {
			return errors.New("journal: postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("journal: unknown driver %q", c.Journal.Driver)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("alphas", []string{"panic_detector", "trend_following"})

	eng := engine.DefaultConfig()
	v.SetDefault("engine.update_interval", eng.UpdateInterval)
	v.SetDefault("engine.fetch_timeout", eng.FetchTimeout)
	v.SetDefault("engine.symbols", eng.Symbols)
	v.SetDefault("engine.initial_capital", eng.InitialCapital)
	v.SetDefault("engine.aggregation.strategy", string(eng.Aggregation.Strategy))
	v.SetDefault("engine.aggregation.min_confidence", eng.Aggregation.MinConfidence)
	v.SetDefault("engine.execution.max_positions", eng.Execution.MaxPositions)
	v.SetDefault("engine.execution.commission_per_trade", eng.Execution.CommissionPerTrade)
	v.SetDefault("engine.execution.paper_trading", eng.Execution.PaperTrading)
	v.SetDefault("engine.execution.max_holding_period", eng.Execution.MaxHoldingPeriod)
	v.SetDefault("engine.risk.max_risk_per_trade_pct", eng.Risk.MaxRiskPerTradePct)
	v.SetDefault("engine.risk.max_daily_drawdown_pct", eng.Risk.MaxDailyDrawdownPct)
	v.SetDefault("engine.risk.max_correlation_exposure_pct", eng.Risk.MaxCorrelationExposurePct)
	v.SetDefault("engine.risk.max_consecutive_losses", eng.Risk.MaxConsecutiveLosses)
	v.SetDefault("engine.risk.emergency_stop_value", eng.Risk.EmergencyStopValue)
	v.SetDefault("engine.risk.correlation_groups", eng.Risk.CorrelationGroups)
	v.SetDefault("engine.kelly.kelly_fraction", eng.Kelly.KellyFraction)
	v.SetDefault("engine.kelly.min_win_rate", eng.Kelly.MinWinRate)
	v.SetDefault("engine.kelly.max_position_pct", eng.Kelly.MaxPositionPct)
	v.SetDefault("engine.kelly.min_position_pct", eng.Kelly.MinPositionPct)
	v.SetDefault("engine.kelly.min_trades_for_kelly", eng.Kelly.MinTradesForKelly)
	v.SetDefault("engine.kelly.default_position_pct", eng.Kelly.DefaultPositionPct)

	bt := backtester.DefaultConfig()
	v.SetDefault("backtest.initial_capital", bt.InitialCapital)
	v.SetDefault("backtest.commission_per_trade", bt.CommissionPerTrade)
	v.SetDefault("backtest.slippage_pct", bt.SlippagePct)
	v.SetDefault("backtest.default_position_size_pct", bt.DefaultPositionSizePct)
	v.SetDefault("backtest.use_confidence_sizing", bt.UseConfidenceSizing)
	v.SetDefault("backtest.max_positions", bt.MaxPositions)
	v.SetDefault("backtest.default_stop_pct", bt.DefaultStopPct)
	v.SetDefault("backtest.default_take_profit_pct", bt.DefaultTakeProfitPct)
	v.SetDefault("backtest.risk.max_risk_per_trade_pct", bt.Risk.MaxRiskPerTradePct)
	v.SetDefault("backtest.risk.max_daily_drawdown_pct", bt.Risk.MaxDailyDrawdownPct)
	v.SetDefault("backtest.risk.max_correlation_exposure_pct", bt.Risk.MaxCorrelationExposurePct)
	v.SetDefault("backtest.risk.max_consecutive_losses", bt.Risk.MaxConsecutiveLosses)
	v.SetDefault("backtest.risk.emergency_stop_value", bt.Risk.EmergencyStopValue)
	v.SetDefault("backtest.risk.correlation_groups", bt.Risk.CorrelationGroups)
	v.SetDefault("backtest.kelly.kelly_fraction", bt.Kelly.KellyFraction)
	v.SetDefault("backtest.kelly.min_win_rate", bt.Kelly.MinWinRate)
	v.SetDefault("backtest.kelly.max_position_pct", bt.Kelly.MaxPositionPct)
	v.SetDefault("backtest.kelly.min_position_pct", bt.Kelly.MinPositionPct)
	v.SetDefault("backtest.kelly.min_trades_for_kelly", bt.Kelly.MinTradesForKelly)
	v.SetDefault("backtest.kelly.default_position_pct", bt.Kelly.DefaultPositionPct)
	v.SetDefault("backtest.aggregation.strategy", string(bt.Aggregation.Strategy))
	v.SetDefault("backtest.aggregation.min_confidence", bt.Aggregation.MinConfidence)

	v.SetDefault("data.provider", ProviderYahoo)
	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.cache_ttl", 15*time.Second)
	v.SetDefault("data.include_vix", true)
	v.SetDefault("data.alpaca.base_url", data.DefaultAlpacaDataURL)
	v.SetDefault("data.alpaca.key_id", "")
	v.SetDefault("data.alpaca.secret_key", "")
	v.SetDefault("data.alpaca.feed", "iex")
	v.SetDefault("data.alpaca.timeout", 10*time.Second)
	v.SetDefault("data.redis.addr", "")
	v.SetDefault("data.redis.password", "")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.prefix", "strategy-engine:")

	v.SetDefault("journal.driver", JournalFile)
	v.SetDefault("journal.path", "./data/journal/trades.jsonl")
	v.SetDefault("journal.postgres.dsn", "")
	v.SetDefault("journal.postgres.max_conns", 4)

	srv := api.DefaultConfig()
	v.SetDefault("server.host", srv.Host)
	v.SetDefault("server.port", srv.Port)
	v.SetDefault("server.read_timeout", srv.ReadTimeout)
	v.SetDefault("server.write_timeout", srv.WriteTimeout)
	v.SetDefault("server.websocket_path", srv.WebSocketPath)
	v.SetDefault("server.allowed_origins", srv.AllowedOrigins)

	bus := events.DefaultConfig()
	v.SetDefault("events.num_workers", bus.NumWorkers)
	v.SetDefault("events.buffer_size", bus.BufferSize)
}
