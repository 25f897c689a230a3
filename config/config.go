package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Scalper  ScalperConfig  `mapstructure:"scalper"`
	Candles  CandleConfig   `mapstructure:"candles"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type ExchangeConfig struct {
	REST      RESTConfig `mapstructure:"rest"`
	WS        WSConfig   `mapstructure:"ws"`
	AccountID string     `mapstructure:"account_id"`
	APIKey    string     `mapstructure:"api_key"`
	APISecret string     `mapstructure:"api_secret"`
}

type RESTConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	RefreshSkew time.Duration `mapstructure:"refresh_skew"` // refresh the bearer token this early
}

type WSConfig struct {
	URL                  string        `mapstructure:"url"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"` // auth/subscribe round trips
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"` // 0 = unlimited
}

// ScalperConfig is the read-only risk parameter set consumed by the
// position monitor. StopLossROE is a negative percent, TakeProfitROE a
// positive percent.
type ScalperConfig struct {
	Symbols             []string `mapstructure:"symbols"`
	Leverage            int      `mapstructure:"leverage"`
	PositionSizePercent float64  `mapstructure:"position_size_percent"`
	MaxPositions        int      `mapstructure:"max_positions"`
	StopLossROE         float64  `mapstructure:"stop_loss_roe"`
	TakeProfitROE       float64  `mapstructure:"take_profit_roe"`
	MaxHoldTimeMinutes  int      `mapstructure:"max_hold_time_minutes"`
	TickIntervalMs      int      `mapstructure:"tick_interval_ms"`
	ScanIntervalTicks   int      `mapstructure:"scan_interval_ticks"`
}

type CandleConfig struct {
	IntervalMs int64 `mapstructure:"interval_ms"`
	MaxKlines  int   `mapstructure:"max_klines"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load(path string) *Config {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AddConfigPath(".")

	// Support environment variables with dot notation (e.g., EXCHANGE_WS_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("failed to read config: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	cfg.applyDefaults()

	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Exchange.REST.Timeout == 0 {
		c.Exchange.REST.Timeout = 10 * time.Second
	}
	if c.Exchange.REST.MaxRetries == 0 {
		c.Exchange.REST.MaxRetries = 3
	}
	if c.Exchange.REST.RetryDelay == 0 {
		c.Exchange.REST.RetryDelay = 500 * time.Millisecond
	}
	if c.Exchange.REST.RefreshSkew == 0 {
		c.Exchange.REST.RefreshSkew = time.Minute
	}
	if c.Exchange.WS.HandshakeTimeout == 0 {
		c.Exchange.WS.HandshakeTimeout = 10 * time.Second
	}
	if c.Exchange.WS.RequestTimeout == 0 {
		c.Exchange.WS.RequestTimeout = 10 * time.Second
	}
	if c.Exchange.WS.HeartbeatInterval == 0 {
		c.Exchange.WS.HeartbeatInterval = 30 * time.Second
	}
	if c.Exchange.WS.HeartbeatTimeout == 0 {
		c.Exchange.WS.HeartbeatTimeout = 10 * time.Second
	}
	if c.Exchange.WS.ReconnectBaseDelay == 0 {
		c.Exchange.WS.ReconnectBaseDelay = 2 * time.Second
	}
	if c.Exchange.WS.ReconnectMaxDelay == 0 {
		c.Exchange.WS.ReconnectMaxDelay = 16 * time.Second
	}
	if c.Candles.IntervalMs == 0 {
		c.Candles.IntervalMs = 60_000
	}
	if c.Candles.MaxKlines == 0 {
		c.Candles.MaxKlines = 500
	}
}

// Validate checks the settings that cannot be defaulted. These are the only
// configuration problems treated as process-fatal.
func (c *Config) Validate() error {
	if c.Exchange.AccountID == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange credentials missing (account_id / api_secret)")
	}
	if len(c.Scalper.Symbols) == 0 {
		return fmt.Errorf("scalper.symbols is empty")
	}
	if c.Scalper.Leverage <= 0 {
		return fmt.Errorf("scalper.leverage must be positive, got %d", c.Scalper.Leverage)
	}
	if c.Scalper.StopLossROE >= 0 {
		return fmt.Errorf("scalper.stop_loss_roe must be negative, got %v", c.Scalper.StopLossROE)
	}
	if c.Scalper.TakeProfitROE <= 0 {
		return fmt.Errorf("scalper.take_profit_roe must be positive, got %v", c.Scalper.TakeProfitROE)
	}
	return nil
}
