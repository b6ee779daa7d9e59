// Package config loads the server configuration from an optional YAML file
// and FUND_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"github.com/atmx/fund-engine/internal/cash"
	"github.com/atmx/fund-engine/internal/invest"
	"github.com/atmx/fund-engine/internal/model"
	"github.com/atmx/fund-engine/internal/percent"
	"github.com/atmx/fund-engine/internal/redeem"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Keeper    KeeperConfig    `mapstructure:"keeper"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// RateLimit is the sustained number of mutating requests per second;
	// zero disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	PriceKey string        `mapstructure:"price_key"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

type AssetConfig struct {
	ID       string `mapstructure:"id"`
	Decimals uint8  `mapstructure:"decimals"`
}

// EngineConfig holds the protocol constants. Percentages are human strings
// ("0.5" is half a percent); amounts are whole base units.
type EngineConfig struct {
	Base                  string        `mapstructure:"base"`
	Assets                []AssetConfig `mapstructure:"assets"`
	LogicVersion          string        `mapstructure:"logic_version"`
	Freshness             time.Duration `mapstructure:"freshness"`
	RebalanceInterval     time.Duration `mapstructure:"rebalance_interval"`
	SampleInterval        time.Duration `mapstructure:"sample_interval"`
	DeterminationInterval time.Duration `mapstructure:"determination_interval"`
	MinSamples            int           `mapstructure:"min_samples"`
	WindowCapacity        int           `mapstructure:"window_capacity"`
	TimeLock              time.Duration `mapstructure:"time_lock"`
	Dust                  string        `mapstructure:"dust"`
	AssumedLoss           string        `mapstructure:"assumed_loss"`
	MaxKelly              string        `mapstructure:"max_kelly"`
	LiquidationBuffer     string        `mapstructure:"liquidation_buffer"`
	DepositCap            string        `mapstructure:"deposit_cap"`
}

// KeeperConfig holds six-field cron schedules. An empty schedule disables
// the job.
type KeeperConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Rebalance  string `mapstructure:"rebalance"`
	Investment string `mapstructure:"investment"`
}

type PriceConfig struct {
	Asset string `mapstructure:"asset"`
	Price string `mapstructure:"price"` // whole base units per whole asset
}

// SimulatorConfig seeds the in-process market used when no real venue is
// wired.
type SimulatorConfig struct {
	Slippage string        `mapstructure:"slippage"`
	Prices   []PriceConfig `mapstructure:"prices"`
}

// Load reads path, or config.yaml from . or ./configs when path is empty.
// A missing file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// e.g. FUND_DATABASE_URL, FUND_ADMIN_KEY
	v.SetEnvPrefix("fund")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("no config file found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.price_key", "fund:prices:latest")
	v.SetDefault("admin.key", "")

	v.SetDefault("engine.base", "USDC")
	v.SetDefault("engine.assets", []map[string]any{
		{"id": "USDC", "decimals": 6},
		{"id": "WETH", "decimals": 18},
		{"id": "WBTC", "decimals": 8},
	})
	v.SetDefault("engine.logic_version", "v1")
	v.SetDefault("engine.freshness", "60s")
	v.SetDefault("engine.rebalance_interval", "24h")
	v.SetDefault("engine.sample_interval", "168h")
	v.SetDefault("engine.determination_interval", "168h")
	v.SetDefault("engine.min_samples", 4)
	v.SetDefault("engine.window_capacity", 8)
	v.SetDefault("engine.time_lock", "24h")
	v.SetDefault("engine.dust", "0")
	v.SetDefault("engine.assumed_loss", "80")
	v.SetDefault("engine.max_kelly", "100")
	v.SetDefault("engine.liquidation_buffer", "1")
	v.SetDefault("engine.deposit_cap", "0")

	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.rebalance", "0 0 0 * * *")
	v.SetDefault("keeper.investment", "0 0 1 * * MON")

	v.SetDefault("simulator.slippage", "0.3")
	v.SetDefault("simulator.prices", []map[string]any{
		{"asset": "WETH", "price": "2000"},
		{"asset": "WBTC", "price": "40000"},
	})
}

// Registry builds the asset registry.
func (c *Config) Registry() (*model.Registry, error) {
	assets := make([]model.Asset, len(c.Engine.Assets))
	for i, a := range c.Engine.Assets {
		assets[i] = model.Asset{ID: model.AssetID(a.ID), Decimals: a.Decimals}
	}
	return model.NewRegistry(model.AssetID(c.Engine.Base), assets...)
}

// LogLevel maps log.level to a slog level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func baseAmount(reg *model.Registry, s string) (*uint256.Int, error) {
	a, err := reg.Get(reg.Base())
	if err != nil {
		return nil, err
	}
	return model.ParseUnits(s, a.Decimals)
}

func parsePercent(field, s string) (percent.Percent, error) {
	p, err := percent.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("engine.%s: %w", field, err)
	}
	return p, nil
}

// CashConfig builds the basket engine settings.
func (c *Config) CashConfig(reg *model.Registry) (cash.Config, error) {
	cfg := cash.DefaultConfig()
	cfg.RebalanceInterval = c.Engine.RebalanceInterval
	dust, err := baseAmount(reg, c.Engine.Dust)
	if err != nil {
		return cfg, fmt.Errorf("engine.dust: %w", err)
	}
	cfg.Dust = dust
	if cfg.LiquidationBuffer, err = parsePercent("liquidation_buffer", c.Engine.LiquidationBuffer); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// InvestConfig builds the investment engine settings.
func (c *Config) InvestConfig() (invest.Config, error) {
	cfg := invest.DefaultConfig()
	cfg.SampleInterval = c.Engine.SampleInterval
	cfg.DeterminationInterval = c.Engine.DeterminationInterval
	cfg.MinSamples = c.Engine.MinSamples
	cfg.WindowCapacity = c.Engine.WindowCapacity
	if cfg.WindowCapacity < cfg.MinSamples {
		return cfg, fmt.Errorf("engine.window_capacity %d is below min_samples %d", cfg.WindowCapacity, cfg.MinSamples)
	}
	var err error
	if cfg.AssumedLoss, err = parsePercent("assumed_loss", c.Engine.AssumedLoss); err != nil {
		return cfg, err
	}
	if cfg.MaxFraction, err = parsePercent("max_kelly", c.Engine.MaxKelly); err != nil {
		return cfg, err
	}
	if cfg.MaxFraction > percent.Hundred {
		return cfg, fmt.Errorf("engine.max_kelly: %s exceeds 100%%", cfg.MaxFraction)
	}
	if cfg.LiquidationBuffer, err = parsePercent("liquidation_buffer", c.Engine.LiquidationBuffer); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RedeemConfig builds the pool settings.
func (c *Config) RedeemConfig(reg *model.Registry) (redeem.Config, error) {
	cfg := redeem.DefaultConfig()
	cfg.TimeLock = c.Engine.TimeLock
	limit, err := baseAmount(reg, c.Engine.DepositCap)
	if err != nil {
		return cfg, fmt.Errorf("engine.deposit_cap: %w", err)
	}
	cfg.DepositCap = limit
	return cfg, nil
}

// SimulatorSlippage is the per-hop slippage of the simulated market.
func (c *Config) SimulatorSlippage() (percent.Percent, error) {
	p, err := percent.Parse(c.Simulator.Slippage)
	if err != nil {
		return 0, fmt.Errorf("simulator.slippage: %w", err)
	}
	return p, nil
}

// SimulatorPrices returns the seeded prices in base units.
func (c *Config) SimulatorPrices(reg *model.Registry) (map[model.AssetID]*uint256.Int, error) {
	out := make(map[model.AssetID]*uint256.Int, len(c.Simulator.Prices))
	for _, p := range c.Simulator.Prices {
		id := model.AssetID(p.Asset)
		if _, err := reg.Get(id); err != nil {
			return nil, fmt.Errorf("simulator.prices: %w", err)
		}
		price, err := baseAmount(reg, p.Price)
		if err != nil {
			return nil, fmt.Errorf("simulator.prices %s: %w", id, err)
		}
		out[id] = price
	}
	return out, nil
}
