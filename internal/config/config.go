// Package config loads the engine configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/model"
)

// ConfigFileEnv names the environment variable holding the YAML file path.
const ConfigFileEnv = "CONFIG_FILE"

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	Log       Log       `mapstructure:"log"`
	Database  Database  `mapstructure:"database"`
	Redis     Redis     `mapstructure:"redis"`
	NATS      NATS      `mapstructure:"nats"`
	Oracle    Oracle    `mapstructure:"oracle"`
	Keeper    Keeper    `mapstructure:"keeper"`
	Insurance Insurance `mapstructure:"insurance"`
	Market    Market    `mapstructure:"market"`
}

type HTTP struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Database selects Postgres; an empty URL runs on the in-memory store.
type Database struct {
	URL string `mapstructure:"url"`
}

// Redis enables the market cache in front of Postgres.
type Redis struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type NATS struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Oracle configures the HTTP index feed. Without a URL the engine uses a
// static feed seeded from StaticPrices.
type Oracle struct {
	URL          string            `mapstructure:"url"`
	PricePath    string            `mapstructure:"price_path"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	StaticPrices map[string]string `mapstructure:"static_prices"`
}

type Keeper struct {
	Enabled     bool          `mapstructure:"enabled"`
	FundingTick time.Duration `mapstructure:"funding_tick"`
	ScanTick    time.Duration `mapstructure:"scan_tick"`
	Liquidator  string        `mapstructure:"liquidator"`
	Parallelism int           `mapstructure:"parallelism"`
}

// Insurance seeds an empty insurance fund at startup.
type Insurance struct {
	Seed string `mapstructure:"seed"`
}

// Market overrides the default parameters of new markets. Empty values
// keep the built-in defaults.
type Market struct {
	InitialMarginRatio     string        `mapstructure:"initial_margin_ratio"`
	MaintenanceMarginRatio string        `mapstructure:"maintenance_margin_ratio"`
	LiquidationFeeRatio    string        `mapstructure:"liquidation_fee_ratio"`
	MaxFundingRate         string        `mapstructure:"max_funding_rate"`
	FundingInterval        time.Duration `mapstructure:"funding_interval"`
}

var envBindings = map[string]string{
	"http.port":         "PORT",
	"database.url":      "DATABASE_URL",
	"redis.url":         "REDIS_URL",
	"nats.url":          "NATS_URL",
	"oracle.url":        "ORACLE_URL",
	"oracle.price_path": "ORACLE_PRICE_PATH",
	"insurance.seed":    "INSURANCE_SEED",
	"log.level":         "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	kd := keeper.DefaultConfig()

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "perp.events")
	v.SetDefault("oracle.url", "")
	v.SetDefault("oracle.price_path", "price")
	v.SetDefault("oracle.timeout", 5*time.Second)
	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.funding_tick", kd.FundingTick)
	v.SetDefault("keeper.scan_tick", kd.ScanTick)
	v.SetDefault("keeper.liquidator", kd.Liquidator)
	v.SetDefault("keeper.parallelism", kd.Parallelism)
	v.SetDefault("insurance.seed", "0")
	v.SetDefault("market.initial_margin_ratio", "")
	v.SetDefault("market.maintenance_margin_ratio", "")
	v.SetDefault("market.liquidation_fee_ratio", "")
	v.SetDefault("market.max_funding_rate", "")
	v.SetDefault("market.funding_interval", time.Duration(0))
}

// NewConfig loads the configuration, reading the YAML file named by
// CONFIG_FILE when it is set.
func NewConfig() (*Config, error) {
	return Load(os.Getenv(ConfigFileEnv))
}

// Load reads defaults, then path (if not empty), then the environment.
// Nested keys map to upper-case variables with dots replaced by
// underscores, e.g. KEEPER_SCAN_TICK.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if _, err := cfg.MarketParams(); err != nil {
		return nil, err
	}
	if _, err := cfg.InsuranceSeed(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return ":" + c.HTTP.Port }

// KeeperConfig converts the keeper section.
func (c *Config) KeeperConfig() keeper.Config {
	return keeper.Config{
		FundingTick: c.Keeper.FundingTick,
		ScanTick:    c.Keeper.ScanTick,
		Liquidator:  c.Keeper.Liquidator,
		Parallelism: c.Keeper.Parallelism,
	}
}

// InsuranceSeed parses the insurance seed amount.
func (c *Config) InsuranceSeed() (fixed.Decimal, error) {
	if c.Insurance.Seed == "" {
		return fixed.Zero, nil
	}
	seed, err := fixed.NewFromString(c.Insurance.Seed)
	if err != nil {
		return fixed.Zero, errors.Wrap(err, "insurance.seed")
	}
	if seed.IsNegative() {
		return fixed.Zero, errors.New("insurance.seed must not be negative")
	}
	return seed, nil
}

// StaticPrices parses the static oracle prices.
func (c *Config) StaticPrices() (map[string]fixed.Decimal, error) {
	out := make(map[string]fixed.Decimal, len(c.Oracle.StaticPrices))
	for sym, raw := range c.Oracle.StaticPrices {
		p, err := fixed.NewFromString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "oracle.static_prices.%s", sym)
		}
		// viper lower-cases map keys.
		out[strings.ToUpper(sym)] = p
	}
	return out, nil
}

// MarketParams returns the default market parameters with the configured
// overrides applied.
func (c *Config) MarketParams() (model.MarketParams, error) {
	p := model.DefaultParams()
	overrides := []struct {
		key string
		raw string
		dst *fixed.Decimal
	}{
		{"market.initial_margin_ratio", c.Market.InitialMarginRatio, &p.InitialMarginRatio},
		{"market.maintenance_margin_ratio", c.Market.MaintenanceMarginRatio, &p.MaintenanceMarginRatio},
		{"market.liquidation_fee_ratio", c.Market.LiquidationFeeRatio, &p.LiquidationFeeRatio},
		{"market.max_funding_rate", c.Market.MaxFundingRate, &p.MaxFundingRate},
	}
	for _, o := range overrides {
		if o.raw == "" {
			continue
		}
		d, err := fixed.NewFromString(o.raw)
		if err != nil {
			return p, errors.Wrap(err, o.key)
		}
		*o.dst = d
	}
	if c.Market.FundingInterval > 0 {
		p.FundingInterval = c.Market.FundingInterval
	}
	return p, nil
}
