package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"presale-settlement/internal/logging"
)

// Feed sources.
const (
	FeedChainlink = "chainlink"
	FeedHTTP      = "http"
	FeedStatic    = "static"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig       `mapstructure:"app"`
	Logging       logging.Config  `mapstructure:"logging"`
	Database      DatabaseConfig  `mapstructure:"database"`
	Scheduler     SchedulerConfig `mapstructure:"scheduler"`
	Ethereum      EthereumConfig  `mapstructure:"ethereum"`
	Sale          SaleConfig      `mapstructure:"sale"`
	ReferenceFeed FeedConfig      `mapstructure:"reference_feed"`
	Assets        []AssetConfig   `mapstructure:"assets"`
	HTTP          HTTPConfig      `mapstructure:"http"`
	Alerting      AlertingConfig  `mapstructure:"alerting"`
	Export        ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs price sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
}

// EthereumConfig covers on-chain oracle access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SaleConfig describes the sale asset, its holder and the stage ramp.
type SaleConfig struct {
	Owner               string        `mapstructure:"owner"`
	Holder              string        `mapstructure:"holder"`
	TokenSymbol         string        `mapstructure:"token_symbol"`
	TokenDecimals       uint8         `mapstructure:"token_decimals"`
	InitialSupply       string        `mapstructure:"initial_supply"`
	StageDuration       time.Duration `mapstructure:"stage_duration"`
	StageCount          int           `mapstructure:"stage_count"`
	InitialPriceCents   uint64        `mapstructure:"initial_price_cents"`
	PriceIncrementCents uint64        `mapstructure:"price_increment_cents"`
	PriceCeilingCents   uint64        `mapstructure:"price_ceiling_cents"`
	SlippageBps         uint16        `mapstructure:"slippage_bps"`
	OracleStaleness     time.Duration `mapstructure:"oracle_staleness"`
	StartAt             time.Time     `mapstructure:"start_at"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
}

// FeedConfig selects a price source.
type FeedConfig struct {
	Source   string        `mapstructure:"source"`
	Address  string        `mapstructure:"address"`
	URL      string        `mapstructure:"url"`
	Value    int64         `mapstructure:"value"`
	Decimals uint8         `mapstructure:"decimals"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AssetConfig describes an accepted payment asset.
type AssetConfig struct {
	Symbol   string     `mapstructure:"symbol"`
	Kind     string     `mapstructure:"kind"`
	Decimals uint8      `mapstructure:"decimals"`
	Feed     FeedConfig `mapstructure:"feed"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr             string        `mapstructure:"addr"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTIssuer        string        `mapstructure:"jwt_issuer"`
	ClockSkew        time.Duration `mapstructure:"clock_skew"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// LargePurchase is the reference-currency value above which a purchase is announced.
	LargePurchase float64        `mapstructure:"large_purchase"`
	Cooldown      time.Duration  `mapstructure:"cooldown"`
	Channels      []string       `mapstructure:"channels"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRESALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "presaled")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726573))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("sale.owner", "0x00000000000000000000000000000000000000A1")
	v.SetDefault("sale.holder", "0x00000000000000000000000000000000000000B0")
	v.SetDefault("sale.token_symbol", "PRE")
	v.SetDefault("sale.token_decimals", 18)
	v.SetDefault("sale.initial_supply", "1000000000")
	v.SetDefault("sale.stage_duration", "168h")
	v.SetDefault("sale.stage_count", 12)
	v.SetDefault("sale.initial_price_cents", 35)
	v.SetDefault("sale.price_increment_cents", 5)
	v.SetDefault("sale.price_ceiling_cents", 100)
	v.SetDefault("sale.slippage_bps", 100)
	v.SetDefault("sale.oracle_staleness", "1h")
	v.SetDefault("sale.acquire_timeout", "5s")

	v.SetDefault("reference_feed.source", FeedChainlink)
	v.SetDefault("reference_feed.address", "0xb49f677943BC038e9857d61E7d053CaA2C1734C1")

	v.SetDefault("assets", []map[string]any{
		{
			"symbol":   "ETH",
			"kind":     "native",
			"decimals": 18,
			"feed":     map[string]any{"source": FeedChainlink, "address": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"},
		},
		{
			"symbol":   "USDT",
			"kind":     "token",
			"decimals": 6,
			"feed":     map[string]any{"source": FeedChainlink, "address": "0x3E7d1eAB13ad0104d2750B8863b489D65364e32D"},
		},
		{
			"symbol":   "USDC",
			"kind":     "token",
			"decimals": 6,
			"feed":     map[string]any{"source": FeedChainlink, "address": "0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6"},
		},
	})

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.jwt_issuer", "presaled")
	v.SetDefault("http.clock_skew", "30s")
	v.SetDefault("http.metrics_namespace", "presale")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.large_purchase", 10000.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if !common.IsHexAddress(c.Sale.Owner) {
		return fmt.Errorf("sale.owner must be a hex address")
	}
	if !common.IsHexAddress(c.Sale.Holder) || common.HexToAddress(c.Sale.Holder) == (common.Address{}) {
		return fmt.Errorf("sale.holder must be a non-zero hex address")
	}
	if strings.TrimSpace(c.Sale.TokenSymbol) == "" {
		return fmt.Errorf("sale.token_symbol is required")
	}
	if c.Sale.TokenDecimals > 36 {
		return fmt.Errorf("sale.token_decimals must be at most 36")
	}
	if err := c.ReferenceFeed.validate("reference_feed"); err != nil {
		return err
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one payment asset must be configured")
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		key := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if key == "" {
			return fmt.Errorf("assets[%d].symbol is required", i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("assets[%d]: duplicate symbol %s", i, key)
		}
		seen[key] = struct{}{}
		switch strings.ToLower(asset.Kind) {
		case "native", "token":
		default:
			return fmt.Errorf("assets[%d].kind must be native or token", i)
		}
		if asset.Decimals > 36 {
			return fmt.Errorf("assets[%d].decimals must be at most 36", i)
		}
		if err := asset.Feed.validate(fmt.Sprintf("assets[%d].feed", i)); err != nil {
			return err
		}
	}
	if c.Alerting.LargePurchase < 0 {
		return fmt.Errorf("alerting.large_purchase cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (f FeedConfig) validate(field string) error {
	switch f.Source {
	case FeedChainlink:
		if !common.IsHexAddress(f.Address) {
			return fmt.Errorf("%s.address must be a hex address", field)
		}
	case FeedHTTP:
		if f.URL == "" {
			return fmt.Errorf("%s.url is required", field)
		}
	case FeedStatic:
		if f.Value <= 0 {
			return fmt.Errorf("%s.value must be positive", field)
		}
	default:
		return fmt.Errorf("%s.source must be one of chainlink, http, static", field)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
