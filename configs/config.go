package configs

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chenxilol/pricehub/pkg/aggregator"
	"github.com/chenxilol/pricehub/pkg/bus/nats"
	"github.com/chenxilol/pricehub/pkg/bus/redis"
	"github.com/chenxilol/pricehub/pkg/codec"
	"github.com/chenxilol/pricehub/pkg/gateway"
	"github.com/chenxilol/pricehub/pkg/pool"
	"github.com/chenxilol/pricehub/pkg/stream"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// 传输类型
const (
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

type Server struct {
	Addr   string        `mapstructure:"addr"`
	Stream stream.Config `mapstructure:"stream"`
}

type Transport struct {
	Type        string       `mapstructure:"type"` // 传输类型: "nats", "redis", "memory"
	ContentType string       `mapstructure:"content_type"`
	Pool        pool.Config  `mapstructure:"pool"`
	NATS        nats.Config  `mapstructure:"nats"`
	Redis       redis.Config `mapstructure:"redis"`
}

type Fallback struct {
	Enabled                  bool           `mapstructure:"enabled"`
	MaxDelayBetweenPublishes time.Duration  `mapstructure:"max_delay_between_publishes"`
	CheckInterval            time.Duration  `mapstructure:"check_interval"`
	Gateway                  gateway.Config `mapstructure:"gateway"`
}

type CircuitBreaker struct {
	Enabled     bool          `mapstructure:"enabled"`
	Window      time.Duration `mapstructure:"window"`
	MaxMessages int           `mapstructure:"max_messages"`
}

type Auth struct {
	Enabled   bool   `mapstructure:"enabled"`
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
}

// Publisher 开发用的数据包发布器
type Publisher struct {
	// 十六进制私钥，每个私钥模拟一个签名者
	PrivateKeys []string           `mapstructure:"private_keys"`
	Interval    time.Duration      `mapstructure:"interval"`
	Prices      map[string]float64 `mapstructure:"prices"`
	Volatility  float64            `mapstructure:"volatility"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server         Server            `mapstructure:"server"`
	Transport      Transport         `mapstructure:"transport"`
	Aggregator     aggregator.Config `mapstructure:"aggregator"`
	Fallback       Fallback          `mapstructure:"fallback"`
	CircuitBreaker CircuitBreaker    `mapstructure:"circuit_breaker"`
	Auth           Auth              `mapstructure:"auth"`
	Publisher      Publisher         `mapstructure:"publisher"`
	Log            Log               `mapstructure:"log"`
	Version        string            `mapstructure:"version"`
}

// NewDefaultConfig creates a new Config with default values
func NewDefaultConfig() Config {
	config := Config{}

	// 服务器默认配置
	config.Server.Addr = ":8080"
	config.Server.Stream = stream.DefaultConfig()

	// 传输默认配置
	config.Transport.Type = TransportNATS
	config.Transport.ContentType = codec.DeflateJSON
	config.Transport.Pool = pool.DefaultConfig()
	config.Transport.NATS = nats.DefaultConfig()
	config.Transport.Redis = redis.DefaultConfig()

	// 聚合器默认配置
	config.Aggregator.DataServiceID = "redstone-primary-prod"
	config.Aggregator.UniqueSignersCount = 3
	config.Aggregator.MinimalOffChainSignersCount = 3
	config.Aggregator.WaitForOtherSigners = 500 * time.Millisecond

	// 降级默认配置
	config.Fallback.MaxDelayBetweenPublishes = 30 * time.Second
	config.Fallback.CheckInterval = 5 * time.Second
	config.Fallback.Gateway = gateway.DefaultConfig()

	// 熔断默认配置
	config.CircuitBreaker.Window = time.Minute
	config.CircuitBreaker.MaxMessages = 10_000

	// 认证默认配置
	config.Auth.SecretKey = "changeme"
	config.Auth.Issuer = "pricehub"

	// 发布器默认配置
	config.Publisher.Interval = time.Second
	config.Publisher.Volatility = 0.001

	config.Log.Level = "info"
	config.Version = "dev"

	return config
}

// Validate 检查跨组件的配置，聚合器配置由 aggregator.Config.Validate 检查
func (c Config) Validate() error {
	switch c.Transport.Type {
	case TransportNATS, TransportRedis, TransportMemory:
	default:
		return fmt.Errorf("%w: unsupported transport type %q", ErrInvalidConfig, c.Transport.Type)
	}
	if _, err := codec.Lookup(c.Transport.ContentType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Transport.Pool.TopicsPerConnection <= 0 || c.Transport.Pool.PublishLimit <= 0 {
		return fmt.Errorf("%w: pool limits must be positive", ErrInvalidConfig)
	}
	if c.Fallback.Enabled {
		if len(c.Fallback.Gateway.URLs) == 0 {
			return fmt.Errorf("%w: fallback enabled without gateway urls", ErrInvalidConfig)
		}
		if c.Fallback.CheckInterval <= 0 || c.Fallback.MaxDelayBetweenPublishes <= 0 {
			return fmt.Errorf("%w: fallback intervals must be positive", ErrInvalidConfig)
		}
	}
	if c.CircuitBreaker.Enabled && (c.CircuitBreaker.Window <= 0 || c.CircuitBreaker.MaxMessages <= 0) {
		return fmt.Errorf("%w: circuit breaker limits must be positive", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig loads configuration from the specified file on top of the defaults.
// When level is not nil the log level follows later changes of the file.
func LoadConfig(configFile string, level *slog.LevelVar) (Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// 支持环境变量
	v.SetEnvPrefix("PRICEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := NewDefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		slog.Error("Failed to read config file, using default config", "error", err)
		return config, nil
	}

	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if level != nil {
		level.Set(ParseLogLevel(config.Log.Level))
		SetupConfigHotReload(v, level)
	}

	return config, nil
}

// SetupConfigHotReload 配置文件变化时只重新应用日志级别，其余配置在实例生命周期内不变
func SetupConfigHotReload(v *viper.Viper, level *slog.LevelVar) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("Config file changed", "file", e.Name)

		var updated Config
		if err := v.Unmarshal(&updated); err != nil {
			slog.Error("Failed to unmarshal updated config", "error", err)
			return
		}

		next := ParseLogLevel(updated.Log.Level)
		if next != level.Level() {
			level.Set(next)
			slog.Info("Log level reloaded", "level", next.String())
		}
	})
	v.WatchConfig()
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
