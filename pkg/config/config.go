// Package config loads the server's settings: built-in defaults, then a TOML
// file, then SKYODDS_* environment variables (a .env file is read first if
// one exists).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/domino14/skyodds/pkg/amm"
	"github.com/domino14/skyodds/pkg/ledger"
)

type Config struct {
	LogLevel string         `toml:"log_level"`
	HTTP     HTTPConfig     `toml:"http"`
	DB       DBConfig       `toml:"db"`
	Market   MarketConfig   `toml:"market"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Archive  ArchiveConfig  `toml:"archive"`
	Resolver ResolverConfig `toml:"resolution"`
}

type HTTPConfig struct {
	Addr         string  `toml:"addr"`
	RateLimit    float64 `toml:"rate_limit"`
	RateBurst    int     `toml:"rate_burst"`
	EnableWS     bool    `toml:"enable_ws"`
	ShutdownSecs int     `toml:"shutdown_secs"`
	// APIKey guards market creation. Empty leaves it open.
	APIKey string `toml:"api_key"`
	// SignatureWindowSecs bounds the age of a signed request.
	SignatureWindowSecs int `toml:"signature_window_secs"`
}

type DBConfig struct {
	Path           string `toml:"path"`
	MigrationsPath string `toml:"migrations_path"`
}

type MarketConfig struct {
	MinTrade         float64 `toml:"min_trade"`
	MaxTrade         float64 `toml:"max_trade"`
	FeeBps           int64   `toml:"fee_bps"`
	DefaultLiquidity float64 `toml:"default_liquidity"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type ArchiveConfig struct {
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

type ResolverConfig struct {
	Authorities []string `toml:"authorities"`
}

func Defaults() Config {
	p := amm.DefaultParams()
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			RateLimit:    20,
			RateBurst:    40,
			EnableWS:     true,
			ShutdownSecs: 10,

			SignatureWindowSecs: 300,
		},
		DB: DBConfig{Path: "skyodds.db"},
		Market: MarketConfig{
			MinTrade:         p.MinTrade,
			MaxTrade:         p.MaxTrade,
			FeeBps:           p.FeeBps,
			DefaultLiquidity: p.DefaultLiquidity,
		},
		Kafka: KafkaConfig{Topic: "skyodds.trades"},
	}
}

// Load reads path over the defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "SKYODDS_LOG_LEVEL")
	setStr(&cfg.HTTP.Addr, "SKYODDS_HTTP_ADDR")
	setFloat(&cfg.HTTP.RateLimit, "SKYODDS_HTTP_RATE_LIMIT")
	setInt(&cfg.HTTP.RateBurst, "SKYODDS_HTTP_RATE_BURST")
	setStr(&cfg.HTTP.APIKey, "SKYODDS_HTTP_API_KEY")
	setInt(&cfg.HTTP.SignatureWindowSecs, "SKYODDS_HTTP_SIGNATURE_WINDOW_SECS")
	setStr(&cfg.DB.Path, "SKYODDS_DB_PATH")
	setStr(&cfg.DB.MigrationsPath, "SKYODDS_DB_MIGRATIONS_PATH")
	setFloat(&cfg.Market.MinTrade, "SKYODDS_MARKET_MIN_TRADE")
	setFloat(&cfg.Market.MaxTrade, "SKYODDS_MARKET_MAX_TRADE")
	setFloat(&cfg.Market.DefaultLiquidity, "SKYODDS_MARKET_DEFAULT_LIQUIDITY")
	setStr(&cfg.Redis.Addr, "SKYODDS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SKYODDS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SKYODDS_REDIS_DB")
	setList(&cfg.Kafka.Brokers, "SKYODDS_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "SKYODDS_KAFKA_TOPIC")
	setStr(&cfg.Archive.Bucket, "SKYODDS_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Region, "SKYODDS_ARCHIVE_REGION")
	setStr(&cfg.Archive.Endpoint, "SKYODDS_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.AccessKey, "SKYODDS_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "SKYODDS_ARCHIVE_SECRET_KEY")
	setList(&cfg.Resolver.Authorities, "SKYODDS_RESOLUTION_AUTHORITIES")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := []string{}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.SignatureWindowSecs <= 0 {
		errs = append(errs, errors.New("http.signature_window_secs must be positive"))
	}
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Market.FeeBps != amm.DefaultFeeBps {
		errs = append(errs, fmt.Errorf("market.fee_bps is fixed at %d", amm.DefaultFeeBps))
	}
	if !(c.Market.MinTrade > 0) || c.Market.MaxTrade < c.Market.MinTrade {
		errs = append(errs, fmt.Errorf("market trade bounds [%v, %v]", c.Market.MinTrade, c.Market.MaxTrade))
	}
	if !(c.Market.DefaultLiquidity > 0) {
		errs = append(errs, errors.New("market.default_liquidity must be positive"))
	}
	if len(c.Resolver.Authorities) == 0 {
		errs = append(errs, errors.New("resolution.authorities needs at least one address"))
	}
	if _, err := c.Authorities(); err != nil {
		errs = append(errs, err)
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		errs = append(errs, errors.New("archive.region is required with archive.bucket"))
	}
	return errors.Join(errs...)
}

// Authorities parses the resolution allow-list.
func (c *Config) Authorities() ([]common.Address, error) {
	out := make([]common.Address, 0, len(c.Resolver.Authorities))
	for _, a := range c.Resolver.Authorities {
		addr, err := ledger.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("resolution.authorities: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Params converts the market settings to engine parameters.
func (c *Config) Params() amm.Params {
	return amm.Params{
		MinTrade:         c.Market.MinTrade,
		MaxTrade:         c.Market.MaxTrade,
		FeeBps:           c.Market.FeeBps,
		DefaultLiquidity: c.Market.DefaultLiquidity,
	}
}
