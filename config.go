package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"`
	AppURL          string        `yaml:"app_url"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RateLimitPerIP  float64       `yaml:"rate_limit_per_ip"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Redis  RedisConfig  `yaml:"redis"`
	Broker BrokerConfig `yaml:"broker"`
	Store  StoreConfig  `yaml:"store"`
}

type RedisConfig struct {
	URL     string `yaml:"url"`
	PoolMin int    `yaml:"pool_min"`
	PoolMax int    `yaml:"pool_max"`
}

// BrokerConfig selects the pub/sub backend. An empty URL reuses the Redis connection.
type BrokerConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type StoreConfig struct {
	Prefix      string `yaml:"prefix"`
	DefaultSize int    `yaml:"default_size"`
}

const (
	DefaultAddr            = ":5000"
	DefaultRedisURL        = "redis://localhost:6379/0"
	DefaultPoolMin         = 5
	DefaultPoolMax         = 10
	DefaultChannel         = "alignment_rooms"
	DefaultRoomPrefix      = "alignment:room"
	DefaultRoomSize        = 128
	DefaultRateLimitPerIP  = 100
	DefaultMaxMessageSize  = 64 * 1024
	DefaultShutdownTimeout = 10 * time.Second
)

// LoadConfig reads .env (if present), then the optional YAML file at path, then lets
// environment variables override, fills defaults and validates.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path == "" {
		path = os.Getenv("ALIGNMENT_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	c.Addr = envStr("ALIGNMENT_ADDR", c.Addr)
	c.PublicURL = envStr("PUBLIC_URL", c.PublicURL)
	c.AppURL = envStr("APP_URL", c.AppURL)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	c.RateLimitPerIP = envFloat("RATE_LIMIT_PER_IP", c.RateLimitPerIP)
	c.MaxMessageSize = int64(envInt("MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Redis.URL = envStr("REDIS_URL", c.Redis.URL)
	c.Redis.PoolMin = envInt("REDIS_POOL_MIN", c.Redis.PoolMin)
	c.Redis.PoolMax = envInt("REDIS_POOL_MAX", c.Redis.PoolMax)

	c.Broker.URL = envStr("BROKER_URL", c.Broker.URL)
	c.Broker.Channel = envStr("BROKER_CHANNEL", c.Broker.Channel)

	c.Store.Prefix = envStr("ROOM_PREFIX", c.Store.Prefix)
	c.Store.DefaultSize = envInt("ROOM_DEFAULT_SIZE", c.Store.DefaultSize)
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.RateLimitPerIP == 0 {
		c.RateLimitPerIP = DefaultRateLimitPerIP
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}
	if c.Redis.PoolMin == 0 {
		c.Redis.PoolMin = DefaultPoolMin
	}
	if c.Redis.PoolMax == 0 {
		c.Redis.PoolMax = DefaultPoolMax
	}
	if c.Broker.URL == "" {
		c.Broker.URL = c.Redis.URL
	}
	if c.Broker.Channel == "" {
		c.Broker.Channel = DefaultChannel
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = DefaultRoomPrefix
	}
	if c.Store.DefaultSize == 0 {
		c.Store.DefaultSize = DefaultRoomSize
	}
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	if c.Redis.PoolMin < 0 {
		return errors.New("redis.pool_min must be >= 0")
	}
	if c.Redis.PoolMax < 1 {
		return errors.New("redis.pool_max must be >= 1")
	}
	if c.Redis.PoolMin > c.Redis.PoolMax {
		return fmt.Errorf("redis.pool_min (%d) cannot exceed pool_max (%d)", c.Redis.PoolMin, c.Redis.PoolMax)
	}
	if c.Store.DefaultSize < 1 {
		return errors.New("store.default_size must be >= 1")
	}
	if c.RateLimitPerIP <= 0 {
		return errors.New("rate_limit_per_ip must be > 0")
	}
	if c.MaxMessageSize < 1 {
		return errors.New("max_message_size must be >= 1")
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss", "nats":
	default:
		return fmt.Errorf("broker.url scheme %q not supported", u.Scheme)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
