package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aadithya-v/bifrost"
	"github.com/aadithya-v/bifrost/store"
)

type serverConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// LogVerbosity enables logr V-levels up to this value.
	LogVerbosity int `yaml:"log_verbosity"`

	// StoreType selects the session and audit backend: memory, sqlite, mysql or redis.
	StoreType string `yaml:"store_type"`

	// RateLimiter selects the admission controller: local or redis.
	RateLimiter string `yaml:"rate_limiter"`

	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis store.RedisConfig `yaml:"redis"`

	Gateway bifrost.Config `yaml:"gateway"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		ListenAddr:  ":8080",
		StoreType:   "sqlite",
		RateLimiter: "local",
		Redis:       store.RedisConfig{Addr: "localhost:6379", KeyPrefix: "bifrost:"},
		Gateway:     bifrost.DefaultConfig(),
	}
}

// loadConfig reads the YAML file at path, when given, and applies BIFROST_*
// environment overrides on top.
func loadConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return serverConfig{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return serverConfig{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.check(); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *serverConfig) {
	cfg.ListenAddr = getenvDefault("BIFROST_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogVerbosity = getenvIntDefault("BIFROST_LOG_VERBOSITY", cfg.LogVerbosity)
	cfg.StoreType = getenvDefault("BIFROST_STORE_TYPE", cfg.StoreType)
	cfg.RateLimiter = getenvDefault("BIFROST_RATE_LIMITER", cfg.RateLimiter)
	cfg.MySQL.DSN = getenvDefault("BIFROST_MYSQL_DSN", cfg.MySQL.DSN)
	cfg.Redis.Addr = getenvDefault("BIFROST_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("BIFROST_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvIntDefault("BIFROST_REDIS_DB", cfg.Redis.DB)

	gw := &cfg.Gateway
	gw.UpstreamBaseURL = getenvDefault("BIFROST_UPSTREAM_URL", gw.UpstreamBaseURL)
	gw.UpstreamTimeout = getenvDurationDefault("BIFROST_UPSTREAM_TIMEOUT", gw.UpstreamTimeout)
	gw.UpstreamRPS = getenvFloatDefault("BIFROST_UPSTREAM_RPS", gw.UpstreamRPS)
	gw.UpstreamBurst = getenvIntDefault("BIFROST_UPSTREAM_BURST", gw.UpstreamBurst)
	gw.EncryptionSecret = getenvDefault("BIFROST_ENCRYPTION_SECRET", gw.EncryptionSecret)
	gw.SessionTTL = getenvDurationDefault("BIFROST_SESSION_TTL", gw.SessionTTL)
	gw.RateLimitFailOpen = getenvBoolDefault("BIFROST_RATE_LIMIT_FAIL_OPEN", gw.RateLimitFailOpen)
	gw.GeoIPDatabasePath = getenvDefault("BIFROST_GEOIP_DB", gw.GeoIPDatabasePath)
	gw.DatabasePath = getenvDefault("BIFROST_DATABASE_PATH", gw.DatabasePath)
}

func (c serverConfig) check() error {
	switch c.StoreType {
	case "memory", "sqlite", "redis":
	case "mysql":
		if strings.TrimSpace(c.MySQL.DSN) == "" {
			return errors.New("mysql.dsn is required when store_type is mysql")
		}
	default:
		return fmt.Errorf("invalid store_type %q", c.StoreType)
	}

	switch c.RateLimiter {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid rate_limiter %q", c.RateLimiter)
	}

	if c.Gateway.UpstreamBaseURL == "" {
		return errors.New("gateway.upstream_base_url (BIFROST_UPSTREAM_URL) is required")
	}
	if len(c.Gateway.EncryptionSecret) < bifrost.MinSecretLength {
		return fmt.Errorf("gateway.encryption_secret (BIFROST_ENCRYPTION_SECRET) must be at least %d bytes", bifrost.MinSecretLength)
	}
	return nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
