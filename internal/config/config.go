package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config represents runtime configuration for the preview gateway.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Upstream    UpstreamConfig            `json:"upstream"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Cache       CacheConfig               `json:"cache"`
	Preview     PreviewConfig             `json:"preview"`
	Prefetch    PrefetchConfig            `json:"prefetch"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" env:"INVOICEPREVIEW_ADDR"`
	Database      string `json:"database" env:"INVOICEPREVIEW_DB"`
	Debug         bool   `json:"debug" env:"INVOICEPREVIEW_DEBUG"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

// UpstreamConfig points at the back-office REST API serving resource files.
type UpstreamConfig struct {
	BaseURL        string   `json:"base_url" env:"INVOICEPREVIEW_UPSTREAM_URL"`
	TimeoutSeconds int      `json:"timeout_seconds" env:"INVOICEPREVIEW_UPSTREAM_TIMEOUT"`
	ResourcePath   string   `json:"resource_path"`
	// hosts public_url fallbacks may point at, besides the upstream host
	PublicHosts    []string `json:"public_hosts" env:"INVOICEPREVIEW_PUBLIC_HOSTS" envSeparator:","`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" env:"INVOICEPREVIEW_REDIS_HOST"`
	Port     int    `json:"port" env:"INVOICEPREVIEW_REDIS_PORT"`
	Username string `json:"username"`
	Password string `json:"password" env:"INVOICEPREVIEW_REDIS_PASSWORD"`
	DB       int    `json:"db"`
}

// CacheConfig selects where fetched file bytes are kept between loads.
type CacheConfig struct {
	Driver               string `json:"driver" env:"INVOICEPREVIEW_CACHE"`
	MaxBytes             int64  `json:"max_bytes"`
	TTLMinutes           int    `json:"ttl_minutes"`
	SpoolDir             string `json:"spool_dir"`
	CleanIntervalMinutes int    `json:"clean_interval_minutes"`
}

type PreviewConfig struct {
	MaxFileBytes        int64 `json:"max_file_bytes"`
	ReferenceTTLMinutes int   `json:"reference_ttl_minutes"`
}

type PrefetchConfig struct {
	MinWorkers        int `json:"min_workers"`
	MaxWorkers        int `json:"max_workers"`
	QueueSize         int `json:"queue_size"`
	WorkerIdleMinutes int `json:"worker_idle_minutes"`
}

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheDisk   = "disk"
)

// Load reads configuration from the provided path (defaults to config.json),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Cache.SpoolDir != "" && !filepath.IsAbs(cfg.Cache.SpoolDir) {
		cfg.Cache.SpoolDir = filepath.Join(filepath.Dir(absPath), cfg.Cache.SpoolDir)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		c.BasicConfig.TokenTTLHours = 12
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.ResourcePath == "" {
		c.Upstream.ResourcePath = "/resources/%s/file/"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheMemory
	}
	if c.Cache.MaxBytes <= 0 {
		c.Cache.MaxBytes = 256 << 20
	}
	if c.Cache.TTLMinutes <= 0 {
		c.Cache.TTLMinutes = 30
	}
	if c.Cache.SpoolDir == "" {
		c.Cache.SpoolDir = "./data/spool"
	}
	if c.Cache.CleanIntervalMinutes <= 0 {
		c.Cache.CleanIntervalMinutes = 10
	}
	if c.Preview.MaxFileBytes <= 0 {
		c.Preview.MaxFileBytes = 50 << 20
	}
	if c.Preview.ReferenceTTLMinutes <= 0 {
		c.Preview.ReferenceTTLMinutes = 60
	}
	if c.Prefetch.MaxWorkers <= 0 {
		c.Prefetch.MaxWorkers = 4
	}
	if c.Prefetch.QueueSize <= 0 {
		c.Prefetch.QueueSize = 64
	}
	if c.Prefetch.WorkerIdleMinutes <= 0 {
		c.Prefetch.WorkerIdleMinutes = 5
	}
}

// Validate checks the settings that have no sensible default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be configured")
	}
	if !strings.Contains(c.Upstream.ResourcePath, "%s") {
		return fmt.Errorf("upstream.resource_path must contain a %%s placeholder")
	}
	switch c.Cache.Driver {
	case CacheMemory, CacheRedis, CacheDisk:
	default:
		return fmt.Errorf("unsupported cache driver: %s", c.Cache.Driver)
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	return nil
}
