package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Upstreams UpstreamsConfig `koanf:"upstreams"`
	Stats     StatsConfig     `koanf:"stats"`
	Recommend RecommendConfig `koanf:"recommend"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Gateway   GatewayConfig   `koanf:"gateway"`
}

type ServiceConfig struct {
	Name string `koanf:"name"`
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`
}

func (s ServiceConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	Name            string        `koanf:"name"`
	SSLMode         string        `koanf:"sslmode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectDelay    time.Duration `koanf:"connect_delay"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// RedisConfig configures the optional book cache. An empty Addr turns it off.
type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	BookTTL  time.Duration `koanf:"book_ttl"`
}

type UpstreamsConfig struct {
	CatalogURL string        `koanf:"catalog_url"`
	ShelfURL   string        `koanf:"shelf_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

type StatsConfig struct {
	Timezone    string `koanf:"timezone"`
	HorizonDays int    `koanf:"horizon_days"`
}

// Location resolves the configured time zone. Validate has already checked it.
func (s StatsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type RecommendConfig struct {
	DefaultLimit  int     `koanf:"default_limit"`
	MinRating     float64 `koanf:"min_rating"`
	TopGenreCount int     `koanf:"top_genre_count"`
	CandidatePool int     `koanf:"candidate_pool"`
}

type BreakerConfig struct {
	MaxFailures int           `koanf:"max_failures"`
	Timeout     time.Duration `koanf:"timeout"`
	Window      time.Duration `koanf:"window"`
}

type GatewayConfig struct {
	RateLimitRPS   float64       `koanf:"rate_limit_rps"`
	RateLimitBurst int           `koanf:"rate_limit_burst"`
	RetryInterval  time.Duration `koanf:"retry_interval"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
	RetryMax       int           `koanf:"retry_max"`
}

var servicePorts = map[string]int{
	"gateway": 8080,
	"catalog": 8050,
	"shelf":   8060,
}

// Defaults returns the built-in configuration for service.
func Defaults(service string) *Config {
	port, ok := servicePorts[service]
	if !ok {
		port = 8080
	}
	return &Config{
		Service: ServiceConfig{
			Name: service,
			Port: port,
			Env:  "development",
		},
		Database: DatabaseConfig{
			Host:            "postgres",
			Port:            5432,
			User:            "program",
			Password:        "test",
			Name:            service,
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 10,
			ConnectDelay:    5 * time.Second,
		},
		Redis: RedisConfig{
			BookTTL: 10 * time.Minute,
		},
		Upstreams: UpstreamsConfig{
			CatalogURL: "http://localhost:8050",
			ShelfURL:   "http://localhost:8060",
			Timeout:    5 * time.Second,
		},
		Stats: StatsConfig{
			Timezone:    "UTC",
			HorizonDays: 365,
		},
		Recommend: RecommendConfig{
			DefaultLimit:  10,
			MinRating:     3.5,
			TopGenreCount: 3,
			CandidatePool: 200,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Window:      60 * time.Second,
		},
		Gateway: GatewayConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			RetryInterval:  time.Second,
			RetryMaxDelay:  time.Minute,
			RetryMax:       10,
		},
	}
}

var envMappings = map[string]string{
	"app_env":      "service.env",
	"service_port": "service.port",

	"db_host":              "database.host",
	"db_port":              "database.port",
	"db_user":              "database.user",
	"db_password":          "database.password",
	"db_name":              "database.name",
	"db_sslmode":           "database.sslmode",
	"db_max_open_conns":    "database.max_open_conns",
	"db_max_idle_conns":    "database.max_idle_conns",
	"db_conn_max_lifetime": "database.conn_max_lifetime",
	"db_connect_attempts":  "database.connect_attempts",
	"db_connect_delay":     "database.connect_delay",

	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",
	"book_cache_ttl": "redis.book_ttl",

	"catalog_service_url": "upstreams.catalog_url",
	"shelf_service_url":   "upstreams.shelf_url",
	"upstream_timeout":    "upstreams.timeout",

	"stats_timezone":     "stats.timezone",
	"stats_horizon_days": "stats.horizon_days",

	"recommend_default_limit":  "recommend.default_limit",
	"recommend_min_rating":     "recommend.min_rating",
	"recommend_top_genres":     "recommend.top_genre_count",
	"recommend_candidate_pool": "recommend.candidate_pool",

	"breaker_max_failures": "breaker.max_failures",
	"breaker_timeout":      "breaker.timeout",
	"breaker_window":       "breaker.window",

	"rate_limit_rps":     "gateway.rate_limit_rps",
	"rate_limit_burst":   "gateway.rate_limit_burst",
	"retry_interval":     "gateway.retry_interval",
	"retry_max_delay":    "gateway.retry_max_delay",
	"retry_max_attempts": "gateway.retry_max",
}

// envTransformFunc maps environment variable names to config keys.
// Variables not listed are skipped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// Load builds the configuration for service from defaults overridden by the
// environment.
func Load(service string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(service), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		errs = append(errs, fmt.Errorf("service port %d out of range", c.Service.Port))
	}
	if _, err := time.LoadLocation(c.Stats.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("stats timezone %q: %w", c.Stats.Timezone, err))
	}
	if c.Stats.HorizonDays <= 0 {
		errs = append(errs, errors.New("stats horizon days must be positive"))
	}
	if c.Recommend.DefaultLimit <= 0 {
		errs = append(errs, errors.New("recommend default limit must be positive"))
	}
	if c.Recommend.MinRating < 0 || c.Recommend.MinRating > 5 {
		errs = append(errs, fmt.Errorf("recommend min rating %.1f outside 0..5", c.Recommend.MinRating))
	}
	if c.Recommend.TopGenreCount <= 0 {
		errs = append(errs, errors.New("recommend top genre count must be positive"))
	}
	if c.Breaker.MaxFailures <= 0 || c.Breaker.Timeout <= 0 || c.Breaker.Window <= 0 {
		errs = append(errs, errors.New("breaker settings must be positive"))
	}
	if c.Gateway.RateLimitRPS <= 0 || c.Gateway.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit settings must be positive"))
	}
	for name, raw := range map[string]string{"catalog": c.Upstreams.CatalogURL, "shelf": c.Upstreams.ShelfURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s service url %q is not absolute", name, raw))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	switch strings.ToLower(c.Service.Env) {
	case "prod", "production":
		return true
	}
	return false
}
