// Package config loads process configuration from YAML and the environment.
package config

import (
	"fmt"
	"time"

	"github.com/Aidin1998/scriptforge/internal/database"
	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/Aidin1998/scriptforge/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SCRIPTFORGE_SERVER_HTTP_ADDR.
const EnvPrefix = "SCRIPTFORGE"

type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Log       LogConfig                `mapstructure:"log"`
	Database  DatabaseConfig           `mapstructure:"database"`
	RateLimit RateLimitConfig          `mapstructure:"ratelimit"`
	Breakers  map[string]BreakerConfig `mapstructure:"breakers" validate:"dive"`
	Cache     CacheConfig              `mapstructure:"cache"`
	Inference InferenceConfig          `mapstructure:"inference"`
	Admin     AdminConfig              `mapstructure:"admin"`
	Auth      AuthConfig               `mapstructure:"auth"`
	Telemetry telemetry.Config         `mapstructure:"telemetry"`
}

type ServerConfig struct {
	HTTPAddr         string        `mapstructure:"http_addr" validate:"required"`
	GRPCAddr         string        `mapstructure:"grpc_addr"`
	GRPCReflection   bool          `mapstructure:"grpc_reflection"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addrs        []string      `mapstructure:"addrs"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Options converts to connection options.
func (r RedisConfig) Options() database.RedisOptions {
	return database.RedisOptions{
		Addrs:        r.Addrs,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	}
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Counter store kinds.
const (
	StoreGorm  = "gorm"
	StorePgx   = "pgx"
	StoreRedis = "redis"
	StoreEtcd  = "etcd"
)

type RateLimitConfig struct {
	Store           string                `mapstructure:"store" validate:"oneof=gorm pgx redis etcd"`
	KeyPrefix       string                `mapstructure:"key_prefix"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Etcd            EtcdConfig            `mapstructure:"etcd"`
	DenyCache       string                `mapstructure:"deny_cache" validate:"oneof=none memory redis"`
	DenyCacheSize   int                   `mapstructure:"deny_cache_size" validate:"gte=0"`
	CleanupInterval time.Duration         `mapstructure:"cleanup_interval"`
	TiersFile       string                `mapstructure:"tiers_file"`
	Tiers           []ratelimit.TierLimit `mapstructure:"tiers" validate:"dive"`
}

type BreakerConfig struct {
	FailureThreshold  uint32        `mapstructure:"failure_threshold"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
	SuccessesRequired uint32        `mapstructure:"successes_required"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
}

// Settings converts to breaker settings. Zero fields take the breaker defaults.
func (b BreakerConfig) Settings(name string) resilience.Settings {
	return resilience.Settings{
		Name:              name,
		FailureThreshold:  b.FailureThreshold,
		ResetTimeout:      b.ResetTimeout,
		SuccessesRequired: b.SuccessesRequired,
		CallTimeout:       b.CallTimeout,
	}
}

// Cache medium kinds.
const (
	MediumNone   = "none"
	MediumMemory = "memory"
	MediumRedis  = "redis"
	MediumBadger = "badger"
)

type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic       string   `mapstructure:"topic"`
	GroupPrefix string   `mapstructure:"group_prefix"`
}

type CacheConfig struct {
	Medium      string        `mapstructure:"medium" validate:"oneof=none memory redis badger"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	Redis       RedisConfig   `mapstructure:"redis"`
	BadgerDir   string        `mapstructure:"badger_dir"`
	JanitorTick time.Duration `mapstructure:"janitor_interval"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
}

type InferenceConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key"`
}

type AdminConfig struct {
	// TokenHash is a bcrypt hash of the X-Admin-Token value. Empty disables
	// the admin routes.
	TokenHash string `mapstructure:"token_hash"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v viperSetter) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.grpc_reflection", false)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_allow_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("ratelimit.store", StoreGorm)
	v.SetDefault("ratelimit.key_prefix", "")
	v.SetDefault("ratelimit.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)
	v.SetDefault("ratelimit.redis.pool_size", 0)
	v.SetDefault("ratelimit.redis.dial_timeout", 5*time.Second)
	v.SetDefault("ratelimit.redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("ratelimit.redis.write_timeout", 500*time.Millisecond)
	v.SetDefault("ratelimit.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("ratelimit.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("ratelimit.deny_cache", "memory")
	v.SetDefault("ratelimit.deny_cache_size", 100000)
	v.SetDefault("ratelimit.cleanup_interval", 5*time.Minute)
	v.SetDefault("ratelimit.tiers_file", "")

	v.SetDefault("cache.medium", MediumMemory)
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.key_prefix", "sf:")
	v.SetDefault("cache.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 1)
	v.SetDefault("cache.redis.pool_size", 0)
	v.SetDefault("cache.redis.dial_timeout", 5*time.Second)
	v.SetDefault("cache.redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("cache.redis.write_timeout", 500*time.Millisecond)
	v.SetDefault("cache.badger_dir", "")
	v.SetDefault("cache.janitor_interval", time.Minute)
	v.SetDefault("cache.kafka.enabled", false)
	v.SetDefault("cache.kafka.brokers", []string{})
	v.SetDefault("cache.kafka.topic", "scriptforge.cache.invalidations")
	v.SetDefault("cache.kafka.group_prefix", "scriptforge-cache")

	v.SetDefault("inference.base_url", "http://localhost:8000")
	v.SetDefault("inference.api_key", "")

	v.SetDefault("admin.token_hash", "")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("telemetry.service_name", "scriptforge")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.metric_interval", time.Minute)
}

type viperSetter interface {
	SetDefault(key string, value interface{})
}

// BreakerSettings returns settings for every configured breaker plus the two
// dependencies that always exist.
func (c *Config) BreakerSettings() []resilience.Settings {
	names := map[string]BreakerConfig{
		resilience.DependencyInference: {},
		resilience.DependencyStore:     {},
	}
	for name, bc := range c.Breakers {
		names[name] = bc
	}
	out := make([]resilience.Settings, 0, len(names))
	for name, bc := range names {
		out = append(out, bc.Settings(name))
	}
	return out
}

func (c *Config) String() string {
	return fmt.Sprintf("http=%s grpc=%s store=%s cache=%s db=%s",
		c.Server.HTTPAddr, c.Server.GRPCAddr, c.RateLimit.Store, c.Cache.Medium, c.Database.Driver)
}
