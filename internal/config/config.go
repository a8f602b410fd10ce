package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application. Generalized from the
// teacher's Config shape (Server/Database/Redis/Observability/RateLimit/
// Security carried as-is); the auth/AI/web3/browser sections have no home in
// this domain and are replaced with Risk/Queue/Collector/Venue.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Security      SecurityConfig
	Risk          RiskConfig
	Queue         QueueConfig
	Collector     CollectorConfig
	Venues        VenueConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	ConnMaxIdleTime     time.Duration
	QueryTimeout        time.Duration
	EnableQueryCache    bool
	CacheSize           int
	CacheTTL            time.Duration
	ReadReplicaURL      string
	EnableReadReplica   bool
	HealthCheckInterval time.Duration
}

type RedisConfig struct {
	URL                string
	Password           string
	DB                 int
	PoolSize           int
	MinIdleConns       int
	MaxIdleConns       int
	PoolTimeout        time.Duration
	IdleTimeout        time.Duration
	IdleCheckFrequency time.Duration
	MaxRetries         int
	MinRetryBackoff    time.Duration
	MaxRetryBackoff    time.Duration
	EnableMetrics      bool
	MaxMemory          string
	EvictionPolicy     string
	CompressionLevel   int
}

type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type SecurityConfig struct {
	CORSAllowedOrigins []string
}

// RiskConfig feeds both the pre-trade rule chain and the background monitor
// (§4.8, §4.9). The notional caps, the absolute daily-loss cap and the
// emergency loss trigger default to zero (disabled) unless explicitly set,
// since the rule chain and monitor both treat a non-positive cap as "not
// enforced"; the percentage, drawdown, consecutive-loss, concentration and
// emergency-drawdown limits have non-zero defaults in Load.
type RiskConfig struct {
	OrderNotionalCap         float64
	InstrumentNotionalCap    float64
	TotalNotionalCap         float64
	DailyLossCap             float64
	DailyLossPctCap          float64
	DrawdownCap              float64
	ConsecutiveLossCap       int
	ConcentrationThreshold   float64
	EmergencyDrawdownTrigger float64
	EmergencyLossTrigger     float64
	MonitorInterval          time.Duration
}

// QueueConfig sizes the priority order queue's worker pool (§4.2).
type QueueConfig struct {
	WorkerCount int
	MaxAttempts int
}

// CollectorConfig bounds the market-data collector's batch buffer and cache
// TTLs (§4.10).
type CollectorConfig struct {
	SoftCap        int
	FlushInterval  time.Duration
	TickerCacheTTL time.Duration
	BookCacheTTL   time.Duration
}

// VenueConfig carries the credentials and symbol universe for every venue
// adapter registered at startup (§4.1).
type VenueConfig struct {
	EnabledVenues []string
	Symbols       []string
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			URL:                 getEnv("DATABASE_URL", ""),
			MaxOpenConns:        getIntEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:        getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime:     getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime:     getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			QueryTimeout:        getDurationEnv("DB_QUERY_TIMEOUT", 30*time.Second),
			EnableQueryCache:    getBoolEnv("DB_ENABLE_QUERY_CACHE", true),
			CacheSize:           getIntEnv("DB_CACHE_SIZE", 1000),
			CacheTTL:            getDurationEnv("DB_CACHE_TTL", 5*time.Minute),
			ReadReplicaURL:      getEnv("DATABASE_READ_REPLICA_URL", ""),
			EnableReadReplica:   getBoolEnv("DB_ENABLE_READ_REPLICA", false),
			HealthCheckInterval: getDurationEnv("DB_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Redis: RedisConfig{
			URL:                getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:           getEnv("REDIS_PASSWORD", ""),
			DB:                 getIntEnv("REDIS_DB", 0),
			PoolSize:           getIntEnv("REDIS_POOL_SIZE", 20),
			MinIdleConns:       getIntEnv("REDIS_MIN_IDLE_CONNS", 5),
			MaxIdleConns:       getIntEnv("REDIS_MAX_IDLE_CONNS", 10),
			PoolTimeout:        getDurationEnv("REDIS_POOL_TIMEOUT", 4*time.Second),
			IdleTimeout:        getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
			IdleCheckFrequency: getDurationEnv("REDIS_IDLE_CHECK_FREQUENCY", 1*time.Minute),
			MaxRetries:         getIntEnv("REDIS_MAX_RETRIES", 3),
			MinRetryBackoff:    getDurationEnv("REDIS_MIN_RETRY_BACKOFF", 8*time.Millisecond),
			MaxRetryBackoff:    getDurationEnv("REDIS_MAX_RETRY_BACKOFF", 512*time.Millisecond),
			EnableMetrics:      getBoolEnv("REDIS_ENABLE_METRICS", true),
			MaxMemory:          getEnv("REDIS_MAX_MEMORY", "256mb"),
			EvictionPolicy:     getEnv("REDIS_EVICTION_POLICY", "allkeys-lru"),
			CompressionLevel:   getIntEnv("REDIS_COMPRESSION_LEVEL", 6),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "order-gateway"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getIntEnv("RATE_LIMIT_REQUESTS_PER_MINUTE", 600),
			Burst:             getIntEnv("RATE_LIMIT_BURST", 100),
		},
		Security: SecurityConfig{
			CORSAllowedOrigins: getSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Risk: RiskConfig{
			OrderNotionalCap:         getFloatEnv("RISK_ORDER_NOTIONAL_CAP", 0),
			InstrumentNotionalCap:    getFloatEnv("RISK_INSTRUMENT_NOTIONAL_CAP", 0),
			TotalNotionalCap:         getFloatEnv("RISK_TOTAL_NOTIONAL_CAP", 0),
			DailyLossCap:             getFloatEnv("RISK_DAILY_LOSS_CAP", 0),
			DailyLossPctCap:          getFloatEnv("RISK_DAILY_LOSS_PCT_CAP", 0.05),
			DrawdownCap:              getFloatEnv("RISK_DRAWDOWN_CAP", 0.20),
			ConsecutiveLossCap:       getIntEnv("RISK_CONSECUTIVE_LOSS_CAP", 5),
			ConcentrationThreshold:   getFloatEnv("RISK_CONCENTRATION_THRESHOLD", 0.30),
			EmergencyDrawdownTrigger: getFloatEnv("RISK_EMERGENCY_DRAWDOWN_TRIGGER", 0.30),
			EmergencyLossTrigger:     getFloatEnv("RISK_EMERGENCY_LOSS_TRIGGER", 0),
			MonitorInterval:          getDurationEnv("RISK_MONITOR_INTERVAL", 5*time.Second),
		},
		Queue: QueueConfig{
			WorkerCount: getIntEnv("QUEUE_WORKER_COUNT", 4),
			MaxAttempts: getIntEnv("QUEUE_MAX_ATTEMPTS", 3),
		},
		Collector: CollectorConfig{
			SoftCap:        getIntEnv("COLLECTOR_SOFT_CAP", 100),
			FlushInterval:  getDurationEnv("COLLECTOR_FLUSH_INTERVAL", 2*time.Second),
			TickerCacheTTL: getDurationEnv("COLLECTOR_TICKER_CACHE_TTL", 5*time.Second),
			BookCacheTTL:   getDurationEnv("COLLECTOR_BOOK_CACHE_TTL", 1*time.Second),
		},
		Venues: VenueConfig{
			EnabledVenues:    getSliceEnv("VENUE_ENABLED", []string{"mock"}),
			Symbols:          getSliceEnv("VENUE_SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
			BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
			BinanceAPISecret: getEnv("BINANCE_API_SECRET", ""),
			BinanceTestnet:   getBoolEnv("BINANCE_TESTNET", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getSliceEnv splits a comma-separated env var, trimming whitespace around
// each entry and dropping empties.
func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
