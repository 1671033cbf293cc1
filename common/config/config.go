package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Unpack    UnpackConfig
	Analysis  AnalysisConfig
	Intercom  IntercomConfig
	Storage   StorageConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds the intercom/lock Redis settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// UnpackConfig bounds recursive extraction
type UnpackConfig struct {
	MaxDepth      int
	MemoryLimitMB int
	Threads       int
	// MIME types that are forwarded as leaves without trying any extractor
	Whitelist     []string
	ThrottleLimit int
	LockTTL       time.Duration
}

// AnalysisConfig controls plugin scheduling
type AnalysisConfig struct {
	DefaultPlugins   []string
	PluginTimeout    time.Duration
	WorkersPerPlugin int
	CacheSizeMB      int
	CacheTTL         time.Duration
	CompletedLRUSize int
}

// IntercomConfig controls the frontend/backend queues
type IntercomConfig struct {
	Backend              string // "memory" or "redis"
	PollDelay            time.Duration
	CommunicationTimeout time.Duration
	ResultTTL            time.Duration
	DeleteRetryInterval  time.Duration
}

// StorageConfig selects persistence backends
type StorageConfig struct {
	StoreBackend string // "memory" or "postgres"
	BlobBackend  string // "fs" or "s3"
	BlobDir      string
	S3Bucket     string
	S3Endpoint   string
	S3Region     string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "fact"),
			User:        getEnv("POSTGRES_USER", "fact"),
			Password:    getEnv("POSTGRES_PASSWORD", "fact"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Unpack: UnpackConfig{
			MaxDepth:      getEnvInt("UNPACK_MAX_DEPTH", 10),
			MemoryLimitMB: getEnvInt("UNPACK_MEMORY_LIMIT_MB", 2048),
			Threads:       getEnvInt("UNPACK_THREADS", 4),
			Whitelist:     getEnvSlice("UNPACK_WHITELIST", []string{"audio/mpeg", "image/png", "image/jpeg", "image/gif", "video/mp4"}),
			ThrottleLimit: getEnvInt("UNPACK_THROTTLE_LIMIT", 50),
			LockTTL:       getEnvDuration("UNPACK_LOCK_TTL", 30*time.Minute),
		},
		Analysis: AnalysisConfig{
			DefaultPlugins:   getEnvSlice("ANALYSIS_DEFAULT_PLUGINS", []string{"file_hashes", "file_type"}),
			PluginTimeout:    getEnvDuration("ANALYSIS_PLUGIN_TIMEOUT", 5*time.Minute),
			WorkersPerPlugin: getEnvInt("ANALYSIS_WORKERS_PER_PLUGIN", 2),
			CacheSizeMB:      getEnvInt("ANALYSIS_CACHE_MB", 256),
			CacheTTL:         getEnvDuration("ANALYSIS_CACHE_TTL", 1*time.Hour),
			CompletedLRUSize: getEnvInt("ANALYSIS_COMPLETED_LRU_SIZE", 4096),
		},
		Intercom: IntercomConfig{
			Backend:              getEnv("INTERCOM_BACKEND", "memory"),
			PollDelay:            getEnvDuration("INTERCOM_POLL_DELAY", 500*time.Millisecond),
			CommunicationTimeout: getEnvDuration("INTERCOM_COMMUNICATION_TIMEOUT", 60*time.Second),
			ResultTTL:            getEnvDuration("INTERCOM_RESULT_TTL", 1*time.Hour),
			DeleteRetryInterval:  getEnvDuration("INTERCOM_DELETE_RETRY_INTERVAL", 30*time.Second),
		},
		Storage: StorageConfig{
			StoreBackend: getEnv("STORE_BACKEND", "memory"),
			BlobBackend:  getEnv("BLOB_BACKEND", "fs"),
			BlobDir:      getEnv("BLOB_DIR", "/tmp/fact/files"),
			S3Bucket:     getEnv("BLOB_S3_BUCKET", ""),
			S3Endpoint:   getEnv("BLOB_S3_ENDPOINT", ""),
			S3Region:     getEnv("BLOB_S3_REGION", "us-east-1"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Unpack.MaxDepth < 1 {
		return fmt.Errorf("unpack max depth must be positive: %d", c.Unpack.MaxDepth)
	}
	if c.Unpack.Threads < 1 {
		return fmt.Errorf("unpack threads must be positive: %d", c.Unpack.Threads)
	}
	if c.Unpack.MemoryLimitMB < 1 {
		return fmt.Errorf("unpack memory limit must be positive: %d", c.Unpack.MemoryLimitMB)
	}

	if c.Analysis.WorkersPerPlugin < 1 {
		return fmt.Errorf("workers per plugin must be positive: %d", c.Analysis.WorkersPerPlugin)
	}
	if c.Analysis.PluginTimeout <= 0 {
		return fmt.Errorf("plugin timeout must be positive")
	}

	switch c.Intercom.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown intercom backend: %s", c.Intercom.Backend)
	}

	switch c.Storage.StoreBackend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Storage.StoreBackend)
	}

	switch c.Storage.BlobBackend {
	case "fs":
		if c.Storage.BlobDir == "" {
			return fmt.Errorf("blob dir is required for fs backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("s3 bucket is required for s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob backend: %s", c.Storage.BlobBackend)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// UnpackMemoryBytes returns the extraction memory budget in bytes
func (c *Config) UnpackMemoryBytes() int64 {
	return int64(c.Unpack.MemoryLimitMB) * 1024 * 1024
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
