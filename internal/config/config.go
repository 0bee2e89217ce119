package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	LogLevel  string
	LogFormat string

	OTLPEnabled  bool
	OTLPEndpoint string
	OTLPProtocol string

	SnowflakeNode int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis    RedisConfig
	Snapshot SnapshotConfig
	Lock     LockConfig

	CatalogFile string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SnapshotConfig struct {
	// Backend is one of memory, redis, database or none.
	Backend   string
	KeyPrefix string
	// SettleWindow keeps snapshots from being written for instants closer to
	// now than this, so in-flight reservations are never folded into them.
	SettleWindow time.Duration
}

type LockConfig struct {
	// Backend is one of local, redis or advisory.
	Backend       string
	TTL           time.Duration
	RetryInterval time.Duration
}

const (
	SnapshotBackendMemory   = "memory"
	SnapshotBackendRedis    = "redis"
	SnapshotBackendDatabase = "database"
	SnapshotBackendNone     = "none"

	LockBackendLocal    = "local"
	LockBackendRedis    = "redis"
	LockBackendAdvisory = "advisory"
)

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_NAME", "allowance"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		OTLPEnabled:  getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),

		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),

		DBType:            getenv("DB_TYPE", "postgres"),
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBName:            getenv("DB_NAME", "allowance"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", ""),
		DBSSLMode:         getenv("DB_SSL_MODE", "disable"),
		DBPath:            getenv("DB_DSN", "allowance.db"),
		DBMaxIdleConn:     getenvInt("DB_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DB_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DB_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DB_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DB_AUTO_MIGRATE", true),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Snapshot: SnapshotConfig{
			Backend:      strings.ToLower(getenv("SNAPSHOT_BACKEND", SnapshotBackendDatabase)),
			KeyPrefix:    getenv("SNAPSHOT_KEY_PREFIX", "allowance:snapshot:"),
			SettleWindow: getenvDuration("SNAPSHOT_SETTLE_WINDOW", 0),
		},
		Lock: LockConfig{
			Backend:       strings.ToLower(getenv("LOCK_BACKEND", LockBackendAdvisory)),
			TTL:           getenvDuration("LOCK_TTL", 10*time.Second),
			RetryInterval: getenvDuration("LOCK_RETRY_INTERVAL", 25*time.Millisecond),
		},

		CatalogFile: strings.TrimSpace(getenv("CATALOG_FILE", "")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
