package app

import (
	"runtime"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// Host is the bind address shared by all workers.
	Host string
	// BasePort is worker 0's port; worker i listens on BasePort + i.
	BasePort int
	// Workers is the number of listeners (default: one per CPU core).
	Workers int

	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL selects the Postgres store when set.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// SQLitePath is the default durable log location when no DatabaseURL is set.
	SQLitePath        string
	SQLiteBusyTimeout time.Duration

	// RedisAddr selects the networked fanout bus when set.
	RedisAddr string

	// If true, /readyz returns 503 unless the Postgres store is reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Host:     EnvString("RELAY_HOST", "0.0.0.0"),
		BasePort: EnvInt("RELAY_BASE_PORT", 3000),
		Workers:  EnvInt("RELAY_WORKERS", runtime.NumCPU()),

		LogLevel: EnvString("RELAY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),

		SQLitePath:        EnvString("RELAY_SQLITE_PATH", "relay.db"),
		SQLiteBusyTimeout: EnvDuration("RELAY_SQLITE_BUSY_TIMEOUT", 5*time.Second),

		RedisAddr: EnvString("RELAY_REDIS_ADDR", ""),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),
	}
}
