package app

import (
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Gateway endpoints. GatewayWSURL defaults to the websocket form of
	// GatewayBaseURL + "/ws" when unset.
	GatewayBaseURL string
	GatewayWSURL   string
	GatewayTimeout time.Duration

	// Transport tunables.
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      int
	MaxAttempts       int
	SendQueueCap      int
	MaxFrameBytes     int64

	// Sync tunables.
	DedupWindow  time.Duration
	MaxMessages  int
	PollInterval time.Duration

	// Mirror backend: memory, sqlite, postgres, or redis.
	MirrorDriver string
	SQLitePath   string
	DatabaseURL  string
	DBMaxConns   int32
	DBMinConns   int32
	RedisURL     string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless the gateway's health endpoint
	// answers.
	ReadinessRequireGateway bool

	// ShutdownTimeout bounds graceful HTTP drain and component teardown.
	ShutdownTimeout time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:  EnvString("GENESIS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("GENESIS_LOG_LEVEL", "info"),
		LogFormat: EnvString("GENESIS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("GENESIS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("GENESIS_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("GENESIS_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("GENESIS_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("GENESIS_HTTP_MAX_HEADER_BYTES", 1<<20),

		GatewayBaseURL: EnvString("GENESIS_GATEWAY_URL", "http://127.0.0.1:3000"),
		GatewayWSURL:   EnvString("GENESIS_GATEWAY_WS_URL", ""),
		GatewayTimeout: EnvDuration("GENESIS_GATEWAY_TIMEOUT", 10*time.Second),

		HeartbeatInterval: EnvDuration("GENESIS_WS_HEARTBEAT", 30*time.Second),
		ReconnectBase:     EnvDuration("GENESIS_WS_RECONNECT_BASE", 2*time.Second),
		ReconnectCap:      EnvInt("GENESIS_WS_RECONNECT_CAP", 15),
		MaxAttempts:       EnvInt("GENESIS_WS_MAX_ATTEMPTS", 10),
		SendQueueCap:      EnvInt("GENESIS_WS_QUEUE_CAP", 512),
		MaxFrameBytes:     EnvInt64("GENESIS_WS_MAX_FRAME_BYTES", 64<<10),

		DedupWindow:  EnvDuration("GENESIS_DEDUP_WINDOW", time.Second),
		MaxMessages:  EnvInt("GENESIS_MAX_MESSAGES", 1000),
		PollInterval: EnvDuration("GENESIS_POLL_INTERVAL", 15*time.Second),

		MirrorDriver: EnvString("GENESIS_MIRROR_DRIVER", "memory"),
		SQLitePath:   EnvString("GENESIS_SQLITE_PATH", "genesis.db"),
		DatabaseURL:  EnvString("GENESIS_DATABASE_URL", ""),
		DBMaxConns:   EnvInt32("GENESIS_DB_MAX_CONNS", 10),
		DBMinConns:   EnvInt32("GENESIS_DB_MIN_CONNS", 0),
		RedisURL:     EnvString("GENESIS_REDIS_URL", ""),

		CORSAllowedOrigins:   EnvStringSlice("GENESIS_CORS_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("GENESIS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("GENESIS_CORS_MAX_AGE", 600),

		ReadinessRequireGateway: EnvBool("GENESIS_READINESS_REQUIRE_GATEWAY", false),

		ShutdownTimeout: EnvDuration("GENESIS_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	cfg.GatewayBaseURL = strings.TrimRight(cfg.GatewayBaseURL, "/")
	if cfg.GatewayWSURL == "" {
		cfg.GatewayWSURL = wsBaseURL(cfg.GatewayBaseURL) + "/ws"
	}
	return cfg
}
