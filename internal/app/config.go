package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Operator channel. Empty token selects the in-memory messenger
	// (dev mode: requests can only be decided via the admin API).
	TelegramBotToken string
	TelegramChatID   int64

	// AdminSecret gates /api/admin. It is hashed at startup and never kept
	// in plaintext past New.
	AdminSecret string

	// RequestTimeout is the connection-request timeout window. It applies
	// from creation regardless of operator activity on the value controls.
	RequestTimeout time.Duration
	SweepInterval  time.Duration

	PullTimeout time.Duration
	PullDelay   time.Duration

	HeartbeatInterval time.Duration

	// PaymentAddress is the static deposit address quoted on license
	// purchases. Amounts are operator-asserted, never verified here.
	PaymentAddress string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("TOLLGATE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("TOLLGATE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("TOLLGATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TOLLGATE_HTTP_READ_TIMEOUT", 15*time.Second),
		// Write timeout must stay zero: SSE and WebSocket responses are
		// long-lived. Per-write deadlines are handled in the stream code.
		WriteTimeout:   0,
		IdleTimeout:    EnvDuration("TOLLGATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: EnvInt("TOLLGATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TOLLGATE_DATABASE_URL", ""),
		DBSchema:    EnvString("TOLLGATE_DB_SCHEMA", "tollgate"),
		DBMaxConns:  EnvInt32("TOLLGATE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TOLLGATE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("TOLLGATE_READINESS_REQUIRE_DB", false),

		TelegramBotToken: EnvString("TOLLGATE_TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   EnvInt64("TOLLGATE_TELEGRAM_CHAT_ID", 0),

		AdminSecret: EnvString("TOLLGATE_ADMIN_SECRET", ""),

		RequestTimeout: EnvDuration("TOLLGATE_REQUEST_TIMEOUT", 10*time.Minute),
		SweepInterval:  EnvDuration("TOLLGATE_SWEEP_INTERVAL", 30*time.Second),

		PullTimeout: EnvDuration("TOLLGATE_PULL_TIMEOUT", 25*time.Second),
		PullDelay:   EnvDuration("TOLLGATE_PULL_DELAY", 500*time.Millisecond),

		HeartbeatInterval: EnvDuration("TOLLGATE_HEARTBEAT_INTERVAL", 20*time.Second),

		PaymentAddress: EnvString("TOLLGATE_PAYMENT_ADDRESS", ""),
	}
}
