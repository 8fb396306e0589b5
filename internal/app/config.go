package app

import "time"

// Config contains all runtime configuration loaded from environment
// variables for the MEW gateway process.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Strict CORS allowlist for browser-based clients of the HTTP
	// endpoints. /ws bypasses it (see WithCORS).
	//
	// Rules:
	// - exact origin: "https://app.example.com"
	// - wildcard port: "http://localhost:*"
	// - wildcard all: "*" (not recommended with credentials)
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Space configuration.
	SpaceConfigPath string

	// Dynamic participant store. When set and the space config says
	// participants_source: postgres, the Postgres-backed loader polls this
	// database instead of relying solely on SpaceConfigPath.
	DatabaseURL         string
	DBMaxConns          int32
	DBMinConns          int32
	ParticipantsPollInt time.Duration

	// If true, /readyz returns 503 unless the dynamic participant store
	// is configured and reachable.
	ReadinessRequireDB bool

	// Security policy: if true, MEW_TOKEN_HMAC_KEY MUST be set (>= 32
	// bytes) and audit token fingerprinting must be HMAC-based rather
	// than falling back to unkeyed SHA-256.
	RequireTokenHMAC bool

	// Connection Manager tuning (spec §4.5, §5).
	HeartbeatInterval time.Duration
	SendQueueSize     int
	MaxFrameBytes     int

	// Audit Log.
	AuditDir          string
	AuditRotateMaxMiB int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	corsDefault := "http://localhost:*,http://127.0.0.1:*"
	corsRaw := EnvString("MEW_HTTP_CORS_ALLOWED_ORIGINS", corsDefault)

	return Config{
		HTTPAddr:  EnvString("MEW_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("MEW_LOG_LEVEL", "info"),
		LogFormat: EnvString("MEW_LOG_FORMAT", "auto"),

		ReadHeaderTimeout: EnvDuration("MEW_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("MEW_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("MEW_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("MEW_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("MEW_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   parseCSV(corsRaw),
		CORSAllowCredentials: EnvBool("MEW_HTTP_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("MEW_HTTP_CORS_MAX_AGE_SECONDS", 600),

		SpaceConfigPath: EnvString("MEW_SPACE_CONFIG", "space.yaml"),

		DatabaseURL:         EnvString("MEW_DATABASE_URL", ""),
		DBMaxConns:          EnvInt32("MEW_DB_MAX_CONNS", 10),
		DBMinConns:          EnvInt32("MEW_DB_MIN_CONNS", 0),
		ParticipantsPollInt: EnvDuration("MEW_PARTICIPANTS_POLL_INTERVAL", 30*time.Second),

		ReadinessRequireDB: EnvBool("MEW_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("MEW_REQUIRE_TOKEN_HMAC", false),

		HeartbeatInterval: EnvDuration("MEW_HEARTBEAT_INTERVAL", 30*time.Second),
		SendQueueSize:     EnvInt("MEW_SEND_QUEUE_SIZE", 1000),
		MaxFrameBytes:     EnvInt("MEW_MAX_FRAME_BYTES", 1<<20),

		AuditDir:          EnvString("MEW_AUDIT_DIR", "./audit"),
		AuditRotateMaxMiB: EnvInt("MEW_AUDIT_ROTATE_MAX_MIB", 100),
	}
}
