// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, persistence, monitor credentials, the generation backend, the
// realtime transport, the scoring pipeline, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls the HTTP security headers.
type SecurityConfig struct {
	EnableHSTS bool          // ENABLE_HSTS, only when TLS terminates end-to-end
	HSTSMaxAge time.Duration // HSTS_MAX_AGE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "crisis-chat")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AuthConfig holds the monitor credential settings.
type AuthConfig struct {
	JWTSecret string        // JWT_SECRET (HS256 signing key)
	Issuer    string        // JWT_ISSUER
	TokenTTL  time.Duration // JWT_TTL, used when minting monitor tokens
}

// LLMConfig describes the generation backend (Ollama compatible).
type LLMConfig struct {
	BaseURL      string        // OLLAMA_BASE_URL
	ChatModel    string        // OLLAMA_CHAT_MODEL, used for automated replies
	JudgeModel   string        // OLLAMA_JUDGE_MODEL, used for risk classification
	Timeout      time.Duration // OLLAMA_TIMEOUT
	JudgeEnabled bool          // JUDGE_ENABLED
}

// RealtimeConfig tunes the websocket transport.
type RealtimeConfig struct {
	AllowedOrigins []string      // WS_ALLOWED_ORIGINS (empty = any)
	WriteTimeout   time.Duration // WS_WRITE_TIMEOUT
	PingInterval   time.Duration // WS_PING_INTERVAL
	SendBuffer     int           // WS_SEND_BUFFER, outbound events queued per connection
	RateRPS        float64       // WS_RATE_RPS, inbound events per second per connection
	RateBurst      int           // WS_RATE_BURST
}

// PipelineConfig tunes the background scoring and reply pipeline.
type PipelineConfig struct {
	Workers         int           // PIPELINE_WORKERS
	QueueSize       int           // PIPELINE_QUEUE
	JobTimeout      time.Duration // PIPELINE_TIMEOUT
	ContextMessages int           // CONTEXT_MESSAGES
	MaxMessageRunes int           // MAX_MESSAGE_RUNES
	Hotline         string        // CRISIS_HOTLINE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	ShutdownTimeout   time.Duration // graceful drain on SIGTERM

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Persistence
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // Postgres DSN

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Idempotency
	IdempotencyTTL time.Duration // how long a submission key can be replayed

	CORS     CORSConfig
	Security SecurityConfig
	Auth     AuthConfig
	LLM      LLMConfig
	Realtime RealtimeConfig
	Pipeline PipelineConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),

		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "crisis.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET", ""),
			Issuer:    getenv("JWT_ISSUER", "crisis-chat"),
			TokenTTL:  getdur("JWT_TTL", 12*time.Hour),
		},
		LLM: LLMConfig{
			BaseURL:      strings.TrimRight(getenv("OLLAMA_BASE_URL", "http://localhost:11434"), "/"),
			ChatModel:    getenv("OLLAMA_CHAT_MODEL", "llama3.2:1b"),
			JudgeModel:   getenv("OLLAMA_JUDGE_MODEL", "llama3.2:3b"),
			Timeout:      getdur("OLLAMA_TIMEOUT", 30*time.Second),
			JudgeEnabled: getbool("JUDGE_ENABLED", true),
		},
		Realtime: RealtimeConfig{
			AllowedOrigins: splitCSV(getenv("WS_ALLOWED_ORIGINS", "")),
			WriteTimeout:   getdur("WS_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:   getdur("WS_PING_INTERVAL", 25*time.Second),
			SendBuffer:     getint("WS_SEND_BUFFER", 64),
			RateRPS:        getfloat("WS_RATE_RPS", 10.0),
			RateBurst:      getint("WS_RATE_BURST", 20),
		},
		Pipeline: PipelineConfig{
			Workers:         getint("PIPELINE_WORKERS", 4),
			QueueSize:       getint("PIPELINE_QUEUE", 256),
			JobTimeout:      getdur("PIPELINE_TIMEOUT", 90*time.Second),
			ContextMessages: getint("CONTEXT_MESSAGES", 5),
			MaxMessageRunes: getint("MAX_MESSAGE_RUNES", 4000),
			Hotline:         getenv("CRISIS_HOTLINE", "CVV - Centro de Valorização da Vida, ligue 188 (24h, gratuito)"),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "crisis-chat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Auth.TokenTTL <= 0 {
		return cfg, errors.New("JWT_TTL must be > 0")
	}
	if cfg.LLM.Timeout <= 0 {
		return cfg, errors.New("OLLAMA_TIMEOUT must be > 0")
	}
	if cfg.Realtime.WriteTimeout <= 0 || cfg.Realtime.PingInterval <= 0 {
		return cfg, errors.New("WS_WRITE_TIMEOUT and WS_PING_INTERVAL must be > 0")
	}
	if cfg.Realtime.SendBuffer < 1 {
		return cfg, errors.New("WS_SEND_BUFFER must be >= 1")
	}
	if cfg.Realtime.RateRPS <= 0 || cfg.Realtime.RateBurst < 1 {
		return cfg, errors.New("WS_RATE_RPS must be > 0 and WS_RATE_BURST >= 1")
	}
	if cfg.Pipeline.Workers < 1 {
		return cfg, errors.New("PIPELINE_WORKERS must be >= 1")
	}
	if cfg.Pipeline.QueueSize < 0 {
		return cfg, errors.New("PIPELINE_QUEUE must be >= 0")
	}
	if cfg.Pipeline.JobTimeout <= 0 {
		return cfg, errors.New("PIPELINE_TIMEOUT must be > 0")
	}
	if cfg.Pipeline.ContextMessages < 0 {
		return cfg, errors.New("CONTEXT_MESSAGES must be >= 0")
	}
	if cfg.Pipeline.MaxMessageRunes < 1 {
		return cfg, errors.New("MAX_MESSAGE_RUNES must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
