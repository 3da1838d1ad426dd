package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read once at startup. A .env file
// is loaded if present; real environment variables win.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	JWTSecret   string
	TokenTTL    time.Duration

	SandboxWorkers   int
	SandboxImage     string
	SandboxScratch   string
	SandboxGraceMs   int
	QueueWaitTimeout time.Duration

	OTLPEndpoint string
	CORSOrigins  []string
}

// Load reads configuration from the environment (and .env, if present).
func Load() (*Config, error) {
	// Missing .env is fine; env vars may carry everything.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 24*time.Hour),
		SandboxWorkers:   getEnvInt("SANDBOX_WORKERS", 4),
		SandboxImage:     getEnv("SANDBOX_IMAGE", "arena-runner:latest"),
		SandboxScratch:   getEnv("SANDBOX_SCRATCH_DIR", "/var/lib/arena/scratch"),
		SandboxGraceMs:   getEnvInt("SANDBOX_GRACE_MS", 500),
		QueueWaitTimeout: getEnvDuration("SANDBOX_QUEUE_WAIT", 10*time.Second),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		CORSOrigins:      []string{getEnv("CORS_ORIGIN", "*")},
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.SandboxWorkers < 1 {
		return nil, fmt.Errorf("SANDBOX_WORKERS must be >= 1")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
