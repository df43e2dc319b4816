// Package config loads server settings from the environment plus optional
// per-study YAML profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	// Backend selects the storage engine: "postgres" or "sqlite".
	Backend    string
	SQLitePath string

	JWTSecret   string
	ProfilesDir string
	Profile     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AppendRPM/AppendBurst budget per-actor appends through the Redis
	// limiter; zero disables it.
	AppendRPM   int
	AppendBurst int

	// IPRPS/IPBurst budget unauthenticated requests per client IP.
	IPRPS   int
	IPBurst int

	SkewTolerance time.Duration
	PageSize      int
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:          envOr("PORT", "8080"),
		LogLevel:      envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:   envOr("DATABASE_URL", "postgres://clindata@localhost:5432/clindata?sslmode=disable"),
		Backend:       envOr("STORE_BACKEND", "postgres"),
		SQLitePath:    envOr("SQLITE_PATH", "clindata.db"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ProfilesDir:   envOr("PROFILES_DIR", "profiles"),
		Profile:       os.Getenv("STUDY_PROFILE"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		AppendRPM:     envInt("APPEND_RPM", 0),
		AppendBurst:   envInt("APPEND_BURST", 10),
		IPRPS:         envInt("IP_RPS", 20),
		IPBurst:       envInt("IP_BURST", 40),
		SkewTolerance: envDuration("SKEW_TOLERANCE", 5*time.Minute),
		PageSize:      envInt("PAGE_SIZE", 100),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
