package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.Backend)
	assert.Equal(t, 5*time.Minute, cfg.SkewTolerance)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 20, cfg.IPRPS)
	assert.Zero(t, cfg.AppendRPM)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/study.db")
	t.Setenv("SKEW_TOLERANCE", "90s")
	t.Setenv("PAGE_SIZE", "25")
	t.Setenv("APPEND_RPM", "120")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "/tmp/study.db", cfg.SQLitePath)
	assert.Equal(t, 90*time.Second, cfg.SkewTolerance)
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, 120, cfg.AppendRPM)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("PAGE_SIZE", "lots")
	t.Setenv("SKEW_TOLERANCE", "soon")

	cfg := Load()
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.SkewTolerance)
}
