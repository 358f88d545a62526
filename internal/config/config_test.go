package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"DB_DRIVER", "DB_DSN", "AI_PROVIDER", "RABBIT_URL", "STREAM_WORD_DELAY_MIN_MS", "RATE_LIMIT_RPS"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "parseTime=true")
	assert.Equal(t, "ollama", cfg.AIProvider)
	assert.Equal(t, 20*time.Millisecond, cfg.WordDelayMin)
	assert.Equal(t, 400*time.Millisecond, cfg.ParagraphPause)
	assert.Equal(t, 2.0, cfg.RateLimitRPS)
	assert.Equal(t, "memory_jobs", cfg.RabbitQueue)
	assert.Equal(t, "@every 5m", cfg.MemorySweepSpec)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_DSN", "")
	t.Setenv("STREAM_WORD_DELAY_MAX_MS", "90")
	t.Setenv("CHAT_CONTEXT_WINDOW_SIZE", "not a number")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "supportbot.db", cfg.DBDSN)
	assert.Equal(t, 90*time.Millisecond, cfg.WordDelayMax)
	assert.Equal(t, 10, cfg.ChatContextWindowSize)
	assert.Equal(t, 0.5, cfg.RateLimitRPS)
}
