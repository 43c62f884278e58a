package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port int

	// Chord recognition service
	OracleURL     string
	OracleTimeout time.Duration

	// Practice behavior
	TickInterval time.Duration // tracker polling cadence
	Stride       int           // pause on every Nth chord change
	UserTimeout  time.Duration // reminder delay at a checkpoint, 0 disables
	ResumeFade   time.Duration // fade-in after a checkpoint
	MaxTake      time.Duration // longest recording accepted

	// Storage
	LessonDir string
	ClipDir   string
	DBPath    string

	SessionRetention time.Duration // how long ended sessions stay queryable
	LogLevel         string
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port: envInt("PRACTICE_PORT", 8080),

		OracleURL:     envStr("PRACTICE_ORACLE_URL", "http://localhost:5000"),
		OracleTimeout: time.Duration(envInt("PRACTICE_ORACLE_TIMEOUT", 60)) * time.Second,

		TickInterval: time.Duration(envInt("PRACTICE_TICK_MS", 100)) * time.Millisecond,
		Stride:       envInt("PRACTICE_STRIDE", 2),
		UserTimeout:  time.Duration(envFloat("PRACTICE_USER_TIMEOUT", 0) * float64(time.Second)),
		ResumeFade:   time.Duration(envInt("PRACTICE_RESUME_FADE_MS", 300)) * time.Millisecond,
		MaxTake:      time.Duration(envInt("PRACTICE_MAX_TAKE", 30)) * time.Second,

		LessonDir: envStr("PRACTICE_LESSON_DIR", "lessons"),
		ClipDir:   envStr("PRACTICE_CLIP_DIR", "data/clips"),
		DBPath:    envStr("PRACTICE_DB", "data/chordsync.db"),

		SessionRetention: time.Duration(envInt("PRACTICE_SESSION_RETENTION", 30)) * time.Minute,
		LogLevel:         envStr("PRACTICE_LOG_LEVEL", "info"),
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown names fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
