package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken string       `yaml:"discord_token"`
	DatabasePath string       `yaml:"database_path"`
	LogLevel     string       `yaml:"log_level"`
	Health       HealthConfig `yaml:"health"`
	Voice        VoiceConfig  `yaml:"voice"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type VoiceConfig struct {
	// Fallbacks for guilds that have not run /voice setup yet.
	DefaultMemberLimit int `yaml:"default_member_limit"`
	DefaultBitrate     int `yaml:"default_bitrate"` // kbps

	ReconcileMinutes   int `yaml:"reconcile_minutes"` // 0 disables the timer
	CreatesPerMinute   int `yaml:"creates_per_minute"`
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

func DefaultConfig() Config {
	return Config{
		DatabasePath: "/data/vcwarden.db",
		LogLevel:     "info",
		Health:       HealthConfig{Enabled: false, Addr: ":8080"},
		Voice: VoiceConfig{
			DefaultMemberLimit: 0,
			DefaultBitrate:     64,
			ReconcileMinutes:   10,
			CreatesPerMinute:   2,
			AuditRetentionDays: 14,
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabasePath = envString("DATABASE_PATH", cfg.DatabasePath)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Voice.DefaultMemberLimit = envInt("VOICE_DEFAULT_MEMBER_LIMIT", cfg.Voice.DefaultMemberLimit)
	cfg.Voice.DefaultBitrate = envInt("VOICE_DEFAULT_BITRATE", cfg.Voice.DefaultBitrate)
	cfg.Voice.ReconcileMinutes = envInt("VOICE_RECONCILE_MINUTES", cfg.Voice.ReconcileMinutes)
	cfg.Voice.CreatesPerMinute = envInt("VOICE_CREATES_PER_MINUTE", cfg.Voice.CreatesPerMinute)
	cfg.Voice.AuditRetentionDays = envInt("AUDIT_RETENTION_DAYS", cfg.Voice.AuditRetentionDays)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}
