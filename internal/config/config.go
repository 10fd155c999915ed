package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	LegacyFilter  string
	LogLevel      string
	Postgres      DBConfig
	RedisAddr     string
	RedisPassword string

	CommandTimeout       time.Duration
	CommandSweepInterval time.Duration
	ResetTimeout         time.Duration
	ResetSweepInterval   time.Duration

	OTATickInterval   time.Duration
	OTAMaxAttempts    int
	OTAConcurrency    int
	OTAAttemptTimeout time.Duration

	PairingWindow time.Duration
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("HOME_CONTROL_PORT", "8085"),
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		LegacyFilter:  getEnv("MQTT_LEGACY_FILTER", "legacy/#"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "homecontrol"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
		},
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		CommandTimeout:       getDuration("COMMAND_TIMEOUT", 10*time.Second),
		CommandSweepInterval: getDuration("COMMAND_SWEEP_INTERVAL", 2*time.Second),
		ResetTimeout:         getDuration("RESET_TIMEOUT", 12*time.Second),
		ResetSweepInterval:   getDuration("RESET_SWEEP_INTERVAL", 2*time.Second),

		OTATickInterval:   getDuration("OTA_TICK_INTERVAL", 3*time.Second),
		OTAMaxAttempts:    getInt("OTA_MAX_ATTEMPTS", 3),
		OTAConcurrency:    getInt("OTA_CONCURRENCY", 2),
		OTAAttemptTimeout: getDuration("OTA_ATTEMPT_TIMEOUT", 8*time.Minute),

		PairingWindow: getDuration("PAIRING_WINDOW", 60*time.Second),
	}
	slog.Info("home-control config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid int env, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		slog.Warn("invalid duration env, using default", "key", k, "value", v, "default", def)
	}
	return def
}
