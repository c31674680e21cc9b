package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zenbooster/zbservice/internal/ingest"
)

type Config struct {
	HTTPPort      string
	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	TopicPrefix   string
	LogLevel      string
	HandleTimeout time.Duration
	RedisAddr     string
	RedisPassword string
	Postgres      DBConfig
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func Load() *Config {
	cfg := &Config{
		HTTPPort:      getEnv("ZB_HTTP_PORT", "8094"),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("ZB_MQTT_BROKER_URL")),
		MQTTClientID:  getEnv("ZB_MQTT_CLIENT_ID", "zbservice"),
		MQTTUsername:  strings.TrimSpace(os.Getenv("ZB_MQTT_USERNAME")),
		MQTTPassword:  os.Getenv("ZB_MQTT_PASSWORD"),
		TopicPrefix:   getEnv("ZB_TOPIC_PREFIX", ingest.DefaultTopicPrefix),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		HandleTimeout: parseDuration(getEnv("ZB_HANDLE_TIMEOUT", "10s"), 10*time.Second),
		RedisAddr:     strings.TrimSpace(os.Getenv("ZB_REDIS_ADDR")),
		RedisPassword: os.Getenv("ZB_REDIS_PASSWORD"),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("ZB_POSTGRES_USER")),
			Password: os.Getenv("ZB_POSTGRES_PASSWORD"),
			DBName:   getEnv("ZB_POSTGRES_DB", "zenbooster"),
			Host:     strings.TrimSpace(os.Getenv("ZB_POSTGRES_HOST")),
			Port:     getEnv("ZB_POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("ZB_POSTGRES_SSLMODE", "disable"),
		},
	}

	slog.Info("zbservice config loaded",
		"http_port", cfg.HTTPPort, "mqtt", cfg.MQTTBrokerURL,
		"topic_prefix", cfg.TopicPrefix, "redis", cfg.RedisAddr != "")
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseDuration(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
