package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zenbooster/zbservice/internal/config"
	"github.com/zenbooster/zbservice/internal/httpapi"
	"github.com/zenbooster/zbservice/internal/ingest"
	"github.com/zenbooster/zbservice/internal/mqtt"
	"github.com/zenbooster/zbservice/internal/observability"
	"github.com/zenbooster/zbservice/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	requireEnv(cfg.MQTTBrokerURL, "ZB_MQTT_BROKER_URL")
	requireEnv(cfg.Postgres.User, "ZB_POSTGRES_USER")
	requireEnv(cfg.Postgres.Host, "ZB_POSTGRES_HOST")

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var presence *store.PresenceCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		presence = store.NewPresenceCache(rdb)
	}

	pipe := ingest.New(repo, presence, cfg.TopicPrefix)
	subTopic := strings.TrimRight(cfg.TopicPrefix, "/") + "/#"

	mq, err := mqtt.Connect(mqtt.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
	}, func(c *mqtt.Client) {
		// Runs on every (re)connect so the subscription survives broker
		// restarts.
		if err := c.Subscribe(subTopic, func(m mqtt.Message) {
			hctx, hcancel := context.WithTimeout(ctx, cfg.HandleTimeout)
			defer hcancel()
			pipe.HandleMessage(hctx, m)
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", subTopic, "error", err)
		} else {
			slog.Info("ingest subscribed", "topic", subTopic)
		}
	})
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.Handle("/", httpapi.New(repo, presence).Handler())
	httpSrv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("zbservice listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func requireEnv(val, key string) {
	if strings.TrimSpace(val) == "" {
		slog.Error("missing required env", "key", key)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
