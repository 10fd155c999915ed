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
	"github.com/robfig/cron/v3"

	"home-control/internal/automation"
	"home-control/internal/command"
	"home-control/internal/config"
	"home-control/internal/devstate"
	"home-control/internal/dispatch"
	"home-control/internal/httpapi"
	"home-control/internal/hubs"
	mqttpkg "home-control/internal/mqtt"
	"home-control/internal/notify"
	"home-control/internal/ota"
	"home-control/internal/pairing"
	"home-control/internal/store"
)

func main() {
	cfg := config.Load()
	initLogging(cfg.LogLevel)

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, "")
	if err != nil {
		slog.Error("db open failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	var cache *store.StateCache
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Warn("redis unavailable, state dedup falls back to the DB", "error", err)
	} else {
		cache = store.NewStateCache(rdb)
	}

	client := mqttpkg.New(cfg.MQTTBrokerURL)
	notifier := notify.NewMQTT(client)

	states := devstate.New(repo, cache, notifier)
	tracker := command.New(repo, client, notifier, cfg.CommandTimeout, cfg.ResetTimeout)
	otaRec := ota.New(repo, client, notifier, cfg.OTAMaxAttempts, cfg.OTAConcurrency, cfg.OTAAttemptTimeout)
	rules := automation.New(repo, client, notifier)
	pair := pairing.New(repo, client, notifier, cfg.PairingWindow)
	hubSvc := hubs.New(repo, notifier)

	dispatch.New(client, states, tracker, otaRec, rules, pair, hubSvc, cfg.LegacyFilter).Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}

	c := cron.New(cron.WithSeconds())
	mustAdd(c, every(cfg.CommandSweepInterval), func() { tracker.SweepCommands(context.Background()) })
	mustAdd(c, every(cfg.ResetSweepInterval), func() { tracker.SweepResets(context.Background()) })
	mustAdd(c, every(cfg.OTATickInterval), func() { otaRec.Tick(context.Background()) })
	c.Start()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: httpapi.New(client).Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	slog.Info("home-control started", "port", cfg.Port)

	<-ctx.Done()
	slog.Info("shutting down")
	<-c.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	client.Close()
	slog.Info("home-control stopped")
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func mustAdd(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		slog.Error("cron schedule failed", "spec", spec, "error", err)
		os.Exit(1)
	}
}
