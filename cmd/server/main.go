package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/api"
	"analysis-orchestrator/internal/config"
	"analysis-orchestrator/internal/dedup"
	"analysis-orchestrator/internal/lockmgr"
	"analysis-orchestrator/internal/notify"
	"analysis-orchestrator/internal/orchestrator"
	"analysis-orchestrator/internal/ratelimit"
	"analysis-orchestrator/internal/registry"
	"analysis-orchestrator/internal/store"
	"analysis-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	notifier := notify.New(redisClient, log)
	if err := notifier.Ping(ctx); err != nil {
		log.Fatalw("connect redis", "error", err)
	}

	reg := registry.New(st, notifier, log)
	locks := lockmgr.New(st, log, holderID(), cfg.LockTTL, cfg.LockWaitTimeout, cfg.LockPollInterval)
	limiter := ratelimit.New(st, log, cfg.RateLimitCommands, cfg.RateLimitWindow, cfg.RateWindowKeep)
	dd := dedup.New(cfg.DedupWindow, log)

	orch := orchestrator.New(dd, limiter, reg, locks, nil, log)

	server := api.New(cfg, reg, orch, notifier, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	log.Infow("server listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if env == "dev" {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// holderID identifies this process as the owner of the locks it takes, so
// expired-lock reclaims can be traced back to the instance that held them.
func holderID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("orchestrator-%d", os.Getpid())
}
