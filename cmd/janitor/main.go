// The janitor runs the periodic maintenance passes: expired lock and rate
// window sweeps, stuck job recovery, and archival plus pruning of finished
// jobs past their retention window. It shares no in-process state with the
// server and can run as a single replica alongside any number of them.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"analysis-orchestrator/internal/archive"
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

	reg := registry.New(st, notifier, log)
	locks := lockmgr.New(st, log, janitorID(), cfg.LockTTL, cfg.LockWaitTimeout, cfg.LockPollInterval)
	limiter := ratelimit.New(st, log, cfg.RateLimitCommands, cfg.RateLimitWindow, cfg.RateWindowKeep)
	dd := dedup.New(cfg.DedupWindow, log)

	orch := orchestrator.New(dd, limiter, reg, locks, nil, log)

	exporter, err := archive.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("init archive exporter", "error", err)
	}
	retention := archive.NewRetention(st, exporter, cfg.JobRetention, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	go runRetention(ctx, retention, cfg.RetentionSweep, log)

	log.Infow("janitor started",
		"lock_sweep", cfg.LockSweepEvery, "stuck_sweep", cfg.StuckJobSweep, "retention_sweep", cfg.RetentionSweep)
	orch.RunSweeps(ctx, cfg.LockSweepEvery, cfg.StuckJobSweep, cfg.StuckJobThreshold)
}

func runRetention(ctx context.Context, retention *archive.Retention, every time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := retention.Run(ctx); err != nil {
				log.Errorw("retention pass", "error", err)
			}
		}
	}
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

func janitorID() string {
	if hostname, _ := os.Hostname(); hostname != "" {
		return "janitor-" + hostname
	}
	return "janitor"
}
