package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oneclicktag/trackd/internal/config"
	"github.com/oneclicktag/trackd/internal/progress"
	"github.com/oneclicktag/trackd/internal/queue"
	"github.com/oneclicktag/trackd/internal/storage"
	"github.com/oneclicktag/trackd/internal/worker"
)

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	w := worker.New(
		store,
		queue.New(rdb),
		progress.New(rdb),
		worker.NoopProvisioner{},
		log,
		cfg.MaxAttempts,
		time.Duration(cfg.RetryBackoffSec)*time.Second,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return w.RunConsumer(ctx) })
	}
	g.Go(func() error {
		return w.RunRedrive(ctx, time.Duration(cfg.RedriveEverySec)*time.Second)
	})

	log.Info("worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", zap.Error(err))
	}
}
