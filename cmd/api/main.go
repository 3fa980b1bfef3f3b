package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docflow/internal/api"
	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/ratelimit"
	"docflow/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel, "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()
	if err := waitFor(ctx, log, cfg, "postgres", st.Ping); err != nil {
		log.WithError(err).Fatal("postgres never became available")
	}
	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	q := queue.New(cfg)
	defer q.Close()
	if err := waitFor(ctx, log, cfg, "redis", q.Ping); err != nil {
		log.WithError(err).Fatal("redis never became available")
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init object store")
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		// Readiness gating keeps uploads off until the bucket exists.
		log.WithError(err).Error("ensure bucket")
	}

	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewUploadLimiter(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	server := api.New(cfg, st, blobs, q, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// waitFor retries a dependency check with doubling backoff. The service
// refuses to start serving against a dependency that never answers.
func waitFor(ctx context.Context, log *logrus.Entry, cfg config.Config, name string, ping func(context.Context) error) error {
	backoff := cfg.BackoffInitial
	for {
		err := ping(ctx)
		if err == nil {
			return nil
		}
		log.WithError(err).WithField("dependency", name).Warn("dependency not ready, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cfg.BackoffMax {
			backoff = cfg.BackoffMax
		}
	}
}
