package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/extract"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/store"
	"docflow/internal/telemetry"
	workerproc "docflow/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel, "worker")

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
	if err := waitFor(ctx, log, cfg, "bucket", blobs.Ping); err != nil {
		log.WithError(err).Fatal("bucket never became available")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	processor := workerproc.New(cfg, q, st, blobs, extract.NewPDF(), log)
	log.WithFields(logrus.Fields{
		"dispatch_concurrency": cfg.DispatchConcurrency,
		"extract_workers":      cfg.ExtractWorkers,
		"visibility":           cfg.VisibilityTimeout.String(),
	}).Info("worker started")

	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.WithError(err).Error("worker stopped")
	}
}

// waitFor retries a dependency check with doubling backoff so the worker
// never starts consuming against a half-up stack.
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
