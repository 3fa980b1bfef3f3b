// Sweeper runs one reconciliation pass over jobs stuck in PENDING and exits.
// Run it periodically (cron or similar).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/store"
	"docflow/internal/sweep"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel, "sweeper")

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

	q := queue.New(cfg)
	defer q.Close()

	res, err := sweep.Run(ctx, st, q, cfg.SweepThreshold, cfg.SweepBatchSize, log)
	if err != nil {
		log.WithError(err).Fatal("sweep failed")
	}
	log.WithFields(logrus.Fields{"stale": res.Stale, "published": res.Published}).Info("sweep finished")
}
