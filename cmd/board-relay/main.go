package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/config"
	"prism-board/realtime"
)

// board-relay moves change events from the durable queue written by the API
// to Redis pub/sub, where change streams pick them up.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	cfg.ConfigureLogging()
	if cfg.Storage.ConnectionString == "" || cfg.Storage.EventsQueue == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING or CHANGE_EVENTS_QUEUE")
	}

	q, err := realtime.NewQueueClient(cfg.Storage.ConnectionString, cfg.Storage.EventsQueue)
	if err != nil {
		log.Fatalf("queue: %v", err)
	}
	opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	rc := redis.NewClient(opts)
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.WithField("queue", cfg.Storage.EventsQueue)
	logger.Info("relay starting")
	if err := realtime.NewRelay(q, realtime.NewRedisPublisher(rc), logger).Run(ctx); err != nil {
		logger.WithError(err).Fatal("relay stopped")
	}
	logger.Info("relay stopped")
}
