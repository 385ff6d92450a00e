// Command worker consumes push token revocation jobs from RabbitMQ.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/wardlink/internal/config"
	"github.com/suPer8Hu/wardlink/internal/devices"
	"github.com/suPer8Hu/wardlink/internal/logging"
	"github.com/suPer8Hu/wardlink/internal/store"
	"github.com/suPer8Hu/wardlink/internal/store/rabbitmq"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.RabbitURL == "" {
		logger.Fatal("RABBIT_URL is required for the worker")
	}

	gdb, err := store.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	tokens := devices.NewRegistry(store.NewRepo(gdb), logger)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Fatal("rabbit connect", zap.Error(err))
	}
	defer pub.Close()

	consumer, err := rabbitmq.NewConsumer(pub, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("rabbit channel", zap.Error(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = consumer.Run(ctx, func(ctx context.Context, job rabbitmq.RevocationJob) error {
		return tokens.MarkRevoked(ctx, job.Token)
	})
	if err != nil {
		logger.Error("revocation_worker_exit", zap.Error(err))
	}
}
