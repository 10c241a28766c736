package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/config"
	kafkax "github.com/nandasafiq/go-shop-orders/internal/kafka"
	"github.com/nandasafiq/go-shop-orders/internal/logging"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
	"github.com/nandasafiq/go-shop-orders/internal/postgres"
	"github.com/nandasafiq/go-shop-orders/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.ServiceName + "-scheduler")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(ctx)

	sched := scheduler.New(scheduler.Deps{
		Repo:     &orders.PGRepo{DB: db},
		Audit:    audit.NewLogger(&audit.PGStore{DB: db}, nil, logger),
		Producer: prod,
		Log:      logger,
		Config:   scheduler.Config{Interval: cfg.SchedulerInterval},
		Name:     cfg.ServiceName + "-scheduler",
	})
	sched.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down scheduler")

	sched.Stop()
	prod.Close()
	cancel()
	prod.WaitClosed()
}
