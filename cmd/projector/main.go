package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/config"
	kafkax "github.com/nandasafiq/go-shop-orders/internal/kafka"
	"github.com/nandasafiq/go-shop-orders/internal/logging"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
	"github.com/nandasafiq/go-shop-orders/internal/projector"
	"github.com/nandasafiq/go-shop-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.ServiceName + "-projector")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	group := getenv("PROJECTOR_GROUP", "status-projector")
	workers := getint("PROJECTOR_WORKERS", 4)

	proj := &projector.Projector{Redis: rdb, Log: logger, Name: group}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group,
		[]string{orders.TopicOrderCreated, orders.TopicOrderStatusChanged},
		workers, logger)

	go func() {
		logger.Info("projector consumer started",
			zap.String("group", group), zap.Int("workers", workers))
		if err := cons.Start(ctx, proj.HandleEvent); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down projector")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
