package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/config"
	"github.com/nandasafiq/go-shop-orders/internal/httpx"
	kafkax "github.com/nandasafiq/go-shop-orders/internal/kafka"
	"github.com/nandasafiq/go-shop-orders/internal/logging"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
	"github.com/nandasafiq/go-shop-orders/internal/postgres"
	"github.com/nandasafiq/go-shop-orders/internal/redisx"
	"github.com/nandasafiq/go-shop-orders/internal/stock"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.ServiceName)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(ctx)

	auditLog := audit.NewLogger(&audit.PGStore{DB: db}, nil, logger)
	ledger := stock.NewPGLedger(db, logger)
	svc := orders.NewService(orders.ServiceDeps{
		Ledger:   ledger,
		Repo:     &orders.PGRepo{DB: db},
		Audit:    auditLog,
		Producer: prod,
		Log:      logger,
		Offsets: orders.TransitionOffsets{
			PendingToProcessing:    cfg.PendingToProcessingAfter,
			ProcessingToDelivering: cfg.ProcessingToDeliveringAfter,
		},
		Pricing: orders.Pricing{
			TaxRateBasisPoints: cfg.TaxRateBasisPoints,
			FreeShippingCents:  cfg.FreeShippingCents,
			ShippingFeeCents:   cfg.ShippingFeeCents,
		},
		Name: cfg.ServiceName,
	})

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Orders: svc,
		Audit:  auditLog,
		Redis:  rdb,
		Log:    logger,
	}
	oh.Register(router)
	sh := &httpx.StockHandler{Ledger: ledger, Audit: auditLog, Log: logger}
	sh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	cancel()
	prod.WaitClosed()
}
