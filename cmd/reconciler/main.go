package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/config"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/reconcile"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/redisx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-reconciler"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(service)
	m := metrics.New(service, prometheus.NewRegistry())

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: int32(cfg.ReconcileWorkers) + 4})
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	notifier, stopNotifier := notify.NewKafka(ctx, cfg.KafkaBrokers, service, logger)

	gw := payment.NewHTTPGateway(payment.HTTPConfig{
		BaseURL:       cfg.PaymentBaseURL,
		Token:         cfg.PaymentToken,
		Timeout:       cfg.PaymentTimeout,
		StatusRetries: 3,
		Metrics:       m,
		Logger:        logger,
	})
	repo := &orders.Repo{DB: db}
	machine := reconcile.NewMachine(repo, gw, reconcile.Options{
		GatewayTimeout: cfg.PaymentTimeout * 4,
		Notifier:       notifier,
		Metrics:        m,
		Logger:         logger,
	})

	var wg sync.WaitGroup

	// Consumer: payment.charge.updated
	events := &reconcile.ChargeEvents{Machine: machine, Redis: rdb, Service: service, Logger: logger}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcileGroup, orders.TopicChargeUpdated, cfg.ReconcileWorkers, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("charge consumer started: group=%s topic=%s workers=%d", cfg.ReconcileGroup, orders.TopicChargeUpdated, cfg.ReconcileWorkers)
		if err := cons.Start(ctx, events.Handle); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	// Sweeper
	sweeper := &reconcile.Sweeper{
		Machine:  machine,
		Ledger:   repo,
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
		Metrics:  m,
		Logger:   logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("sweeper started: every %s, batch %d", cfg.SweepInterval, cfg.SweepBatch)
		sweeper.Run(ctx)
	}()

	// healthz + metrics
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.NewRouter(m), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics listen: %v", err)
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down reconciler...")
	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	stopNotifier()
}
