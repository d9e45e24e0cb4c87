package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/checkout"
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(cfg.ServiceName)
	m := metrics.New(cfg.ServiceName, prometheus.NewRegistry())

	if cfg.MigrationsAuto {
		if err := postgres.MigrateUp(cfg.PostgresDSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka: webhook -> reconciler, plus notifikasi order
	chargeEvents := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicChargeUpdated, 1024, logger)
	chargeEvents.Start(ctx)
	notifier, stopNotifier := notify.NewKafka(ctx, cfg.KafkaBrokers, cfg.ServiceName, logger)

	gw := payment.NewHTTPGateway(payment.HTTPConfig{
		BaseURL:       cfg.PaymentBaseURL,
		Token:         cfg.PaymentToken,
		Timeout:       cfg.PaymentTimeout,
		StatusRetries: 2,
		Metrics:       m,
		Logger:        logger,
	})

	repo := &orders.Repo{DB: db}
	svc := checkout.NewService(repo, gw, checkout.Options{
		Shipping:       checkout.ShippingDefaults{PickupAddress: cfg.PickupAddress, CourierContact: cfg.CourierContact},
		ChargeTTL:      cfg.ChargeTTL,
		GatewayTimeout: cfg.PaymentTimeout + 5*time.Second,
		Metrics:        m,
		Logger:         logger,
	})
	machine := reconcile.NewMachine(repo, gw, reconcile.Options{
		GatewayTimeout: cfg.PaymentTimeout * 3,
		Notifier:       notifier,
		Metrics:        m,
		Logger:         logger,
	})

	router := httpx.NewRouter(m)
	(&httpx.CheckoutHandler{Service: svc, Machine: machine, Ledger: repo, Redis: rdb, Logger: logger}).Register(router)
	(&httpx.OrdersHandler{Store: repo}).Register(router)
	(&httpx.AdminHandler{Store: repo, Machine: machine}).Register(router)
	(&httpx.WebhookHandler{Producer: chargeEvents, Machine: machine, Service: cfg.ServiceName, Logger: logger}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	chargeEvents.Close() // tutup inbox -> flush & close writer
	stopNotifier()
	chargeEvents.WaitClosed()
	cancel()
}
