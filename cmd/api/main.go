package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storelab/go-checkout-stock/internal/config"
	"github.com/storelab/go-checkout-stock/internal/httpx"
	kafkax "github.com/storelab/go-checkout-stock/internal/kafka"
	"github.com/storelab/go-checkout-stock/internal/logging"
	"github.com/storelab/go-checkout-stock/internal/orders"
	"github.com/storelab/go-checkout-stock/internal/postgres"
	"github.com/storelab/go-checkout-stock/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.Init(cfg.ServiceName, cfg.LogFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, 8)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producers
	pReserved := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderReserved, 1024, log)
	pReserved.Start(ctx)
	pClosed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderClosed, 1024, log)
	pClosed.Start(ctx)

	store := &postgres.Store{
		Pool:        pool,
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.LockRetries,
		Log:         logging.New("pgstore"),
	}

	api := &httpx.API{
		Checkout:         &orders.CheckoutService{Store: store, DefaultTTL: cfg.ReservationTTL},
		Lifecycle:        &orders.Lifecycle{Store: store},
		Store:            store,
		ProducerReserved: pReserved,
		ProducerClosed:   pClosed,
		Redis:            rdb,
		Service:          cfg.ServiceName,
		Log:              logging.New("api"),
	}
	router := httpx.NewRouter()
	api.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	pReserved.Close() // close inbox -> flush & close writer
	pClosed.Close()
	pReserved.WaitClosed()
	pClosed.WaitClosed()
	cancel()
}
