// The worker runs the reservation expiry sweeper and the payment-result
// consumer side by side. Both share one store; either one exiting brings the
// process down so the orchestrator can restart it.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/storelab/go-checkout-stock/internal/config"
	"github.com/storelab/go-checkout-stock/internal/inventory"
	kafkax "github.com/storelab/go-checkout-stock/internal/kafka"
	"github.com/storelab/go-checkout-stock/internal/logging"
	"github.com/storelab/go-checkout-stock/internal/orders"
	"github.com/storelab/go-checkout-stock/internal/postgres"
	"github.com/storelab/go-checkout-stock/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.Init(cfg.ServiceName+"-worker", cfg.LogFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, 8)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	pExpired := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicReservationExpired, 1024, log)
	pExpired.Start(ctx)
	pPaid := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPaid, 1024, log)
	pPaid.Start(ctx)
	pClosed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderClosed, 1024, log)
	pClosed.Start(ctx)

	store := &postgres.Store{
		Pool:        pool,
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.LockRetries,
		Log:         logging.New("pgstore"),
	}

	sweeper := &inventory.Sweeper{
		Store:       store,
		Producer:    pExpired,
		Interval:    cfg.SweepInterval,
		Batch:       cfg.SweepBatch,
		ServiceName: cfg.ServiceName + "-sweeper",
		Log:         logging.New("sweeper"),
	}

	worker := &inventory.PaymentWorker{
		Lifecycle:      &orders.Lifecycle{Store: store},
		Redis:          rdb,
		ProducerPaid:   pPaid,
		ProducerClosed: pClosed,
		ServiceName:    cfg.ServiceName + "-payments",
		Log:            logging.New("payments"),
	}

	group := getenv("PAYMENTS_GROUP", "payments-worker")
	workers := atoiOr(os.Getenv("PAYMENTS_WORKERS"), 8)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicPaymentResult, workers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("sweeper started", "interval", cfg.SweepInterval, "batch", cfg.SweepBatch)
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		log.Info("payments consumer started", "group", group, "workers", workers)
		return cons.Start(gctx, worker.HandlePaymentResult)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down worker...")
	case <-gctx.Done():
	}
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("worker exit", "err", err)
	}

	pExpired.Close()
	pPaid.Close()
	pClosed.Close()
	pExpired.WaitClosed()
	pPaid.WaitClosed()
	pClosed.WaitClosed()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
