package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relayline-systems/relayline/internal/batch"
	"github.com/relayline-systems/relayline/internal/bus"
	"github.com/relayline-systems/relayline/internal/config"
	"github.com/relayline-systems/relayline/internal/durable"
	"github.com/relayline-systems/relayline/internal/presence"
	"github.com/relayline-systems/relayline/internal/registry"
	"github.com/relayline-systems/relayline/internal/relay"
	"github.com/relayline-systems/relayline/internal/server"
	"github.com/relayline-systems/relayline/internal/store"
	"github.com/relayline-systems/relayline/internal/transport"
	"github.com/relayline-systems/relayline/pkg/logging"
	natsclient "github.com/relayline-systems/relayline/pkg/messaging/nats"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "override listen address")
	migrations := flag.String("migrations", "file://migrations", "schema migration source")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)

	instanceID := uuid.New().String()
	logger = logger.With(logging.InstanceID(instanceID))

	if err := store.Migrate(*migrations, cfg.Database.URL); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer pg.Close()

	nc, err := natsclient.NewClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name + "-" + instanceID[:8],
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	}, logger.Logger)
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}
	defer nc.Close()

	js, err := natsclient.NewJetStreamClient(nc)
	if err != nil {
		log.Fatalf("jetstream: %v", err)
	}

	if err := js.EnsureStream(ctx, natsclient.StreamConfig{
		Name:         cfg.Relay.Stream,
		Subjects:     []string{durable.Subject},
		MaxAge:       cfg.Relay.StreamMaxAge,
		MaxBytes:     cfg.Relay.StreamMaxBytes,
		Replicas:     cfg.Relay.StreamReplicas,
		DedupeWindow: 2 * time.Minute,
	}); err != nil {
		log.Fatalf("ensure stream: %v", err)
	}

	source, err := js.NewPullConsumer(ctx, cfg.Relay.Stream, natsclient.ConsumerConfig{
		Name:          cfg.Relay.ConsumerGroup,
		FilterSubject: durable.Subject,
		AckWait:       30 * time.Second,
		MaxAckPending: cfg.Relay.FetchBatch * 2,
	}, cfg.Relay.FetchMaxWait)
	if err != nil {
		log.Fatalf("create consumer: %v", err)
	}

	// Live tier
	reg := registry.New(cfg.Relay.SendBuffer, logger)
	relayBus := bus.New(nc, reg, instanceID, logger)
	if err := relayBus.Start(); err != nil {
		log.Fatalf("start bus: %v", err)
	}

	// Durable tier
	producer := durable.NewProducer(js, cfg.Relay.AppendTimeout, logger)
	acc := batch.New(pg, batch.Options{
		Size:         cfg.Relay.BatchSize,
		MaxBuffered:  cfg.Relay.BatchMaxBuffered,
		Interval:     cfg.Relay.FlushInterval,
		Retries:      cfg.Relay.FlushRetries,
		RetryBackoff: cfg.Relay.FlushRetryBackoff,
	}, logger)
	consumer := durable.NewConsumer(source, acc, durable.ConsumerOptions{
		FetchBatch:   cfg.Relay.FetchBatch,
		PauseBackoff: cfg.Relay.PauseBackoff,
	}, logger)

	ingress := relay.NewIngress(reg, relayBus, producer, logger)
	ws := transport.NewHandler(reg, ingress, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	acc.Start(runCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(runCtx)
	}()

	// Optional presence tracking
	var tracker *presence.Tracker
	if cfg.Redis.Enabled {
		tracker, err = presence.NewTracker(cfg.Redis.URL, instanceID, 10*time.Second, logger)
		if err != nil {
			log.Fatalf("connect to redis: %v", err)
		}
		defer tracker.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Run(runCtx, reg.Len)
		}()
	}

	var presenceReader server.PresenceReader
	if tracker != nil {
		presenceReader = tracker
	}
	h := server.NewHandler(nc, presenceReader)

	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(h, ws),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("relayline listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-runCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Order matters: stop accepting traffic, let the consumer finish its
	// in-flight event, then flush whatever is still buffered.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", logging.Error(err))
	}
	reg.Close()
	if err := relayBus.Stop(); err != nil {
		logger.Warn("bus stop failed", logging.Error(err))
	}
	wg.Wait()
	if err := acc.Close(shutdownCtx); err != nil {
		logger.Error("final flush failed", logging.Error(err))
	}
	if err := nc.Drain(); err != nil {
		logger.Warn("nats drain failed", logging.Error(err))
	}
	logger.Info("shutdown complete")
}
