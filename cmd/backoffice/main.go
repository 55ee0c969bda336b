// Package main is the entry point for the evetabi auction back-office admin
// server. It runs on its own port against the shared PostgreSQL store and
// exposes admin-only endpoints protected by an admin JWT and an IP allowlist.
//
// Events raised here (cancellations, manual settlements) reach the event
// stream through this process's own outbox when Kafka is configured.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/evetabi/auction/internal/backoffice"
	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/notifier"
	"github.com/evetabi/auction/internal/outbox"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/service"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting evetabi backoffice server",
		"env", cfg.Server.Env, "port", cfg.Server.BackofficePort)

	if cfg.Auction.StoreDriver != config.StoreDriverPostgres {
		logger.Error("standalone backoffice needs STORE_DRIVER=postgres; use BACKOFFICE_EMBEDDED with the memory store")
		os.Exit(1)
	}

	// ── Database ──────────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── Services ──────────────────────────────────────────────────────────────
	clk := clock.Real{}
	store := repository.NewPostgresStore(db, cfg.Auction.LockTimeout)

	authSvc := service.NewAuthService(repository.NewUserRepository(db), clk, cfg)
	listingSvc := service.NewListingService(store, clk, cfg, logger)
	bidSvc := service.NewBidService(store, clk, cfg, logger)
	settlementSvc := service.NewSettlementService(store, clk, cfg, logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWT.AdminEmail != "" {
		if _, err = authSvc.EnsureAdmin(ctx, cfg.JWT.AdminEmail, cfg.JWT.AdminPassword); err != nil {
			logger.Error("bootstrap admin failed", "err", err)
			os.Exit(1)
		}
	}

	// ── Event stream ──────────────────────────────────────────────────────────
	deps := backoffice.BackofficeDeps{
		AuthSvc:       authSvc,
		ListingSvc:    listingSvc,
		BidSvc:        bidSvc,
		SettlementSvc: settlementSvc,
		Cfg:           cfg,
	}

	var (
		ob       *outbox.Outbox
		producer *outbox.KafkaProducer
		relayWG  sync.WaitGroup
	)
	if cfg.KafkaEnabled() {
		ob, err = outbox.Open(cfg.Outbox.Dir+"-backoffice", outbox.Options{})
		if err != nil {
			logger.Error("outbox open failed", "err", err)
			os.Exit(1)
		}
		events := notifier.New(cfg.Notifier.SubscriberBuffer, logger)
		events.SetSink(ob)
		listingSvc.SetPublisher(events)
		settlementSvc.SetPublisher(events)
		deps.Backlog = ob

		producer = outbox.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		relay := outbox.NewRelay(ob, producer, outbox.RelayConfig{
			Interval:   cfg.Outbox.RelayInterval,
			Batch:      cfg.Outbox.RelayBatch,
			MaxRetries: cfg.Outbox.MaxRetries,
		}, logger)
		relayWG.Add(1)
		go func() {
			defer relayWG.Done()
			relay.Run(ctx)
		}()
	} else {
		logger.Warn("KAFKA_BROKERS not set; admin actions will not be streamed")
	}

	// ── Router ────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Server.BackofficePort,
		Handler:      backoffice.SetupBackofficeRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── Start ─────────────────────────────────────────────────────────────────
	go func() {
		logger.Info("backoffice http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("backoffice server error", "err", err)
			stop()
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("backoffice shutdown error", "err", err)
	}

	relayWG.Wait()
	if producer != nil {
		_ = producer.Close()
	}
	if ob != nil {
		_ = ob.Close()
	}
	db.Close()
	logger.Info("backoffice server stopped cleanly")
}
