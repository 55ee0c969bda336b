// Package main is the entry point for the evetabi auction API server. It
// wires together the bidding engine, the change notifier, the optional
// outbox relay, the WebSocket hub and the lifecycle scheduler, then serves
// HTTP until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/evetabi/auction/internal/api"
	"github.com/evetabi/auction/internal/backoffice"
	"github.com/evetabi/auction/internal/clock"
	"github.com/evetabi/auction/internal/config"
	"github.com/evetabi/auction/internal/notifier"
	"github.com/evetabi/auction/internal/outbox"
	"github.com/evetabi/auction/internal/repository"
	"github.com/evetabi/auction/internal/repository/memory"
	"github.com/evetabi/auction/internal/scheduler"
	"github.com/evetabi/auction/internal/service"
	"github.com/evetabi/auction/internal/ws"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting evetabi auction server",
		"env", cfg.Server.Env, "port", cfg.Server.Port, "store", cfg.Auction.StoreDriver)

	// ── 2. Storage ────────────────────────────────────────────────────────────
	clk := clock.Real{}

	var (
		store repository.Store
		users repository.UserStore
		db    *sqlx.DB
	)
	switch cfg.Auction.StoreDriver {
	case config.StoreDriverMemory:
		store = memory.NewStore(cfg.Auction.LockTimeout, memory.WithClock(clk))
		users = memory.NewUserStore()
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		var err error
		db, err = openDB(cfg)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		logger.Info("database connected")

		if err = runMigrations(db, "migrations"); err != nil {
			logger.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")

		store = repository.NewPostgresStore(db, cfg.Auction.LockTimeout)
		users = repository.NewUserRepository(db)
	}

	// ── 3. Services ───────────────────────────────────────────────────────────
	authSvc := service.NewAuthService(users, clk, cfg)
	listingSvc := service.NewListingService(store, clk, cfg, logger)
	bidSvc := service.NewBidService(store, clk, cfg, logger)
	settlementSvc := service.NewSettlementService(store, clk, cfg, logger)

	// ── 4. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWT.AdminEmail != "" {
		if _, err := authSvc.EnsureAdmin(ctx, cfg.JWT.AdminEmail, cfg.JWT.AdminPassword); err != nil {
			logger.Error("bootstrap admin failed", "err", err)
			os.Exit(1)
		}
		logger.Info("bootstrap admin ready", "email", cfg.JWT.AdminEmail)
	}

	// ── 5. Notifier (+ durable outbox when Kafka is configured) ──────────────
	events := notifier.New(cfg.Notifier.SubscriberBuffer, logger)
	listingSvc.SetPublisher(events)
	bidSvc.SetPublisher(events)
	settlementSvc.SetPublisher(events)

	var (
		ob       *outbox.Outbox
		relayWG  sync.WaitGroup
		producer *outbox.KafkaProducer
	)
	if cfg.KafkaEnabled() {
		var err error
		ob, err = outbox.Open(cfg.Outbox.Dir, outbox.Options{})
		if err != nil {
			logger.Error("outbox open failed", "dir", cfg.Outbox.Dir, "err", err)
			os.Exit(1)
		}
		events.SetSink(ob)

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
		logger.Info("outbox relay started", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ── 6. WebSocket Hub ──────────────────────────────────────────────────────
	hub := ws.NewHub(events, listingSvc, bidSvc, clk, []byte(cfg.JWT.AccessSecret), cfg.Server.AllowedOrigins, logger)
	go hub.Run(ctx)
	logger.Info("websocket hub started")

	// ── 7. Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(listingSvc, settlementSvc, cfg.Auction.SweepInterval, logger)
	sched.Start(ctx)

	// ── 8. HTTP Router ────────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		AuthSvc:       authSvc,
		ListingSvc:    listingSvc,
		BidSvc:        bidSvc,
		SettlementSvc: settlementSvc,
		Hub:           hub,
		Cfg:           cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	servers := []*http.Server{srv}
	if cfg.Server.BackofficeEmbedded {
		deps := backoffice.BackofficeDeps{
			AuthSvc:       authSvc,
			ListingSvc:    listingSvc,
			BidSvc:        bidSvc,
			SettlementSvc: settlementSvc,
			Conns:         hub,
			Cfg:           cfg,
		}
		if ob != nil {
			deps.Backlog = ob
		}
		servers = append(servers, &http.Server{
			Addr:         ":" + cfg.Server.BackofficePort,
			Handler:      backoffice.SetupBackofficeRouter(deps),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		})
	}

	// ── 9. Start servers ──────────────────────────────────────────────────────
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("http server listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "addr", s.Addr, "err", err)
				stop() // trigger graceful shutdown
			}
		}(s)
	}

	// ── 10. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "addr", s.Addr, "err", err)
		}
	}

	events.Close()
	relayWG.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("kafka producer close error", "err", err)
		}
	}
	if ob != nil {
		if err := ob.Close(); err != nil {
			logger.Error("outbox close error", "err", err)
		}
	}
	if db != nil {
		db.Close()
	}
	logger.Info("server stopped cleanly")
}

// openDB connects to PostgreSQL with the configured pool limits.
func openDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
