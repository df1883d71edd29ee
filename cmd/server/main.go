package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/openride/taxi-dispatch/internal/config"
	"github.com/openride/taxi-dispatch/internal/dispatch"
	"github.com/openride/taxi-dispatch/internal/events"
	"github.com/openride/taxi-dispatch/internal/fleet"
	"github.com/openride/taxi-dispatch/internal/geo"
	"github.com/openride/taxi-dispatch/internal/httpapi"
	"github.com/openride/taxi-dispatch/internal/ingest"
	"github.com/openride/taxi-dispatch/internal/logging"
	"github.com/openride/taxi-dispatch/internal/payments"
	"github.com/openride/taxi-dispatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger)
	}

	var geoIdx geo.Index
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StalenessThreshold)
	} else {
		geoIdx = geo.NewMemoryIndex(cfg.StalenessThreshold)
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	var fares dispatch.FareCollector
	if cfg.StripeAPIKey != "" {
		fares = payments.NewStripeCollector(cfg.StripeAPIKey, cfg.Currency, 0)
	}

	broker := events.NewBroker()
	wsreg := dispatch.NewWSRegistry()
	dispatcher := dispatch.NewPushDispatcher(os.Getenv("DRIVER_PUSH_ENDPOINT"), wsreg)

	sup := dispatch.NewSupervisor(dispatch.Options{
		Config:     cfg,
		Geo:        geoIdx,
		Fleet:      fleet.NewRegistry(),
		Store:      store,
		Dispatcher: dispatcher,
		Sink:       broker,
		Fares:      fares,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(sup, broker, wsreg, kp, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
}
