package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"factdb/pkg/config"
	"factdb/pkg/facts"
	"factdb/pkg/logger"
	"factdb/pkg/posts"
	"factdb/pkg/registry"
	"factdb/pkg/sweeper"
)

// set build metadata
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	cfgPath := flag.String("config", os.Getenv("FACTDB_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.InitWithLevel(cfg.Logging.Level)
	defer logger.Sync()
	logger.Log.Info("starting",
		zap.String("version", version), zap.String("commit", commit),
		zap.String("build_date", buildDate),
		zap.String("backend", cfg.Store.Backend), zap.String("path", cfg.Store.Path))

	store, err := facts.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		logger.Log.Error("store_open_failed", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := posts.NewEngine(store, registry.New())
	swp := sweeper.New(sweeper.Config{
		Enabled: cfg.Sweeper.Enabled,
		Cron:    cfg.Sweeper.Cron,
		DryRun:  cfg.Sweeper.DryRun,
	}, store, engine)
	stopSweep := swp.Start(ctx)
	defer stopSweep()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		// a one-row probe proves the store is answering queries
		if _, err := store.Select(facts.Query{Limit: 1}); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("http_listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("http_serve_failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Log.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("http_shutdown_failed", zap.Error(err))
	}
}
