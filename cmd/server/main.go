package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"crypto-sim-backend/internal/api"
	"crypto-sim-backend/internal/candles"
	"crypto-sim-backend/internal/config"
	"crypto-sim-backend/internal/database"
	"crypto-sim-backend/internal/engine"
	"crypto-sim-backend/internal/hub"
	"crypto-sim-backend/internal/logger"
	"crypto-sim-backend/internal/market"
	"crypto-sim-backend/internal/settings"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.Sampling)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Settings store around the canonical row
	store, err := settings.NewStore(db)
	if err != nil {
		log.Fatal("Failed to load trading settings", zap.Error(err))
	}

	// Outcome engine
	activity, err := engine.NewActivityMonitor(db)
	if err != nil {
		log.Fatal("Failed to initialize activity monitor", zap.Error(err))
	}
	policy := engine.NewPolicy(store, activity, nil)
	registry := engine.NewRegistry(db, log, policy, activity)
	candleStore := candles.NewStore(db, cfg.Engine.CandleRetention)
	eventHub := hub.NewHub(log)
	provider := market.NewBinanceProvider(&cfg.Binance, log)

	broadcaster := engine.NewBroadcaster(log, store, registry, candleStore, eventHub, provider, db)
	scheduler := engine.NewScheduler(log, registry, eventHub,
		time.Duration(cfg.Engine.SchedulerPeriodSeconds)*time.Second)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	broadcaster.Start(ctx)

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		scheduler.Run(ctx)
	}()

	// HTTP/WebSocket server
	server := api.NewServer(log, store, policy, registry, broadcaster, candleStore, eventHub, db)
	httpServer := &http.Server{
		Addr:    api.ListenAddr(cfg.Server.Port),
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", zap.Error(err))
		}
	}()

	log.Info("Starting server", zap.String("address", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("Server failed", zap.Error(err))
	}

	// Drain background tasks before exiting. The scheduler finishes its
	// in-flight sweep before Run returns.
	broadcaster.Wait()
	background.Wait()
	eventHub.Close()
	log.Info("Server has been shut down.")
}
