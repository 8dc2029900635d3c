package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/broadcast"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/config"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/database"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/engine"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/ledger"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/notify"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/settlement"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/store"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Connect to the durable store
	db, err := database.New(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	st := store.NewStore(zapLogger, db)
	if err := st.AutoMigrate(); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	led := ledger.NewService(zapLogger, db)
	settle := settlement.NewService(zapLogger, db, led, st)

	// Broadcast runs against redis when an address is configured and
	// degrades to a no-op otherwise.
	var gateway broadcast.Gateway = broadcast.NopGateway{}
	if cfg.Redis.Address != "" {
		redisGateway, err := broadcast.NewRedisGateway(zapLogger, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("Failed to connect broadcast gateway", zap.Error(err))
		}
		gateway = redisGateway
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Kafka.Enabled {
		notifier = notify.NewKafkaNotifier(zapLogger, cfg.Kafka)
	}

	var registerer prometheus.Registerer
	if cfg.Monitoring.Enabled {
		registerer = prometheus.DefaultRegisterer
	}

	eng, err := engine.New(engine.Deps{
		Logger:    zapLogger,
		Config:    cfg.Engine,
		Store:     st,
		Settle:    settle,
		Broadcast: gateway,
		Notify:    notifier,
		Metrics:   registerer,
	})
	if err != nil {
		zapLogger.Fatal("Failed to create engine", zap.Error(err))
	}

	if err := eng.Start(context.Background()); err != nil {
		zapLogger.Fatal("Failed to start engine", zap.Error(err))
	}

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down engine...")

	eng.Stop()
	if err := notifier.Close(); err != nil {
		zapLogger.Error("Failed to close notifier", zap.Error(err))
	}
	if err := gateway.Close(); err != nil {
		zapLogger.Error("Failed to close broadcast gateway", zap.Error(err))
	}

	zapLogger.Info("Engine exited properly")
}
