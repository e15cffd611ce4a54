package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rental-service/config"
	"rental-service/internal/api"
	"rental-service/internal/broker"
	"rental-service/internal/gateway"
	"rental-service/internal/redisclient"
	"rental-service/internal/service"
	"rental-service/internal/store"
	"rental-service/internal/util"
	"rental-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting rental service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		logger.Info("Database schema applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisclient.Options{
		OutcomeTTL:      seconds(cfg.Business.OutcomeDedupTTLSeconds),
		AvailabilityTTL: seconds(cfg.Business.AvailabilityCacheTTL),
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Gateway.BaseURL,
		ClientID:    cfg.Gateway.ClientID,
		APIKey:      cfg.Gateway.APIKey,
		ChecksumKey: cfg.Gateway.ChecksumKey,
		ReturnURL:   cfg.Gateway.ReturnURL,
		CancelURL:   cfg.Gateway.CancelURL,
	})

	engine := service.NewEngine(db, service.Dependencies{
		Gateway:      gatewayClient,
		Outcomes:     redisClient,
		Availability: redisClient,
		Locker:       redisClient,
		Publisher:    broker.NewEventPublisher(producer),
		Payments: service.ReconcilerConfig{
			LinkTTL:         seconds(cfg.Business.PaymentLinkTTLSeconds),
			Grace:           seconds(cfg.Business.PaymentGraceSeconds),
			CashPickupGrace: seconds(cfg.Business.CashPickupGraceSeconds),
		},
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	signalConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSignals, cfg.Kafka.ConsumerGroup)
	signalWorker := worker.NewSignalWorker(signalConsumer, db, engine)
	go func() {
		if err := signalWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Signal worker error", zap.Error(err))
		}
	}()

	scheduler, err := worker.NewScheduler(cfg.Scheduler.ExpireStaleAttempts, engine.Payments)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	scheduler.Start()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(engine, gatewayClient, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	scheduler.Stop()
	workerCancel()
	if err := signalWorker.Stop(); err != nil {
		logger.Warn("Error stopping signal worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
