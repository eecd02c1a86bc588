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

	"channel-inventory/config"
	"channel-inventory/internal/api"
	"channel-inventory/internal/broker"
	"channel-inventory/internal/marketplace"
	"channel-inventory/internal/models"
	"channel-inventory/internal/redisclient"
	"channel-inventory/internal/service"
	"channel-inventory/internal/store"
	"channel-inventory/internal/util"
	"channel-inventory/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting channel inventory service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, closeDB := openStore(cfg, logger)
	defer closeDB()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

	kafkaEnabled := len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Brokers[0] != ""
	var eventPublisher service.EventPublisher = service.NopPublisher{}
	if kafkaEnabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicInventory)
		defer producer.Close()
		eventPublisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicInventory))
	} else {
		logger.Warn("No Kafka brokers configured, inventory events are dropped")
	}

	httpClient := marketplace.NewHTTPClient(cfg.Marketplace.Timeout())
	adapters := marketplace.NewRegistry()
	if cfg.Marketplace.AmazonBaseURL != "" {
		adapters.Register(models.ChannelTypeMarketplaceAmazon, marketplace.NewAmazonAdapter(cfg.Marketplace.AmazonBaseURL, httpClient))
	}
	if cfg.Marketplace.FlipkartBaseURL != "" {
		adapters.Register(models.ChannelTypeMarketplaceFlipkart, marketplace.NewFlipkartAdapter(cfg.Marketplace.FlipkartBaseURL, httpClient))
	}

	availabilityService := service.NewAvailabilityService(db, redisClient)
	reservationService := service.NewReservationService(db, redisClient, eventPublisher, service.ReservationConfig{
		DefaultTTL:         cfg.Business.ReservationTTL(),
		MaxTTL:             cfg.Business.MaxReservationTTL(),
		ConfirmedRetention: cfg.Business.ConfirmedRetention(),
	})
	allocationService := service.NewAllocationService(db, redisClient, eventPublisher)
	replenishmentService := service.NewReplenishmentService(db, eventPublisher)
	syncService := service.NewSyncService(db, availabilityService, adapters, eventPublisher, cfg.Business.DefaultSyncBufferPercent)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if cfg.Business.SweepsEnabled {
		replenishmentWorker := worker.NewReplenishmentWorker(replenishmentService, redisClient, cfg.Business.ReplenishInterval())
		go func() {
			if err := replenishmentWorker.Start(workerCtx); err != nil {
				logger.Error("Replenishment worker error", zap.Error(err))
			}
		}()

		syncWorker := worker.NewSyncWorker(syncService, redisClient, cfg.Business.SyncInterval())
		go func() {
			if err := syncWorker.Start(workerCtx); err != nil {
				logger.Error("Marketplace sync worker error", zap.Error(err))
			}
		}()
	}

	var fulfillmentWorker *worker.FulfillmentWorker
	if kafkaEnabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment, cfg.Kafka.ConsumerGroup)
		fulfillmentWorker = worker.NewFulfillmentWorker(consumer, allocationService, redisClient)
		go func() {
			if err := fulfillmentWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Fulfillment worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Availability:  availabilityService,
		Reservations:  reservationService,
		Allocations:   allocationService,
		Replenishment: replenishmentService,
		Sync:          syncService,
	}, map[string]api.Pinger{
		"store": db,
		"redis": redisClient,
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

	var metricsSrv *http.Server
	if cfg.Observ.PrometheusPort != "" && cfg.Observ.PrometheusPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
			Handler: mux,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	workerCancel()
	if fulfillmentWorker != nil {
		if err := fulfillmentWorker.Stop(); err != nil {
			logger.Error("Error stopping fulfillment worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// openStore connects the configured durable store. The memory store starts with a single
// D2C channel so the API is usable without Postgres.
func openStore(cfg *config.Config, logger *zap.Logger) (service.Store, func()) {
	if cfg.Database.Driver == "memory" {
		mem := store.NewMemoryStore()
		mem.PutChannel(models.Channel{Code: "D2C", Name: "Direct to consumer", Type: models.ChannelTypeD2C, IsActive: true})
		logger.Warn("Using in-memory store, data is lost on restart")
		return mem, func() {}
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected")
	return db, func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database", zap.Error(err))
		}
	}
}
