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

	"btc-order-service/config"
	"btc-order-service/internal/api"
	"btc-order-service/internal/broker"
	"btc-order-service/internal/chain"
	"btc-order-service/internal/rates"
	"btc-order-service/internal/redisclient"
	"btc-order-service/internal/retry"
	"btc-order-service/internal/service"
	"btc-order-service/internal/store"
	"btc-order-service/internal/util"
	"btc-order-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting btc-order-service")

	if cfg.Bitcoin.Address == "" && !cfg.Bitcoin.TestMode {
		log.Fatal("BITCOIN_ADDRESS must be set outside test mode")
	}

	tp, err := util.InitTracer("btc-order-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Business.CheckCooldown)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	publisher := broker.NewEventPublisher(producer)

	fallbackRate, err := decimal.NewFromString(cfg.Bitcoin.FallbackRate)
	if err != nil {
		log.Fatalf("Invalid FALLBACK_RATE: %v", err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	oracle := rates.NewOracle(
		[]rates.Provider{
			&rates.CoinGeckoProvider{BaseURL: cfg.Bitcoin.CoinGeckoURL, Client: httpClient},
			&rates.BlockchainTickerProvider{BaseURL: cfg.Bitcoin.TickerURL, Client: httpClient},
		},
		cfg.Bitcoin.FiatCurrency,
		cfg.Business.RateCacheTTL,
		fallbackRate,
		retry.Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second},
	)

	explorer := chain.NewExplorerClient(
		cfg.Bitcoin.ExplorerURL,
		cfg.Bitcoin.ExplorerAPIKey,
		20*time.Second,
		retry.DefaultPolicy,
	)
	matcher := chain.NewMatcher(explorer, db, cfg.Bitcoin.TestMode)

	allocator := service.NewAllocator(db)
	engine := service.NewEngine(db, oracle, matcher, allocator, publisher, redisClient, service.Config{
		BitcoinAddress: cfg.Bitcoin.Address,
		ExpiryWindow:   cfg.Business.OrderExpiryWindow,
		JitterMinSat:   cfg.Business.JitterMinSat,
		JitterMaxSat:   cfg.Business.JitterMaxSat,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweeper(db, publisher, cfg.Business.SweepInterval)
	go sweeper.Run(workerCtx)

	notifyConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	notifier := worker.NewNotifier(notifyConsumer, cfg.Business.WebhookURL)
	go func() {
		if err := notifier.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Notifier error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(engine)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if err := notifier.Stop(); err != nil {
		log.Printf("Error stopping notifier: %v", err)
	}

	log.Println("Server exited")
}
