package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantterminal/core/internal/alerts"
	"github.com/quantterminal/core/internal/config"
	"github.com/quantterminal/core/internal/gateway"
	"github.com/quantterminal/core/internal/marketdata"
	"github.com/quantterminal/core/internal/order"
	"github.com/quantterminal/core/internal/position"
	"github.com/quantterminal/core/internal/queue"
	"github.com/quantterminal/core/internal/risk"
	"github.com/quantterminal/core/internal/venue"
	"github.com/quantterminal/core/internal/venue/binance"
	"github.com/quantterminal/core/internal/venue/mock"
	"github.com/quantterminal/core/pkg/database"
	"github.com/quantterminal/core/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	obsConfig := observability.GetDefaultSimpleConfig()
	obsConfig.ServiceName = cfg.Observability.ServiceName
	obsProvider, err := observability.NewSimpleObservabilityProvider(obsConfig)
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	logger := obsProvider.Logger

	ctx := context.Background()

	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureOrderSchema(ctx); err != nil {
		log.Fatalf("Failed to provision order/position schema: %v", err)
	}
	if err := db.EnsureMarketDataSchema(ctx); err != nil {
		log.Fatalf("Failed to provision market-data schema: %v", err)
	}

	redis, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	registry := venue.NewRegistry()
	mock.Register(registry, "mock", mock.Config{
		Latency:        50 * time.Millisecond,
		ReferencePrice: decimal.NewFromInt(50000),
	})
	binance.Register(registry, logger)

	for _, venueName := range cfg.Venues.EnabledVenues {
		creds := venue.Credentials{}
		if venueName == "binance" {
			creds = venue.Credentials{APIKey: cfg.Venues.BinanceAPIKey, APISecret: cfg.Venues.BinanceAPISecret, Testnet: cfg.Venues.BinanceTestnet}
		}
		if _, err := registry.Get(venueName, creds); err != nil {
			logger.Error(ctx, "registering venue adapter", err, map[string]interface{}{"venue": venueName})
		}
	}

	orderQueue := queue.New(redis, logger, cfg.Queue.WorkerCount)

	orderSvc := order.NewService(registry, orderQueue, db, logger)
	if err := orderSvc.Rehydrate(ctx); err != nil {
		log.Fatalf("Failed to rehydrate orders: %v", err)
	}

	positionSvc := position.NewService(db, logger)
	if err := positionSvc.Rehydrate(ctx); err != nil {
		log.Fatalf("Failed to rehydrate positions: %v", err)
	}

	alertSvc := alerts.NewService(redis, logger)

	limits := risk.Limits{
		OrderNotionalCap:         decimal.NewFromFloat(cfg.Risk.OrderNotionalCap),
		InstrumentNotionalCap:    decimal.NewFromFloat(cfg.Risk.InstrumentNotionalCap),
		TotalNotionalCap:         decimal.NewFromFloat(cfg.Risk.TotalNotionalCap),
		DailyLossCap:             decimal.NewFromFloat(cfg.Risk.DailyLossCap),
		DailyLossPctCap:          decimal.NewFromFloat(cfg.Risk.DailyLossPctCap),
		DrawdownCap:              decimal.NewFromFloat(cfg.Risk.DrawdownCap),
		ConsecutiveLossCap:       cfg.Risk.ConsecutiveLossCap,
		ConcentrationThreshold:   decimal.NewFromFloat(cfg.Risk.ConcentrationThreshold),
		EmergencyDrawdownTrigger: decimal.NewFromFloat(cfg.Risk.EmergencyDrawdownTrigger),
		EmergencyLossTrigger:     decimal.NewFromFloat(cfg.Risk.EmergencyLossTrigger),
	}
	riskGate := risk.NewGate(limits, redis, orderSvc, positionSvc, alertSvc, logger)
	riskMonitor := risk.NewMonitor(redis, alertSvc, limits, logger, cfg.Risk.MonitorInterval)

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go riskMonitor.Run(monitorCtx, func() []string {
		seen := make(map[string]bool)
		var ids []string
		for _, p := range positionSvc.All("") {
			if !seen[p.Strategy] {
				seen[p.Strategy] = true
				ids = append(ids, p.Strategy)
			}
		}
		return ids
	})

	for i := 0; i < cfg.Queue.WorkerCount; i++ {
		go orderQueue.RunWorker(monitorCtx, func(ctx context.Context, _ string, payload []byte) queue.Outcome {
			return orderSvc.Dispatch(ctx, payload)
		})
	}

	collectorCtx, cancelCollectors := context.WithCancel(ctx)
	defer cancelCollectors()
	for _, venueName := range cfg.Venues.EnabledVenues {
		adapter, err := registry.Get(venueName, venue.Credentials{})
		if err != nil {
			logger.Error(ctx, "skipping market-data collector: venue unavailable", err, map[string]interface{}{"venue": venueName})
			continue
		}
		startCollectors(collectorCtx, venueName, adapter, cfg, redis, db, logger)
	}

	router := gateway.New(cfg, gateway.Deps{
		Orders:    orderSvc,
		Positions: positionSvc,
		Risk:      riskGate,
		Alerts:    alertSvc,
		Queue:     orderQueue,
		Registry:  registry,
		DB:        db,
		Redis:     redis,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(ctx, "Starting order gateway", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "Shutting down order gateway...", nil)
	cancelCollectors()
	cancelMonitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info(ctx, "Order gateway stopped", nil)
}

// startCollectors subscribes to every configured symbol on a venue and runs
// one marketdata.Collector goroutine per (channel, symbol) pair (§4.10).
func startCollectors(ctx context.Context, venueName string, adapter venue.Adapter, cfg *config.Config, redis *database.RedisClient, db *database.DB, logger *observability.Logger) {
	collectorCfg := marketdata.Config{
		SoftCap:        cfg.Collector.SoftCap,
		FlushInterval:  cfg.Collector.FlushInterval,
		TickerCacheTTL: cfg.Collector.TickerCacheTTL,
		BookCacheTTL:   cfg.Collector.BookCacheTTL,
	}
	collector := marketdata.New(venueName, redis, db, logger, collectorCfg)

	tickers, err := adapter.SubscribeTicker(ctx, cfg.Venues.Symbols)
	if err != nil {
		logger.Error(ctx, "subscribing tickers", err, map[string]interface{}{"venue": venueName})
	} else {
		for _, symbol := range cfg.Venues.Symbols {
			go collector.RunTickers(ctx, symbol, tickers)
		}
	}

	books, err := adapter.SubscribeOrderBook(ctx, cfg.Venues.Symbols)
	if err != nil {
		logger.Error(ctx, "subscribing order books", err, map[string]interface{}{"venue": venueName})
	} else {
		for _, symbol := range cfg.Venues.Symbols {
			go collector.RunOrderBooks(ctx, symbol, books)
		}
	}

	trades, err := adapter.SubscribeTrades(ctx, cfg.Venues.Symbols)
	if err != nil {
		logger.Error(ctx, "subscribing trades", err, map[string]interface{}{"venue": venueName})
	} else {
		for _, symbol := range cfg.Venues.Symbols {
			go collector.RunTrades(ctx, symbol, trades)
		}
	}

	const candleInterval = "1m"
	candles, err := adapter.SubscribeCandles(ctx, cfg.Venues.Symbols, candleInterval)
	if err != nil {
		logger.Error(ctx, "subscribing candles", err, map[string]interface{}{"venue": venueName})
	} else {
		for _, symbol := range cfg.Venues.Symbols {
			go collector.RunCandles(ctx, symbol, candleInterval, candles)
		}
	}
}
