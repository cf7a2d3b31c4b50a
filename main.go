package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"time"

	"marginbot/config"
	"marginbot/internal/adapters/binancefeed"
	"marginbot/internal/adapters/events"
	"marginbot/internal/adapters/logger"
	"marginbot/internal/adapters/sqlite"
	"marginbot/internal/app"
	"marginbot/internal/executor"
	"marginbot/internal/ledger"
	"marginbot/internal/monitor"
	"marginbot/internal/ports"
	"marginbot/internal/positions"
	"marginbot/internal/risk"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "json" {
		zl, err := logger.NewZapLogger(cfg.LogLevel)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer zl.Sync()
		appLogger = zl
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	emitter := events.NewLogEmitter(appLogger)

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Price Feed (Binance Adapter)
	feed, err := binancefeed.New(binancefeed.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize price feed")
		log.Fatalf("FATAL: Failed to initialize price feed: %v", err)
	}

	// 5. Initialize the core: ledger, store, gate, executor, monitor
	led, err := ledger.New(ledger.Config{
		Accounts:  repo,
		Positions: repo,
		Logger:    appLogger,
		FeeRate:   cfg.FeeRate,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize account ledger: %v", err)
	}

	store, err := positions.NewStore(positions.Config{
		Repo:   repo,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize position store: %v", err)
	}

	gate, err := risk.New(risk.Config{
		MinConfidence:   cfg.MinConfidence,
		DefaultLeverage: cfg.DefaultLeverage,
		MaxLeverage:     cfg.MaxLeverage,
		StopLossPct:     cfg.StopLossPct,
		TargetPct:       cfg.TargetPct,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}

	exec, err := executor.New(executor.Config{
		Ledger:               led,
		Store:                store,
		Gate:                 gate,
		Logger:               appLogger,
		Emitter:              emitter,
		MarginCallThreshold:  cfg.MarginCallThreshold,
		LiquidationThreshold: cfg.LiquidationThreshold,
		MaxHolding:           time.Duration(cfg.MaxHoldingHours) * time.Hour,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trade executor: %v", err)
	}

	mon, err := monitor.New(monitor.Config{
		Feed:            feed,
		Executor:        exec,
		Store:           store,
		Ledger:          led,
		Logger:          appLogger,
		Emitter:         emitter,
		SweepInterval:   cfg.SweepInterval,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize margin monitor: %v", err)
	}

	// 6. Initialize Application Service
	service, err := app.NewService(cfg, appLogger, led, store, exec, mon)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 7. Start the Service
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
