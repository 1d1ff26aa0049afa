package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeGuard/config"
	"tradeGuard/internal/adapters/binanceclient"
	"tradeGuard/internal/adapters/logger"
	"tradeGuard/internal/adapters/metrics"
	"tradeGuard/internal/adapters/paper"
	"tradeGuard/internal/adapters/sqlite"
	"tradeGuard/internal/app"
	"tradeGuard/internal/domain"
	"tradeGuard/internal/feed"
	"tradeGuard/internal/guards"
	"tradeGuard/internal/indicators"
	"tradeGuard/internal/ports"
	"tradeGuard/internal/strategy"
)

// broker is what the live loop needs from an execution venue.
type broker interface {
	ports.ExecutionPort
	ports.AccountSource
	ports.CloseWatcher
}

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewZeroLogger(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})
	for _, w := range cfg.Warnings {
		appLogger.Warn(ctx, "Configuration warning", map[string]interface{}{"warning": w})
	}

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error(ctx, err, "Trade guard exited with error")
		os.Exit(1)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}

func run(ctx context.Context, cfg *config.Config, appLogger *logger.ZeroLogger) error {
	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Metrics endpoint
	recorder := metrics.NewRecorder()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(recorder), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, err, "Metrics server stopped", map[string]interface{}{"addr": cfg.MetricsAddr})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		appLogger.Info(ctx, "Metrics endpoint started", map[string]interface{}{"addr": cfg.MetricsAddr})
	}

	// 5. Exchange client: market data always, execution unless paper trading
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		PipSize:              cfg.PipSize,
		QuantityPrecision:    cfg.QuantityPrecision,
		PricePrecision:       cfg.PricePrecision,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		return err
	}
	if err := binanceClient.Ping(ctx); err != nil {
		return err
	}

	var venue broker = binanceClient
	var marker app.QuoteMarker
	if cfg.PaperTrading {
		paperBroker, err := paper.NewBroker(paper.Config{
			Balance:       cfg.PaperBalance,
			PipSize:       cfg.PipSize,
			PipValue:      cfg.PipValue,
			PipValueUnits: cfg.PipValueUnits,
			Logger:        appLogger,
		})
		if err != nil {
			return err
		}
		venue, marker = paperBroker, paperBroker
		appLogger.Warn(ctx, "Paper trading enabled, orders are simulated", map[string]interface{}{"balance": cfg.PaperBalance})
	}

	execution := guards.NewGuardedExecution(venue, guards.Settings{
		OrdersPerSecond: cfg.OrdersPerSecond,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown,
	}, appLogger)

	// 6. Strategy, supervisor and service
	signals, err := strategy.New(strategy.Config{RSIOverbought: cfg.ExitLongOscillator, RSIOversold: cfg.ExitShortOscillator}, appLogger)
	if err != nil {
		return err
	}
	supervisor := app.NewSupervisor(appLogger, 0)
	svc, err := app.NewTradingService(cfg, app.Dependencies{
		Logger:    appLogger,
		Execution: execution,
		Signals:   signals,
		Notifier:  supervisor,
		RiskStore: repo,
		Positions: repo,
		Trades:    repo,
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}
	go supervisor.Run(ctx, svc)

	builder, err := feed.NewBuilder(feed.Instrument{
		Label:         cfg.Symbol,
		PipSize:       cfg.PipSize,
		PipValue:      cfg.PipValue,
		PipValueUnits: cfg.PipValueUnits,
		Volume:        domain.VolumeRules{Min: cfg.MinVolume, Max: cfg.MaxVolume, Step: cfg.VolumeStep},
		SpreadPips:    cfg.SpreadPips,
	}, indicators.SetConfig{
		FastMAPeriod: cfg.FastMAPeriod,
		SlowMAPeriod: cfg.SlowMAPeriod,
		ATRPeriod:    cfg.ATRPeriod,
		RSIPeriod:    cfg.RSIPeriod,
	})
	if err != nil {
		return err
	}

	// 7. Start the live loop
	runner, err := app.NewRunner(app.RunnerDeps{
		Logger:   appLogger,
		Service:  svc,
		Stream:   binanceClient,
		Account:  venue,
		Closes:   venue,
		Builder:  builder,
		Marker:   marker,
		Label:    cfg.Symbol,
		Interval: cfg.KlineInterval,
		Spread:   cfg.SpreadPips * cfg.PipSize,
	})
	if err != nil {
		return err
	}
	appLogger.Info(ctx, "Starting trade guard", map[string]interface{}{
		"symbol": cfg.Symbol, "interval": cfg.KlineInterval, "paper": cfg.PaperTrading, "breaker": execution.State(),
	})
	return runner.Start(ctx)
}

func metricsMux(recorder *metrics.Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	return mux
}
