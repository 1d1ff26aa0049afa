package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradeGuard/config"
	"tradeGuard/internal/adapters/paper"
	"tradeGuard/internal/adapters/sqlite"
	"tradeGuard/internal/analytics"
	"tradeGuard/internal/app"
	"tradeGuard/internal/domain"
	"tradeGuard/internal/feed"
	"tradeGuard/internal/indicators"
	"tradeGuard/internal/ports"
	"tradeGuard/internal/strategy"
)

// replayClock follows the replayed klines so daily rollover and breach timestamps
// use market time.
type replayClock struct {
	mu     sync.Mutex
	now    time.Time
	broker *paper.Broker
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Mark advances the clock and forwards the kline to the broker.
func (c *replayClock) Mark(ctx context.Context, label string, k *domain.Kline, spread float64) {
	c.mu.Lock()
	c.now = k.CloseTime
	c.mu.Unlock()
	c.broker.Mark(ctx, label, k, spread)
}

// Result summarizes a replay.
type Result struct {
	Klines      int
	Trades      []*domain.Trade
	Performance *analytics.PerformanceMetrics
	Breaches    int
	Final       domain.AccountSnapshot
}

// Replay runs the scenario's klines through the engine against a paper broker.
// Trades are journaled to a throwaway SQLite database unless cfg.DBPath is kept.
func Replay(ctx context.Context, sc *Scenario, cfg *config.Config, logger ports.Logger, keepDB bool) (*Result, error) {
	klines, err := feed.ReadKlinesFile(sc.Klines)
	if err != nil {
		return nil, err
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("no klines in %s", sc.Klines)
	}

	dbPath := cfg.DBPath
	if !keepDB {
		dir, err := os.MkdirTemp("", "tradeguard-replay-")
		if err != nil {
			return nil, fmt.Errorf("create replay database dir: %w", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "replay.db")
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: dbPath, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	broker, err := paper.NewBroker(paper.Config{
		Balance:       sc.Balance,
		PipSize:       cfg.PipSize,
		PipValue:      cfg.PipValue,
		PipValueUnits: cfg.PipValueUnits,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	sc.Inject(broker)
	clock := &replayClock{now: klines[0].OpenTime, broker: broker}

	signals, err := strategy.New(strategy.Config{RSIOverbought: cfg.ExitLongOscillator, RSIOversold: cfg.ExitShortOscillator}, logger)
	if err != nil {
		return nil, err
	}
	breaches := &breachCounter{Supervisor: app.NewSupervisor(logger, 0)}
	svc, err := app.NewTradingService(cfg, app.Dependencies{
		Logger:    logger,
		Execution: broker,
		Signals:   signals,
		Notifier:  breaches,
		RiskStore: repo,
		Positions: repo,
		Trades:    repo,
		Now:       clock.Now,
	})
	if err != nil {
		return nil, err
	}

	builder, err := feed.NewBuilder(feed.Instrument{
		Label:         cfg.Symbol,
		PipSize:       cfg.PipSize,
		PipValue:      cfg.PipValue,
		PipValueUnits: cfg.PipValueUnits,
		Volume:        domain.VolumeRules{Min: cfg.MinVolume, Max: cfg.MaxVolume, Step: cfg.VolumeStep},
		SpreadPips:    sc.SpreadPips,
	}, indicators.SetConfig{
		FastMAPeriod: cfg.FastMAPeriod,
		SlowMAPeriod: cfg.SlowMAPeriod,
		ATRPeriod:    cfg.ATRPeriod,
		RSIPeriod:    cfg.RSIPeriod,
	})
	if err != nil {
		return nil, err
	}

	runner, err := app.NewRunner(app.RunnerDeps{
		Logger:   logger,
		Service:  svc,
		Account:  broker,
		Closes:   broker,
		Builder:  builder,
		Marker:   clock,
		Breaches: breaches.Supervisor,
		Label:    cfg.Symbol,
		Spread:   sc.SpreadPips * cfg.PipSize,
	})
	if err != nil {
		return nil, err
	}

	if err := runner.Replay(ctx, klines); err != nil {
		return nil, err
	}
	if sc.FlattenEnd && svc.FlattenAll(ctx, domain.CloseReasonManual) > 0 {
		runner.Flush(ctx)
	}

	// A negative limit is unlimited in SQLite.
	trades, err := repo.FindBySymbol(ctx, cfg.Symbol, -1)
	if err != nil {
		return nil, err
	}
	final, err := broker.GetAccountSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{
		Klines:      len(klines),
		Trades:      trades,
		Performance: analytics.AnalyzePerformance(trades, sc.Balance),
		Breaches:    breaches.count(),
		Final:       final,
	}, nil
}

// breachCounter counts breaches on their way to the supervisor.
type breachCounter struct {
	*app.Supervisor
	mu sync.Mutex
	n  int
}

func (b *breachCounter) NotifyBreach(ctx context.Context, event domain.RiskBreachEvent) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	b.Supervisor.NotifyBreach(ctx, event)
}

func (b *breachCounter) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
