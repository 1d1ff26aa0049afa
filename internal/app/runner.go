package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/feed"
	"tradeGuard/internal/ports"
)

const streamShutdownTimeout = 5 * time.Second

// QuoteMarker is fed every closed kline before the engine sees it. The paper
// broker implements it to fill protective orders against the kline range.
type QuoteMarker interface {
	Mark(ctx context.Context, label string, k *domain.Kline, spread float64)
}

// RunnerDeps wires a Runner to its market data, account and broker events.
type RunnerDeps struct {
	Logger   ports.Logger
	Service  *TradingService
	Stream   ports.MarketStream // Required by Start only
	Account  ports.AccountSource
	Closes   ports.CloseWatcher
	Builder  *feed.Builder
	Marker   QuoteMarker // Optional
	Breaches *Supervisor // Optional; queued breaches are handled after every bar
	Label    string
	Interval string
	Spread   float64 // Price units, passed to Marker
}

// Runner drives one instrument: each closed kline becomes a market update for the
// TradingService, and broker close events are forwarded to it before and after.
type Runner struct {
	deps RunnerDeps

	mu sync.Mutex // Serializes kline handling; the builder is not concurrency-safe
}

// NewRunner validates deps and creates a Runner.
func NewRunner(deps RunnerDeps) (*Runner, error) {
	if deps.Logger == nil || deps.Service == nil || deps.Account == nil || deps.Closes == nil || deps.Builder == nil {
		return nil, fmt.Errorf("missing required dependencies for Runner")
	}
	if deps.Label == "" {
		return nil, fmt.Errorf("runner label is required")
	}
	return &Runner{deps: deps}, nil
}

// Start initializes the service from the account, warms up the indicators from
// history and trades the live kline stream until ctx is done or the stream dies.
func (r *Runner) Start(ctx context.Context) error {
	if r.deps.Stream == nil {
		return fmt.Errorf("market stream is required to start live trading")
	}
	if err := r.initialize(ctx); err != nil {
		return err
	}

	warmUp := r.deps.Builder.WarmUp() + 1
	r.deps.Logger.Info(ctx, "Loading initial klines for indicators", map[string]interface{}{"requiredPoints": warmUp})
	history, err := r.deps.Stream.GetKlines(ctx, r.deps.Label, r.deps.Interval, warmUp)
	if err != nil {
		r.deps.Logger.Error(ctx, err, "Failed to load initial klines")
		return fmt.Errorf("failed to load initial klines: %w", err)
	}
	r.mu.Lock()
	for _, k := range history {
		// The most recent kline may still be forming.
		if k.IsFinal && k.CloseTime.Before(time.Now()) {
			r.deps.Builder.Next(k, domain.AccountSnapshot{})
		}
	}
	r.mu.Unlock()
	r.deps.Logger.Info(ctx, "Loaded initial klines", map[string]interface{}{"count": len(history)})

	doneCh, stopCh, err := r.deps.Stream.StreamKlines(ctx, r.deps.Label, r.deps.Interval,
		func(k *domain.Kline) { r.handleKline(ctx, k) },
		func(err error) { r.deps.Logger.Error(ctx, err, "Kline stream error reported") })
	if err != nil {
		r.deps.Logger.Error(ctx, err, "Failed to start kline stream")
		return fmt.Errorf("failed to start kline stream: %w", err)
	}
	r.deps.Logger.Info(ctx, "Kline stream started", map[string]interface{}{"symbol": r.deps.Label, "interval": r.deps.Interval})

	select {
	case <-ctx.Done():
		r.deps.Logger.Info(ctx, "Context cancelled, stopping kline stream...")
		close(stopCh)
		select {
		case <-doneCh:
			r.deps.Logger.Info(ctx, "Kline stream shut down gracefully")
		case <-time.After(streamShutdownTimeout):
			r.deps.Logger.Warn(ctx, "Timeout waiting for kline stream to shut down")
		}
		return nil
	case <-doneCh:
		err := fmt.Errorf("kline stream stopped unexpectedly")
		r.deps.Logger.Error(ctx, err, "Kline stream stopped")
		return err
	}
}

// Replay trades klines synchronously, handling queued risk breaches after each bar.
func (r *Runner) Replay(ctx context.Context, klines []*domain.Kline) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}
	for _, k := range klines {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.handleKline(ctx, k)
	}
	return nil
}

// Flush forwards pending close events and queued breaches. Replays call it after
// flattening at the end of the data.
func (r *Runner) Flush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainBreaches(ctx)
	r.forwardCloses(ctx)
}

func (r *Runner) initialize(ctx context.Context) error {
	snap, err := r.deps.Account.GetAccountSnapshot(ctx)
	if err != nil {
		r.deps.Logger.Error(ctx, err, "Failed to read account snapshot")
		return fmt.Errorf("failed to read account snapshot: %w", err)
	}
	if err := r.deps.Service.Initialize(ctx, snap); err != nil {
		return fmt.Errorf("failed to initialize trading service: %w", err)
	}
	return nil
}

func (r *Runner) handleKline(ctx context.Context, k *domain.Kline) {
	if !k.IsFinal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deps.Marker != nil {
		r.deps.Marker.Mark(ctx, r.deps.Label, k, r.deps.Spread)
	}
	// Protective fills since the previous bar are settled before the update.
	r.forwardCloses(ctx)

	snap, err := r.deps.Account.GetAccountSnapshot(ctx)
	if err != nil {
		r.deps.Logger.Error(ctx, err, "Failed to read account snapshot, skipping bar", map[string]interface{}{"closeTime": k.CloseTime})
		return
	}
	update, ready := r.deps.Builder.Next(k, snap)
	if !ready {
		return
	}
	if err := r.deps.Service.HandleUpdate(ctx, update); err != nil {
		r.deps.Logger.Error(ctx, err, "Failed to handle market update", map[string]interface{}{"bar": update.BarIndex})
	}
	r.drainBreaches(ctx)
	r.forwardCloses(ctx)
}

func (r *Runner) drainBreaches(ctx context.Context) {
	if r.deps.Breaches != nil {
		r.deps.Breaches.Drain(ctx, r.deps.Service)
	}
}

func (r *Runner) forwardCloses(ctx context.Context) {
	events, err := r.deps.Closes.PollClosed(ctx)
	if err != nil {
		r.deps.Logger.Error(ctx, err, "Failed to poll closed positions")
	}
	for _, ev := range events {
		r.deps.Service.HandlePositionClosed(ctx, ev)
	}
}
