package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

// GateConfig holds the account-level limits enforced by the Gate.
type GateConfig struct {
	DailyLossLimit         float64 // Negative fraction of session start equity, e.g. -0.01
	DrawdownLimit          float64 // Negative fraction of the equity peak, e.g. -0.02
	MaxConcurrentPositions int
}

// Validate checks the limits are usable.
func (c GateConfig) Validate() error {
	if c.DailyLossLimit >= 0 {
		return fmt.Errorf("daily loss limit must be negative, got %v", c.DailyLossLimit)
	}
	if c.DrawdownLimit >= 0 {
		return fmt.Errorf("drawdown limit must be negative, got %v", c.DrawdownLimit)
	}
	if c.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("max concurrent positions must be positive, got %d", c.MaxConcurrentPositions)
	}
	return nil
}

// Gate is the process-wide risk gate. Once it halts trading it stays halted
// until Init or ResetForNewSession is called.
type Gate struct {
	cfg      GateConfig
	logger   ports.Logger
	store    ports.RiskStateRepository // optional
	notifier ports.BreachNotifier      // optional
	metrics  ports.Metrics
	now      func() time.Time

	mu          sync.Mutex
	state       domain.RiskGateState
	initialized bool
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithStateStore persists the gate state on init, reset and every breach.
func WithStateStore(store ports.RiskStateRepository) GateOption {
	return func(g *Gate) { g.store = store }
}

// WithBreachNotifier delivers breach events to a supervising controller.
func WithBreachNotifier(n ports.BreachNotifier) GateOption {
	return func(g *Gate) { g.notifier = n }
}

// WithGateMetrics records equity, drawdown and breaches.
func WithGateMetrics(m ports.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate. Init must be called before it allows trading.
func NewGate(cfg GateConfig, logger ports.Logger, opts ...GateOption) (*Gate, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for risk gate")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk gate config: %w", err)
	}
	g := &Gate{
		cfg:     cfg,
		logger:  logger,
		metrics: ports.NopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Init starts a session: start equity and peak are set to the balance and trading is allowed.
// Calling it again performs a full reset.
func (g *Gate) Init(ctx context.Context, snap domain.AccountSnapshot) {
	g.mu.Lock()
	g.state = domain.RiskGateState{
		SessionStartEquity: snap.Balance,
		EquityPeak:         snap.Balance,
		TradingAllowed:     true,
		UpdatedAt:          g.now(),
	}
	g.initialized = true
	state := g.state
	g.mu.Unlock()

	g.logger.Info(ctx, "Risk gate initialized", map[string]interface{}{"sessionStartEquity": snap.Balance})
	g.metrics.ObserveAccount(snap.Equity, 0, true)
	g.persist(ctx, state)
}

// ResetForNewSession is Init for the start of a new trading day.
func (g *Gate) ResetForNewSession(ctx context.Context, snap domain.AccountSnapshot) {
	g.logger.Info(ctx, "Resetting risk gate for new session")
	g.Init(ctx, snap)
}

// Restore adopts a previously persisted state, e.g. a halt recorded before a restart.
func (g *Gate) Restore(ctx context.Context, state domain.RiskGateState) {
	g.mu.Lock()
	if state.EquityPeak < state.SessionStartEquity {
		state.EquityPeak = state.SessionStartEquity
	}
	g.state = state
	g.initialized = true
	g.mu.Unlock()

	g.logger.Info(ctx, "Risk gate state restored", map[string]interface{}{
		"sessionStartEquity": state.SessionStartEquity,
		"equityPeak":         state.EquityPeak,
		"tradingAllowed":     state.TradingAllowed,
		"haltReason":         state.HaltReason,
	})
}

// PreTradeCheck reports whether a new position may be opened. It has no side effects.
func (g *Gate) PreTradeCheck(openPositionCount int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialized && g.state.TradingAllowed && openPositionCount < g.cfg.MaxConcurrentPositions
}

// TradingAllowed reports whether the gate has not halted trading.
func (g *Gate) TradingAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialized && g.state.TradingAllowed
}

// State returns a copy of the current gate state.
func (g *Gate) State() domain.RiskGateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnEquityUpdate ratchets the equity peak and halts trading when the daily loss or
// drawdown limit is crossed. It returns true only for the update that caused the halt.
func (g *Gate) OnEquityUpdate(ctx context.Context, snap domain.AccountSnapshot) bool {
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		g.logger.Warn(ctx, "Equity update before risk gate init, skipping")
		return false
	}

	realized := snap.Balance - g.state.SessionStartEquity
	unrealized := snap.Equity - snap.Balance
	lossLimit := g.state.SessionStartEquity * g.cfg.DailyLossLimit

	drawdown := 0.0
	drawdownKnown := g.state.EquityPeak > 0 && snap.Equity > 0
	if drawdownKnown {
		drawdown = (snap.Equity - g.state.EquityPeak) / g.state.EquityPeak
	}
	g.state.EquityPeak = math.Max(g.state.EquityPeak, snap.Equity)

	var reason string
	switch {
	case !g.state.TradingAllowed:
		// Already halted; keep tracking the peak only.
	case realized+unrealized <= lossLimit:
		reason = fmt.Sprintf("daily loss limit breached: pnl %.2f <= limit %.2f", realized+unrealized, lossLimit)
	case drawdownKnown && drawdown <= g.cfg.DrawdownLimit:
		reason = fmt.Sprintf("drawdown limit breached: %.4f%% <= limit %.4f%%", drawdown*100, g.cfg.DrawdownLimit*100)
	}

	if reason == "" {
		allowed := g.state.TradingAllowed
		g.mu.Unlock()
		if !drawdownKnown {
			g.logger.Warn(ctx, "Drawdown check skipped, degenerate equity", map[string]interface{}{"equity": snap.Equity})
		}
		g.metrics.ObserveAccount(snap.Equity, drawdown, allowed)
		return false
	}

	g.state.TradingAllowed = false
	g.state.HaltReason = reason
	g.state.UpdatedAt = g.now()
	state := g.state
	g.mu.Unlock()

	event := domain.RiskBreachEvent{
		ID:        uuid.NewString(),
		Reason:    reason,
		Timestamp: state.UpdatedAt,
		Equity:    snap.Equity,
		Drawdown:  drawdown,
	}
	g.logger.Warn(ctx, "Risk limit breached, trading halted", map[string]interface{}{
		"reason":   reason,
		"equity":   snap.Equity,
		"balance":  snap.Balance,
		"drawdown": drawdown,
		"eventID":  event.ID,
	})
	g.metrics.RiskBreach()
	g.metrics.ObserveAccount(snap.Equity, drawdown, false)
	g.persist(ctx, state)
	if g.notifier != nil {
		g.notifier.NotifyBreach(ctx, event)
	}
	return true
}

func (g *Gate) persist(ctx context.Context, state domain.RiskGateState) {
	if g.store == nil {
		return
	}
	record := domain.NewRiskStateRecord(state, g.cfg.DailyLossLimit, g.cfg.DrawdownLimit, g.cfg.MaxConcurrentPositions)
	if err := g.store.SaveRiskState(ctx, record); err != nil {
		g.logger.Error(ctx, err, "Failed to persist risk gate state")
	}
}
