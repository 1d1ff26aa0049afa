package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
	"tradeGuard/internal/risk"
)

var (
	ErrPositionActive     = errors.New("a position is already active for this label")
	ErrInvalidMarketData  = errors.New("market data unusable for entry")
	ErrProtectionFailed   = errors.New("protective stop/take could not be set")
	ErrNoPositionToManage = errors.New("no managed position")
)

// Config holds the position management parameters.
type Config struct {
	RiskFraction float64 // Equity fraction risked per trade
	RewardRisk   float64 // Take-profit distance as a multiple of the stop distance

	ATRStopMultiplier float64 // Stop distance = ATR x multiplier + pad
	StopPadPips       float64
	MinStopPips       float64

	BreakevenMultiplier  float64 // Profit (in stop distances) that triggers breakeven
	BreakevenPaddingPips float64
	PartialMultiplier    float64 // Profit (in stop distances) that triggers partial take
	PartialPercent       float64 // Percentage of volume closed, exclusive 0..100

	MaxBarsInTrade int // 0 disables the time-box exit

	ExitLongOscillator  float64 // Long exits when the oscillator crosses up through it; 0 disables
	ExitShortOscillator float64 // Short exits when the oscillator crosses down through it; 0 disables

	ForceExitAtSessionEnd bool
	SessionEndHour        int
	LateCutoffHour        int // Session-end exit does not fire at or after this hour; 0 means 23
	Location              *time.Location
}

// Validate checks the parameters an entry depends on.
func (c Config) Validate() error {
	if c.RiskFraction <= 0 || c.RiskFraction >= 1 {
		return fmt.Errorf("risk fraction must be in (0, 1), got %v", c.RiskFraction)
	}
	if c.RewardRisk <= 0 {
		return fmt.Errorf("reward:risk must be positive, got %v", c.RewardRisk)
	}
	if c.ATRStopMultiplier <= 0 {
		return fmt.Errorf("ATR stop multiplier must be positive, got %v", c.ATRStopMultiplier)
	}
	if c.PartialPercent < 0 || c.PartialPercent >= 100 {
		return fmt.Errorf("partial percent must be 0 (disabled) or below 100, got %v", c.PartialPercent)
	}
	if c.MaxBarsInTrade < 0 {
		return fmt.Errorf("max bars in trade cannot be negative")
	}
	if c.SessionEndHour < 0 || c.SessionEndHour > 23 {
		return fmt.Errorf("session end hour must be within 0-23, got %d", c.SessionEndHour)
	}
	return nil
}

// Machine owns the lifecycle of at most one managed position for an instrument label.
// It is not safe for concurrent use; callers serialize updates per label.
type Machine struct {
	label   string
	cfg     Config
	exec    ports.ExecutionPort
	daily   *risk.DailyCounters
	logger  ports.Logger
	metrics ports.Metrics
	repo    ports.PositionRepository // optional

	state       domain.LifecycleState
	pos         *domain.ManagedPosition
	closeReason domain.CloseReason
	closeSent   bool // close acknowledged by the broker, waiting for confirmation

	prevOscillator float64
	hasOscillator  bool

	rules []rule
}

// Option customizes a Machine.
type Option func(*Machine)

// WithMetrics records entries, exits and failures.
func WithMetrics(m ports.Metrics) Option {
	return func(mc *Machine) { mc.metrics = m }
}

// WithPositionRepository persists the open position after every change.
func WithPositionRepository(repo ports.PositionRepository) Option {
	return func(mc *Machine) { mc.repo = repo }
}

// New creates a Machine in the Flat state.
func New(label string, cfg Config, exec ports.ExecutionPort, daily *risk.DailyCounters, logger ports.Logger, opts ...Option) (*Machine, error) {
	if label == "" {
		return nil, fmt.Errorf("label is required for lifecycle machine")
	}
	if exec == nil || daily == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for lifecycle machine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lifecycle config: %w", err)
	}
	if cfg.LateCutoffHour == 0 {
		cfg.LateCutoffHour = 23
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	m := &Machine{
		label:   label,
		cfg:     cfg,
		exec:    exec,
		daily:   daily,
		logger:  logger,
		metrics: ports.NopMetrics{},
		state:   domain.StateFlat,
		rules:   defaultRules(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Label returns the instrument label the machine manages.
func (m *Machine) Label() string { return m.label }

// State returns the current lifecycle state.
func (m *Machine) State() domain.LifecycleState { return m.state }

// IsFlat reports whether no position is open, opening or closing.
func (m *Machine) IsFlat() bool { return m.state == domain.StateFlat }

// Position returns a copy of the managed position.
func (m *Machine) Position() (domain.ManagedPosition, bool) {
	if m.pos == nil {
		return domain.ManagedPosition{}, false
	}
	return *m.pos, true
}

// PendingCloseReason returns the reason of the requested close while Closing.
func (m *Machine) PendingCloseReason() domain.CloseReason { return m.closeReason }

// StopDistance derives the initial stop distance in price units from the latest ATR.
func (m *Machine) StopDistance(atr, pipSize float64) float64 {
	return math.Max(atr*m.cfg.ATRStopMultiplier+m.cfg.StopPadPips*pipSize, m.cfg.MinStopPips*pipSize)
}

// Enter sizes and opens a position. The caller has already verified the risk gate
// and the daily budget. On success the position is Open with broker-side stop and
// take-profit set; if either cannot be set the position is closed again immediately.
func (m *Machine) Enter(ctx context.Context, update domain.MarketUpdate, direction domain.Direction) (*domain.ManagedPosition, error) {
	op := "Enter"
	if m.state != domain.StateFlat {
		return nil, fmt.Errorf("%w: label %s is %s", ErrPositionActive, m.label, m.state)
	}
	if update.PipSize <= 0 || update.Indicators.ATR <= 0 {
		m.logger.Warn(ctx, op+": Skipping entry, unusable volatility data", map[string]interface{}{
			"label": m.label, "atr": update.Indicators.ATR, "pipSize": update.PipSize,
		})
		return nil, fmt.Errorf("%w: atr %v, pip size %v", ErrInvalidMarketData, update.Indicators.ATR, update.PipSize)
	}

	stopDistance := m.StopDistance(update.Indicators.ATR, update.PipSize)
	volume, err := risk.ComputeVolume(risk.SizingRequest{
		Equity:        update.Equity,
		RiskFraction:  m.cfg.RiskFraction,
		StopDistance:  stopDistance,
		PipSize:       update.PipSize,
		PipValue:      update.PipValue,
		PipValueUnits: update.PipValueUnits,
		MinVolume:     update.Volume.Min,
		MaxVolume:     update.Volume.Max,
		VolumeStep:    update.Volume.Step,
	})
	if err != nil {
		m.metrics.SizingRejected(sizingReason(err))
		m.logger.Warn(ctx, op+": Sizing rejected entry", map[string]interface{}{
			"label": m.label, "reason": err.Error(), "stopDistance": stopDistance, "equity": update.Equity,
		})
		return nil, fmt.Errorf("sizing rejected: %w", err)
	}

	m.state = domain.StateOpening
	m.logger.Info(ctx, op+": Placing entry market order", map[string]interface{}{
		"label": m.label, "direction": direction, "volume": volume, "stopDistance": stopDistance,
	})
	res, err := m.exec.PlaceMarketOrder(ctx, direction, volume, m.label)
	if err != nil {
		m.state = domain.StateFlat
		m.metrics.ExecutionFailed("place_market_order")
		m.logger.Error(ctx, err, op+": Entry market order failed", map[string]interface{}{"label": m.label})
		return nil, fmt.Errorf("entry market order failed: %w", err)
	}

	entryPrice := res.EntryPrice
	if entryPrice == 0 {
		entryPrice = update.Ask
		if direction == domain.Short {
			entryPrice = update.Bid
		}
		m.logger.Warn(ctx, op+": Entry fill price missing, using quote as fallback", map[string]interface{}{
			"label": m.label, "positionID": res.PositionID, "fallbackPrice": entryPrice,
		})
	}
	filled := res.Volume
	if filled <= 0 {
		filled = volume
	}
	entryTime := res.FilledAt
	if entryTime.IsZero() {
		entryTime = update.Timestamp
	}

	sign := direction.Sign()
	m.pos = &domain.ManagedPosition{
		ID:                  res.PositionID,
		Label:               m.label,
		Direction:           direction,
		EntryPrice:          entryPrice,
		InitialStopDistance: stopDistance,
		InitialStopLoss:     entryPrice - sign*stopDistance,
		InitialTakeProfit:   entryPrice + sign*stopDistance*m.cfg.RewardRisk,
		EntryTime:           entryTime,
		EntryBarIndex:       update.BarIndex,
		CurrentVolume:       filled,
		PipSize:             update.PipSize,
	}
	m.state = domain.StateOpen
	m.closeReason = ""
	m.closeSent = false
	m.prevOscillator = update.Indicators.Oscillator
	m.hasOscillator = true
	m.daily.RecordTradeOpened()
	m.metrics.PositionOpened(m.label, direction)
	m.logger.Info(ctx, op+": Position opened", map[string]interface{}{
		"label": m.label, "positionID": m.pos.ID, "entryPrice": entryPrice, "volume": filled,
		"stopLoss": m.pos.InitialStopLoss, "takeProfit": m.pos.InitialTakeProfit,
	})

	if err := m.protect(ctx); err != nil {
		m.metrics.ExecutionFailed("protect")
		m.logger.Error(ctx, err, op+": Protective orders failed, closing position", map[string]interface{}{"label": m.label, "positionID": m.pos.ID})
		if closeErr := m.requestClose(ctx, domain.CloseReasonProtectionFailed); closeErr != nil {
			m.logger.Error(ctx, closeErr, op+": FAIL-SAFE CLOSE FAILED, will retry next update", map[string]interface{}{"label": m.label})
		}
		// Persisted so a restart still finds the unprotected position.
		m.save(ctx)
		pos := *m.pos
		return &pos, fmt.Errorf("%w: %w", ErrProtectionFailed, err)
	}

	m.save(ctx)
	pos := *m.pos
	return &pos, nil
}

func (m *Machine) protect(ctx context.Context) error {
	if err := m.exec.ModifyStopLoss(ctx, m.pos.ID, m.pos.InitialStopLoss); err != nil {
		return fmt.Errorf("stop loss: %w", err)
	}
	m.pos.CurrentStopLoss = m.pos.InitialStopLoss
	if err := m.exec.ModifyTakeProfit(ctx, m.pos.ID, m.pos.InitialTakeProfit); err != nil {
		return fmt.Errorf("take profit: %w", err)
	}
	m.pos.CurrentTakeProfit = m.pos.InitialTakeProfit
	return nil
}

// Manage runs the management rules for the current update. While Closing it only
// retries a close request the broker rejected.
func (m *Machine) Manage(ctx context.Context, update domain.MarketUpdate) Outcome {
	defer m.observeOscillator(update.Indicators.Oscillator)

	switch m.state {
	case domain.StateOpen:
	case domain.StateClosing:
		if m.closeSent {
			return Outcome{}
		}
		err := m.requestClose(ctx, m.closeReason)
		return Outcome{Rule: RuleRetryClose, Closing: true, Err: err}
	default:
		return Outcome{}
	}

	for _, r := range m.rules {
		matched, err := r.apply(ctx, m, update)
		if !matched {
			continue
		}
		out := Outcome{Rule: r.name, Closing: m.state == domain.StateClosing, Err: err}
		if err != nil {
			m.logger.Error(ctx, err, "Manage: rule action failed, retrying next update", map[string]interface{}{
				"label": m.label, "rule": r.name,
			})
		}
		return out
	}
	return Outcome{}
}

func (m *Machine) observeOscillator(v float64) {
	m.prevOscillator = v
	m.hasOscillator = true
}

// ForceClose requests a close regardless of the rules, e.g. after a risk breach.
func (m *Machine) ForceClose(ctx context.Context, reason domain.CloseReason) error {
	switch m.state {
	case domain.StateOpen:
		return m.requestClose(ctx, reason)
	case domain.StateClosing:
		if m.closeSent {
			return nil
		}
		return m.requestClose(ctx, m.closeReason)
	default:
		return nil
	}
}

// requestClose moves the position to Closing. A rejected request keeps the state
// Closing with closeSent unset so the next update retries it.
func (m *Machine) requestClose(ctx context.Context, reason domain.CloseReason) error {
	m.state = domain.StateClosing
	m.closeReason = reason
	m.closeSent = false
	m.logger.Info(ctx, "Requesting position close", map[string]interface{}{
		"label": m.label, "positionID": m.pos.ID, "reason": reason,
	})
	if err := m.exec.ClosePosition(ctx, m.pos.ID); err != nil {
		m.metrics.ExecutionFailed("close_position")
		m.logger.Error(ctx, err, "Close request rejected", map[string]interface{}{"label": m.label, "positionID": m.pos.ID, "reason": reason})
		return fmt.Errorf("close position %s: %w", m.pos.ID, err)
	}
	m.closeSent = true
	m.metrics.PositionExit(m.label, reason)
	return nil
}

// OnPositionClosed completes a close confirmed by the broker. It records the realized
// profit in the daily counters (stop-outs excluded) and clears the position. Events for
// other positions are ignored and reported as not matched.
func (m *Machine) OnPositionClosed(ctx context.Context, ev domain.PositionClosedEvent) (*domain.Trade, bool) {
	if m.pos == nil || ev.PositionID != m.pos.ID {
		m.logger.Debug(ctx, "Ignoring close event for unmanaged position", map[string]interface{}{
			"label": m.label, "positionID": ev.PositionID,
		})
		return nil, false
	}

	reason := ev.CloseReason
	if reason == "" {
		reason = m.closeReason
	}
	if reason == "" {
		reason = domain.CloseReasonUnknown
	}
	counted := m.daily.RecordPositionClosed(ev.NetProfit, reason.IsStopOut())
	if !m.closeSent {
		m.metrics.PositionExit(m.label, reason)
	}

	trade := &domain.Trade{
		PositionID:   m.pos.ID,
		Symbol:       m.label,
		Direction:    m.pos.Direction,
		EntryPrice:   m.pos.EntryPrice,
		Volume:       ev.VolumeClosed,
		NetProfit:    ev.NetProfit,
		Pips:         ev.Pips,
		EntryTime:    m.pos.EntryTime,
		ExitTime:     ev.ClosedAt,
		CloseReason:  reason,
		CountedDaily: counted,
	}
	if trade.Volume == 0 {
		trade.Volume = m.pos.CurrentVolume
	}

	m.logger.Info(ctx, "Position closed", map[string]interface{}{
		"label": m.label, "positionID": m.pos.ID, "netProfit": ev.NetProfit, "reason": reason, "countedDaily": counted,
	})
	m.reset()
	if m.repo != nil {
		if err := m.repo.DeleteOpen(ctx, m.label); err != nil {
			m.logger.Error(ctx, err, "Failed to delete persisted position", map[string]interface{}{"label": m.label})
		}
	}
	return trade, true
}

// Restore adopts an open position persisted before a restart. A position missing its
// stop or take profit is closed.
func (m *Machine) Restore(ctx context.Context, pos domain.ManagedPosition) error {
	if m.state != domain.StateFlat {
		return ErrPositionActive
	}
	if pos.Label != m.label {
		return fmt.Errorf("position label %q does not match machine label %q", pos.Label, m.label)
	}
	p := pos
	m.pos = &p
	m.state = domain.StateOpen
	m.hasOscillator = false
	m.logger.Info(ctx, "Managed position restored", map[string]interface{}{"label": m.label, "positionID": pos.ID})
	if p.CurrentStopLoss == 0 || p.CurrentTakeProfit == 0 {
		// Left unprotected by a failed entry; the close is retried on updates if rejected.
		if err := m.requestClose(ctx, domain.CloseReasonProtectionFailed); err != nil {
			m.logger.Error(ctx, err, "Restored position is unprotected and could not be closed", map[string]interface{}{"label": m.label})
		}
	}
	return nil
}

func (m *Machine) reset() {
	m.pos = nil
	m.state = domain.StateFlat
	m.closeReason = ""
	m.closeSent = false
}

func (m *Machine) save(ctx context.Context) {
	if m.repo == nil || m.pos == nil {
		return
	}
	if err := m.repo.SaveOpen(ctx, m.pos); err != nil {
		m.logger.Error(ctx, err, "Failed to persist managed position", map[string]interface{}{"label": m.label})
	}
}

func sizingReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrInvalidStop):
		return "invalid_stop"
	case errors.Is(err, risk.ErrInvalidPipValue):
		return "invalid_pip_value"
	case errors.Is(err, risk.ErrInvalidRiskPerUnit):
		return "invalid_risk_per_unit"
	case errors.Is(err, risk.ErrBelowMinimumVolume):
		return "below_minimum_volume"
	default:
		return "unknown"
	}
}
