package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradeGuard/config"
	"tradeGuard/internal/domain"
	"tradeGuard/internal/lifecycle"
	"tradeGuard/internal/ports"
	"tradeGuard/internal/risk"
)

var ErrUnknownInstrument = errors.New("instrument is not managed by this service")

// Dependencies are the collaborators of the TradingService. Logger, Execution and
// Signals are required; the repositories and metrics are optional.
type Dependencies struct {
	Logger    ports.Logger
	Execution ports.ExecutionPort
	Signals   ports.SignalSource
	Notifier  ports.BreachNotifier

	RiskStore ports.RiskStateRepository
	Positions ports.PositionRepository
	Trades    ports.TradeRepository
	Metrics   ports.Metrics

	Now func() time.Time
}

type instrument struct {
	mu      sync.Mutex // Serializes every update and event for the label
	machine *lifecycle.Machine
}

// TradingService runs the per-update control flow: daily rollover, risk gate,
// position management and, when flat and permitted, a new entry.
type TradingService struct {
	cfg       *config.Config
	logger    ports.Logger
	signals   ports.SignalSource
	store     ports.RiskStateRepository
	positions ports.PositionRepository
	trades    ports.TradeRepository
	now       func() time.Time

	gate  *risk.Gate
	daily *risk.DailyCounters

	instruments map[string]*instrument // Fixed after construction
	openCount   atomic.Int32
}

// NewTradingService creates the service with one lifecycle machine per label.
func NewTradingService(cfg *config.Config, deps Dependencies, labels ...string) (*TradingService, error) {
	if cfg == nil || deps.Logger == nil || deps.Execution == nil || deps.Signals == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if len(labels) == 0 {
		labels = []string{cfg.Symbol}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	gateOpts := []risk.GateOption{risk.WithGateMetrics(deps.Metrics), risk.WithClock(deps.Now)}
	if deps.RiskStore != nil {
		gateOpts = append(gateOpts, risk.WithStateStore(deps.RiskStore))
	}
	if deps.Notifier != nil {
		gateOpts = append(gateOpts, risk.WithBreachNotifier(deps.Notifier))
	}
	gate, err := risk.NewGate(cfg.Gate(), deps.Logger, gateOpts...)
	if err != nil {
		return nil, err
	}

	s := &TradingService{
		cfg:         cfg,
		logger:      deps.Logger,
		signals:     deps.Signals,
		store:       deps.RiskStore,
		positions:   deps.Positions,
		trades:      deps.Trades,
		now:         deps.Now,
		gate:        gate,
		daily:       risk.NewDailyCounters(loc.String(), deps.Now()),
		instruments: make(map[string]*instrument, len(labels)),
	}

	lcCfg := cfg.Lifecycle()
	lcCfg.Location = loc
	for _, label := range labels {
		opts := []lifecycle.Option{lifecycle.WithMetrics(deps.Metrics)}
		if deps.Positions != nil {
			opts = append(opts, lifecycle.WithPositionRepository(deps.Positions))
		}
		m, err := lifecycle.New(label, lcCfg, deps.Execution, s.daily, deps.Logger, opts...)
		if err != nil {
			return nil, err
		}
		s.instruments[label] = &instrument{machine: m}
	}
	return s, nil
}

// Gate exposes the risk gate, mainly for reporting.
func (s *TradingService) Gate() *risk.Gate { return s.gate }

// Daily exposes the daily risk counters.
func (s *TradingService) Daily() *risk.DailyCounters { return s.daily }

// Labels returns the managed instrument labels in sorted order.
func (s *TradingService) Labels() []string {
	labels := make([]string, 0, len(s.instruments))
	for l := range s.instruments {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// OpenPositions returns the number of labels that are not flat.
func (s *TradingService) OpenPositions() int { return int(s.openCount.Load()) }

// Position returns the managed position of label, if any.
func (s *TradingService) Position(label string) (domain.ManagedPosition, domain.LifecycleState, bool) {
	inst, ok := s.instruments[label]
	if !ok {
		return domain.ManagedPosition{}, "", false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	pos, ok := inst.machine.Position()
	return pos, inst.machine.State(), ok
}

// Initialize prepares the engine for the first update. Persisted daily counters,
// a same-day risk gate state and open positions are restored; otherwise the gate
// starts a fresh session from snap.
func (s *TradingService) Initialize(ctx context.Context, snap domain.AccountSnapshot) error {
	op := "Initialize"
	now := s.now()
	loc := s.daily.Location()
	today := risk.DayOf(now, loc)

	restoredGate := false
	if s.store != nil {
		counters, err := s.store.LoadDailyCounters(ctx, today)
		if err != nil {
			s.logger.Error(ctx, err, op+": Failed to load daily counters, starting from zero")
		} else if counters != nil && s.daily.Restore(*counters) {
			s.logger.Info(ctx, op+": Daily counters restored", map[string]interface{}{
				"tradesToday": counters.TradesExecutedToday, "realizedPnL": counters.RealizedPnLToday,
			})
		}

		record, err := s.store.LoadLatestRiskState(ctx)
		if err != nil {
			s.logger.Error(ctx, err, op+": Failed to load risk state, starting a new session")
		} else if record != nil {
			state, err := record.State()
			switch {
			case err != nil:
				s.logger.Warn(ctx, op+": Ignoring unreadable risk state", map[string]interface{}{"error": err.Error()})
			case risk.DayOf(state.UpdatedAt, loc).Equal(today):
				s.gate.Restore(ctx, state)
				restoredGate = true
			default:
				s.logger.Info(ctx, op+": Persisted risk state is from a previous day, starting a new session")
			}
		}
	}
	if !restoredGate {
		s.gate.Init(ctx, snap)
	}

	for _, label := range s.Labels() {
		inst := s.instruments[label]
		if err := s.restorePosition(ctx, label, inst); err != nil {
			return fmt.Errorf("restore position for %s: %w", label, err)
		}
	}
	s.persistDaily(ctx)
	return nil
}

func (s *TradingService) restorePosition(ctx context.Context, label string, inst *instrument) error {
	if s.positions == nil {
		return nil
	}
	pos, err := s.positions.FindOpenByLabel(ctx, label)
	if err != nil || pos == nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := inst.machine.Restore(ctx, *pos); err != nil {
		return err
	}
	s.openCount.Add(1)
	return nil
}

// HandleUpdate processes one market update for its instrument.
func (s *TradingService) HandleUpdate(ctx context.Context, update domain.MarketUpdate) error {
	inst, ok := s.instruments[update.Instrument]
	if !ok {
		s.logger.Warn(ctx, "Update for unmanaged instrument ignored", map[string]interface{}{"instrument": update.Instrument})
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, update.Instrument)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if s.daily.RolloverIfNewDay(update.Timestamp) {
		s.logger.Info(ctx, "New trading day, counters and risk session reset", map[string]interface{}{
			"day": s.daily.Snapshot().TradingDay.Format("2006-01-02"),
		})
		s.gate.ResetForNewSession(ctx, update.Account())
		s.persistDaily(ctx)
	}

	s.gate.OnEquityUpdate(ctx, update.Account())

	m := inst.machine
	if !m.IsFlat() {
		out := m.Manage(ctx, update)
		if out.Rule != "" {
			s.logger.Debug(ctx, "Management rule fired", map[string]interface{}{
				"instrument": update.Instrument, "rule": out.Rule, "closing": out.Closing,
			})
		}
		return nil
	}

	if reason := s.entryBlocked(update); reason != "" {
		s.logger.Debug(ctx, "Entry not permitted", map[string]interface{}{"instrument": update.Instrument, "reason": reason})
		return nil
	}

	direction, ok := s.signals.EntrySignal(ctx, update)
	if !ok {
		return nil
	}

	if !s.reserveSlot() {
		s.logger.Debug(ctx, "Entry not permitted", map[string]interface{}{"instrument": update.Instrument, "reason": "position limit"})
		return nil
	}
	_, err := m.Enter(ctx, update, direction)
	if m.IsFlat() {
		s.openCount.Add(-1)
	} else {
		s.persistDaily(ctx)
	}
	if err != nil {
		// Sizing rejections and failed orders are part of normal operation.
		s.logger.Warn(ctx, "Entry attempt did not complete", map[string]interface{}{
			"instrument": update.Instrument, "direction": direction, "error": err.Error(),
		})
	}
	return nil
}

// reserveSlot claims a position slot before the order is sent. Labels enter under
// their own locks, so the count must be raised before any of them can see it.
func (s *TradingService) reserveSlot() bool {
	for {
		n := s.openCount.Load()
		if int(n) >= s.cfg.MaxConcurrentPositions {
			return false
		}
		if s.openCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// entryBlocked returns why no new position may be opened, or "" if entry is allowed.
func (s *TradingService) entryBlocked(update domain.MarketUpdate) string {
	if !s.gate.PreTradeCheck(s.OpenPositions()) {
		return "risk gate"
	}
	if s.daily.TradingBudgetExceeded(update.Balance, s.cfg.DailyMaxLoss, s.cfg.MaxTradesPerDay) {
		return "daily budget exhausted"
	}
	hour := update.Timestamp.In(s.daily.Location()).Hour()
	if hour < s.cfg.SessionStartHour || hour >= s.cfg.SessionEndHour {
		return "outside trading session"
	}
	if s.cfg.MaxSpreadPips > 0 && update.SpreadInPips() > s.cfg.MaxSpreadPips {
		return "spread too wide"
	}
	return ""
}

// HandlePositionClosed completes a close reported by the broker and journals the trade.
func (s *TradingService) HandlePositionClosed(ctx context.Context, ev domain.PositionClosedEvent) {
	for _, label := range s.candidates(ev) {
		inst := s.instruments[label]
		inst.mu.Lock()
		trade, ok := inst.machine.OnPositionClosed(ctx, ev)
		inst.mu.Unlock()
		if !ok {
			continue
		}
		s.openCount.Add(-1)
		s.persistDaily(ctx)
		if s.trades != nil {
			if _, err := s.trades.CreateTrade(ctx, trade); err != nil {
				s.logger.Error(ctx, err, "Failed to journal closed trade", map[string]interface{}{"positionID": ev.PositionID})
			}
		}
		return
	}
	s.logger.Warn(ctx, "Close event does not match any managed position", map[string]interface{}{
		"positionID": ev.PositionID, "label": ev.Label,
	})
}

func (s *TradingService) candidates(ev domain.PositionClosedEvent) []string {
	if _, ok := s.instruments[ev.Label]; ok {
		return []string{ev.Label}
	}
	return s.Labels()
}

// FlattenAll requests a close of every open position. Close failures stay pending
// in the machines and are retried on their next update.
func (s *TradingService) FlattenAll(ctx context.Context, reason domain.CloseReason) int {
	requested := 0
	for _, label := range s.Labels() {
		inst := s.instruments[label]
		inst.mu.Lock()
		if !inst.machine.IsFlat() {
			requested++
			if err := inst.machine.ForceClose(ctx, reason); err != nil {
				s.logger.Error(ctx, err, "Flatten close failed, will retry on next update", map[string]interface{}{"label": label})
			}
		}
		inst.mu.Unlock()
	}
	return requested
}

func (s *TradingService) persistDaily(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveDailyCounters(ctx, s.daily.Snapshot()); err != nil {
		s.logger.Error(ctx, err, "Failed to persist daily counters")
	}
}
