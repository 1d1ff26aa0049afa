package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeGuard/config"
	"tradeGuard/internal/domain"
)

// Mock implementations
type mockLogger struct {
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockExecution struct {
	orders []domain.Direction
	closes []string
	nextID int

	onOrder  func(label string) // Runs before the order fills
	orderErr error
}

func (m *mockExecution) PlaceMarketOrder(ctx context.Context, direction domain.Direction, volume float64, label string) (domain.OrderResult, error) {
	m.orders = append(m.orders, direction)
	if hook := m.onOrder; hook != nil {
		m.onOrder = nil
		hook(label)
	}
	if m.orderErr != nil {
		return domain.OrderResult{}, m.orderErr
	}
	m.nextID++
	return domain.OrderResult{PositionID: fmt.Sprintf("pos-%d", m.nextID), Volume: volume}, nil
}

func (m *mockExecution) ModifyStopLoss(ctx context.Context, positionID string, price float64) error   { return nil }
func (m *mockExecution) ModifyTakeProfit(ctx context.Context, positionID string, price float64) error { return nil }
func (m *mockExecution) ModifyVolume(ctx context.Context, positionID string, newVolume float64) error { return nil }

func (m *mockExecution) ClosePosition(ctx context.Context, positionID string) error {
	m.closes = append(m.closes, positionID)
	return nil
}

type mockSignals struct {
	direction domain.Direction
	fire      bool
	calls     int
}

func (m *mockSignals) EntrySignal(ctx context.Context, update domain.MarketUpdate) (domain.Direction, bool) {
	m.calls++
	return m.direction, m.fire
}

// memStore keeps risk state, daily counters, open positions and trades in memory.
type memStore struct {
	records []domain.RiskStateRecord
	daily   map[string]domain.DailyCountersSnapshot
	open    map[string]domain.ManagedPosition
	trades  []*domain.Trade

	tradeErr error
}

func newMemStore() *memStore {
	return &memStore{
		daily: make(map[string]domain.DailyCountersSnapshot),
		open:  make(map[string]domain.ManagedPosition),
	}
}

func (m *memStore) SaveRiskState(ctx context.Context, record domain.RiskStateRecord) error {
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) LoadLatestRiskState(ctx context.Context) (domain.RiskStateRecord, error) {
	if len(m.records) == 0 {
		return nil, nil
	}
	return m.records[len(m.records)-1], nil
}

func (m *memStore) SaveDailyCounters(ctx context.Context, snap domain.DailyCountersSnapshot) error {
	m.daily[snap.TradingDay.Format("2006-01-02")] = snap
	return nil
}

func (m *memStore) LoadDailyCounters(ctx context.Context, day time.Time) (*domain.DailyCountersSnapshot, error) {
	snap, ok := m.daily[day.Format("2006-01-02")]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *memStore) SaveOpen(ctx context.Context, pos *domain.ManagedPosition) error {
	m.open[pos.Label] = *pos
	return nil
}

func (m *memStore) FindOpenByLabel(ctx context.Context, label string) (*domain.ManagedPosition, error) {
	pos, ok := m.open[label]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (m *memStore) DeleteOpen(ctx context.Context, label string) error {
	delete(m.open, label)
	return nil
}

func (m *memStore) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	if m.tradeErr != nil {
		return 0, m.tradeErr
	}
	m.trades = append(m.trades, trade)
	return int64(len(m.trades)), nil
}

func (m *memStore) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	return m.trades, nil
}

const pip = 0.0001

var now = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Symbol:                 "EURUSD",
		DailyLossLimit:         -0.01,
		DrawdownLimit:          -0.02,
		MaxConcurrentPositions: 1,
		Timezone:               "UTC",
		Location:               time.UTC,
		MaxTradesPerDay:        5,
		DailyMaxLoss:           0.02,
		RiskPerTrade:           0.004,
		RewardRisk:             2,
		MaxSpreadPips:          3,
		SessionStartHour:       7,
		SessionEndHour:         20,
		ATRStopMultiplier:      2,
		MinStopPips:            20,
		BreakevenMultiplier:    0.8,
		BreakevenPaddingPips:   1,
		PartialMultiplier:      1.5,
		PartialPercent:         40,
		ExitLongOscillator:     70,
		ExitShortOscillator:    30,
	}
}

// update builds a one-pip-spread EURUSD update at t.
func update(t time.Time, bar int64, equity float64) domain.MarketUpdate {
	return domain.MarketUpdate{
		Instrument:    "EURUSD",
		Timestamp:     t,
		BarIndex:      bar,
		Bid:           1.1000,
		Ask:           1.1001,
		PipSize:       pip,
		Balance:       10000,
		Equity:        equity,
		Indicators:    domain.IndicatorValues{ATR: 0.0005, Oscillator: 50},
		Volume:        domain.VolumeRules{Min: 1000, Max: 100000, Step: 100},
		PipValue:      1,
		PipValueUnits: 1000,
	}
}

type fixture struct {
	svc     *TradingService
	exec    *mockExecution
	signals *mockSignals
	store   *memStore
	sup     *Supervisor
	logger  *mockLogger
}

func newFixture(t *testing.T, cfg *config.Config, store *memStore) *fixture {
	t.Helper()
	f := &fixture{
		exec:    &mockExecution{},
		signals: &mockSignals{direction: domain.Long, fire: true},
		store:   store,
		logger:  &mockLogger{},
	}
	f.sup = NewSupervisor(f.logger, 0)
	svc, err := NewTradingService(cfg, Dependencies{
		Logger:    f.logger,
		Execution: f.exec,
		Signals:   f.signals,
		Notifier:  f.sup,
		RiskStore: store,
		Positions: store,
		Trades:    store,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Initialize(context.Background(), domain.AccountSnapshot{Balance: 10000, Equity: 10000}))
}

func TestNewTradingService(t *testing.T) {
	invalidGate := testConfig()
	invalidGate.MaxConcurrentPositions = 0
	invalidLifecycle := testConfig()
	invalidLifecycle.RiskPerTrade = 0

	tests := []struct {
		name    string
		cfg     *config.Config
		deps    Dependencies
		wantErr bool
	}{
		{"valid configuration", testConfig(), Dependencies{Logger: &mockLogger{}, Execution: &mockExecution{}, Signals: &mockSignals{}}, false},
		{"nil config", nil, Dependencies{Logger: &mockLogger{}, Execution: &mockExecution{}, Signals: &mockSignals{}}, true},
		{"missing execution", testConfig(), Dependencies{Logger: &mockLogger{}, Signals: &mockSignals{}}, true},
		{"invalid gate limits", invalidGate, Dependencies{Logger: &mockLogger{}, Execution: &mockExecution{}, Signals: &mockSignals{}}, true},
		{"invalid risk fraction", invalidLifecycle, Dependencies{Logger: &mockLogger{}, Execution: &mockExecution{}, Signals: &mockSignals{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewTradingService(tt.cfg, tt.deps)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"EURUSD"}, svc.Labels())
		})
	}
}

func TestTradingService_EntryFlow(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.init(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))

	require.Equal(t, []domain.Direction{domain.Long}, f.exec.orders)
	assert.Equal(t, 1, f.svc.OpenPositions())
	pos, state, ok := f.svc.Position("EURUSD")
	require.True(t, ok)
	assert.Equal(t, domain.StateOpen, state)
	assert.Equal(t, 2000.0, pos.CurrentVolume)
	assert.Equal(t, 1.1001, pos.EntryPrice, "zero fill price falls back to the ask")

	assert.Equal(t, 1, f.svc.Daily().Snapshot().TradesExecutedToday)
	assert.Equal(t, 1, f.store.daily["2024-03-04"].TradesExecutedToday)
	assert.Contains(t, f.store.open, "EURUSD")

	// An open position is managed, never re-entered.
	require.NoError(t, f.svc.HandleUpdate(ctx, update(now.Add(time.Minute), 2, 10000)))
	assert.Len(t, f.exec.orders, 1)
	assert.Equal(t, 1, f.signals.calls)
}

func TestTradingService_EntryBlocked(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(cfg *config.Config, store *memStore)
		update func() domain.MarketUpdate
	}{
		{
			name:   "outside session window",
			update: func() domain.MarketUpdate { return update(now.Add(-4*time.Hour), 1, 10000) },
		},
		{
			name:   "at session end hour",
			update: func() domain.MarketUpdate { return update(now.Add(10*time.Hour), 1, 10000) },
		},
		{
			name: "spread too wide",
			update: func() domain.MarketUpdate {
				u := update(now, 1, 10000)
				u.Ask = u.Bid + 5*pip
				return u
			},
		},
		{
			name: "trade count budget restored from store",
			setup: func(cfg *config.Config, store *memStore) {
				cfg.MaxTradesPerDay = 2
				store.daily["2024-03-04"] = domain.DailyCountersSnapshot{TradingDay: now.Truncate(24 * time.Hour), TradesExecutedToday: 2}
			},
			update: func() domain.MarketUpdate { return update(now, 1, 10000) },
		},
		{
			name: "realized loss budget",
			setup: func(cfg *config.Config, store *memStore) {
				store.daily["2024-03-04"] = domain.DailyCountersSnapshot{TradingDay: now.Truncate(24 * time.Hour), RealizedPnLToday: -200}
			},
			update: func() domain.MarketUpdate { return update(now, 1, 10000) },
		},
		{
			name:   "gate halted by the same update",
			update: func() domain.MarketUpdate { return update(now, 1, 9890) },
		},
		{
			name: "halt restored from same-day state",
			setup: func(cfg *config.Config, store *memStore) {
				store.records = append(store.records, domain.NewRiskStateRecord(domain.RiskGateState{
					SessionStartEquity: 10000, EquityPeak: 10000, HaltReason: "drawdown limit breached", UpdatedAt: now.Add(-time.Hour),
				}, cfg.DailyLossLimit, cfg.DrawdownLimit, cfg.MaxConcurrentPositions))
			},
			update: func() domain.MarketUpdate { return update(now, 1, 10000) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			store := newMemStore()
			if tt.setup != nil {
				tt.setup(cfg, store)
			}
			f := newFixture(t, cfg, store)
			f.init(t)

			require.NoError(t, f.svc.HandleUpdate(context.Background(), tt.update()))
			assert.Empty(t, f.exec.orders)
			assert.Zero(t, f.signals.calls, "signal is not evaluated when entry is blocked")
			assert.Equal(t, 0, f.svc.OpenPositions())
		})
	}
}

func TestTradingService_NoSignalNoEntry(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.signals.fire = false
	f.init(t)

	require.NoError(t, f.svc.HandleUpdate(context.Background(), update(now, 1, 10000)))
	assert.Equal(t, 1, f.signals.calls)
	assert.Empty(t, f.exec.orders)
	assert.Equal(t, 0, f.svc.Daily().Snapshot().TradesExecutedToday)
}

func TestTradingService_PreviousDayStateStartsFreshSession(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	store.records = append(store.records, domain.NewRiskStateRecord(domain.RiskGateState{
		SessionStartEquity: 12000, EquityPeak: 12500, HaltReason: "daily loss limit breached", UpdatedAt: now.AddDate(0, 0, -1),
	}, cfg.DailyLossLimit, cfg.DrawdownLimit, cfg.MaxConcurrentPositions))
	f := newFixture(t, cfg, store)
	f.init(t)

	state := f.svc.Gate().State()
	assert.True(t, state.TradingAllowed)
	assert.Equal(t, 10000.0, state.SessionStartEquity)
}

func TestTradingService_BreachFlattensAndJournals(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.init(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))
	require.Equal(t, 1, f.svc.OpenPositions())

	// Equity drops below the 1% daily loss limit.
	require.NoError(t, f.svc.HandleUpdate(ctx, update(now.Add(time.Minute), 2, 9880)))
	assert.False(t, f.svc.Gate().TradingAllowed())
	assert.Empty(t, f.exec.closes, "flatten happens on the supervisor, not inside the update")

	assert.Equal(t, 1, f.sup.Drain(ctx, f.svc))
	require.Equal(t, []string{"pos-1"}, f.exec.closes)
	_, state, _ := f.svc.Position("EURUSD")
	assert.Equal(t, domain.StateClosing, state)

	f.svc.HandlePositionClosed(ctx, domain.PositionClosedEvent{
		PositionID: "pos-1", Label: "EURUSD", NetProfit: -120, Pips: -6, ClosedAt: now.Add(2 * time.Minute),
	})

	assert.Equal(t, 0, f.svc.OpenPositions())
	assert.Equal(t, -120.0, f.svc.Daily().Snapshot().RealizedPnLToday)
	assert.Equal(t, -120.0, f.store.daily["2024-03-04"].RealizedPnLToday)
	require.Len(t, f.store.trades, 1)
	assert.Equal(t, domain.CloseReasonRiskBreach, f.store.trades[0].CloseReason)
	assert.NotContains(t, f.store.open, "EURUSD")

	// Halted for the rest of the day.
	require.NoError(t, f.svc.HandleUpdate(ctx, update(now.Add(3*time.Minute), 3, 9880)))
	assert.Len(t, f.exec.orders, 1)
}

func TestTradingService_StopOutNotCountedButJournaled(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.store.tradeErr = errors.New("disk full")
	f.init(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))
	f.svc.HandlePositionClosed(ctx, domain.PositionClosedEvent{
		PositionID: "pos-1", NetProfit: -500, CloseReason: domain.CloseReasonStopOut, ClosedAt: now.Add(time.Minute),
	})

	assert.Equal(t, 0, f.svc.OpenPositions())
	assert.Zero(t, f.svc.Daily().Snapshot().RealizedPnLToday)
	assert.Contains(t, f.logger.errorMsgs, "Failed to journal closed trade")
}

func TestTradingService_UnmatchedCloseEvent(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.init(t)
	ctx := context.Background()
	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))

	f.svc.HandlePositionClosed(ctx, domain.PositionClosedEvent{PositionID: "other", Label: "EURUSD", NetProfit: 10})

	assert.Equal(t, 1, f.svc.OpenPositions())
	assert.Zero(t, f.svc.Daily().Snapshot().RealizedPnLToday)
	assert.Contains(t, f.logger.warnMsgs, "Close event does not match any managed position")
}

func TestTradingService_DailyRolloverResetsGate(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.signals.fire = false
	f.init(t)
	ctx := context.Background()

	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 9800)))
	require.False(t, f.svc.Gate().TradingAllowed())
	f.sup.Drain(ctx, f.svc)

	f.signals.fire = true
	next := now.AddDate(0, 0, 1)
	require.NoError(t, f.svc.HandleUpdate(ctx, update(next, 2, 10000)))

	state := f.svc.Gate().State()
	assert.True(t, state.TradingAllowed)
	assert.Equal(t, 10000.0, state.SessionStartEquity, "new session starts from the balance")
	assert.Len(t, f.exec.orders, 1)
	assert.Equal(t, 1, f.store.daily["2024-03-05"].TradesExecutedToday)
}

func TestTradingService_RestoresOpenPosition(t *testing.T) {
	store := newMemStore()
	store.open["EURUSD"] = domain.ManagedPosition{
		ID: "restored", Label: "EURUSD", Direction: domain.Short, EntryPrice: 1.1010,
		InitialStopDistance: 0.002, CurrentStopLoss: 1.1030, CurrentTakeProfit: 1.0970,
		EntryTime: now.Add(-time.Hour), CurrentVolume: 2000, PipSize: pip,
	}
	f := newFixture(t, testConfig(), store)
	f.init(t)
	ctx := context.Background()

	assert.Equal(t, 1, f.svc.OpenPositions())
	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))
	assert.Empty(t, f.exec.orders)
	assert.Zero(t, f.signals.calls)

	f.svc.HandlePositionClosed(ctx, domain.PositionClosedEvent{PositionID: "restored", CloseReason: domain.CloseReasonTakeProfit, NetProfit: 80})
	assert.Equal(t, 0, f.svc.OpenPositions())
	require.Len(t, f.store.trades, 1)
	assert.Equal(t, domain.Short, f.store.trades[0].Direction)
}

func TestTradingService_UnknownInstrument(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.init(t)

	u := update(now, 1, 10000)
	u.Instrument = "GBPUSD"
	err := f.svc.HandleUpdate(context.Background(), u)
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	assert.Empty(t, f.exec.orders)
}

func TestSupervisor_NotifyNeverBlocks(t *testing.T) {
	logger := &mockLogger{}
	sup := NewSupervisor(logger, 1)
	ctx := context.Background()

	sup.NotifyBreach(ctx, domain.RiskBreachEvent{ID: "a"})
	sup.NotifyBreach(ctx, domain.RiskBreachEvent{ID: "b"})

	assert.Contains(t, logger.warnMsgs, "Breach queue full, event dropped")
	f := newFixture(t, testConfig(), newMemStore())
	assert.Equal(t, 1, sup.Drain(ctx, f.svc))
}

func TestSupervisor_RunStopsWithContext(t *testing.T) {
	f := newFixture(t, testConfig(), newMemStore())
	f.init(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))

	done := make(chan struct{})
	go func() {
		f.sup.Run(ctx, f.svc)
		close(done)
	}()

	f.sup.NotifyBreach(ctx, domain.RiskBreachEvent{ID: "x"})
	require.Eventually(t, func() bool {
		_, state, _ := f.svc.Position("EURUSD")
		return state == domain.StateClosing
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestTradingService_EntriesOnOtherLabelsShareThePositionLimit(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	exec := &mockExecution{}
	svc, err := NewTradingService(testConfig(), Dependencies{
		Logger:    &mockLogger{},
		Execution: exec,
		Signals:   &mockSignals{direction: domain.Long, fire: true},
		Positions: store,
		Trades:    store,
		Now:       func() time.Time { return now },
	}, "EURUSD", "GBPUSD")
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(ctx, domain.AccountSnapshot{Balance: 10000, Equity: 10000}))

	// GBPUSD is evaluated while the EURUSD order is still in flight.
	gbp := update(now, 1, 10000)
	gbp.Instrument = "GBPUSD"
	exec.onOrder = func(label string) {
		require.NoError(t, svc.HandleUpdate(ctx, gbp))
	}

	require.NoError(t, svc.HandleUpdate(ctx, update(now, 1, 10000)))
	assert.Len(t, exec.orders, 1, "one slot allows one entry")
	assert.Equal(t, 1, svc.OpenPositions())
	assert.Contains(t, store.open, "EURUSD")
	assert.NotContains(t, store.open, "GBPUSD")
}

func TestTradingService_FailedEntryReleasesSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), newMemStore())
	f.init(t)
	f.exec.orderErr = errors.New("insufficient margin")

	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 1, 10000)))
	assert.Equal(t, 0, f.svc.OpenPositions())

	f.exec.orderErr = nil
	require.NoError(t, f.svc.HandleUpdate(ctx, update(now, 2, 10000)))
	assert.Len(t, f.exec.orders, 2)
	assert.Equal(t, 1, f.svc.OpenPositions())
}
