package ports

import (
	"context"

	"tradeGuard/internal/domain"
)

// BreachNotifier receives risk-breach events. Implementations must not block the
// caller on position flattening; the gate calls it from inside the update path.
type BreachNotifier interface {
	NotifyBreach(ctx context.Context, event domain.RiskBreachEvent)
}

// SignalSource is the external entry predicate. It returns the direction to enter
// and true when a new position should be opened on this update.
type SignalSource interface {
	EntrySignal(ctx context.Context, update domain.MarketUpdate) (domain.Direction, bool)
}

// Metrics records engine telemetry.
type Metrics interface {
	ObserveAccount(equity, drawdown float64, tradingAllowed bool)
	RiskBreach()
	PositionOpened(instrument string, direction domain.Direction)
	PositionExit(instrument string, reason domain.CloseReason)
	SizingRejected(reason string)
	ExecutionFailed(operation string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveAccount(float64, float64, bool)   {}
func (NopMetrics) RiskBreach()                             {}
func (NopMetrics) PositionOpened(string, domain.Direction) {}
func (NopMetrics) PositionExit(string, domain.CloseReason) {}
func (NopMetrics) SizingRejected(string)                   {}
func (NopMetrics) ExecutionFailed(string)                  {}
