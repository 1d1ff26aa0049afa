package app

import (
	"context"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

const defaultBreachBuffer = 16

// Flattener closes every managed position.
type Flattener interface {
	FlattenAll(ctx context.Context, reason domain.CloseReason) int
}

// Supervisor receives risk-breach events from the gate and flattens all positions.
// Events are queued so the gate never calls back into the instrument locks.
type Supervisor struct {
	logger ports.Logger
	events chan domain.RiskBreachEvent
}

// NewSupervisor creates a supervisor with a buffer of the given size (0 uses a default).
func NewSupervisor(logger ports.Logger, buffer int) *Supervisor {
	if buffer <= 0 {
		buffer = defaultBreachBuffer
	}
	return &Supervisor{logger: logger, events: make(chan domain.RiskBreachEvent, buffer)}
}

// NotifyBreach implements ports.BreachNotifier. It never blocks the caller.
func (s *Supervisor) NotifyBreach(ctx context.Context, event domain.RiskBreachEvent) {
	select {
	case s.events <- event:
	default:
		// A flatten is already queued; it covers this breach too.
		s.logger.Warn(ctx, "Breach queue full, event dropped", map[string]interface{}{
			"breachID": event.ID, "reason": event.Reason,
		})
	}
}

// Run flattens every position for each breach until ctx is done.
func (s *Supervisor) Run(ctx context.Context, f Flattener) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ctx, f, ev)
		}
	}
}

// Drain handles every queued breach without blocking. Used by synchronous replays.
func (s *Supervisor) Drain(ctx context.Context, f Flattener) int {
	handled := 0
	for {
		select {
		case ev := <-s.events:
			s.handle(ctx, f, ev)
			handled++
		default:
			return handled
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, f Flattener, ev domain.RiskBreachEvent) {
	n := f.FlattenAll(ctx, domain.CloseReasonRiskBreach)
	s.logger.Warn(ctx, "Risk breach, flattening all positions", map[string]interface{}{
		"breachID":  ev.ID,
		"reason":    ev.Reason,
		"equity":    ev.Equity,
		"drawdown":  ev.Drawdown,
		"positions": n,
	})
}
