package lifecycle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/risk"
)

// RuleName identifies the management rule that acted on an update.
type RuleName string

const (
	RuleSignalExit  RuleName = "signal_exit"
	RuleTimeExit    RuleName = "time_exit"
	RuleBreakeven   RuleName = "breakeven"
	RulePartialTake RuleName = "partial_take"
	RuleSessionEnd  RuleName = "session_end"
	RuleRetryClose  RuleName = "retry_close"
)

// Outcome describes what Manage did for one update. An empty Rule means nothing fired.
type Outcome struct {
	Rule    RuleName
	Closing bool
	Err     error
}

// rule reports matched once its condition held and it acted (or attempted to).
// At most one rule acts per update, in list order.
type rule struct {
	name  RuleName
	apply func(ctx context.Context, m *Machine, u domain.MarketUpdate) (bool, error)
}

func defaultRules() []rule {
	return []rule{
		{RuleSignalExit, signalExit},
		{RuleTimeExit, timeExit},
		{RuleBreakeven, breakeven},
		{RulePartialTake, partialTake},
		{RuleSessionEnd, sessionEnd},
	}
}

func signalExit(ctx context.Context, m *Machine, u domain.MarketUpdate) (bool, error) {
	if !m.hasOscillator {
		return false, nil
	}
	prev, cur := m.prevOscillator, u.Indicators.Oscillator
	var crossed bool
	switch m.pos.Direction {
	case domain.Long:
		th := m.cfg.ExitLongOscillator
		crossed = th > 0 && prev < th && cur >= th
	case domain.Short:
		th := m.cfg.ExitShortOscillator
		crossed = th > 0 && prev > th && cur <= th
	}
	if !crossed {
		return false, nil
	}
	return true, m.requestClose(ctx, domain.CloseReasonSignalExit)
}

func timeExit(ctx context.Context, m *Machine, u domain.MarketUpdate) (bool, error) {
	if m.cfg.MaxBarsInTrade <= 0 || u.BarIndex-m.pos.EntryBarIndex < int64(m.cfg.MaxBarsInTrade) {
		return false, nil
	}
	return true, m.requestClose(ctx, domain.CloseReasonTimeExit)
}

func breakeven(ctx context.Context, m *Machine, u domain.MarketUpdate) (bool, error) {
	p := m.pos
	if p.BreakevenApplied || m.cfg.BreakevenMultiplier <= 0 {
		return false, nil
	}
	if !reached(p.UnrealizedDistance(u.Bid, u.Ask), p.InitialStopDistance*m.cfg.BreakevenMultiplier, p.PipSize) {
		return false, nil
	}
	newStop := p.EntryPrice + p.Direction.Sign()*m.cfg.BreakevenPaddingPips*p.PipSize
	if !p.IsMoreFavorableStop(newStop) {
		p.BreakevenApplied = true
		m.logger.Debug(ctx, "Breakeven stop not more favorable than current, marking applied", map[string]interface{}{
			"label": m.label, "currentStop": p.CurrentStopLoss, "candidate": newStop,
		})
		m.save(ctx)
		return true, nil
	}
	if err := m.exec.ModifyStopLoss(ctx, p.ID, newStop); err != nil {
		m.metrics.ExecutionFailed("modify_stop_loss")
		return true, fmt.Errorf("breakeven stop: %w", err)
	}
	p.CurrentStopLoss = newStop
	p.BreakevenApplied = true
	m.logger.Info(ctx, "Stop moved to breakeven", map[string]interface{}{
		"label": m.label, "positionID": p.ID, "stopLoss": newStop,
	})
	m.save(ctx)
	return true, nil
}

func partialTake(ctx context.Context, m *Machine, u domain.MarketUpdate) (bool, error) {
	p := m.pos
	if p.PartialTaken || m.cfg.PartialMultiplier <= 0 || m.cfg.PartialPercent <= 0 {
		return false, nil
	}
	if !reached(p.UnrealizedDistance(u.Bid, u.Ask), p.InitialStopDistance*m.cfg.PartialMultiplier, p.PipSize) {
		return false, nil
	}

	step := u.Volume.Step
	if step <= 0 {
		step = 1
	}
	current := decimal.NewFromFloat(p.CurrentVolume)
	toClose := risk.QuantizeDown(current.Mul(decimal.NewFromFloat(m.cfg.PartialPercent)).Div(decimal.NewFromInt(100)), step)
	if !toClose.IsPositive() {
		m.logger.Debug(ctx, "Partial volume rounds to zero, skipping", map[string]interface{}{
			"label": m.label, "volume": p.CurrentVolume, "step": step,
		})
		return false, nil
	}
	remainder := current.Sub(toClose)
	if remainder.LessThan(decimal.NewFromFloat(u.Volume.Min)) {
		return true, m.requestClose(ctx, domain.CloseReasonPartialFullClose)
	}

	newVolume := remainder.InexactFloat64()
	if err := m.exec.ModifyVolume(ctx, p.ID, newVolume); err != nil {
		m.metrics.ExecutionFailed("modify_volume")
		return true, fmt.Errorf("partial take: %w", err)
	}
	p.CurrentVolume = newVolume
	p.PartialTaken = true
	m.logger.Info(ctx, "Partial profit taken", map[string]interface{}{
		"label": m.label, "positionID": p.ID, "closed": toClose.InexactFloat64(), "remaining": newVolume,
	})
	m.save(ctx)
	return true, nil
}

func sessionEnd(ctx context.Context, m *Machine, u domain.MarketUpdate) (bool, error) {
	if !m.cfg.ForceExitAtSessionEnd {
		return false, nil
	}
	hour := u.Timestamp.In(m.cfg.Location).Hour()
	if hour < m.cfg.SessionEndHour || hour >= m.cfg.LateCutoffHour {
		return false, nil
	}
	return true, m.requestClose(ctx, domain.CloseReasonSessionEnd)
}

// reached compares profit against target with a tolerance far below one pip, so
// 16 pips of profit meets a 0.8 x 20 pip target despite float rounding.
func reached(profit, target, pipSize float64) bool {
	eps := pipSize * 1e-6
	if eps <= 0 {
		eps = 1e-12
	}
	return profit >= target-eps
}
