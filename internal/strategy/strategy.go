package strategy

import (
	"context"
	"fmt"
	"sync"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

// Config holds parameters for the entry signal.
type Config struct {
	RSIOverbought float64 // Longs are skipped at or above this oscillator reading, 0 disables
	RSIOversold   float64 // Shorts are skipped at or below this oscillator reading, 0 disables
}

type crossState struct {
	fast, slow float64
	seen       bool
}

// Strategy signals an entry when the fast moving average crosses the slow one.
// It implements ports.SignalSource and keeps the previous averages per instrument.
type Strategy struct {
	cfg    Config
	logger ports.Logger

	mu   sync.Mutex
	prev map[string]crossState
}

// New creates a new Strategy instance.
func New(cfg Config, logger ports.Logger) (*Strategy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.RSIOverbought < 0 || cfg.RSIOverbought > 100 || cfg.RSIOversold < 0 || cfg.RSIOversold > 100 {
		return nil, fmt.Errorf("oscillator thresholds must be within [0, 100]")
	}
	if cfg.RSIOverbought > 0 && cfg.RSIOversold >= cfg.RSIOverbought {
		return nil, fmt.Errorf("oversold threshold must be below overbought threshold")
	}
	return &Strategy{cfg: cfg, logger: logger, prev: make(map[string]crossState)}, nil
}

// EntrySignal implements ports.SignalSource. Every update records the averages, so
// the crossing is always evaluated against the previous bar of the same instrument.
func (s *Strategy) EntrySignal(ctx context.Context, update domain.MarketUpdate) (domain.Direction, bool) {
	ind := update.Indicators
	if ind.FastMA <= 0 || ind.SlowMA <= 0 {
		return "", false
	}

	s.mu.Lock()
	prev := s.prev[update.Instrument]
	s.prev[update.Instrument] = crossState{fast: ind.FastMA, slow: ind.SlowMA, seen: true}
	s.mu.Unlock()
	if !prev.seen {
		return "", false
	}

	var direction domain.Direction
	switch {
	case prev.fast <= prev.slow && ind.FastMA > ind.SlowMA:
		direction = domain.Long
	case prev.fast >= prev.slow && ind.FastMA < ind.SlowMA:
		direction = domain.Short
	default:
		return "", false
	}

	if direction == domain.Long && s.cfg.RSIOverbought > 0 && ind.Oscillator >= s.cfg.RSIOverbought {
		s.logger.Debug(ctx, "Bullish cross ignored, oscillator overbought", map[string]interface{}{
			"instrument": update.Instrument, "oscillator": ind.Oscillator,
		})
		return "", false
	}
	if direction == domain.Short && s.cfg.RSIOversold > 0 && ind.Oscillator <= s.cfg.RSIOversold {
		s.logger.Debug(ctx, "Bearish cross ignored, oscillator oversold", map[string]interface{}{
			"instrument": update.Instrument, "oscillator": ind.Oscillator,
		})
		return "", false
	}

	s.logger.Info(ctx, "Moving average cross, entry signal", map[string]interface{}{
		"instrument": update.Instrument,
		"direction":  direction,
		"fastMA":     ind.FastMA,
		"slowMA":     ind.SlowMA,
		"oscillator": ind.Oscillator,
	})
	return direction, true
}
