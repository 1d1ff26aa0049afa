package indicators

import (
	"fmt"

	"tradeGuard/internal/domain"
)

// SetConfig are the periods of the indicators the engine consumes.
type SetConfig struct {
	FastMAPeriod int
	SlowMAPeriod int
	ATRPeriod    int
	RSIPeriod    int
}

// Set computes every value carried in domain.IndicatorValues from one kline stream.
type Set struct {
	fast *MovingAverage
	slow *MovingAverage
	atr  *ATR
	rsi  *RSI

	last  domain.IndicatorValues
	ready bool
}

// NewSet validates cfg and creates the indicators.
func NewSet(cfg SetConfig) (*Set, error) {
	if cfg.FastMAPeriod >= cfg.SlowMAPeriod {
		return nil, fmt.Errorf("fast MA period (%d) must be less than slow MA period (%d)", cfg.FastMAPeriod, cfg.SlowMAPeriod)
	}
	fast, err := NewEMA(cfg.FastMAPeriod)
	if err != nil {
		return nil, err
	}
	slow, err := NewEMA(cfg.SlowMAPeriod)
	if err != nil {
		return nil, err
	}
	atr, err := NewATR(cfg.ATRPeriod)
	if err != nil {
		return nil, err
	}
	rsi, err := NewRSI(RSIConfig{IndicatorConfig: IndicatorConfig{Period: cfg.RSIPeriod}})
	if err != nil {
		return nil, err
	}
	return &Set{fast: fast, slow: slow, atr: atr, rsi: rsi}, nil
}

// RequiredDataPoints is the warm-up length of the slowest indicator.
func (s *Set) RequiredDataPoints() int {
	n := 0
	for _, ind := range []Indicator{s.fast, s.slow, s.atr, s.rsi} {
		if r := ind.RequiredDataPoints(); r > n {
			n = r
		}
	}
	return n
}

// Update folds a closed kline into every indicator. The values are usable once all
// indicators are warmed up.
func (s *Set) Update(k *domain.Kline) (domain.IndicatorValues, bool) {
	fast, fastOK := s.fast.Update(k)
	slow, slowOK := s.slow.Update(k)
	atr, atrOK := s.atr.Update(k)
	rsi, rsiOK := s.rsi.Update(k)

	s.last = domain.IndicatorValues{ATR: atr, Oscillator: rsi, FastMA: fast, SlowMA: slow}
	s.ready = fastOK && slowOK && atrOK && rsiOK
	return s.last, s.ready
}

// Last returns the values of the most recent update.
func (s *Set) Last() (domain.IndicatorValues, bool) {
	return s.last, s.ready
}
