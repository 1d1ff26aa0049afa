package feed

import (
	"fmt"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/indicators"
)

// Instrument describes the traded symbol as the engine sees it.
type Instrument struct {
	Label         string
	PipSize       float64
	PipValue      float64
	PipValueUnits float64
	Volume        domain.VolumeRules
	SpreadPips    float64 // Synthetic spread applied to kline closes
}

// Builder turns closed klines into market updates carrying indicator values.
// It is not safe for concurrent use.
type Builder struct {
	inst Instrument
	set  *indicators.Set
	bar  int64
}

// NewBuilder creates a builder for one instrument.
func NewBuilder(inst Instrument, periods indicators.SetConfig) (*Builder, error) {
	if inst.Label == "" {
		return nil, fmt.Errorf("instrument label is required")
	}
	if inst.PipSize <= 0 {
		return nil, fmt.Errorf("pip size must be positive, got %f", inst.PipSize)
	}
	set, err := indicators.NewSet(periods)
	if err != nil {
		return nil, err
	}
	return &Builder{inst: inst, set: set}, nil
}

// WarmUp is the number of klines consumed before the first usable update.
func (b *Builder) WarmUp() int { return b.set.RequiredDataPoints() }

// Next folds k into the indicators and returns the update for it. ready is false
// while the indicators are warming up; such updates must not be traded on.
func (b *Builder) Next(k *domain.Kline, account domain.AccountSnapshot) (update domain.MarketUpdate, ready bool) {
	values, ready := b.set.Update(k)
	b.bar++

	ts := k.CloseTime
	if ts.IsZero() {
		ts = k.OpenTime
	}
	spread := b.inst.SpreadPips * b.inst.PipSize
	return domain.MarketUpdate{
		Instrument:    b.inst.Label,
		Timestamp:     ts,
		BarIndex:      b.bar,
		Bid:           k.Close,
		Ask:           k.Close + spread,
		PipSize:       b.inst.PipSize,
		Spread:        spread,
		Balance:       account.Balance,
		Equity:        account.Equity,
		Indicators:    values,
		Volume:        b.inst.Volume,
		PipValue:      b.inst.PipValue,
		PipValueUnits: b.inst.PipValueUnits,
	}, ready
}
