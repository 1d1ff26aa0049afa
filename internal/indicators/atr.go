package indicators

import (
	"tradeGuard/internal/domain"
)

// ATR implements the Average True Range with Wilder's smoothing. The first value is
// the plain average of the first Period true ranges; the very first kline contributes
// its high-low range.
type ATR struct {
	BaseIndicator

	prevClose float64
	seedSum   float64
	atr       float64
	seen      int
}

// NewATR creates a new Average True Range indicator instance
func NewATR(period int) (*ATR, error) {
	if err := validPeriod("ATR", period); err != nil {
		return nil, err
	}
	return &ATR{BaseIndicator: BaseIndicator{Config: IndicatorConfig{Period: period}}}, nil
}

// Name returns the name of the indicator
func (a *ATR) Name() string {
	return "ATR"
}

// Update implements Indicator.
func (a *ATR) Update(k *domain.Kline) (float64, bool) {
	period := a.Config.Period
	tr := k.TrueRange(a.prevClose)
	a.prevClose = k.Close
	a.seen++

	switch {
	case a.seen < period:
		a.seedSum += tr
		return 0, false
	case a.seen == period:
		a.atr = (a.seedSum + tr) / float64(period)
	default:
		a.atr = (a.atr*float64(period-1) + tr) / float64(period)
	}
	return a.atr, true
}
