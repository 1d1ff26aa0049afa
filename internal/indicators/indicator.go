package indicators

import (
	"fmt"

	"tradeGuard/internal/domain"
)

// Indicator is a technical indicator fed one closed kline at a time.
type Indicator interface {
	// Update folds k into the indicator and returns the latest value and whether
	// enough data has been seen for it to be meaningful.
	Update(k *domain.Kline) (float64, bool)

	// RequiredDataPoints returns the minimum number of klines needed for a value
	RequiredDataPoints() int

	// Name returns the name of the indicator
	Name() string
}

// IndicatorConfig holds common configuration for indicators
type IndicatorConfig struct {
	Period int
}

// BaseIndicator provides common functionality for indicators
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints returns the minimum number of klines needed for calculation
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}

// Calculate feeds klines into a fresh indicator and returns the final value.
func Calculate(ind Indicator, klines []*domain.Kline) (float64, error) {
	if len(klines) < ind.RequiredDataPoints() {
		return 0, fmt.Errorf("not enough data (%d) to calculate %s, need %d", len(klines), ind.Name(), ind.RequiredDataPoints())
	}
	var (
		v     float64
		ready bool
	)
	for _, k := range klines {
		v, ready = ind.Update(k)
	}
	if !ready {
		return 0, fmt.Errorf("%s not ready after %d klines", ind.Name(), len(klines))
	}
	return v, nil
}

func validPeriod(name string, period int) error {
	if period <= 0 {
		return fmt.Errorf("%s period must be positive, got %d", name, period)
	}
	return nil
}
