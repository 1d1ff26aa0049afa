package indicators

import (
	"fmt"

	"tradeGuard/internal/domain"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	// SimpleMovingAverage represents a simple moving average
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage represents an exponential moving average
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage implements both SMA and EMA as streaming calculators.
// The EMA is seeded with the SMA of its first Period closes.
type MovingAverage struct {
	BaseIndicator
	config MovingAverageConfig

	window []float64 // Last Period closes (SMA) or the seed closes (EMA)
	sum    float64
	ema    float64
	seen   int
}

// NewMovingAverage creates a new moving average indicator instance
func NewMovingAverage(config MovingAverageConfig) (*MovingAverage, error) {
	if err := validPeriod(string(config.Type), config.Period); err != nil {
		return nil, err
	}
	switch config.Type {
	case SimpleMovingAverage, ExponentialMovingAverage:
	default:
		return nil, fmt.Errorf("unsupported moving average type: %s", config.Type)
	}
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
		window:        make([]float64, 0, config.Period),
	}, nil
}

// NewEMA is shorthand for an exponential moving average of period.
func NewEMA(period int) (*MovingAverage, error) {
	return NewMovingAverage(MovingAverageConfig{IndicatorConfig: IndicatorConfig{Period: period}, Type: ExponentialMovingAverage})
}

// Name returns the name of the indicator
func (m *MovingAverage) Name() string {
	return string(m.config.Type)
}

// Update implements Indicator.
func (m *MovingAverage) Update(k *domain.Kline) (float64, bool) {
	period := m.Config.Period
	m.seen++
	if m.config.Type == ExponentialMovingAverage && m.seen > period {
		multiplier := 2.0 / float64(period+1)
		m.ema = (k.Close-m.ema)*multiplier + m.ema
		return m.ema, true
	}

	m.window = append(m.window, k.Close)
	m.sum += k.Close
	if len(m.window) > period {
		m.sum -= m.window[0]
		m.window = m.window[1:]
	}
	if len(m.window) < period {
		return 0, false
	}
	sma := m.sum / float64(period)
	if m.config.Type == ExponentialMovingAverage {
		m.ema = sma
	}
	return sma, true
}
