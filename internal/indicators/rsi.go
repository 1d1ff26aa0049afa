package indicators

import (
	"tradeGuard/internal/domain"
)

// RSIConfig holds configuration for the RSI indicator
type RSIConfig struct {
	IndicatorConfig
	Overbought float64
	Oversold   float64
}

// RSI implements the Relative Strength Index with Wilder's smoothing.
type RSI struct {
	BaseIndicator
	config RSIConfig

	started   bool
	prevClose float64
	avgGain   float64
	avgLoss   float64
	changes   int
}

// NewRSI creates a new RSI indicator instance
func NewRSI(config RSIConfig) (*RSI, error) {
	if err := validPeriod("RSI", config.Period); err != nil {
		return nil, err
	}
	return &RSI{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}, nil
}

// Name returns the name of the indicator
func (r *RSI) Name() string {
	return "RSI"
}

// RequiredDataPoints is one more than the period: RSI works on price changes.
func (r *RSI) RequiredDataPoints() int {
	return r.Config.Period + 1
}

// Update implements Indicator.
func (r *RSI) Update(k *domain.Kline) (float64, bool) {
	if !r.started {
		// The first close only establishes the reference.
		r.started = true
		r.prevClose = k.Close
		return 0, false
	}

	change := k.Close - r.prevClose
	r.prevClose = k.Close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	period := float64(r.Config.Period)
	r.changes++
	switch {
	case r.changes < r.Config.Period:
		r.avgGain += gain
		r.avgLoss += loss
		return 0, false
	case r.changes == r.Config.Period:
		r.avgGain = (r.avgGain + gain) / period
		r.avgLoss = (r.avgLoss + loss) / period
	default:
		r.avgGain = (r.avgGain*(period-1) + gain) / period
		r.avgLoss = (r.avgLoss*(period-1) + loss) / period
	}
	return r.value(), true
}

func (r *RSI) value() float64 {
	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50 // Neutral if no change
		}
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - (100 / (1 + rs))
}

// IsOverbought checks if the RSI value indicates an overbought condition
func (r *RSI) IsOverbought(value float64) bool {
	return value >= r.config.Overbought
}

// IsOversold checks if the RSI value indicates an oversold condition
func (r *RSI) IsOversold(value float64) bool {
	return value <= r.config.Oversold
}
