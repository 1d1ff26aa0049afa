package domain

import "time"

// AccountSnapshot is balance and equity at a point in time. Always passed by value.
type AccountSnapshot struct {
	Balance float64
	Equity  float64
}

// IndicatorValues holds the latest indicator readings computed by a collaborator.
type IndicatorValues struct {
	ATR        float64 // Volatility in price units
	Oscillator float64 // Exit oscillator (e.g., RSI)
	FastMA     float64
	SlowMA     float64
}

// VolumeRules are the broker's quantization rules for an instrument.
type VolumeRules struct {
	Min  float64
	Max  float64
	Step float64
}

// MarketUpdate is delivered once per tick/bar for an instrument.
type MarketUpdate struct {
	Instrument string
	Timestamp  time.Time
	BarIndex   int64

	Bid     float64
	Ask     float64
	PipSize float64
	Spread  float64 // In price units; computed from Bid/Ask when zero

	Balance float64
	Equity  float64

	Indicators IndicatorValues

	Volume        VolumeRules
	PipValue      float64 // Account-currency value of one pip for PipValueUnits units
	PipValueUnits float64 // Units PipValue refers to; 0 means 1
}

// Account extracts the account snapshot carried by the update.
func (u MarketUpdate) Account() AccountSnapshot {
	return AccountSnapshot{Balance: u.Balance, Equity: u.Equity}
}

// SpreadInPips returns the quoted spread expressed in pips.
func (u MarketUpdate) SpreadInPips() float64 {
	if u.PipSize <= 0 {
		return 0
	}
	spread := u.Spread
	if spread == 0 {
		spread = u.Ask - u.Bid
	}
	return spread / u.PipSize
}

// OrderResult is the broker acknowledgement of a filled market order.
type OrderResult struct {
	PositionID string
	EntryPrice float64
	Volume     float64
	FilledAt   time.Time
}

// PositionClosedEvent is reported by the broker once a position is fully closed.
type PositionClosedEvent struct {
	PositionID   string
	Label        string
	NetProfit    float64
	Pips         float64
	CloseReason  CloseReason
	VolumeClosed float64
	ClosedAt     time.Time
}

// RiskBreachEvent is emitted when the risk gate halts trading.
type RiskBreachEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
	Equity    float64
	Drawdown  float64
}
