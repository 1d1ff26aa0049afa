package domain

import (
	"math"
	"time"
)

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Symbol    string    // Trading symbol
	Interval  string    // Kline interval (e.g., "1m", "1h")
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool // Whether this kline is the final one for the interval
}

// TrueRange returns the Wilder true range of k given the previous close.
// A non-positive prevClose yields the plain high-low range.
func (k *Kline) TrueRange(prevClose float64) float64 {
	hl := k.High - k.Low
	if prevClose <= 0 {
		return hl
	}
	return math.Max(hl, math.Max(math.Abs(k.High-prevClose), math.Abs(k.Low-prevClose)))
}
