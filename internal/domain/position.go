package domain

import "time"

// ManagedPosition is the single tracked position for an instrument label.
type ManagedPosition struct {
	ID        string    // Broker position identifier
	Label     string    // Instrument label the engine manages the position under
	Direction Direction // LONG or SHORT

	EntryPrice          float64 // Filled entry price
	InitialStopDistance float64 // Stop distance in price units at entry
	InitialStopLoss     float64
	InitialTakeProfit   float64
	CurrentStopLoss     float64 // Latest stop acknowledged by the broker
	CurrentTakeProfit   float64

	// Monotonic while the position is open: false -> true only.
	BreakevenApplied bool
	PartialTaken     bool

	EntryTime     time.Time
	EntryBarIndex int64
	CurrentVolume float64
	PipSize       float64
}

// UnrealizedDistance returns the favorable price move since entry, in price units,
// measured on the side the position would be closed at (bid for longs, ask for shorts).
func (p *ManagedPosition) UnrealizedDistance(bid, ask float64) float64 {
	if p.Direction == Short {
		return p.EntryPrice - ask
	}
	return bid - p.EntryPrice
}

// IsMoreFavorableStop reports whether candidate locks in more than the current stop.
func (p *ManagedPosition) IsMoreFavorableStop(candidate float64) bool {
	if p.Direction == Short {
		return p.CurrentStopLoss == 0 || candidate < p.CurrentStopLoss
	}
	return candidate > p.CurrentStopLoss
}
