package domain

import "time"

// Trade is the journal record of a closed managed position.
type Trade struct {
	ID           int64       // Unique identifier for the trade (usually from DB)
	PositionID   string      // Broker position identifier
	Symbol       string      // Instrument label
	Direction    Direction   // LONG or SHORT
	EntryPrice   float64     // Price at which the position was entered
	Volume       float64     // Volume closed
	NetProfit    float64     // Net profit in account currency
	Pips         float64     // Result in pips
	EntryTime    time.Time   // Timestamp when the position was entered
	ExitTime     time.Time   // Timestamp when the close was confirmed
	CloseReason  CloseReason // Reason why the position was closed
	CountedDaily bool        // Whether NetProfit was counted into the daily budget
}
