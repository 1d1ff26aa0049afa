package domain

// Direction represents the side of a managed position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the side that offsets d.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Sign returns +1 for long and -1 for short, used to orient price distances.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// LifecycleState is the state of the per-instrument position state machine.
type LifecycleState string

const (
	StateFlat    LifecycleState = "FLAT"
	StateOpening LifecycleState = "OPENING"
	StateOpen    LifecycleState = "OPEN"
	StateClosing LifecycleState = "CLOSING"
)

// CloseReason indicates why a position was (or is being) closed.
type CloseReason string

const (
	CloseReasonStopLoss         CloseReason = "SL"
	CloseReasonTakeProfit       CloseReason = "TP"
	CloseReasonStopOut          CloseReason = "STOP_OUT" // broker-forced liquidation
	CloseReasonSignalExit       CloseReason = "signal exit"
	CloseReasonTimeExit         CloseReason = "time exit"
	CloseReasonSessionEnd       CloseReason = "session end"
	CloseReasonPartialFullClose CloseReason = "partial via full close — remainder below minimum"
	CloseReasonProtectionFailed CloseReason = "protection failed"
	CloseReasonRiskBreach       CloseReason = "risk breach"
	CloseReasonManual           CloseReason = "MANUAL"
	CloseReasonUnknown          CloseReason = "Unknown"
)

// IsStopOut reports whether the close was a broker-forced liquidation.
func (r CloseReason) IsStopOut() bool {
	return r == CloseReasonStopOut
}
