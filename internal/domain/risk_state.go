package domain

import (
	"fmt"
	"strconv"
	"time"
)

// RiskGateState is the process-wide risk gate state.
type RiskGateState struct {
	SessionStartEquity float64
	EquityPeak         float64
	TradingAllowed     bool
	HaltReason         string
	UpdatedAt          time.Time
}

// DailyCountersSnapshot is the persisted form of the daily risk counters.
type DailyCountersSnapshot struct {
	TradingDay          time.Time
	TradesExecutedToday int
	RealizedPnLToday    float64
	DailyLimitReached   bool
}

// Keys of the flat risk state record.
const (
	KeySessionStartEquity = "session_start_equity"
	KeyEquityPeak         = "equity_peak"
	KeyTradingAllowed     = "trading_allowed"
	KeyHaltReason         = "halt_reason"
	KeyUpdatedAt          = "updated_at"
	KeyDailyLossLimit     = "cfg_daily_loss_limit"
	KeyDrawdownLimit      = "cfg_drawdown_limit"
	KeyMaxPositions       = "cfg_max_concurrent_positions"
)

// RiskStateRecord is a flat key/value snapshot of the gate state plus its configuration.
type RiskStateRecord map[string]string

// NewRiskStateRecord flattens the state and the limits it was evaluated against.
func NewRiskStateRecord(s RiskGateState, dailyLossLimit, drawdownLimit float64, maxPositions int) RiskStateRecord {
	return RiskStateRecord{
		KeySessionStartEquity: strconv.FormatFloat(s.SessionStartEquity, 'f', -1, 64),
		KeyEquityPeak:         strconv.FormatFloat(s.EquityPeak, 'f', -1, 64),
		KeyTradingAllowed:     strconv.FormatBool(s.TradingAllowed),
		KeyHaltReason:         s.HaltReason,
		KeyUpdatedAt:          s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		KeyDailyLossLimit:     strconv.FormatFloat(dailyLossLimit, 'f', -1, 64),
		KeyDrawdownLimit:      strconv.FormatFloat(drawdownLimit, 'f', -1, 64),
		KeyMaxPositions:       strconv.Itoa(maxPositions),
	}
}

// State parses the gate fields back out of the record.
func (r RiskStateRecord) State() (RiskGateState, error) {
	var s RiskGateState
	var err error
	if s.SessionStartEquity, err = strconv.ParseFloat(r[KeySessionStartEquity], 64); err != nil {
		return RiskGateState{}, fmt.Errorf("parsing %s: %w", KeySessionStartEquity, err)
	}
	if s.EquityPeak, err = strconv.ParseFloat(r[KeyEquityPeak], 64); err != nil {
		return RiskGateState{}, fmt.Errorf("parsing %s: %w", KeyEquityPeak, err)
	}
	if s.TradingAllowed, err = strconv.ParseBool(r[KeyTradingAllowed]); err != nil {
		return RiskGateState{}, fmt.Errorf("parsing %s: %w", KeyTradingAllowed, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, r[KeyUpdatedAt]); err != nil {
		return RiskGateState{}, fmt.Errorf("parsing %s: %w", KeyUpdatedAt, err)
	}
	s.HaltReason = r[KeyHaltReason]
	return s, nil
}
