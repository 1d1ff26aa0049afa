package analytics

import (
	"math"
	"sort"
	"time"

	"tradeGuard/internal/domain"
)

// PerformanceMetrics summarizes a journal of closed trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	TotalPips          float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64
	FinalBalance       float64
	ReturnOnInvestment float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration
	RecoveryFactor       float64
	Expectancy           float64
	DailyReturns         map[string]float64 // Keyed by exit day, 2006-01-02
	ByReason             map[domain.CloseReason]ReasonStats
	Drawdowns            []Drawdown
	EquityCurve          []EquityPoint
}

// ReasonStats aggregates the trades closed for one reason.
type ReasonStats struct {
	Trades    int
	NetProfit float64
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance calculates performance metrics from trades in exit order.
// The input slice is not modified.
func AnalyzePerformance(trades []*domain.Trade, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance: initialBalance,
		DailyReturns: make(map[string]float64),
		ByReason:     make(map[domain.CloseReason]ReasonStats),
		Drawdowns:    make([]Drawdown, 0),
		EquityCurve:  make([]EquityPoint, 0),
	}
	if len(trades) == 0 {
		return metrics
	}

	ordered := make([]*domain.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})

	currentBalance, peakBalance := initialBalance, initialBalance
	var currentDrawdown *Drawdown
	var grossWin, grossLoss float64
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration

	for _, trade := range ordered {
		metrics.TotalTrades++
		pnl := trade.NetProfit
		if pnl > 0 {
			metrics.WinningTrades++
			grossWin += pnl
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			grossLoss += pnl
			consecutiveLosses++
			consecutiveWins = 0
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, consecutiveWins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, consecutiveLosses)

		currentBalance += pnl
		metrics.TotalProfit += pnl
		metrics.TotalPips += trade.Pips
		metrics.FinalBalance = currentBalance
		metrics.DailyReturns[trade.ExitTime.Format("2006-01-02")] += pnl
		totalDuration += trade.ExitTime.Sub(trade.EntryTime)

		reason := trade.CloseReason
		if reason == "" {
			reason = domain.CloseReasonUnknown
		}
		rs := metrics.ByReason[reason]
		rs.Trades++
		rs.NetProfit += pnl
		metrics.ByReason[reason] = rs

		if currentBalance > peakBalance {
			peakBalance = currentBalance
			if currentDrawdown != nil {
				currentDrawdown.EndTime = trade.ExitTime
				currentDrawdown.EndValue = currentBalance
				currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
				currentDrawdown = nil
			}
		} else if currentBalance < peakBalance {
			drawdown := (peakBalance - currentBalance) / peakBalance
			if currentDrawdown == nil {
				currentDrawdown = &Drawdown{StartTime: trade.ExitTime, StartValue: peakBalance, Depth: drawdown}
			} else {
				currentDrawdown.Depth = math.Max(currentDrawdown.Depth, drawdown)
			}
			metrics.MaxDrawdown = math.Max(metrics.MaxDrawdown, drawdown)
		}

		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     trade.ExitTime,
			Value:    currentBalance,
			Drawdown: (peakBalance - currentBalance) / peakBalance,
		})
	}

	// Close any open drawdown
	if currentDrawdown != nil {
		last := ordered[len(ordered)-1]
		currentDrawdown.EndTime = last.ExitTime
		currentDrawdown.EndValue = currentBalance
		currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
		metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
	}

	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = grossWin / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = grossLoss / float64(metrics.LosingTrades)
	}
	if grossLoss != 0 {
		metrics.ProfitFactor = grossWin / -grossLoss
	}
	if initialBalance > 0 {
		metrics.ReturnOnInvestment = (metrics.FinalBalance - initialBalance) / initialBalance
	}
	if metrics.MaxDrawdown > 0 {
		metrics.RecoveryFactor = metrics.TotalProfit / (initialBalance * metrics.MaxDrawdown)
	}
	metrics.AverageTradeDuration = totalDuration / time.Duration(metrics.TotalTrades)
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss

	return metrics
}

// DailyReturn is the net result of one trading day.
type DailyReturn struct {
	Day    time.Time
	Return float64
}

// GetDailyReturns returns the daily returns sorted by day.
func (m *PerformanceMetrics) GetDailyReturns() []DailyReturn {
	returns := make([]DailyReturn, 0, len(m.DailyReturns))
	for day, profit := range m.DailyReturns {
		date, _ := time.Parse("2006-01-02", day)
		returns = append(returns, DailyReturn{Day: date, Return: profit})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Day.Before(returns[j].Day)
	})
	return returns
}
