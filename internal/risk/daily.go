package risk

import (
	"sync"
	"time"

	"tradeGuard/internal/domain"
)

// DailyCounters tracks the per-calendar-day trade and realized loss budget.
// The calendar day is evaluated in the configured location.
type DailyCounters struct {
	loc *time.Location

	mu                  sync.Mutex
	tradingDay          time.Time
	tradesExecutedToday int
	realizedPnLToday    float64
	dailyLimitReached   bool
}

// NewDailyCounters creates counters anchored to the day of now in tz.
// An unknown tz falls back to UTC.
func NewDailyCounters(tz string, now time.Time) *DailyCounters {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return &DailyCounters{loc: loc, tradingDay: DayOf(now, loc)}
}

// DayOf returns local midnight of t in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Location returns the time zone the trading day is evaluated in.
func (c *DailyCounters) Location() *time.Location {
	return c.loc
}

// RolloverIfNewDay resets the counters when the calendar day of now differs from the
// tracked day. It is idempotent within a day and reports whether a reset happened.
func (c *DailyCounters) RolloverIfNewDay(now time.Time) bool {
	day := DayOf(now, c.loc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if day.Equal(c.tradingDay) {
		return false
	}
	c.tradingDay = day
	c.tradesExecutedToday = 0
	c.realizedPnLToday = 0
	c.dailyLimitReached = false
	return true
}

// RecordTradeOpened counts an executed entry.
func (c *DailyCounters) RecordTradeOpened() {
	c.mu.Lock()
	c.tradesExecutedToday++
	c.mu.Unlock()
}

// RecordPositionClosed adds netProfit to today's realized PnL. Stop-outs are
// excluded: the broker already enforced that loss. It reports whether the profit
// was counted.
func (c *DailyCounters) RecordPositionClosed(netProfit float64, closeWasStopOut bool) bool {
	if closeWasStopOut {
		return false
	}
	c.mu.Lock()
	c.realizedPnLToday += netProfit
	c.mu.Unlock()
	return true
}

// TradingBudgetExceeded reports whether today's realized loss or trade count has hit
// its cap. A non-positive maxLossFraction or maxTradesPerDay disables that cap.
func (c *DailyCounters) TradingBudgetExceeded(balance, maxLossFraction float64, maxTradesPerDay int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exceeded := (maxLossFraction > 0 && c.realizedPnLToday <= -balance*maxLossFraction) ||
		(maxTradesPerDay > 0 && c.tradesExecutedToday >= maxTradesPerDay)
	if exceeded {
		c.dailyLimitReached = true
	}
	return exceeded
}

// Snapshot returns a copy of the counters.
func (c *DailyCounters) Snapshot() domain.DailyCountersSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.DailyCountersSnapshot{
		TradingDay:          c.tradingDay,
		TradesExecutedToday: c.tradesExecutedToday,
		RealizedPnLToday:    c.realizedPnLToday,
		DailyLimitReached:   c.dailyLimitReached,
	}
}

// Restore loads persisted counters if they belong to the tracked day.
func (c *DailyCounters) Restore(snap domain.DailyCountersSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !DayOf(snap.TradingDay, c.loc).Equal(c.tradingDay) {
		return false
	}
	c.tradesExecutedToday = snap.TradesExecutedToday
	c.realizedPnLToday = snap.RealizedPnLToday
	c.dailyLimitReached = snap.DailyLimitReached
	return true
}
