package ports

import (
	"context"
	"time"

	"tradeGuard/internal/domain"
)

// RiskStateRepository persists the risk gate and daily counters for crash recovery and audit.
type RiskStateRepository interface {
	// SaveRiskState appends a flat key/value snapshot of the gate.
	SaveRiskState(ctx context.Context, record domain.RiskStateRecord) error
	// LoadLatestRiskState returns the most recent snapshot, or nil, nil if none exists.
	LoadLatestRiskState(ctx context.Context) (domain.RiskStateRecord, error)
	// SaveDailyCounters upserts the counters for their trading day.
	SaveDailyCounters(ctx context.Context, snap domain.DailyCountersSnapshot) error
	// LoadDailyCounters returns the counters stored for day, or nil, nil if none exist.
	LoadDailyCounters(ctx context.Context, day time.Time) (*domain.DailyCountersSnapshot, error)
}

// PositionRepository persists the open managed position of each instrument label.
type PositionRepository interface {
	// SaveOpen upserts the open position for its label.
	SaveOpen(ctx context.Context, pos *domain.ManagedPosition) error
	// FindOpenByLabel returns the open position for label, or nil, nil if none exists.
	FindOpenByLabel(ctx context.Context, label string) (*domain.ManagedPosition, error)
	// DeleteOpen removes the open position stored for label.
	DeleteOpen(ctx context.Context, label string) error
}

// TradeRepository stores completed trades.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
}
