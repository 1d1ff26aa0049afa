package ports

import (
	"context"

	"tradeGuard/internal/domain"
)

// ExecutionPort abstracts order actions against the broker.
// Every call is a blocking request/response: it resolves definitively before
// returning and is never retried by the implementation. A non-nil error means
// the broker rejected or could not perform the action.
type ExecutionPort interface {
	// PlaceMarketOrder opens a position of volume units in direction, tagged with label.
	PlaceMarketOrder(ctx context.Context, direction domain.Direction, volume float64, label string) (domain.OrderResult, error)

	// ModifyStopLoss sets the broker-side stop-loss of a position.
	ModifyStopLoss(ctx context.Context, positionID string, price float64) error

	// ModifyTakeProfit sets the broker-side take-profit of a position.
	ModifyTakeProfit(ctx context.Context, positionID string, price float64) error

	// ModifyVolume reduces (or changes) the open volume of a position.
	ModifyVolume(ctx context.Context, positionID string, newVolume float64) error

	// ClosePosition requests a full close. Completion is confirmed later through a
	// domain.PositionClosedEvent.
	ClosePosition(ctx context.Context, positionID string) error
}

// MarketStream delivers candlesticks for an instrument.
type MarketStream interface {
	// GetKlines retrieves historical klines used to warm up indicators.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error)

	// StreamKlines starts a kline stream. It returns doneCh, closed when the stream
	// stops for good, and stopCh, used by the caller to stop it.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// AccountSource reports the current account balance and equity.
type AccountSource interface {
	GetAccountSnapshot(ctx context.Context) (domain.AccountSnapshot, error)
}

// CloseWatcher reports positions the broker has closed since the last call
// (stop-loss/take-profit fills, liquidations, confirmed close requests).
type CloseWatcher interface {
	PollClosed(ctx context.Context) ([]domain.PositionClosedEvent, error)
}
