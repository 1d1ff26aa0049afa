package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

// Operation names accepted by InjectFailure.
const (
	OpPlaceOrder       = "place_market_order"
	OpModifyStopLoss   = "modify_stop_loss"
	OpModifyTakeProfit = "modify_take_profit"
	OpModifyVolume     = "modify_volume"
	OpClosePosition    = "close_position"
)

// Config holds the simulated account and instrument economics.
type Config struct {
	Balance       float64
	PipSize       float64
	PipValue      float64 // Account-currency value of one pip for PipValueUnits units
	PipValueUnits float64
	Logger        ports.Logger
}

type position struct {
	id        string
	label     string
	direction domain.Direction
	entry     float64
	volume    float64
	sl, tp    float64
	openedAt  time.Time
	realized  float64 // Result of partial closes so far
}

type quote struct {
	bid, ask float64
}

// Broker is an in-process broker for replays and paper trading. It fills market
// orders at the last quote, triggers stop-loss and take-profit orders against kline
// ranges and reports closed positions through PollClosed.
type Broker struct {
	cfg    Config
	logger ports.Logger

	mu        sync.Mutex
	balance   float64
	positions map[string]*position
	quotes    map[string]quote
	now       time.Time
	closed    []domain.PositionClosedEvent
	failures  map[string][]error
}

// NewBroker creates a paper broker.
func NewBroker(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for paper broker")
	}
	if cfg.Balance <= 0 || cfg.PipSize <= 0 || cfg.PipValue <= 0 {
		return nil, fmt.Errorf("%w: balance, pip size and pip value must be positive", ports.ErrConfigurationError)
	}
	if cfg.PipValueUnits <= 0 {
		cfg.PipValueUnits = 1
	}
	return &Broker{
		cfg:       cfg,
		logger:    cfg.Logger,
		balance:   cfg.Balance,
		positions: make(map[string]*position),
		quotes:    make(map[string]quote),
		failures:  make(map[string][]error),
	}, nil
}

// InjectFailure makes the next calls of op fail with err, one call per error.
func (b *Broker) InjectFailure(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], errs...)
}

func (b *Broker) takeFailure(op string) error {
	queue := b.failures[op]
	if len(queue) == 0 {
		return nil
	}
	b.failures[op] = queue[1:]
	return queue[0]
}

// Mark sets the quote of label from the kline close and triggers protective orders
// hit within the kline's range. Longs trade on the bid, shorts on the ask.
func (b *Broker) Mark(ctx context.Context, label string, k *domain.Kline, spread float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.now = k.CloseTime
	if b.now.IsZero() {
		b.now = k.OpenTime
	}
	b.quotes[label] = quote{bid: k.Close, ask: k.Close + spread}

	for _, id := range b.sortedIDs() {
		p := b.positions[id]
		if p.label != label {
			continue
		}
		low, high := k.Low, k.High
		if p.direction == domain.Short {
			low, high = low+spread, high+spread
		}
		// A bar touching both levels is assumed to hit the stop first.
		switch {
		case p.sl > 0 && p.direction == domain.Long && low <= p.sl:
			b.closeLocked(ctx, p, p.sl, domain.CloseReasonStopLoss)
		case p.sl > 0 && p.direction == domain.Short && high >= p.sl:
			b.closeLocked(ctx, p, p.sl, domain.CloseReasonStopLoss)
		case p.tp > 0 && p.direction == domain.Long && high >= p.tp:
			b.closeLocked(ctx, p, p.tp, domain.CloseReasonTakeProfit)
		case p.tp > 0 && p.direction == domain.Short && low <= p.tp:
			b.closeLocked(ctx, p, p.tp, domain.CloseReasonTakeProfit)
		}
	}
}

// PlaceMarketOrder implements ports.ExecutionPort.
func (b *Broker) PlaceMarketOrder(ctx context.Context, direction domain.Direction, volume float64, label string) (domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpPlaceOrder); err != nil {
		return domain.OrderResult{}, fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	q, ok := b.quotes[label]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("%w: no quote for %s", ports.ErrOrderPlacementFailed, label)
	}
	if volume <= 0 {
		return domain.OrderResult{}, fmt.Errorf("%w: volume must be positive", ports.ErrInvalidRequest)
	}

	price := q.ask
	if direction == domain.Short {
		price = q.bid
	}
	p := &position{
		id:        uuid.NewString(),
		label:     label,
		direction: direction,
		entry:     price,
		volume:    volume,
		openedAt:  b.now,
	}
	b.positions[p.id] = p
	b.logger.Info(ctx, "Paper order filled", map[string]interface{}{
		"positionID": p.id, "label": label, "direction": direction, "volume": volume, "price": price,
	})
	return domain.OrderResult{PositionID: p.id, EntryPrice: price, Volume: volume, FilledAt: b.now}, nil
}

// ModifyStopLoss implements ports.ExecutionPort.
func (b *Broker) ModifyStopLoss(ctx context.Context, positionID string, price float64) error {
	return b.modify(OpModifyStopLoss, positionID, func(p *position) error {
		p.sl = price
		return nil
	})
}

// ModifyTakeProfit implements ports.ExecutionPort.
func (b *Broker) ModifyTakeProfit(ctx context.Context, positionID string, price float64) error {
	return b.modify(OpModifyTakeProfit, positionID, func(p *position) error {
		p.tp = price
		return nil
	})
}

// ModifyVolume implements ports.ExecutionPort. Reducing the volume realizes the
// result of the closed part at the current quote.
func (b *Broker) ModifyVolume(ctx context.Context, positionID string, newVolume float64) error {
	return b.modify(OpModifyVolume, positionID, func(p *position) error {
		if newVolume <= 0 || newVolume >= p.volume {
			return fmt.Errorf("%w: new volume %f must be in (0, %f)", ports.ErrInvalidRequest, newVolume, p.volume)
		}
		exit := b.exitPrice(p)
		realized, _ := b.result(p, exit, p.volume-newVolume)
		b.balance += realized
		p.realized += realized
		p.volume = newVolume
		b.logger.Info(ctx, "Paper position reduced", map[string]interface{}{
			"positionID": p.id, "volume": newVolume, "realized": realized,
		})
		return nil
	})
}

func (b *Broker) modify(op, positionID string, apply func(p *position) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(op); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderModifyFailed, err)
	}
	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrPositionNotFound, positionID)
	}
	return apply(p)
}

// ClosePosition implements ports.ExecutionPort. The close is reported through
// PollClosed without a reason; the engine supplies its own.
func (b *Broker) ClosePosition(ctx context.Context, positionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(OpClosePosition); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrClosePositionFailed, err)
	}
	p, ok := b.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrPositionNotFound, positionID)
	}
	b.closeLocked(ctx, p, b.exitPrice(p), "")
	return nil
}

// PollClosed implements ports.CloseWatcher. Each event is returned once.
func (b *Broker) PollClosed(ctx context.Context) ([]domain.PositionClosedEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.closed
	b.closed = nil
	return events, nil
}

// GetAccountSnapshot implements ports.AccountSource. Equity includes open positions
// valued at the last quote.
func (b *Broker) GetAccountSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), nil
}

func (b *Broker) snapshotLocked() domain.AccountSnapshot {
	equity := b.balance
	for _, p := range b.positions {
		pnl, _ := b.result(p, b.exitPrice(p), p.volume)
		equity += pnl
	}
	return domain.AccountSnapshot{Balance: b.balance, Equity: equity}
}

// OpenPositions returns the number of open paper positions.
func (b *Broker) OpenPositions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

func (b *Broker) closeLocked(ctx context.Context, p *position, exit float64, reason domain.CloseReason) {
	pnl, pips := b.result(p, exit, p.volume)
	b.balance += pnl
	delete(b.positions, p.id)
	// The event covers the whole position, partial closes included.
	net := p.realized + pnl
	b.closed = append(b.closed, domain.PositionClosedEvent{
		PositionID:   p.id,
		Label:        p.label,
		NetProfit:    net,
		Pips:         pips,
		CloseReason:  reason,
		VolumeClosed: p.volume,
		ClosedAt:     b.now,
	})
	b.logger.Info(ctx, "Paper position closed", map[string]interface{}{
		"positionID": p.id, "exit": exit, "netProfit": net, "pips": pips, "reason": reason,
	})
}

// exitPrice is the price p would be closed at: the bid for longs, the ask for shorts.
func (b *Broker) exitPrice(p *position) float64 {
	q := b.quotes[p.label]
	if p.direction == domain.Short {
		return q.ask
	}
	return q.bid
}

func (b *Broker) result(p *position, exit, volume float64) (pnl, pips float64) {
	pips = (exit - p.entry) * p.direction.Sign() / b.cfg.PipSize
	pnl = pips * b.cfg.PipValue * volume / b.cfg.PipValueUnits
	return pnl, pips
}

func (b *Broker) sortedIDs() []string {
	ids := make([]string, 0, len(b.positions))
	for id := range b.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
