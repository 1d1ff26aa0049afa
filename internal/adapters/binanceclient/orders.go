package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

const clientOrderPrefix = "tg"

// trackedPosition is the adapter-side view of a position opened through the engine.
type trackedPosition struct {
	id           string
	symbol       string
	direction    domain.Direction
	volume       float64
	entry        float64
	openedAt     time.Time
	entryOrderID int64
	slOrderID    int64
	tpOrderID    int64
	closeOrders  map[int64]bool // Reduce-only orders sent by the engine
}

// positionID encodes the symbol so a restarted process can re-adopt the position.
func positionID(symbol, clientOrderID string) string {
	return symbol + ":" + clientOrderID
}

func parsePositionID(id string) (symbol string, ok bool) {
	symbol, _, ok = strings.Cut(id, ":")
	return symbol, ok && symbol != ""
}

func newClientOrderID() string {
	return clientOrderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func sideFor(d domain.Direction) futures.SideType {
	if d == domain.Short {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func (c *Client) formatQuantity(v float64) string {
	return decimal.NewFromFloat(v).Truncate(c.quantityPrecision).StringFixed(c.quantityPrecision)
}

func (c *Client) formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(c.pricePrecision)
}

// classify makes sure err matches sentinel for callers that only know the operation kind.
func classify(err, sentinel error) error {
	if err == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// PlaceMarketOrder implements ports.ExecutionPort. label is the futures symbol.
func (c *Client) PlaceMarketOrder(ctx context.Context, direction domain.Direction, volume float64, label string) (domain.OrderResult, error) {
	op := "PlaceMarketOrder"
	qty := c.formatQuantity(volume)
	if d, _ := decimal.NewFromString(qty); !d.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("%w: volume %f rounds to %s", ports.ErrInvalidRequest, volume, qty)
	}

	cid := newClientOrderID()
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(label).
		Side(sideFor(direction)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewClientOrderID(cid).
		Do(ctx)
	if err != nil {
		return domain.OrderResult{}, classify(c.handleError(ctx, err, op), ports.ErrOrderPlacementFailed)
	}

	entry, _ := strconv.ParseFloat(order.AvgPrice, 64)
	filled, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	if entry == 0 {
		// Market orders may be acknowledged before the fill is reported.
		risk, riskErr := c.positionRisk(ctx, label)
		if riskErr != nil {
			c.logger.Warn(ctx, op+": Could not read entry price from position risk", map[string]interface{}{"symbol": label, "error": riskErr.Error()})
		} else if risk != nil {
			entry = risk.entry
		}
	}
	if filled == 0 {
		filled, _ = strconv.ParseFloat(qty, 64)
	}
	filledAt := time.Now()
	if order.UpdateTime > 0 {
		filledAt = time.UnixMilli(order.UpdateTime)
	}

	p := &trackedPosition{
		id:           positionID(label, cid),
		symbol:       label,
		direction:    direction,
		volume:       filled,
		entry:        entry,
		openedAt:     filledAt,
		entryOrderID: order.OrderID,
		closeOrders:  make(map[int64]bool),
	}
	c.mu.Lock()
	c.positions[p.id] = p
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": label, "direction": direction, "quantity": qty, "orderID": order.OrderID, "avgPrice": entry, "positionID": p.id,
	})
	return domain.OrderResult{PositionID: p.id, EntryPrice: entry, Volume: filled, FilledAt: filledAt}, nil
}

// ModifyStopLoss implements ports.ExecutionPort. The replacement stop is placed
// before the previous one is cancelled so the position is never unprotected.
func (c *Client) ModifyStopLoss(ctx context.Context, positionID string, price float64) error {
	return c.replaceProtective(ctx, "ModifyStopLoss", positionID, futures.OrderTypeStopMarket, price,
		func(p *trackedPosition) *int64 { return &p.slOrderID })
}

// ModifyTakeProfit implements ports.ExecutionPort.
func (c *Client) ModifyTakeProfit(ctx context.Context, positionID string, price float64) error {
	return c.replaceProtective(ctx, "ModifyTakeProfit", positionID, futures.OrderTypeTakeProfitMarket, price,
		func(p *trackedPosition) *int64 { return &p.tpOrderID })
}

func (c *Client) replaceProtective(ctx context.Context, op, positionID string, orderType futures.OrderType, price float64, slot func(p *trackedPosition) *int64) error {
	p, err := c.lookup(ctx, positionID)
	if err != nil {
		return err
	}
	stop := c.formatPrice(price)
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(p.symbol).
		Side(sideFor(p.direction.Opposite())).
		Type(orderType).
		StopPrice(stop).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return classify(c.handleError(ctx, err, op), ports.ErrOrderModifyFailed)
	}

	c.mu.Lock()
	previous := *slot(p)
	*slot(p) = order.OrderID
	c.mu.Unlock()

	c.cancelQuietly(ctx, op, p.symbol, previous)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"positionID": positionID, "stopPrice": stop, "orderID": order.OrderID, "replaced": previous,
	})
	return nil
}

// ModifyVolume implements ports.ExecutionPort. Only reductions are supported; the
// difference is closed with a reduce-only market order.
func (c *Client) ModifyVolume(ctx context.Context, positionID string, newVolume float64) error {
	op := "ModifyVolume"
	p, err := c.lookup(ctx, positionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	current := p.volume
	c.mu.Unlock()

	reduceBy := decimal.NewFromFloat(current).Sub(decimal.NewFromFloat(newVolume))
	if newVolume <= 0 || !reduceBy.IsPositive() {
		return fmt.Errorf("%w: new volume %f must be in (0, %f)", ports.ErrInvalidRequest, newVolume, current)
	}
	qty := c.formatQuantity(reduceBy.InexactFloat64())

	orderID, err := c.reduce(ctx, p, qty)
	if err != nil {
		return classify(c.handleError(ctx, err, op), ports.ErrOrderModifyFailed)
	}
	c.mu.Lock()
	p.volume = newVolume
	p.closeOrders[orderID] = true
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"positionID": positionID, "reducedBy": qty, "orderID": orderID})
	return nil
}

// ClosePosition implements ports.ExecutionPort. The close is confirmed by PollClosed
// once the exchange reports a flat position.
func (c *Client) ClosePosition(ctx context.Context, positionID string) error {
	op := "ClosePosition"
	p, err := c.lookup(ctx, positionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	qty := c.formatQuantity(p.volume)
	c.mu.Unlock()

	orderID, err := c.reduce(ctx, p, qty)
	if err != nil {
		return classify(c.handleError(ctx, err, op), ports.ErrClosePositionFailed)
	}
	c.mu.Lock()
	p.closeOrders[orderID] = true
	c.mu.Unlock()

	c.logger.Info(ctx, op+" submitted", map[string]interface{}{"positionID": positionID, "quantity": qty, "orderID": orderID})
	return nil
}

func (c *Client) reduce(ctx context.Context, p *trackedPosition, qty string) (int64, error) {
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(p.symbol).
		Side(sideFor(p.direction.Opposite())).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(true).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	return order.OrderID, nil
}

func (c *Client) cancelQuietly(ctx context.Context, op, symbol string, orderID int64) {
	if orderID == 0 {
		return
	}
	_, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err == nil {
		return
	}
	err = c.handleError(ctx, err, op+" cancel")
	if !errors.Is(err, ports.ErrOrderNotFound) {
		c.logger.Warn(ctx, op+": Stale protective order left on the exchange", map[string]interface{}{
			"symbol": symbol, "orderID": orderID, "error": err.Error(),
		})
	}
}

// lookup returns the tracked position, adopting it from the exchange when the
// process restarted since the position was opened.
func (c *Client) lookup(ctx context.Context, id string) (*trackedPosition, error) {
	c.mu.Lock()
	p, ok := c.positions[id]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	symbol, ok := parsePositionID(id)
	if !ok {
		return nil, fmt.Errorf("%w: malformed position id %q", ports.ErrPositionNotFound, id)
	}
	risk, err := c.positionRisk(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if risk == nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrPositionNotFound, id)
	}

	p = &trackedPosition{
		id:          id,
		symbol:      symbol,
		direction:   risk.direction,
		volume:      risk.volume,
		entry:       risk.entry,
		closeOrders: make(map[int64]bool),
	}
	c.mu.Lock()
	if existing, ok := c.positions[id]; ok {
		p = existing
	} else {
		c.positions[id] = p
	}
	c.mu.Unlock()
	c.logger.Info(ctx, "Adopted open position from exchange", map[string]interface{}{
		"positionID": id, "direction": p.direction, "volume": p.volume, "entry": p.entry,
	})
	return p, nil
}
