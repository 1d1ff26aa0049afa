package binanceclient

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

// Binance prefixes the client order id of liquidation orders.
const liquidationPrefix = "autoclose-"

type riskSnapshot struct {
	direction domain.Direction
	volume    float64
	entry     float64
}

// positionRisk returns the open one-way position of symbol, or nil if it is flat.
func (c *Client) positionRisk(ctx context.Context, symbol string) (*riskSnapshot, error) {
	op := "GetPositionRisk"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, pos := range positions {
		if pos.Symbol != symbol {
			continue
		}
		amt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(pos.EntryPrice, 64)
		snap := &riskSnapshot{direction: domain.Long, volume: math.Abs(amt), entry: entry}
		if amt < 0 {
			snap.direction = domain.Short
		}
		return snap, nil
	}
	c.logger.Debug(ctx, op+": No open position for symbol", map[string]interface{}{"symbol": symbol})
	return nil, nil
}

// GetAccountSnapshot implements ports.AccountSource. Equity is the margin balance,
// i.e. wallet balance plus unrealized profit.
func (c *Client) GetAccountSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	op := "GetAccountSnapshot"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return domain.AccountSnapshot{}, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset != c.asset {
			continue
		}
		balance, err := strconv.ParseFloat(bal.WalletBalance, 64)
		if err != nil {
			return domain.AccountSnapshot{}, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, c.asset, err), op)
		}
		equity, err := strconv.ParseFloat(bal.MarginBalance, 64)
		if err != nil {
			return domain.AccountSnapshot{}, c.handleError(ctx, fmt.Errorf("could not parse margin balance '%s' for asset %s: %w", bal.MarginBalance, c.asset, err), op)
		}
		return domain.AccountSnapshot{Balance: balance, Equity: equity}, nil
	}

	return domain.AccountSnapshot{}, c.handleError(ctx, fmt.Errorf("%w: asset %s not found in account balance", ports.ErrNotFound, c.asset), op)
}

// PollClosed implements ports.CloseWatcher. Tracked positions whose symbol is flat
// on the exchange are reported once and forgotten.
func (c *Client) PollClosed(ctx context.Context) ([]domain.PositionClosedEvent, error) {
	c.mu.Lock()
	tracked := make([]*trackedPosition, 0, len(c.positions))
	for _, p := range c.positions {
		tracked = append(tracked, p)
	}
	c.mu.Unlock()
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].id < tracked[j].id })

	var events []domain.PositionClosedEvent
	for _, p := range tracked {
		risk, err := c.positionRisk(ctx, p.symbol)
		if err != nil {
			return events, err
		}
		if risk != nil {
			continue
		}
		ev, err := c.closedEvent(ctx, p)
		if err != nil {
			return events, err
		}

		c.mu.Lock()
		delete(c.positions, p.id)
		sl, tp := p.slOrderID, p.tpOrderID
		c.mu.Unlock()
		c.cancelQuietly(ctx, "PollClosed", p.symbol, sl)
		c.cancelQuietly(ctx, "PollClosed", p.symbol, tp)

		c.logger.Info(ctx, "Position closed on exchange", map[string]interface{}{
			"positionID": p.id, "reason": ev.CloseReason, "netProfit": ev.NetProfit, "pips": ev.Pips,
		})
		events = append(events, ev)
	}
	return events, nil
}

// closedEvent builds the close report for p. Net profit covers the order that flattened
// p and every reduce-only order sent before it; pips come from the flattening order.
func (c *Client) closedEvent(ctx context.Context, p *trackedPosition) (domain.PositionClosedEvent, error) {
	op := "ListAccountTrades"
	svc := c.futuresClient.NewListAccountTradeService().Symbol(p.symbol)
	if !p.openedAt.IsZero() {
		svc = svc.StartTime(p.openedAt.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return domain.PositionClosedEvent{}, c.handleError(ctx, err, op)
	}

	c.mu.Lock()
	volume := p.volume
	reductions := make(map[int64]bool, len(p.closeOrders))
	for id := range p.closeOrders {
		reductions[id] = true
	}
	c.mu.Unlock()
	ev := domain.PositionClosedEvent{
		PositionID:   p.id,
		Label:        p.symbol,
		VolumeClosed: volume,
		CloseReason:  domain.CloseReasonUnknown,
		ClosedAt:     time.Now(),
	}
	if len(trades) == 0 {
		return ev, nil
	}

	last := trades[0]
	for _, t := range trades[1:] {
		if t.Time > last.Time {
			last = t
		}
	}

	net := decimal.Zero
	var notional, qty decimal.Decimal
	for _, t := range trades {
		final := t.OrderID == last.OrderID
		if !final && !reductions[t.OrderID] {
			continue
		}
		pnl, _ := decimal.NewFromString(t.RealizedPnl)
		fee, _ := decimal.NewFromString(t.Commission)
		net = net.Add(pnl).Sub(fee)
		if final {
			price, _ := decimal.NewFromString(t.Price)
			q, _ := decimal.NewFromString(t.Quantity)
			notional = notional.Add(price.Mul(q))
			qty = qty.Add(q)
		}
	}
	ev.NetProfit = net.InexactFloat64()
	ev.ClosedAt = time.UnixMilli(last.Time)
	if qty.IsPositive() && p.entry > 0 && c.pipSize > 0 {
		exit := notional.Div(qty).InexactFloat64()
		ev.Pips = (exit - p.entry) * p.direction.Sign() / c.pipSize
	}
	ev.CloseReason = c.closeReason(ctx, p, last.OrderID)
	return ev, nil
}

// closeReason classifies the order that flattened p. An empty reason marks a close
// the engine requested itself.
func (c *Client) closeReason(ctx context.Context, p *trackedPosition, orderID int64) domain.CloseReason {
	c.mu.Lock()
	sl, tp, requested := p.slOrderID, p.tpOrderID, p.closeOrders[orderID]
	c.mu.Unlock()
	switch {
	case orderID == sl:
		return domain.CloseReasonStopLoss
	case orderID == tp:
		return domain.CloseReasonTakeProfit
	case requested:
		return ""
	}

	order, err := c.futuresClient.NewGetOrderService().Symbol(p.symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		c.logger.Warn(ctx, "Could not classify closing order", map[string]interface{}{"orderID": orderID, "error": err.Error()})
		return domain.CloseReasonUnknown
	}
	if strings.HasPrefix(order.ClientOrderID, liquidationPrefix) {
		return domain.CloseReasonStopOut
	}
	return domain.CloseReasonManual
}
