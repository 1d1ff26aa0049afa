package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{})            {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})             {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})             {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {}

type fakeTrade struct {
	orderID int64
	qty     float64
}

// fakeExchange serves the futures REST endpoints the adapter uses for a single symbol.
// Entries fill at 100 and reductions at 105.
type fakeExchange struct {
	mu          sync.Mutex
	nextOrderID int64
	positionAmt string
	closingID   int64 // Set by tests to simulate a fill of a protective order
	fills       []string
	reductions  []fakeTrade
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasSuffix(r.URL.Path, "/order") && r.Method == http.MethodPost:
		f.nextOrderID++
		id := f.nextOrderID
		orderType := r.Form.Get("type")
		f.fills = append(f.fills, orderType)
		if orderType == "MARKET" {
			if r.Form.Get("reduceOnly") == "true" {
				qty, _ := strconv.ParseFloat(r.Form.Get("quantity"), 64)
				amt, _ := strconv.ParseFloat(f.positionAmt, 64)
				f.positionAmt = strconv.FormatFloat(amt-qty, 'f', 3, 64)
				f.reductions = append(f.reductions, fakeTrade{orderID: id, qty: qty})
			} else {
				f.positionAmt = r.Form.Get("quantity")
			}
		}
		fmt.Fprintf(w, `{"orderId":%d,"symbol":"BTCUSDT","clientOrderId":%q,"avgPrice":"100.0","executedQty":%q,"status":"FILLED","updateTime":1700000000000}`,
			id, r.Form.Get("newClientOrderId"), r.Form.Get("quantity"))
	case strings.HasSuffix(r.URL.Path, "/order") && r.Method == http.MethodDelete:
		fmt.Fprintf(w, `{"orderId":%s,"symbol":"BTCUSDT","status":"CANCELED"}`, r.Form.Get("orderId"))
	case strings.HasSuffix(r.URL.Path, "/positionRisk"):
		fmt.Fprintf(w, `[{"symbol":"BTCUSDT","positionAmt":%q,"entryPrice":"100.0","markPrice":"101.0"}]`, f.positionAmt)
	case strings.HasSuffix(r.URL.Path, "/userTrades"):
		trades := []string{`{"orderId":1,"price":"100.0","qty":"0.010","realizedPnl":"0","commission":"0.002","time":1700000000000}`}
		fills := f.reductions
		if f.closingID != 0 {
			fills = append(fills[:len(fills):len(fills)], fakeTrade{orderID: f.closingID, qty: 0.010})
		}
		for i, tr := range fills {
			trades = append(trades, fmt.Sprintf(`{"orderId":%d,"price":"105.0","qty":"%.3f","realizedPnl":"%.4f","commission":"0.002","time":%d}`,
				tr.orderID, tr.qty, 5*tr.qty, 1700000000000+int64(i+1)*60000))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(trades, ","))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, fx *fakeExchange) *Client {
	t.Helper()
	srv := httptest.NewServer(fx)
	t.Cleanup(srv.Close)
	fc := futures.NewClient("key", "secret")
	fc.BaseURL = srv.URL
	return newClient(fc, Config{Logger: nopLogger{}, PipSize: 0.1, QuantityPrecision: 3, PricePrecision: 1})
}

func TestMapAPIError(t *testing.T) {
	tests := []struct {
		code int64
		want error
	}{
		{-1003, ports.ErrRateLimited},
		{-1111, ports.ErrInvalidRequest},
		{-2010, ports.ErrOrderPlacementFailed},
		{-2011, ports.ErrOrderModifyFailed},
		{-2015, ports.ErrAuthenticationFailed},
		{-2019, ports.ErrInsufficientFunds},
		{-4044, ports.ErrPositionNotFound},
		{-9999, ports.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			assert.ErrorIs(t, mapAPIError(tt.code), tt.want)
		})
	}
}

func TestHandleError(t *testing.T) {
	c := newClient(futures.NewClient("", ""), Config{Logger: nopLogger{}})
	ctx := context.Background()

	apiErr := &common.APIError{Code: -2019, Message: "Margin is insufficient."}
	err := c.handleError(ctx, apiErr, "PlaceMarketOrder")
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.ErrorAs(t, err, &apiErr)
	assert.Contains(t, err.Error(), "PlaceMarketOrder failed")

	assert.ErrorIs(t, c.handleError(ctx, context.Canceled, "GetKlines"), ports.ErrContextCanceled)
	assert.ErrorIs(t, c.handleError(ctx, errors.New("dial tcp: connection refused"), "Ping"), ports.ErrConnectionFailed)
	assert.NoError(t, c.handleError(ctx, nil, "Ping"))
}

func TestFormatting(t *testing.T) {
	c := newClient(futures.NewClient("", ""), Config{Logger: nopLogger{}, QuantityPrecision: 3, PricePrecision: 2})
	assert.Equal(t, "0.123", c.formatQuantity(0.12399), "quantities are truncated")
	assert.Equal(t, "1.000", c.formatQuantity(1))
	assert.Equal(t, "101.24", c.formatPrice(101.2351))

	symbol, ok := parsePositionID(positionID("BTCUSDT", newClientOrderID()))
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", symbol)
	_, ok = parsePositionID("no-symbol")
	assert.False(t, ok)
	assert.LessOrEqual(t, len(newClientOrderID()), 36)
}

func TestTranslateBinanceKline(t *testing.T) {
	k, err := translateBinanceKline(&futures.Kline{OpenTime: 1700000000000, CloseTime: 1700000059999, Open: "1", High: "2", Low: "0.5", Close: "1.5", Volume: "10"}, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, 1.5, k.Close)
	assert.True(t, k.IsFinal)
	assert.Equal(t, "BTCUSDT", k.Symbol)

	_, err = translateBinanceKline(&futures.Kline{Open: "x"}, "BTCUSDT", "1m")
	assert.ErrorContains(t, err, "open price")
	_, err = translateWsKline(nil)
	assert.Error(t, err)
}

func TestClient_OrderLifecycle(t *testing.T) {
	fx := &fakeExchange{}
	c := newTestClient(t, fx)
	ctx := context.Background()

	_, err := c.PlaceMarketOrder(ctx, domain.Long, 0.0001, "BTCUSDT")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest, "rounds to zero")

	res, err := c.PlaceMarketOrder(ctx, domain.Long, 0.0104, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.EntryPrice)
	assert.Equal(t, 0.010, res.Volume)
	assert.True(t, strings.HasPrefix(res.PositionID, "BTCUSDT:"))

	require.NoError(t, c.ModifyStopLoss(ctx, res.PositionID, 98.04))
	require.NoError(t, c.ModifyStopLoss(ctx, res.PositionID, 99))
	require.NoError(t, c.ModifyTakeProfit(ctx, res.PositionID, 104))

	events, err := c.PollClosed(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "position still open")

	require.NoError(t, c.ClosePosition(ctx, res.PositionID))
	events, err = c.PollClosed(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, res.PositionID, ev.PositionID)
	assert.Equal(t, "BTCUSDT", ev.Label)
	assert.Empty(t, ev.CloseReason, "engine-requested close carries no reason")
	assert.InDelta(t, 0.048, ev.NetProfit, 1e-9)
	assert.InDelta(t, 50, ev.Pips, 1e-9)

	events, err = c.PollClosed(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "reported once")
	assert.Equal(t, []string{"MARKET", "STOP_MARKET", "STOP_MARKET", "TAKE_PROFIT_MARKET", "MARKET"}, fx.fills)
}

func TestClient_CloseAfterReductionReportsWholePosition(t *testing.T) {
	fx := &fakeExchange{}
	c := newTestClient(t, fx)
	ctx := context.Background()

	res, err := c.PlaceMarketOrder(ctx, domain.Long, 0.010, "BTCUSDT")
	require.NoError(t, err)
	require.NoError(t, c.ModifyVolume(ctx, res.PositionID, 0.006))

	events, err := c.PollClosed(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "reduced, not flat")

	require.NoError(t, c.ClosePosition(ctx, res.PositionID))
	events, err = c.PollClosed(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.InDelta(t, 0.046, ev.NetProfit, 1e-9, "0.02 and 0.03 realized, two fees")
	assert.InDelta(t, 0.006, ev.VolumeClosed, 1e-9)
	assert.InDelta(t, 50, ev.Pips, 1e-9)
	assert.Empty(t, ev.CloseReason)
}

func TestClient_StopLossFillAndAdoption(t *testing.T) {
	fx := &fakeExchange{}
	c := newTestClient(t, fx)
	ctx := context.Background()

	res, err := c.PlaceMarketOrder(ctx, domain.Long, 0.01, "BTCUSDT")
	require.NoError(t, err)

	// A restarted adapter adopts the position from the exchange.
	restarted := newTestClient(t, fx)
	require.NoError(t, restarted.ModifyStopLoss(ctx, res.PositionID, 99))
	assert.ErrorIs(t, restarted.ModifyVolume(ctx, res.PositionID, 0.02), ports.ErrInvalidRequest)

	fx.mu.Lock()
	fx.positionAmt = "0"
	fx.closingID = fx.nextOrderID
	fx.mu.Unlock()

	events, err := restarted.PollClosed(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, events[0].CloseReason)

	_, err = restarted.lookup(ctx, res.PositionID)
	assert.ErrorIs(t, err, ports.ErrPositionNotFound)
}

func TestStreamKlines_ReconnectsAndStops(t *testing.T) {
	original := klineServe
	t.Cleanup(func() { klineServe = original })

	var mu sync.Mutex
	calls := 0
	klineServe = func(symbol, interval string, handler futures.WsKlineHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, nil, errors.New("connection refused")
		}
		done, stop := make(chan struct{}), make(chan struct{})
		go func() {
			handler(&futures.WsKlineEvent{Kline: futures.WsKline{Open: "1", High: "1", Low: "1", Close: "1", Volume: "1", IsFinal: true}})
			<-stop
			close(done)
		}()
		return done, stop, nil
	}

	c := newClient(futures.NewClient("", ""), Config{Logger: nopLogger{}, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3})
	got := make(chan *domain.Kline, 1)
	doneCh, stopCh, err := c.StreamKlines(context.Background(), "BTCUSDT", "1m", func(k *domain.Kline) { got <- k }, func(error) {})
	require.NoError(t, err)

	select {
	case k := <-got:
		assert.True(t, k.IsFinal)
	case <-time.After(2 * time.Second):
		t.Fatal("no kline delivered after reconnect")
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestStreamKlines_GivesUp(t *testing.T) {
	original := klineServe
	t.Cleanup(func() { klineServe = original })
	klineServe = func(string, string, futures.WsKlineHandler, futures.ErrHandler) (chan struct{}, chan struct{}, error) {
		return nil, nil, errors.New("connection refused")
	}

	c := newClient(futures.NewClient("", ""), Config{Logger: nopLogger{}, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 2})
	errs := make(chan error, 4)
	doneCh, _, err := c.StreamKlines(context.Background(), "BTCUSDT", "1m", func(*domain.Kline) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not give up")
	}
	require.NotEmpty(t, errs)
	assert.ErrorContains(t, <-errs, "giving up")
}
