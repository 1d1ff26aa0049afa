package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"

	"tradeGuard/internal/domain"
)

// klineServe opens one websocket connection; replaced in tests.
var klineServe = futures.WsKlineServe

// GetKlines retrieves the most recent klines for symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	const maxLimit = 1500
	from := start

	for {
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, bk := range klines {
			dk, err := translateBinanceKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			allKlines = append(allKlines, dk)
		}
		from = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}
	return allKlines, nil
}

// StreamKlines implements ports.MarketStream. Dropped connections are re-established
// with exponential backoff until MaxReconnectAttempts consecutive attempts fail, the
// context is cancelled or the caller signals stopCh.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"
	wsCtx, cancelWs := context.WithCancel(ctx)
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}

	binanceHandler := func(event *futures.WsKlineEvent) {
		k, err := translateWsKline(event)
		if err != nil {
			// Translation errors are not connection errors; reconnecting would not help.
			c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket kline event")
			return
		}
		handler(k)
	}
	binanceErrHandler := func(err error) {
		errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		defer close(doneCh)
		defer cancelWs()

		b := &backoff.Backoff{Min: c.reconnectDelay, Max: 60 * c.reconnectDelay, Factor: 2, Jitter: true}
		for wsCtx.Err() == nil {
			c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", fields)
			innerDoneCh, innerStopCh, connectErr := klineServe(symbol, interval, binanceHandler, binanceErrHandler)
			if connectErr != nil {
				c.handleError(wsCtx, connectErr, op+" connection attempt")
				if int(b.Attempt())+1 >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{
						"symbol": symbol, "interval": interval, "maxAttempts": c.maxReconnectAttempts,
					})
					errHandler(fmt.Errorf("%s: giving up after %d attempts: %w", op, c.maxReconnectAttempts, connectErr))
					return
				}
				delay := b.Duration()
				c.logger.Info(wsCtx, op+": Connection failed, retrying...", map[string]interface{}{
					"symbol": symbol, "interval": interval, "attempt": int(b.Attempt()), "delay": delay.String(),
				})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established.", fields)
			b.Reset()

			select {
			case <-innerDoneCh:
				c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
			case <-wsCtx.Done():
				close(innerStopCh)
				<-innerDoneCh
				c.logger.Info(ctx, op+": WebSocket stopped.", fields)
				return
			}
		}
	}()

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	return doneCh, stopCh, nil
}

// --- Translation Helpers ---

type ohlcv struct {
	open, high, low, close, volume string
}

func (s ohlcv) parse() (o, h, l, c, v float64, err error) {
	if o, err = strconv.ParseFloat(s.open, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing open price '%s': %w", s.open, err)
	}
	if h, err = strconv.ParseFloat(s.high, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing high price '%s': %w", s.high, err)
	}
	if l, err = strconv.ParseFloat(s.low, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing low price '%s': %w", s.low, err)
	}
	if c, err = strconv.ParseFloat(s.close, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing close price '%s': %w", s.close, err)
	}
	if v, err = strconv.ParseFloat(s.volume, 64); err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("parsing volume '%s': %w", s.volume, err)
	}
	return o, h, l, c, v, nil
}

func translateWsKline(event *futures.WsKlineEvent) (*domain.Kline, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	o, h, l, cl, v, err := ohlcv{k.Open, k.High, k.Low, k.Close, k.Volume}.parse()
	if err != nil {
		return nil, err
	}
	return &domain.Kline{
		OpenTime:  time.UnixMilli(k.StartTime),
		CloseTime: time.UnixMilli(k.EndTime),
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     cl,
		Volume:    v,
		IsFinal:   k.IsFinal,
	}, nil
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	o, h, l, cl, v, err := ohlcv{bk.Open, bk.High, bk.Low, bk.Close, bk.Volume}.parse()
	if err != nil {
		return nil, err
	}
	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol, // Not part of futures.Kline
		Interval:  interval,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     cl,
		Volume:    v,
		IsFinal:   true,
	}, nil
}
