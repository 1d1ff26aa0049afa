package guards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

// Settings configures the execution guard. Zero values disable the matching guard.
type Settings struct {
	OrdersPerSecond float64
	Burst           int
	BreakerFailures int           // Consecutive failures that open the breaker
	BreakerCooldown time.Duration // Time the breaker stays open before a probe
}

// GuardedExecution wraps an ExecutionPort with a rate limiter and a circuit breaker.
// It never retries: a rejected call is returned to the caller like any other
// execution failure.
type GuardedExecution struct {
	inner   ports.ExecutionPort
	logger  ports.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedExecution builds the decorator around inner.
func NewGuardedExecution(inner ports.ExecutionPort, s Settings, logger ports.Logger) *GuardedExecution {
	g := &GuardedExecution{inner: inner, logger: logger}
	if s.OrdersPerSecond > 0 {
		burst := s.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(s.OrdersPerSecond), burst)
	}
	if s.BreakerFailures > 0 {
		threshold := uint32(s.BreakerFailures)
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "execution",
			MaxRequests: 1,
			Timeout:     s.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "Execution circuit breaker state changed", map[string]interface{}{
					"breaker": name, "from": from.String(), "to": to.String(),
				})
			},
		})
	}
	return g
}

// State reports the breaker state, "disabled" when no breaker is configured.
func (g *GuardedExecution) State() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

func (g *GuardedExecution) run(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ports.ErrRateLimited, op, err)
		}
	}
	if g.breaker == nil {
		return fn()
	}
	res, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s rejected", ports.ErrCircuitOpen, op)
	}
	return res, err
}

func (g *GuardedExecution) PlaceMarketOrder(ctx context.Context, direction domain.Direction, volume float64, label string) (domain.OrderResult, error) {
	res, err := g.run(ctx, "place_market_order", func() (interface{}, error) {
		return g.inner.PlaceMarketOrder(ctx, direction, volume, label)
	})
	if err != nil {
		return domain.OrderResult{}, err
	}
	return res.(domain.OrderResult), nil
}

func (g *GuardedExecution) ModifyStopLoss(ctx context.Context, positionID string, price float64) error {
	_, err := g.run(ctx, "modify_stop_loss", func() (interface{}, error) {
		return nil, g.inner.ModifyStopLoss(ctx, positionID, price)
	})
	return err
}

func (g *GuardedExecution) ModifyTakeProfit(ctx context.Context, positionID string, price float64) error {
	_, err := g.run(ctx, "modify_take_profit", func() (interface{}, error) {
		return nil, g.inner.ModifyTakeProfit(ctx, positionID, price)
	})
	return err
}

func (g *GuardedExecution) ModifyVolume(ctx context.Context, positionID string, newVolume float64) error {
	_, err := g.run(ctx, "modify_volume", func() (interface{}, error) {
		return nil, g.inner.ModifyVolume(ctx, positionID, newVolume)
	})
	return err
}

// ClosePosition is never held back by the breaker: flattening must always reach the broker.
func (g *GuardedExecution) ClosePosition(ctx context.Context, positionID string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: close_position: %v", ports.ErrRateLimited, err)
		}
	}
	return g.inner.ClosePosition(ctx, positionID)
}
