package guards

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{})            {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})             {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})             {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {}

type mockExecution struct {
	mock.Mock
}

func (m *mockExecution) PlaceMarketOrder(ctx context.Context, direction domain.Direction, volume float64, label string) (domain.OrderResult, error) {
	args := m.Called(ctx, direction, volume, label)
	return args.Get(0).(domain.OrderResult), args.Error(1)
}

func (m *mockExecution) ModifyStopLoss(ctx context.Context, positionID string, price float64) error {
	return m.Called(ctx, positionID, price).Error(0)
}

func (m *mockExecution) ModifyTakeProfit(ctx context.Context, positionID string, price float64) error {
	return m.Called(ctx, positionID, price).Error(0)
}

func (m *mockExecution) ModifyVolume(ctx context.Context, positionID string, newVolume float64) error {
	return m.Called(ctx, positionID, newVolume).Error(0)
}

func (m *mockExecution) ClosePosition(ctx context.Context, positionID string) error {
	return m.Called(ctx, positionID).Error(0)
}

var _ ports.ExecutionPort = (*GuardedExecution)(nil)

func TestGuardedExecution_PassThrough(t *testing.T) {
	inner := &mockExecution{}
	want := domain.OrderResult{PositionID: "p1", EntryPrice: 1.1, Volume: 2000}
	inner.On("PlaceMarketOrder", mock.Anything, domain.Long, 2000.0, "EURUSD").Return(want, nil).Once()
	inner.On("ModifyStopLoss", mock.Anything, "p1", 1.098).Return(nil).Once()

	g := NewGuardedExecution(inner, Settings{}, nopLogger{})
	got, err := g.PlaceMarketOrder(context.Background(), domain.Long, 2000, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, g.ModifyStopLoss(context.Background(), "p1", 1.098))
	assert.Equal(t, "disabled", g.State())
	inner.AssertExpectations(t)
}

func TestGuardedExecution_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &mockExecution{}
	boom := errors.New("exchange unavailable")
	inner.On("ModifyVolume", mock.Anything, "p1", 1200.0).Return(boom).Twice()
	inner.On("ClosePosition", mock.Anything, "p1").Return(nil).Once()

	g := NewGuardedExecution(inner, Settings{BreakerFailures: 2, BreakerCooldown: time.Hour}, nopLogger{})
	ctx := context.Background()

	assert.ErrorIs(t, g.ModifyVolume(ctx, "p1", 1200), boom)
	assert.ErrorIs(t, g.ModifyVolume(ctx, "p1", 1200), boom)
	assert.Equal(t, "open", g.State())

	err := g.ModifyVolume(ctx, "p1", 1200)
	assert.ErrorIs(t, err, ports.ErrCircuitOpen)

	// Closing bypasses the open breaker.
	require.NoError(t, g.ClosePosition(ctx, "p1"))
	inner.AssertExpectations(t)
}

func TestGuardedExecution_RateLimitHonorsContext(t *testing.T) {
	inner := &mockExecution{}
	inner.On("ModifyTakeProfit", mock.Anything, "p1", 1.104).Return(nil).Once()

	g := NewGuardedExecution(inner, Settings{OrdersPerSecond: 0.001, Burst: 1}, nopLogger{})
	require.NoError(t, g.ModifyTakeProfit(context.Background(), "p1", 1.104))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.ModifyTakeProfit(ctx, "p1", 1.104)
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	inner.AssertNumberOfCalls(t, "ModifyTakeProfit", 1)
}
