package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"tradeGuard/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client adapts Binance USDⓈ-M futures to the engine ports: ExecutionPort,
// MarketStream, AccountSource and CloseWatcher. The account must run in one-way
// position mode; the engine manages at most one position per symbol.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	asset                string
	pipSize              float64
	quantityPrecision    int32
	pricePrecision       int32
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu        sync.Mutex
	positions map[string]*trackedPosition
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	Asset                string  // Margin asset used for balance and equity, default USDT
	PipSize              float64 // Used to report closed positions in pips; 0 leaves pips unset
	QuantityPrecision    int
	PricePrecision       int
	ReconnectDelay       time.Duration // Initial reconnect delay, doubled per failed attempt
	MaxReconnectAttempts int           // Max consecutive attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.QuantityPrecision < 0 || cfg.PricePrecision < 0 {
		return nil, fmt.Errorf("%w: precisions cannot be negative", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{
		"baseURL": client.BaseURL, "testnet": cfg.UseTestnet,
	})

	return newClient(client, cfg), nil
}

func newClient(fc *futures.Client, cfg Config) *Client {
	asset := cfg.Asset
	if asset == "" {
		asset = "USDT"
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Client{
		futuresClient:        fc,
		logger:               cfg.Logger,
		asset:                asset,
		pipSize:              cfg.PipSize,
		quantityPrecision:    int32(cfg.QuantityPrecision),
		pricePrecision:       int32(cfg.PricePrecision),
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		positions:            make(map[string]*trackedPosition),
	}
}

// apiErrorMapping maps Binance error codes to the engine's error catalogue.
var apiErrorMapping = map[int64]error{
	-1003: ports.ErrRateLimited,          // Too many requests
	-1021: ports.ErrTimeout,              // Timestamp outside of the recvWindow
	-1022: ports.ErrAuthenticationFailed, // Signature not valid
	-2010: ports.ErrOrderPlacementFailed, // New order rejected
	-2011: ports.ErrOrderModifyFailed,    // Cancel rejected
	-2013: ports.ErrOrderNotFound,
	-2014: ports.ErrAuthenticationFailed, // API-key format invalid
	-2015: ports.ErrAuthenticationFailed, // Invalid API-key, IP, or permissions
	-2019: ports.ErrInsufficientFunds,    // Margin is insufficient
	-2021: ports.ErrOrderModifyFailed,    // Stop order would immediately trigger
	-2022: ports.ErrOrderPlacementFailed, // ReduceOnly order rejected
	-3005: ports.ErrInsufficientFunds,
	-3041: ports.ErrInsufficientFunds,
	-4003: ports.ErrInvalidRequest, // Quantity not within permissible range
	-4014: ports.ErrInvalidRequest, // Price not within permissible range
	-4044: ports.ErrPositionNotFound,
	-4047: ports.ErrInsufficientFunds,
}

func mapAPIError(code int64) error {
	if mapped, ok := apiErrorMapping[code]; ok {
		return mapped
	}
	if code <= -1100 && code >= -1199 {
		// Parameter and request format errors
		return ports.ErrInvalidRequest
	}
	return ports.ErrUnknown
}

// handleError translates Binance API errors into standardized ports errors and logs them.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		c.logger.Error(ctx, err, operation+" failed with API error", fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mapAPIError(apiErr.Code), err)
	}

	// Network, context cancellation and adapter-side parsing errors
	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}
