package broker

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
)

// RetryConfig controls the exponential-backoff retry policy spec.md §4.1
// requires: up to 3 retries at 1s, 2s, 4s.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// DefaultRetryConfig matches spec.md §4.1's 1s/2s/4s backoff schedule.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     4 * time.Second,
	CallTimeout:    10 * time.Second,
}

// Client wraps an RPC with retry/backoff, auth-token refresh, and logging.
// It is the sole implementation of the Broker Gateway (C1) surface other
// components depend on.
type Client struct {
	logger *zap.Logger
	rpc    RPC
	tokens TokenStore
	retry  RetryConfig

	tokenMu      sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	refreshing   chan struct{} // non-nil while a refresh is in flight
}

// NewClient constructs a retrying, token-refreshing broker gateway client.
func NewClient(logger *zap.Logger, rpc RPC, tokens TokenStore, retry RetryConfig) (*Client, error) {
	c := &Client{logger: logger, rpc: rpc, tokens: tokens, retry: retry}
	if access, refresh, expires, err := tokens.LoadToken(); err == nil && access != "" {
		c.accessToken, c.refreshToken, c.expiresAt = access, refresh, expires
	}
	return c, nil
}

// ensureFreshToken proactively refreshes when less than one hour remains,
// serializing concurrent refreshes behind a single in-flight gate so callers
// racing each other wait on the same refresh rather than duplicating it.
func (c *Client) ensureFreshToken(ctx context.Context) error {
	c.tokenMu.Lock()
	needsRefresh := c.accessToken == "" || time.Until(c.expiresAt) < time.Hour
	if !needsRefresh {
		c.tokenMu.Unlock()
		return nil
	}
	if c.refreshing != nil {
		wait := c.refreshing
		c.tokenMu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.refreshing = done
	refreshToken := c.refreshToken
	c.tokenMu.Unlock()

	access, newRefresh, expiresIn, err := c.rpc.RefreshToken(ctx, refreshToken)

	c.tokenMu.Lock()
	close(done)
	c.refreshing = nil
	if err != nil {
		c.tokenMu.Unlock()
		return types.NewAuthExpiredError("token refresh failed", err)
	}
	c.accessToken = access
	c.refreshToken = newRefresh
	c.expiresAt = time.Now().Add(expiresIn)
	c.tokenMu.Unlock()

	if err := c.tokens.SaveToken(access, newRefresh, c.expiresAt); err != nil {
		c.logger.Error("failed to persist refreshed token", zap.Error(err))
	}
	return nil
}

// withRetry runs fn, retrying on transient failures up to retry.MaxRetries
// times with exponential backoff and jitter, per spec.md §4.1. On
// AuthExpired it performs exactly one refresh-and-retry of the original call.
func withRetry[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := c.ensureFreshToken(ctx); err != nil {
		return zero, err
	}

	backoff := c.retry.InitialBackoff
	var lastErr error
	authRetried := false

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.retry.CallTimeout)
		result, err := fn(callCtx)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		if isAuthExpired(err) && !authRetried {
			authRetried = true
			c.tokenMu.Lock()
			c.expiresAt = time.Time{} // force refresh
			c.tokenMu.Unlock()
			if refreshErr := c.ensureFreshToken(ctx); refreshErr != nil {
				return zero, types.NewFatalError("auth refresh exhausted for "+op, refreshErr)
			}
			continue
		}

		if !isTransient(err) || attempt == c.retry.MaxRetries {
			return zero, err
		}

		c.logger.Warn("transient broker error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		backoff *= 2
		if backoff > c.retry.MaxBackoff {
			backoff = c.retry.MaxBackoff
		}
	}
	return zero, lastErr
}

func jitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	j, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(j.Int64())
}

func isAuthExpired(err error) bool {
	var te *types.TradingError
	return types.AsTradingError(err, &te) && te.Class == types.ErrClassAuthExpired
}

func isTransient(err error) bool {
	var te *types.TradingError
	if types.AsTradingError(err, &te) {
		return te.Class == types.ErrClassTransient
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "connection refused", "connection reset", "temporarily unavailable",
		"rate limit", "429", "502", "503", "504", "no such host", "broken pipe", "eof",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// PlaceOrder places a single-leg order, retrying transient failures. Once an
// order ID is returned the caller owns idempotency for that order.
func (c *Client) PlaceOrder(ctx context.Context, leg types.OptionLeg, limitPrice decimal.Decimal, clientOrderID string) (string, error) {
	return withRetry(ctx, c, "PlaceOrder", func(ctx context.Context) (string, error) {
		return c.rpc.PlaceOrder(ctx, leg, limitPrice, clientOrderID)
	})
}

// GetOrderStatus polls the current status of a previously placed order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (OrderStatusReport, error) {
	return withRetry(ctx, c, "GetOrderStatus", func(ctx context.Context) (OrderStatusReport, error) {
		return c.rpc.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder cancels a resting order; safe to retry since cancellation of
// an already-cancelled order is idempotent at the broker.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := withRetry(ctx, c, "CancelOrder", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.rpc.CancelOrder(ctx, orderID)
	})
	return err
}

// GetLTP returns the last traded price for an instrument.
func (c *Client) GetLTP(ctx context.Context, key types.InstrumentKey) (decimal.Decimal, error) {
	return withRetry(ctx, c, "GetLTP", func(ctx context.Context) (decimal.Decimal, error) {
		return c.rpc.GetLTP(ctx, key)
	})
}

// GetOptionChain returns the full chain for the given expiry.
func (c *Client) GetOptionChain(ctx context.Context, expiry time.Time) ([]types.ChainRow, error) {
	return withRetry(ctx, c, "GetOptionChain", func(ctx context.Context) ([]types.ChainRow, error) {
		return c.rpc.GetOptionChain(ctx, expiry)
	})
}

// GetHistoricalCandles returns daily OHLC history for an instrument.
func (c *Client) GetHistoricalCandles(ctx context.Context, key types.InstrumentKey, interval string, days int) ([]types.Candle, error) {
	return withRetry(ctx, c, "GetHistoricalCandles", func(ctx context.Context) ([]types.Candle, error) {
		return c.rpc.GetHistoricalCandles(ctx, key, interval, days)
	})
}

// RequiredMargin returns the margin required to hold the given legs.
func (c *Client) RequiredMargin(ctx context.Context, legs []types.OptionLeg) (decimal.Decimal, error) {
	return withRetry(ctx, c, "RequiredMargin", func(ctx context.Context) (decimal.Decimal, error) {
		return c.rpc.RequiredMargin(ctx, legs)
	})
}

// AvailableFunds returns funds currently available for new margin.
func (c *Client) AvailableFunds(ctx context.Context) (decimal.Decimal, error) {
	return withRetry(ctx, c, "AvailableFunds", func(ctx context.Context) (decimal.Decimal, error) {
		return c.rpc.AvailableFunds(ctx)
	})
}

// ExitAllPositions is the emergency flatten-everything call.
func (c *Client) ExitAllPositions(ctx context.Context) error {
	_, err := withRetry(ctx, c, "ExitAllPositions", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.rpc.ExitAllPositions(ctx)
	})
	return err
}

// SubscribeGreeks subscribes to a streaming Greeks feed for the given keys.
// This call is not retried: it establishes a long-lived subscription whose
// failure is reported to onUpdate's caller via the returned error only at
// subscribe time.
func (c *Client) SubscribeGreeks(ctx context.Context, keys []types.InstrumentKey, onUpdate func(types.Quote)) error {
	if err := c.ensureFreshToken(ctx); err != nil {
		return err
	}
	return c.rpc.SubscribeGreeks(ctx, keys, onUpdate)
}
