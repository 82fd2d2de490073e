// Package broker provides a typed wrapper over the broker RPC (C1), with
// auth-token lifecycle management and retry/backoff on transient failures.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volguard/controlplane/pkg/types"
)

// OrderStatus mirrors the broker's reported order lifecycle state.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderStatusReport is the result of a getOrderStatus call.
type OrderStatusReport struct {
	Status   OrderStatus
	FilledQty int64
	AvgPrice decimal.Decimal
}

// RPC is the typed broker operation set spec.md §4.1 requires. Implementations
// are expected to be thin transport adapters (REST/WS); Client wraps any RPC
// with retry, backoff, and token-refresh policy so callers never see a raw
// transport error.
type RPC interface {
	PlaceOrder(ctx context.Context, leg types.OptionLeg, limitPrice decimal.Decimal, clientOrderID string) (orderID string, err error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatusReport, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetLTP(ctx context.Context, key types.InstrumentKey) (decimal.Decimal, error)
	GetOptionChain(ctx context.Context, expiry time.Time) ([]types.ChainRow, error)
	GetHistoricalCandles(ctx context.Context, key types.InstrumentKey, interval string, days int) ([]types.Candle, error)
	RequiredMargin(ctx context.Context, legs []types.OptionLeg) (decimal.Decimal, error)
	AvailableFunds(ctx context.Context) (decimal.Decimal, error)
	ExitAllPositions(ctx context.Context) error
	SubscribeGreeks(ctx context.Context, keys []types.InstrumentKey, onUpdate func(types.Quote)) error

	// RefreshToken exchanges the refresh token for a new access token pair.
	RefreshToken(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresIn time.Duration, err error)
}

// TokenStore persists the broker session so a restart does not force a
// fresh login.
type TokenStore interface {
	SaveToken(accessToken, refreshToken string, expiresAt time.Time) error
	LoadToken() (accessToken, refreshToken string, expiresAt time.Time, err error)
}
