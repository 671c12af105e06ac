// Package broker defines the capability interface the execution engine talks to.
// Concrete adapters (a live brokerage, the local fill simulator, a historical
// replay broker for backtests) all satisfy the same contract, so the core never
// knows which one it is driving.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// Broker is the external execution venue. Every network call takes a context so
// a stalled venue degrades one call, not the process.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]*Position, error)

	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*OrderAck, error)

	IsMarketOpen(ctx context.Context) (bool, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// FillHandler receives asynchronous fill reports from the broker. Registration is
// optional; brokers without streaming deliver fills through polling in the engine.
type FillHandler func(fill *Fill)

// FillStreamer is implemented by brokers that push fills instead of being polled.
type FillStreamer interface {
	OnFill(handler FillHandler)
}

// Sentinel errors classifying broker failures. The execution engine switches on
// these to decide between retry and terminal rejection.
var (
	ErrConnection        = errors.New("broker connection error")
	ErrAuthentication    = errors.New("broker authentication error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrMarketClosed      = errors.New("market closed")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrOrderNotFound     = errors.New("order not found")
)

// IsRetryable reports whether a placement error is worth retrying with backoff.
// Only connection-level faults are; everything else is terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTerminalOrderError reports whether the order itself is bad and must be
// rejected without retry.
func IsTerminalOrderError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrMarketClosed) ||
		errors.Is(err, ErrSymbolNotFound) ||
		errors.Is(err, ErrAuthentication)
}

// ConnectionError wraps a transport failure so callers keep the cause while
// errors.Is still matches ErrConnection.
func ConnectionError(cause error) error {
	return fmt.Errorf("%w: %v", ErrConnection, cause)
}
