package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client is the exchange API surface the engine depends on. The HTTP client
// and the mock both implement it.
type Client interface {
	// Market data
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)
	GetAll24hTickers(ctx context.Context) ([]Ticker24h, error)

	// Trading. Orders are never auto-retried at the transport level; an
	// ambiguous failure is resolved by looking the order up by client id.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, clientID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Account
	GetBalance(ctx context.Context, asset string) (*AccountBalance, error)
}

// Streamer delivers live mark prices; the exit monitors read from it.
type Streamer interface {
	Subscribe(symbol string) <-chan MarkPrice
	Unsubscribe(symbol string, ch <-chan MarkPrice)
	Latest(symbol string) (decimal.Decimal, bool)
	Start(ctx context.Context) error
	Stop()
}
