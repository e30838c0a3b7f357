package exchange

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Market categories served by the client. Linear contracts quote in USDT,
// inverse contracts in the base coin.
const (
	MarketLinear  = "linear"
	MarketInverse = "inverse"
)

// Kline intervals used by the scanner and market reader.
const (
	Interval5m  = "5m"
	Interval15m = "15m"
	Interval1h  = "1h"
	Interval1d  = "1d"
)

// Sentinel errors surfaced to callers for decision making.
var (
	ErrRateLimited   = errors.New("exchange: rate limited")
	ErrCircuitOpen   = errors.New("exchange: rate limit circuit open")
	ErrOrderRejected = errors.New("exchange: order rejected")
	ErrOrderNotFound = errors.New("exchange: order not found")
	ErrStale         = errors.New("exchange: market data stale")
)

// Kline is one OHLCV candle. Indicator math runs in float64; only order
// prices and quantities are carried as decimals.
type Kline struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Closed    bool      `json:"closed"`
}

// MarkPrice is the exchange mark price used for PnL and exit decisions.
type MarkPrice struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	FundingRate float64         `json:"funding_rate"`
	Time        time.Time       `json:"time"`
}

// Ticker24h is a 24 hour rolling window statistic for one symbol.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	QuoteVolume        float64 `json:"quote_volume"`
}

// OrderSide maps position side to the order direction that grows it.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderType selects execution style.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest describes one order to place.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // limit orders only
	ReduceOnly bool
	ClientID   string
}

// OrderResult is the normalized fill outcome.
type OrderResult struct {
	ExchangeID string
	Symbol     string
	Side       OrderSide
	FillPrice  decimal.Decimal
	FillQty    decimal.Decimal
	Fee        decimal.Decimal
	FilledAt   time.Time
}

// AccountBalance is the exchange-side wallet snapshot.
type AccountBalance struct {
	Asset            string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
}
