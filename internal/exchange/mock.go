package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockClient implements Client for dry-run mode and tests. Prices come from
// a provider function so tests can script them, and every order fills
// immediately at the provided price.
type MockClient struct {
	mu            sync.RWMutex
	balance       decimal.Decimal
	leverage      map[string]int
	orders        []OrderRequest
	results       map[string]*OrderResult // key: client order id
	klines        map[string][]Kline      // key: symbol+":"+interval
	tickers       []Ticker24h
	nextOrderID   int64
	priceProvider func(symbol string) (decimal.Decimal, error)

	// FailNextOrders makes the next N PlaceOrder calls fail, for retry tests.
	FailNextOrders int

	// AmbiguousNextOrders makes the next N PlaceOrder calls fill on the
	// exchange side but return a transport error, for ambiguity tests.
	AmbiguousNextOrders int
}

// NewMockClient creates a mock with an initial balance.
func NewMockClient(initialBalance decimal.Decimal, priceProvider func(symbol string) (decimal.Decimal, error)) *MockClient {
	return &MockClient{
		balance:       initialBalance,
		leverage:      make(map[string]int),
		results:       make(map[string]*OrderResult),
		klines:        make(map[string][]Kline),
		nextOrderID:   1000,
		priceProvider: priceProvider,
	}
}

// SetKlines scripts the candles returned for (symbol, interval).
func (c *MockClient) SetKlines(symbol, interval string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[symbol+":"+interval] = klines
}

// SetTickers scripts the 24h ticker response.
func (c *MockClient) SetTickers(tickers []Ticker24h) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers = tickers
}

// Orders returns every order placed so far.
func (c *MockClient) Orders() []OrderRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]OrderRequest(nil), c.orders...)
}

func (c *MockClient) GetKlines(_ context.Context, symbol, interval string, limit int) ([]Kline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	klines, ok := c.klines[symbol+":"+interval]
	if !ok {
		return nil, fmt.Errorf("no klines scripted for %s %s", symbol, interval)
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return append([]Kline(nil), klines...), nil
}

func (c *MockClient) GetMarkPrice(_ context.Context, symbol string) (*MarkPrice, error) {
	price, err := c.priceProvider(symbol)
	if err != nil {
		return nil, err
	}
	return &MarkPrice{Symbol: symbol, Price: price, Time: time.Now()}, nil
}

func (c *MockClient) GetAll24hTickers(_ context.Context) ([]Ticker24h, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Ticker24h(nil), c.tickers...), nil
}

func (c *MockClient) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	c.mu.Lock()
	if c.FailNextOrders > 0 {
		c.FailNextOrders--
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: scripted failure", ErrOrderRejected)
	}
	ambiguous := false
	if c.AmbiguousNextOrders > 0 {
		c.AmbiguousNextOrders--
		ambiguous = true
	}
	c.nextOrderID++
	id := c.nextOrderID
	c.orders = append(c.orders, req)
	c.mu.Unlock()

	fillPrice := req.Price
	if req.Type == OrderMarket {
		price, err := c.priceProvider(req.Symbol)
		if err != nil {
			return nil, err
		}
		fillPrice = price
	}

	result := &OrderResult{
		ExchangeID: fmt.Sprintf("mock-%d", id),
		Symbol:     req.Symbol,
		Side:       req.Side,
		FillPrice:  fillPrice,
		FillQty:    req.Quantity,
		FilledAt:   time.Now(),
	}
	if req.ClientID != "" {
		c.mu.Lock()
		c.results[req.ClientID] = result
		c.mu.Unlock()
	}
	if ambiguous {
		return nil, fmt.Errorf("mock: connection reset before response")
	}
	return result, nil
}

func (c *MockClient) GetOrder(_ context.Context, _, clientID string) (*OrderResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientID)
	}
	return result, nil
}

func (c *MockClient) CancelOrder(_ context.Context, _, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[clientID]; !ok {
		return fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientID)
	}
	delete(c.results, clientID)
	return nil
}

func (c *MockClient) SetLeverage(_ context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	return nil
}

func (c *MockClient) GetBalance(_ context.Context, asset string) (*AccountBalance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &AccountBalance{Asset: asset, Balance: c.balance, AvailableBalance: c.balance}, nil
}

// MockStream implements Streamer with manually pushed prices.
type MockStream struct {
	mu     sync.RWMutex
	subs   map[string][]chan MarkPrice
	latest map[string]MarkPrice
}

// NewMockStream creates an empty stream.
func NewMockStream() *MockStream {
	return &MockStream{
		subs:   make(map[string][]chan MarkPrice),
		latest: make(map[string]MarkPrice),
	}
}

// Push delivers one mark price to all subscribers of a symbol. Sends stay
// under the lock so they cannot race a channel close in Unsubscribe.
func (s *MockStream) Push(symbol string, price decimal.Decimal) {
	mp := MarkPrice{Symbol: symbol, Price: price, Time: time.Now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[symbol] = mp
	for _, ch := range s.subs[symbol] {
		select {
		case ch <- mp:
		default:
		}
	}
}

func (s *MockStream) Subscribe(symbol string) <-chan MarkPrice {
	ch := make(chan MarkPrice, 16)
	s.mu.Lock()
	s.subs[symbol] = append(s.subs[symbol], ch)
	s.mu.Unlock()
	return ch
}

func (s *MockStream) Unsubscribe(symbol string, ch <-chan MarkPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.subs[symbol]
	for i, c := range chans {
		if c == ch {
			s.subs[symbol] = append(chans[:i], chans[i+1:]...)
			close(c)
			return
		}
	}
}

func (s *MockStream) Latest(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.latest[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return mp.Price, true
}

func (s *MockStream) Start(context.Context) error { return nil }

func (s *MockStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.subs, symbol)
	}
}
