package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DryRunClient passes market-data reads through to a live client and
// simulates order placement at the live mark price. Leverage changes are
// accepted without touching the exchange.
type DryRunClient struct {
	Client

	mu      sync.Mutex
	nextID  int64
	results map[string]*OrderResult // key: client order id
}

// NewDryRunClient wraps a live client for dry-run mode.
func NewDryRunClient(live Client) *DryRunClient {
	return &DryRunClient{Client: live, results: make(map[string]*OrderResult)}
}

func (c *DryRunClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	fillPrice := req.Price
	if req.Type == OrderMarket || fillPrice.IsZero() {
		mp, err := c.Client.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("dry-run fill price for %s: %w", req.Symbol, err)
		}
		fillPrice = mp.Price
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	result := &OrderResult{
		ExchangeID: fmt.Sprintf("dryrun-%d", id),
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
	return result, nil
}

// GetOrder resolves against the simulated order log; the live exchange never
// sees dry-run orders.
func (c *DryRunClient) GetOrder(_ context.Context, _, clientID string) (*OrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientID)
	}
	return result, nil
}

func (c *DryRunClient) CancelOrder(_ context.Context, _, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[clientID]; !ok {
		return fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientID)
	}
	delete(c.results, clientID)
	return nil
}
