package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/logging"
)

const maxRetries = 2

// HTTPClient talks to the futures REST API of one market category. Linear
// and inverse run separate client instances against separate hosts.
type HTTPClient struct {
	baseURL    string
	pathPrefix string // "/fapi" or "/dapi"
	apiKey     string
	secretKey  string
	market     string
	httpClient *http.Client
	limiter    *RateLimiter
	log        *logging.Logger
}

// NewHTTPClient builds a client for one market category.
func NewHTTPClient(baseURL, apiKey, secretKey, market string, timeout time.Duration) *HTTPClient {
	prefix := "/fapi"
	if market == MarketInverse {
		prefix = "/dapi"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pathPrefix: prefix,
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		market:     market,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(2400),
		log:        logging.WithComponent("exchange").WithField("market", market),
	}
}

// GetKlines fetches up to limit closed candles for (symbol, interval).
func (c *HTTPClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	body, err := c.publicGet(ctx, c.pathPrefix+"/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	now := time.Now()
	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		k := Kline{
			OpenTime:  time.UnixMilli(int64(asFloat(row[0]))),
			Open:      asQuotedFloat(row[1]),
			High:      asQuotedFloat(row[2]),
			Low:       asQuotedFloat(row[3]),
			Close:     asQuotedFloat(row[4]),
			Volume:    asQuotedFloat(row[5]),
			CloseTime: time.UnixMilli(int64(asFloat(row[6]))),
		}
		k.Closed = k.CloseTime.Before(now)
		klines = append(klines, k)
	}
	return klines, nil
}

// GetMarkPrice fetches the current mark price and funding rate for a symbol.
func (c *HTTPClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	body, err := c.publicGet(ctx, c.pathPrefix+"/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		Time            int64  `json:"time"`
	}
	// inverse premiumIndex returns an array even with symbol set
	if c.market == MarketInverse {
		var arr []json.RawMessage
		if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 {
			body = arr[0]
		}
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse mark price: %w", err)
	}

	price, err := decimal.NewFromString(raw.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("parse mark price value %q: %w", raw.MarkPrice, err)
	}
	funding, _ := strconv.ParseFloat(raw.LastFundingRate, 64)
	return &MarkPrice{
		Symbol:      raw.Symbol,
		Price:       price,
		FundingRate: funding,
		Time:        time.UnixMilli(raw.Time),
	}, nil
}

// GetAll24hTickers fetches rolling 24h statistics for every symbol.
func (c *HTTPClient) GetAll24hTickers(ctx context.Context) ([]Ticker24h, error) {
	body, err := c.publicGet(ctx, c.pathPrefix+"/v1/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		QuoteVolume        string `json:"quoteVolume"`
		BaseVolume         string `json:"baseVolume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse 24h tickers: %w", err)
	}

	tickers := make([]Ticker24h, 0, len(raw))
	for _, t := range raw {
		volume := t.QuoteVolume
		if volume == "" {
			volume = t.BaseVolume
		}
		tickers = append(tickers, Ticker24h{
			Symbol:             t.Symbol,
			LastPrice:          parseFloat(t.LastPrice),
			PriceChangePercent: parseFloat(t.PriceChangePercent),
			HighPrice:          parseFloat(t.HighPrice),
			LowPrice:           parseFloat(t.LowPrice),
			QuoteVolume:        parseFloat(volume),
		})
	}
	return tickers, nil
}

// PlaceOrder places one order and returns the normalized fill. Market orders
// request RESULT response type so the average fill price comes back inline.
func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"quantity":         req.Quantity.String(),
		"newOrderRespType": "RESULT",
	}
	if req.Type == OrderLimit {
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientID != "" {
		params["newClientOrderId"] = req.ClientID
	}

	body, err := c.signedRequest(ctx, http.MethodPost, c.pathPrefix+"/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		Price       string `json:"price"`
		ExecutedQty string `json:"executedQty"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	if raw.Status == "REJECTED" || raw.Status == "EXPIRED" {
		return nil, fmt.Errorf("%w: status %s", ErrOrderRejected, raw.Status)
	}

	fillPrice, err := decimal.NewFromString(raw.AvgPrice)
	if err != nil || fillPrice.IsZero() {
		fillPrice, _ = decimal.NewFromString(raw.Price)
	}
	fillQty, _ := decimal.NewFromString(raw.ExecutedQty)

	return &OrderResult{
		ExchangeID: strconv.FormatInt(raw.OrderID, 10),
		Symbol:     raw.Symbol,
		Side:       req.Side,
		FillPrice:  fillPrice,
		FillQty:    fillQty,
		FilledAt:   time.UnixMilli(raw.UpdateTime),
	}, nil
}

// GetOrder looks an order up by its client id. Returns ErrOrderNotFound when
// the exchange has never seen the id, which makes a failed placement safe to
// repeat.
func (c *HTTPClient) GetOrder(ctx context.Context, symbol, clientID string) (*OrderResult, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientID,
	}
	body, err := c.signedRequest(ctx, http.MethodGet, c.pathPrefix+"/v1/order", params, false)
	if err != nil {
		if strings.Contains(err.Error(), "-2013") {
			return nil, fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientID)
		}
		return nil, err
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		Price       string `json:"price"`
		ExecutedQty string `json:"executedQty"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}
	if raw.Status == "REJECTED" || raw.Status == "EXPIRED" {
		return nil, fmt.Errorf("%w: status %s", ErrOrderRejected, raw.Status)
	}

	fillPrice, err := decimal.NewFromString(raw.AvgPrice)
	if err != nil || fillPrice.IsZero() {
		fillPrice, _ = decimal.NewFromString(raw.Price)
	}
	fillQty, _ := decimal.NewFromString(raw.ExecutedQty)

	return &OrderResult{
		ExchangeID: strconv.FormatInt(raw.OrderID, 10),
		Symbol:     raw.Symbol,
		Side:       OrderSide(raw.Side),
		FillPrice:  fillPrice,
		FillQty:    fillQty,
		FilledAt:   time.UnixMilli(raw.UpdateTime),
	}, nil
}

// CancelOrder cancels a resting order by its client id.
func (c *HTTPClient) CancelOrder(ctx context.Context, symbol, clientID string) error {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientID,
	}
	_, err := c.signedRequest(ctx, http.MethodDelete, c.pathPrefix+"/v1/order", params, false)
	if err != nil && strings.Contains(err.Error(), "-2011") {
		return fmt.Errorf("%w: client id %s", ErrOrderNotFound, clientID)
	}
	return err
}

// SetLeverage sets the leverage multiplier for a symbol.
func (c *HTTPClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	_, err := c.signedRequest(ctx, http.MethodPost, c.pathPrefix+"/v1/leverage", params, false)
	return err
}

// GetBalance returns the wallet balance for one asset.
func (c *HTTPClient) GetBalance(ctx context.Context, asset string) (*AccountBalance, error) {
	endpoint := c.pathPrefix + "/v2/balance"
	if c.market == MarketInverse {
		endpoint = c.pathPrefix + "/v1/balance"
	}
	body, err := c.signedRequest(ctx, http.MethodGet, endpoint, map[string]string{}, false)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	for _, b := range raw {
		if b.Asset != asset {
			continue
		}
		balance, _ := decimal.NewFromString(b.Balance)
		available, _ := decimal.NewFromString(b.AvailableBalance)
		return &AccountBalance{Asset: b.Asset, Balance: balance, AvailableBalance: available}, nil
	}
	return nil, fmt.Errorf("asset %s not found in balance response", asset)
}

// ============================================================================
// TRANSPORT
// ============================================================================

func (c *HTTPClient) publicGet(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, endpoint, false); err != nil {
		return nil, err
	}
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + buildQuery(params)
	}
	return c.doWithRetry(ctx, endpoint, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
}

// critical marks order placement: it gets limiter priority and is never
// auto-retried, since a timed-out order may have reached the exchange.
func (c *HTTPClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string, critical bool) ([]byte, error) {
	if err := c.limiter.Acquire(ctx, endpoint, critical); err != nil {
		return nil, err
	}
	return c.doWithRetry(ctx, endpoint, !critical, func() (*http.Request, error) {
		// fresh timestamp per attempt; recvWindow tolerates clock skew
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = "10000"
		query := buildQuery(params)
		query += "&signature=" + c.sign(query)

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return req, nil
	})
}

func (c *HTTPClient) doWithRetry(ctx context.Context, endpoint string, retryable bool, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if retryable && attempt < maxRetries {
				c.retrySleep(ctx, endpoint, attempt, err.Error())
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if used := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); used != "" {
			if weight, err := strconv.Atoi(used); err == nil {
				c.limiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 ||
			strings.Contains(string(body), "-1003") {
			c.limiter.RecordRateLimitError(parseBanUntil(string(body)))
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, string(body))
		}
		if retryable && resp.StatusCode >= 500 && attempt < maxRetries {
			c.retrySleep(ctx, endpoint, attempt, lastErr.Error())
			continue
		}
		return nil, lastErr
	}
	return nil, lastErr
}

func (c *HTTPClient) retrySleep(ctx context.Context, endpoint string, attempt int, reason string) {
	delay := time.Duration(500*(attempt+1)) * time.Millisecond
	c.log.Warn("Request failed, retrying", "endpoint", endpoint, "attempt", attempt+1, "delay", delay.String(), "reason", reason)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (c *HTTPClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func buildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asQuotedFloat(v interface{}) float64 {
	s, _ := v.(string)
	return parseFloat(s)
}
