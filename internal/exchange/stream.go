package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/logging"
)

// markPriceEvent is the markPriceUpdate payload of the combined stream.
type markPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	Funding   string `json:"r"`
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// MarkPriceStream consumes the combined markPrice websocket stream and fans
// events out to per-symbol subscribers. Exit monitors block on Subscribe
// channels; Latest serves the last seen price for synchronous reads.
type MarkPriceStream struct {
	wsBaseURL string
	symbols   []string
	log       *logging.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	subs   map[string][]chan MarkPrice
	latest map[string]MarkPrice

	stopOnce sync.Once
	stopChan chan struct{}
	running  bool

	reconnects int
}

// NewMarkPriceStream builds a stream for the given symbols.
func NewMarkPriceStream(wsBaseURL string, symbols []string) *MarkPriceStream {
	return &MarkPriceStream{
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		symbols:   symbols,
		subs:      make(map[string][]chan MarkPrice),
		latest:    make(map[string]MarkPrice),
		stopChan:  make(chan struct{}),
		log:       logging.WithComponent("mark_price_stream"),
	}
}

// Subscribe returns a channel receiving mark prices for one symbol. Slow
// consumers drop updates rather than block the read loop.
func (s *MarkPriceStream) Subscribe(symbol string) <-chan MarkPrice {
	ch := make(chan MarkPrice, 16)
	s.mu.Lock()
	s.subs[symbol] = append(s.subs[symbol], ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel.
func (s *MarkPriceStream) Unsubscribe(symbol string, ch <-chan MarkPrice) {
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

// Latest returns the last streamed mark price for a symbol.
func (s *MarkPriceStream) Latest(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mp, ok := s.latest[symbol]
	if !ok {
		return decimal.Zero, false
	}
	// stale stream data is worse than no data
	if time.Since(mp.Time) > 30*time.Second {
		return decimal.Zero, false
	}
	return mp.Price, true
}

// Start connects and runs the read loop until the context ends or Stop is
// called. Reconnects with a 3s backoff on connection loss.
func (s *MarkPriceStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop terminates the stream and closes all subscriber channels.
func (s *MarkPriceStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		for symbol, chans := range s.subs {
			for _, ch := range chans {
				close(ch)
			}
			delete(s.subs, symbol)
		}
		s.running = false
		s.mu.Unlock()
	})
}

func (s *MarkPriceStream) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectAndRead(ctx); err != nil {
			s.mu.Lock()
			s.reconnects++
			n := s.reconnects
			s.mu.Unlock()
			s.log.Warn("Stream connection lost, reconnecting in 3s", "error", err.Error(), "reconnects", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *MarkPriceStream) connectAndRead(ctx context.Context) error {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@markPrice@1s")
	}
	wsURL := fmt.Sprintf("%s/stream?streams=%s", s.wsBaseURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.reconnects = 0
	s.mu.Unlock()
	s.log.Info("Stream connected", "symbols", len(s.symbols))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		case <-s.stopChan:
			conn.Close()
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}

		var msg combinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		var ev markPriceEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.EventType != "markPriceUpdate" {
			continue
		}
		price, err := decimal.NewFromString(ev.MarkPrice)
		if err != nil {
			continue
		}

		mp := MarkPrice{
			Symbol: ev.Symbol,
			Price:  price,
			Time:   time.UnixMilli(ev.EventTime),
		}
		mp.FundingRate = parseFloat(ev.Funding)
		s.dispatch(mp)
	}
}

// dispatch sends while holding the lock: Unsubscribe and Stop close
// subscriber channels under the same lock, so a send can never hit a
// closed channel. Sends are non-blocking, so the hold time is bounded.
func (s *MarkPriceStream) dispatch(mp MarkPrice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[mp.Symbol] = mp
	for _, ch := range s.subs[mp.Symbol] {
		select {
		case ch <- mp:
		default:
		}
	}
}
