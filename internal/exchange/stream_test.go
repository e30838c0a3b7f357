package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestStream() *MarkPriceStream {
	return NewMarkPriceStream("wss://example.test", []string{"BTCUSDT"})
}

func TestSubscriberReceivesDispatched(t *testing.T) {
	s := newTestStream()
	ch := s.Subscribe("BTCUSDT")

	s.dispatch(MarkPrice{Symbol: "BTCUSDT", Price: decimal.NewFromInt(42), Time: time.Now()})

	select {
	case mp := <-ch:
		assert.True(t, mp.Price.Equal(decimal.NewFromInt(42)))
	default:
		t.Fatal("expected a buffered update")
	}

	s.Unsubscribe("BTCUSDT", ch)
	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestDispatchUpdatesLatest(t *testing.T) {
	s := newTestStream()

	_, ok := s.Latest("BTCUSDT")
	assert.False(t, ok)

	s.dispatch(MarkPrice{Symbol: "BTCUSDT", Price: decimal.NewFromInt(101), Time: time.Now()})
	price, ok := s.Latest("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromInt(101)))

	s.dispatch(MarkPrice{Symbol: "ETHUSDT", Price: decimal.NewFromInt(5), Time: time.Now().Add(-time.Minute)})
	_, ok = s.Latest("ETHUSDT")
	assert.False(t, ok, "stale prices are not served")
}

func TestDispatchConcurrentWithUnsubscribe(t *testing.T) {
	s := newTestStream()
	mp := MarkPrice{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), Time: time.Now()}

	done := make(chan interface{}, 1)
	go func() {
		defer func() { done <- recover() }()
		for i := 0; i < 20000; i++ {
			s.dispatch(mp)
		}
	}()

	// churn subscribers while the dispatcher runs; a send after a close
	// would panic the dispatch goroutine
	for {
		select {
		case r := <-done:
			assert.Nil(t, r, "dispatch must survive concurrent unsubscribes")
			return
		default:
			ch := s.Subscribe("BTCUSDT")
			s.Unsubscribe("BTCUSDT", ch)
		}
	}
}
