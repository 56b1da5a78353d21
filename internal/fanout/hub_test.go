package fanout

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"tickflow/internal/model"
)

type fakeSubscriber struct {
	id    string
	full  bool
	mu    sync.Mutex
	ticks []model.Tick
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(tick model.Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.ticks = append(s.ticks, tick)
	return true
}

func (s *fakeSubscriber) received() []model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Tick(nil), s.ticks...)
}

func stockTick(symbol string, price float64) model.Tick {
	return model.Tick{
		Symbol:     symbol,
		AssetClass: model.AssetClassStocks,
		Price:      price,
		Timestamp:  time.Now().UTC(),
		Source:     model.SourcePrimary,
	}
}

func TestPublishReachesSymbolSubscribers(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	aapl := &fakeSubscriber{id: "c1"}
	msft := &fakeSubscriber{id: "c2"}
	hub.Subscribe(aapl, model.AssetClassStocks, []string{"AAPL"})
	hub.Subscribe(msft, model.AssetClassStocks, []string{"MSFT"})

	hub.Publish(stockTick("AAPL", 101))

	if got := aapl.received(); len(got) != 1 || got[0].Symbol != "AAPL" {
		t.Fatalf("AAPL subscriber should receive the tick, got %+v", got)
	}
	if got := msft.received(); len(got) != 0 {
		t.Fatalf("MSFT subscriber must not receive an AAPL tick, got %+v", got)
	}
}

func TestPublishReachesAssetClassSubscribers(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	all := &fakeSubscriber{id: "c1"}
	crypto := &fakeSubscriber{id: "c2"}
	hub.Subscribe(all, model.AssetClassStocks, nil)
	hub.Subscribe(crypto, model.AssetClassCrypto, nil)

	hub.Publish(stockTick("AAPL", 101))

	if got := all.received(); len(got) != 1 {
		t.Fatalf("class-wide subscriber should receive the tick, got %+v", got)
	}
	if got := crypto.received(); len(got) != 0 {
		t.Fatalf("other asset class must not receive the tick, got %+v", got)
	}
}

func TestPublishDeliversExactlyOnceToDualMember(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	sub := &fakeSubscriber{id: "c1"}
	hub.Subscribe(sub, model.AssetClassStocks, []string{"AAPL"})
	hub.Subscribe(sub, model.AssetClassStocks, nil)

	hub.Publish(stockTick("AAPL", 101))

	if got := sub.received(); len(got) != 1 {
		t.Fatalf("subscriber in symbol and class group must get one delivery, got %d", len(got))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	sub := &fakeSubscriber{id: "c1"}
	hub.Subscribe(sub, model.AssetClassStocks, []string{"AAPL", "MSFT"})
	hub.Unsubscribe(sub, model.AssetClassStocks, []string{"AAPL"})

	hub.Publish(stockTick("AAPL", 101))
	hub.Publish(stockTick("MSFT", 300))

	got := sub.received()
	if len(got) != 1 || got[0].Symbol != "MSFT" {
		t.Fatalf("only the remaining subscription should deliver, got %+v", got)
	}
}

func TestOnDisconnectIsIdempotent(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	sub := &fakeSubscriber{id: "c1"}
	hub.Subscribe(sub, model.AssetClassStocks, []string{"AAPL"})
	hub.Subscribe(sub, model.AssetClassCrypto, []string{"BTC-USD"})

	hub.OnDisconnect("c1")
	hub.OnDisconnect("c1")
	hub.OnDisconnect("never-subscribed")

	hub.Publish(stockTick("AAPL", 101))
	if got := sub.received(); len(got) != 0 {
		t.Fatalf("disconnected subscriber must not receive ticks, got %+v", got)
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()
	hub.Publish(stockTick("AAPL", 101))
}

func TestFullSubscriberQueueDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	full := &fakeSubscriber{id: "c1", full: true}
	ok := &fakeSubscriber{id: "c2"}
	hub.Subscribe(full, model.AssetClassStocks, []string{"AAPL"})
	hub.Subscribe(ok, model.AssetClassStocks, []string{"AAPL"})

	done := make(chan struct{})
	go func() {
		hub.Publish(stockTick("AAPL", 101))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := ok.received(); len(got) != 1 {
		t.Fatalf("healthy subscriber should still receive the tick, got %+v", got)
	}
}

func TestCoalescingLatestWins(t *testing.T) {
	hub := NewHub(20)
	defer hub.Close()

	sub := &fakeSubscriber{id: "c1"}
	hub.Subscribe(sub, model.AssetClassStocks, []string{"AAPL"})

	// Burst faster than the 20/s cap: the first tick goes out
	// immediately, intermediate ones are superseded, the last one is
	// flushed when the window opens.
	for i := 0; i < 10; i++ {
		hub.Publish(stockTick("AAPL", 100+float64(i)))
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got := sub.received()
		if len(got) >= 2 && got[len(got)-1].Price == 109 {
			if len(got) >= 10 {
				t.Fatalf("burst must be coalesced, got %d deliveries", len(got))
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("latest tick never flushed, got %+v", sub.received())
}

func TestCoalescingPerSymbolIsolation(t *testing.T) {
	hub := NewHub(20)
	defer hub.Close()

	sub := &fakeSubscriber{id: "c1"}
	hub.Subscribe(sub, model.AssetClassStocks, []string{"AAPL", "MSFT"})

	hub.Publish(stockTick("AAPL", 101))
	hub.Publish(stockTick("MSFT", 300))

	// Different symbols do not share a pacing window.
	if got := sub.received(); len(got) != 2 {
		t.Fatalf("both symbols should deliver immediately, got %+v", got)
	}
}

func TestManyConcurrentSubscribers(t *testing.T) {
	hub := NewHub(0)
	defer hub.Close()

	const n = 100
	subs := make([]*fakeSubscriber, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		subs[i] = &fakeSubscriber{id: fmt.Sprintf("c%d", i)}
		wg.Add(1)
		go func(s *fakeSubscriber) {
			defer wg.Done()
			hub.Subscribe(s, model.AssetClassStocks, []string{"AAPL"})
		}(subs[i])
	}
	wg.Wait()

	hub.Publish(stockTick("AAPL", 101))

	for i, s := range subs {
		if got := s.received(); len(got) != 1 {
			t.Fatalf("subscriber %d expected exactly one delivery, got %d", i, len(got))
		}
	}
}
