package poll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/model"
	"tickflow/internal/validate"
)

type fakeQuoteServer struct {
	mu       sync.Mutex
	requests []string
	fail     bool
	prices   map[string]float64
}

func (s *fakeQuoteServer) handler(w http.ResponseWriter, r *http.Request) {
	symbols := strings.Split(r.URL.Query().Get("symbols"), ",")
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Query().Get("symbols"))
	fail := s.fail
	s.mu.Unlock()

	if fail {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	results := make([]map[string]interface{}, 0, len(symbols))
	for _, sym := range symbols {
		price := 100.0
		s.mu.Lock()
		if p, ok := s.prices[sym]; ok {
			price = p
		}
		s.mu.Unlock()
		results = append(results, map[string]interface{}{
			"symbol":                     sym,
			"regularMarketPrice":         price,
			"regularMarketVolume":        2500,
			"regularMarketTime":          time.Now().Unix(),
			"regularMarketPreviousClose": price - 2,
		})
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"quoteResponse": map[string]interface{}{"result": results, "error": nil},
	})
}

func (s *fakeQuoteServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestPoller(t *testing.T, serverURL string, cfg config.SecondaryConfig) (*Client, *channel.Channels) {
	t.Helper()
	cfg.URL = serverURL
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	ch := channel.NewChannels(64, 64)
	v := validate.New(config.ValidationConfig{
		MaxMovePercent: 20,
		MaxFutureSkew:  5 * time.Minute,
		MaxAge:         24 * time.Hour,
		MinPrice:       0.000001,
		MaxPrice:       10_000_000,
	})
	classOf := func(string) (string, bool) { return "stocks", true }
	return NewClient(cfg, ch, v, classOf), ch
}

func TestPollEmitsTicksWithPreviousCloseChange(t *testing.T) {
	fake := &fakeQuoteServer{prices: map[string]float64{"AAPL": 110}}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	client, ch := newTestPoller(t, server.URL, config.SecondaryConfig{BatchSize: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.ctx = ctx
	client.Subscribe([]string{"AAPL"})
	client.pollOnce(client.log.WithComponent("poll_client"))

	select {
	case tk := <-ch.Secondary:
		if tk.Symbol != "AAPL" || tk.Price != 110 {
			t.Fatalf("unexpected tick: %+v", tk)
		}
		if tk.Source != model.SourceSecondary {
			t.Fatalf("expected secondary source, got %s", tk.Source)
		}
		if tk.PrevClose != 108 {
			t.Fatalf("expected previous close 108, got %v", tk.PrevClose)
		}
		if tk.Change != 2 {
			t.Fatalf("change should come from previous close, got %v", tk.Change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tick")
	}

	h := client.Health()
	if !h.Connected || !h.Authenticated {
		t.Fatalf("poller should be healthy after a successful cycle: %+v", h)
	}
}

func TestPollSplitsIntoBatches(t *testing.T) {
	fake := &fakeQuoteServer{}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	client, ch := newTestPoller(t, server.URL, config.SecondaryConfig{BatchSize: 2, ConcurrentBatches: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.ctx = ctx

	client.Subscribe([]string{"AAPL", "MSFT", "TSLA", "AMZN", "NVDA"})
	client.pollOnce(client.log.WithComponent("poll_client"))

	if got := fake.requestCount(); got != 3 {
		t.Fatalf("expected 3 batch requests for 5 symbols, got %d", got)
	}

	received := 0
	for received < 5 {
		select {
		case <-ch.Secondary:
			received++
		case <-time.After(time.Second):
			t.Fatalf("only %d of 5 ticks received", received)
		}
	}
}

func TestPollFailureUpdatesHealth(t *testing.T) {
	fake := &fakeQuoteServer{fail: true}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	client, _ := newTestPoller(t, server.URL, config.SecondaryConfig{BatchSize: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.ctx = ctx

	client.Subscribe([]string{"AAPL"})
	client.pollOnce(client.log.WithComponent("poll_client"))

	h := client.Health()
	if h.Connected {
		t.Fatalf("poller must not report connected after a failed cycle")
	}
	if h.ConsecutiveFailures == 0 {
		t.Fatalf("failures should be counted")
	}
	if h.LastError == "" {
		t.Fatalf("last error should be recorded")
	}

	// A later success resets the failure count.
	fake.mu.Lock()
	fake.fail = false
	fake.mu.Unlock()
	client.pollOnce(client.log.WithComponent("poll_client"))

	h = client.Health()
	if !h.Connected || h.ConsecutiveFailures != 0 {
		t.Fatalf("recovery should reset health: %+v", h)
	}
}

func TestPollStartStop(t *testing.T) {
	fake := &fakeQuoteServer{}
	server := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer server.Close()

	client, ch := newTestPoller(t, server.URL, config.SecondaryConfig{
		Interval:  50 * time.Millisecond,
		BatchSize: 10,
	})
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Start(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.Start(ctx, nil); err == nil {
		t.Fatalf("expected error on second start")
	}

	select {
	case <-ch.Secondary:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial poll")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		client.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestSplitBatches(t *testing.T) {
	cases := []struct {
		symbols []string
		size    int
		want    int
	}{
		{[]string{"A", "B", "C"}, 2, 2},
		{[]string{"A", "B", "C"}, 0, 1},
		{[]string{"A"}, 10, 1},
		{nil, 2, 0},
	}
	for i, tc := range cases {
		got := splitBatches(tc.symbols, tc.size)
		if len(got) != tc.want {
			t.Fatalf("case %d: expected %d batches, got %d", i, tc.want, len(got))
		}
	}
}
