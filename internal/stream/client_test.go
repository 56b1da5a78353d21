package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/model"
	"tickflow/internal/validate"
)

// fakeProvider is a minimal in-process implementation of the primary
// provider protocol: it requires auth before serving ticks and records
// subscribe requests.
type fakeProvider struct {
	t          *testing.T
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	subscribed []string
	conns      []*websocket.Conn
	rejectAuth bool
	rawFrames  []string
}

func (p *fakeProvider) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()

	conn.WriteJSON(map[string]string{"type": "connected"})

	authed := false
	for {
		var req clientRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Action {
		case actionAuth:
			if p.rejectAuth {
				conn.WriteJSON(map[string]interface{}{"type": "error", "msg": "bad credentials", "code": 401})
				conn.Close()
				return
			}
			authed = true
			conn.WriteJSON(map[string]string{"type": "authenticated"})
		case actionSubscribe:
			if !authed {
				conn.WriteJSON(map[string]interface{}{"type": "error", "msg": "not authenticated", "code": 401})
				continue
			}
			p.mu.Lock()
			p.subscribed = append(p.subscribed, req.Symbols...)
			rawFrames := p.rawFrames
			p.mu.Unlock()
			conn.WriteJSON(map[string]interface{}{"type": "subscription", "msg": "ok"})
			for _, f := range rawFrames {
				conn.WriteMessage(websocket.TextMessage, []byte(f))
			}
		}
	}
}

func (p *fakeProvider) subscribedSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subscribed...)
}

func (p *fakeProvider) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func newTestClient(t *testing.T, url string) (*Client, *channel.Channels) {
	t.Helper()
	cfg := config.PrimaryConfig{
		URL:              url,
		APIKey:           "k",
		APISecret:        "s",
		AuthTimeout:      2 * time.Second,
		PingInterval:     time.Second,
		FailureThreshold: 3,
		Backoff:          config.BackoffConfig{BaseDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
	}
	ch := channel.NewChannels(16, 16)
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

func tickFrame(t *testing.T, symbol string, price float64) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"type": "tick", "symbol": symbol, "price": price, "volume": 10,
		"ts": time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return string(b)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientAuthenticatesSubscribesAndEmits(t *testing.T) {
	provider := &fakeProvider{t: t}
	provider.rawFrames = []string{tickFrame(t, "AAPL", 101.5)}
	server := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer server.Close()

	client, ch := newTestClient(t, wsURL(server))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.Start(ctx, nil); err == nil {
		t.Fatalf("expected error on second start")
	}
	defer func() {
		cancel()
		provider.closeAll()
		client.Stop()
	}()

	select {
	case tk := <-ch.Primary:
		if tk.Symbol != "AAPL" || tk.Price != 101.5 || tk.Source != model.SourcePrimary {
			t.Fatalf("unexpected tick: %+v", tk)
		}
		if tk.AssetClass != model.AssetClassStocks {
			t.Fatalf("expected stocks asset class, got %s", tk.AssetClass)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tick")
	}

	if got := provider.subscribedSymbols(); len(got) != 1 || got[0] != "AAPL" {
		t.Fatalf("unexpected upstream subscriptions: %v", got)
	}

	h := client.Health()
	if !h.Connected || !h.Authenticated {
		t.Fatalf("expected healthy connection, got %+v", h)
	}
	if h.LastMessageAt == nil {
		t.Fatalf("expected lastMessageAt to be set")
	}
}

func TestClientNoTicksBeforeAuth(t *testing.T) {
	provider := &fakeProvider{t: t, rejectAuth: true}
	server := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer server.Close()

	client, ch := newTestClient(t, wsURL(server))
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Start(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case tk := <-ch.Primary:
		t.Fatalf("no tick should be emitted without auth, got %+v", tk)
	case <-time.After(200 * time.Millisecond):
	}

	h := client.Health()
	if h.Authenticated {
		t.Fatalf("client must not report authenticated after rejection")
	}
	if h.ConsecutiveFailures == 0 {
		t.Fatalf("auth failures should be counted")
	}

	cancel()
	provider.closeAll()
	client.Stop()
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	provider := &fakeProvider{t: t}
	server := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer server.Close()

	client, _ := newTestClient(t, wsURL(server))
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Start(ctx, []string{"AAPL", "MSFT"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return len(provider.subscribedSymbols()) >= 2 })

	// Drop the connection; the client must reconnect and resubscribe the
	// full set because subscriptions do not survive a reconnect.
	provider.closeAll()

	waitFor(t, func() bool { return len(provider.subscribedSymbols()) >= 4 })

	cancel()
	provider.closeAll()
	client.Stop()
}

func TestClientForceReconnect(t *testing.T) {
	provider := &fakeProvider{t: t}
	server := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer server.Close()

	client, _ := newTestClient(t, wsURL(server))
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Start(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(provider.subscribedSymbols()) >= 1 })

	client.ForceReconnect()
	waitFor(t, func() bool { return len(provider.subscribedSymbols()) >= 2 })

	cancel()
	provider.closeAll()
	client.Stop()
}

func TestClientSubscribeWhileRunning(t *testing.T) {
	provider := &fakeProvider{t: t}
	server := httptest.NewServer(http.HandlerFunc(provider.handler))
	defer server.Close()

	client, _ := newTestClient(t, wsURL(server))
	ctx, cancel := context.WithCancel(context.Background())

	if err := client.Start(ctx, []string{"AAPL"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(provider.subscribedSymbols()) >= 1 })

	if err := client.Subscribe([]string{"TSLA"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, func() bool {
		for _, s := range provider.subscribedSymbols() {
			if s == "TSLA" {
				return true
			}
		}
		return false
	})

	if err := client.Unsubscribe([]string{"TSLA"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	h := client.Health()
	for _, s := range h.SubscribedSymbols {
		if s == "TSLA" {
			t.Fatalf("TSLA should no longer be tracked: %v", h.SubscribedSymbols)
		}
	}

	cancel()
	provider.closeAll()
	client.Stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
