package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/metrics"
	"tickflow/internal/model"
	"tickflow/internal/validate"
	"tickflow/logger"
)

// quoteResponse mirrors the batched quote endpoint of the secondary
// provider. Unknown fields are ignored.
type quoteResponse struct {
	QuoteResponse struct {
		Result []quoteResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

type quoteResult struct {
	Symbol        string  `json:"symbol"`
	MarketPrice   float64 `json:"regularMarketPrice"`
	MarketVolume  float64 `json:"regularMarketVolume"`
	MarketTime    int64   `json:"regularMarketTime"`
	PreviousClose float64 `json:"regularMarketPreviousClose"`
}

// Client polls the secondary HTTP quote endpoint on a fixed interval.
// Symbols are fetched in batches with bounded concurrency and a shared
// rate limiter so a large watchlist cannot hammer the provider.
type Client struct {
	cfg       config.SecondaryConfig
	channels  *channel.Channels
	validator *validate.Validator
	classOf   func(string) (string, bool)
	log       *logger.Log

	httpClient *http.Client
	limiter    *rate.Limiter

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	symbols map[string]struct{}

	healthMu sync.RWMutex
	health   model.ConnectionHealth
	upSince  time.Time
	polls    int
	pollsAt  time.Time
}

func NewClient(cfg config.SecondaryConfig, ch *channel.Channels, v *validate.Validator, classOf func(string) (string, bool)) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Client{
		cfg:       cfg,
		channels:  ch,
		validator: v,
		classOf:   classOf,
		log:       logger.GetLogger(),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		wg:      &sync.WaitGroup{},
		symbols: make(map[string]struct{}),
		health:  model.ConnectionHealth{Source: model.SourceSecondary},
	}
}

// Start launches the interval worker for the provided symbols.
func (c *Client) Start(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("poll client already running")
	}
	c.running = true
	c.ctx = ctx
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	c.mu.Unlock()

	log := c.log.WithComponent("poll_client").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbols":  len(symbols),
		"interval": c.cfg.Interval.String(),
		"url":      c.cfg.URL,
	}).Info("starting poll client")

	c.wg.Add(1)
	go c.intervalWorker()

	log.Info("poll client started successfully")
	return nil
}

// Stop waits for the interval worker to exit. Cancel the context passed
// to Start first.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("poll_client").Info("stopping poll client")
	c.wg.Wait()
	c.log.WithComponent("poll_client").Info("poll client stopped")
}

// Subscribe adds symbols to the polled set. They are picked up on the
// next cycle.
func (c *Client) Subscribe(symbols []string) {
	c.mu.Lock()
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	c.mu.Unlock()
}

// Unsubscribe removes symbols from the polled set.
func (c *Client) Unsubscribe(symbols []string) {
	c.mu.Lock()
	for _, s := range symbols {
		delete(c.symbols, s)
	}
	c.mu.Unlock()
}

// Health returns an atomic snapshot of the poller health. The secondary
// endpoint has no auth handshake, so Authenticated follows Connected.
func (c *Client) Health() model.ConnectionHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()

	h := c.health
	if h.Connected && !c.upSince.IsZero() {
		h.Uptime = time.Since(c.upSince)
	}
	if !c.pollsAt.IsZero() {
		elapsed := time.Since(c.pollsAt)
		if elapsed < time.Second {
			elapsed = time.Second
		}
		if elapsed <= time.Minute {
			h.MessagesPerMinute = float64(c.polls) / elapsed.Minutes()
		}
	}
	h.SubscribedSymbols = c.polledSymbols()
	return h
}

func (c *Client) polledSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// intervalWorker fires on boundaries aligned to the interval so polls
// from restarted instances line up instead of drifting.
func (c *Client) intervalWorker() {
	defer c.wg.Done()

	log := c.log.WithComponent("poll_client").WithFields(logger.Fields{"worker": "interval"})

	c.pollOnce(log)

	for {
		now := time.Now()
		next := now.Truncate(c.cfg.Interval).Add(c.cfg.Interval)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.pollOnce(log)
		}
	}
}

func (c *Client) pollOnce(log *logger.Entry) {
	symbols := c.polledSymbols()
	if len(symbols) == 0 {
		return
	}

	batches := splitBatches(symbols, c.cfg.BatchSize)
	workers := c.cfg.ConcurrentBatches
	if workers <= 0 {
		workers = 1
	}
	if workers > len(batches) {
		workers = len(batches)
	}

	start := time.Now()
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var okMu sync.Mutex
	succeeded := 0

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch []string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := c.fetchBatch(batch, log); err != nil {
				c.recordFailure(err)
				log.WithError(err).WithFields(logger.Fields{"symbols": batch}).Warn("batch poll failed")
				return
			}
			okMu.Lock()
			succeeded++
			okMu.Unlock()
		}(batch)
	}
	wg.Wait()

	if succeeded > 0 {
		c.markHealthy()
	}
	log.WithFields(logger.Fields{
		"batches":   len(batches),
		"succeeded": succeeded,
		"duration":  time.Since(start).String(),
	}).Debug("poll cycle complete")
}

func (c *Client) fetchBatch(symbols []string, log *logger.Entry) error {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if e := parsed.QuoteResponse.Error; e != nil {
		return fmt.Errorf("provider error %s: %s", e.Code, e.Description)
	}

	for _, quote := range parsed.QuoteResponse.Result {
		c.emitQuote(quote, len(body)/len(parsed.QuoteResponse.Result), log)
	}
	return nil
}

func (c *Client) emitQuote(quote quoteResult, size int, log *logger.Entry) {
	metrics.IncrementReceived(model.SourceSecondary)

	tick := model.Tick{
		Symbol:    strings.ToUpper(quote.Symbol),
		Price:     quote.MarketPrice,
		Volume:    quote.MarketVolume,
		Timestamp: time.Unix(quote.MarketTime, 0).UTC(),
		Source:    model.SourceSecondary,
		PrevClose: quote.PreviousClose,
	}
	if quote.MarketTime == 0 {
		tick.Timestamp = time.Now().UTC()
	}
	if c.classOf != nil {
		if class, ok := c.classOf(tick.Symbol); ok {
			tick.AssetClass = model.AssetClass(class)
		}
	}
	if tick.PrevClose > 0 {
		tick = tick.WithChange(tick.PrevClose)
	}

	if ok, reason := c.validator.Validate(tick); !ok {
		metrics.IncrementRejected(model.SourceSecondary, reason)
		return
	}

	if c.channels.SendSecondary(c.ctx, tick) {
		logger.IncrementPollRead(size)
	} else if c.ctx.Err() == nil {
		log.WithFields(logger.Fields{"symbol": tick.Symbol}).Warn("secondary channel full, dropping tick")
	}
}

func (c *Client) markHealthy() {
	now := time.Now()
	c.healthMu.Lock()
	if !c.health.Connected {
		c.upSince = now
	}
	c.health.Connected = true
	c.health.Authenticated = true
	c.health.ConsecutiveFailures = 0
	c.health.LastError = ""
	c.health.LastMessageAt = &now
	if now.Sub(c.pollsAt) >= time.Minute {
		c.pollsAt = now
		c.polls = 0
	}
	c.polls++
	c.healthMu.Unlock()
}

func (c *Client) recordFailure(err error) {
	c.healthMu.Lock()
	c.health.ConsecutiveFailures++
	c.health.LastError = err.Error()
	c.health.Connected = false
	c.health.Authenticated = false
	c.upSince = time.Time{}
	c.healthMu.Unlock()
}

func splitBatches(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var batches [][]string
	for len(symbols) > 0 {
		n := size
		if n > len(symbols) {
			n = len(symbols)
		}
		batches = append(batches, symbols[:n])
		symbols = symbols[n:]
	}
	return batches
}
