package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/metrics"
	"tickflow/internal/model"
	"tickflow/internal/validate"
	"tickflow/logger"
)

const handshakeTimeout = 10 * time.Second

// Client maintains the persistent websocket connection to the primary
// provider. It authenticates, subscribes the tracked symbol set, parses
// incoming frames into ticks and reconnects with exponential backoff on
// unexpected disconnects. Subscriptions do not survive a reconnect, so
// the full symbol set is resubscribed after every successful handshake.
type Client struct {
	cfg       config.PrimaryConfig
	channels  *channel.Channels
	validator *validate.Validator
	classOf   func(string) (string, bool)
	log       *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	symbols map[string]struct{}
	conn    *websocket.Conn

	healthMu      sync.RWMutex
	health        model.ConnectionHealth
	connectedAt   time.Time
	rateCount     int
	rateWindow    time.Time
	forceReconnCh chan struct{}

	dialer *websocket.Dialer
}

// NewClient creates a streaming client for the given symbol set. classOf
// resolves a symbol's asset class; symbols without one are still tracked
// and tagged with an empty class.
func NewClient(cfg config.PrimaryConfig, ch *channel.Channels, v *validate.Validator, classOf func(string) (string, bool)) *Client {
	return &Client{
		cfg:           cfg,
		channels:      ch,
		validator:     v,
		classOf:       classOf,
		log:           logger.GetLogger(),
		wg:            &sync.WaitGroup{},
		symbols:       make(map[string]struct{}),
		forceReconnCh: make(chan struct{}, 1),
		health:        model.ConnectionHealth{Source: model.SourcePrimary},
		dialer:        &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Start begins the connection loop for the provided symbols.
func (c *Client) Start(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("stream client already running")
	}
	c.running = true
	c.ctx = ctx
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	c.mu.Unlock()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"symbols": symbols, "url": c.cfg.URL}).Info("starting stream client")

	c.wg.Add(1)
	go c.run()

	log.Info("stream client started successfully")
	return nil
}

// Stop waits for the connection loop to exit. Cancel the context passed
// to Start first.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("stream_client").Info("stopping stream client")
	c.wg.Wait()
	c.log.WithComponent("stream_client").Info("stream client stopped")
}

// Subscribe adds symbols to the tracked set and pushes a subscribe frame
// on the live connection when there is one.
func (c *Client) Subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	c.mu.Lock()
	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := c.symbols[s]; !ok {
			c.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if len(added) == 0 || conn == nil {
		return nil
	}
	return c.writeJSON(conn, clientRequest{Action: actionSubscribe, Symbols: added})
}

// Unsubscribe removes symbols from the tracked set and pushes an
// unsubscribe frame on the live connection when there is one.
func (c *Client) Unsubscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	c.mu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := c.symbols[s]; ok {
			delete(c.symbols, s)
			removed = append(removed, s)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if len(removed) == 0 || conn == nil {
		return nil
	}
	return c.writeJSON(conn, clientRequest{Action: actionUnsubscribe, Symbols: removed})
}

// ForceReconnect tears down the current connection and reconnects
// immediately, skipping backoff. It is a cooperative signal: the read
// loop observes it and exits on its own.
func (c *Client) ForceReconnect() {
	select {
	case c.forceReconnCh <- struct{}{}:
		c.log.WithComponent("stream_client").Info("force reconnect requested")
	default:
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		// Unblocks the read loop; the pending force signal suppresses backoff.
		_ = conn.Close()
	}
}

// Health returns an atomic snapshot of the connection health.
func (c *Client) Health() model.ConnectionHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()

	h := c.health
	if h.Connected && !c.connectedAt.IsZero() {
		h.Uptime = time.Since(c.connectedAt)
	}
	h.MessagesPerMinute = c.currentRateLocked()
	h.SubscribedSymbols = c.subscribedSymbols()
	return h
}

func (c *Client) subscribedSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Client) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"worker": "connection_loop"})

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		err := c.connectOnce(log)
		if c.ctx.Err() != nil {
			return
		}

		if err != nil {
			log.WithError(err).Warn("stream connection ended")
		}

		if c.consumeForceSignal() {
			log.Info("reconnecting immediately on operator request")
			attempt = 0
			continue
		}

		attempt++
		delay := c.backoffDelay(attempt)
		log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Warn("stream disconnected, reconnecting")
		if waitForReconnect(c.ctx, delay) {
			return
		}
	}
}

// connectOnce runs one full connection lifecycle: dial, authenticate,
// subscribe, then read until the connection drops or the context ends.
func (c *Client) connectOnce(log *logger.Entry) error {
	conn, _, err := c.dialer.DialContext(c.ctx, c.cfg.URL, nil)
	if err != nil {
		c.recordFailure(fmt.Errorf("dial: %w", err))
		return err
	}

	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
		c.markDisconnected()
	}()

	c.markConnected()

	if err := c.authenticate(conn); err != nil {
		c.recordFailure(fmt.Errorf("auth: %w", err))
		return err
	}
	c.markAuthenticated()
	log.Info("stream authenticated")

	if symbols := c.subscribedSymbols(); len(symbols) > 0 {
		if err := c.writeJSON(conn, clientRequest{Action: actionSubscribe, Symbols: symbols}); err != nil {
			c.recordFailure(fmt.Errorf("subscribe: %w", err))
			return err
		}
		log.WithFields(logger.Fields{"symbols": symbols}).Info("stream subscriptions sent")
	}

	pingCancel := c.startPingLoop(conn)
	defer pingCancel()

	return c.readLoop(conn, log)
}

// authenticate sends the auth request and waits for the authenticated
// frame within the configured timeout. Ticks received before the
// handshake completes are discarded.
func (c *Client) authenticate(conn *websocket.Conn) error {
	if err := c.writeJSON(conn, clientRequest{Action: actionAuth, Key: c.cfg.APIKey, Secret: c.cfg.APISecret}); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.AuthTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame serverFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case frameAuthenticated:
			return nil
		case frameError:
			return fmt.Errorf("auth rejected: %s (code %d)", frame.Msg, frame.Code)
		default:
			// connected banner or early data frames
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, log *logger.Entry) error {
	for {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame serverFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			if c.recordProtocolError(fmt.Errorf("parse: %w", err)) {
				return fmt.Errorf("too many consecutive protocol errors")
			}
			continue
		}

		switch frame.Type {
		case frameTick:
			c.markMessage()
			c.handleTick(frame, len(msg), log)
		case frameError:
			if c.recordProtocolError(fmt.Errorf("provider error: %s (code %d)", frame.Msg, frame.Code)) {
				return fmt.Errorf("too many consecutive provider errors")
			}
		case frameSubscription, frameConnected, frameAuthenticated:
			c.markMessage()
		default:
			log.WithFields(logger.Fields{"type": frame.Type}).Debug("ignoring unknown frame type")
		}
	}
}

func (c *Client) handleTick(frame serverFrame, size int, log *logger.Entry) {
	metrics.IncrementReceived(model.SourcePrimary)

	tick := model.Tick{
		Symbol:    frame.Symbol,
		Price:     frame.Price,
		Volume:    frame.Volume,
		Timestamp: time.UnixMilli(frame.Ts).UTC(),
		Source:    model.SourcePrimary,
	}
	if c.classOf != nil {
		if class, ok := c.classOf(frame.Symbol); ok {
			tick.AssetClass = model.AssetClass(class)
		}
	}

	if ok, reason := c.validator.Validate(tick); !ok {
		metrics.IncrementRejected(model.SourcePrimary, reason)
		return
	}

	if c.channels.SendPrimary(c.ctx, tick) {
		logger.IncrementStreamRead(size)
	} else if c.ctx.Err() == nil {
		log.WithFields(logger.Fields{"symbol": tick.Symbol}).Warn("primary channel full, dropping tick")
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, req clientRequest) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(req)
}

func (c *Client) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	pingCtx, cancel := context.WithCancel(c.ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					c.log.WithComponent("stream_client").WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) consumeForceSignal() bool {
	select {
	case <-c.forceReconnCh:
		return true
	default:
		return false
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.Backoff.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.Backoff.MaxDelay {
			delay = c.cfg.Backoff.MaxDelay
			break
		}
	}
	// Half fixed, half jitter, so simultaneous reconnects spread out.
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (c *Client) markConnected() {
	c.healthMu.Lock()
	c.health.Connected = true
	c.health.Authenticated = false
	c.health.LastError = ""
	c.connectedAt = time.Now()
	c.healthMu.Unlock()
}

func (c *Client) markAuthenticated() {
	c.healthMu.Lock()
	c.health.Authenticated = true
	c.health.ConsecutiveFailures = 0
	c.healthMu.Unlock()
}

func (c *Client) markDisconnected() {
	c.healthMu.Lock()
	c.health.Connected = false
	c.health.Authenticated = false
	c.connectedAt = time.Time{}
	c.healthMu.Unlock()
}

func (c *Client) markMessage() {
	now := time.Now()
	c.healthMu.Lock()
	c.health.LastMessageAt = &now
	c.health.ConsecutiveFailures = 0
	if now.Sub(c.rateWindow) >= time.Minute {
		c.rateWindow = now
		c.rateCount = 0
	}
	c.rateCount++
	c.healthMu.Unlock()
}

// recordProtocolError counts a parse or protocol error and reports
// whether the failure threshold was crossed.
func (c *Client) recordProtocolError(err error) bool {
	c.healthMu.Lock()
	c.health.ConsecutiveFailures++
	c.health.LastError = err.Error()
	crossed := c.health.ConsecutiveFailures >= c.cfg.FailureThreshold
	c.healthMu.Unlock()

	c.log.WithComponent("stream_client").WithError(err).Warn("stream protocol error")
	return crossed
}

func (c *Client) recordFailure(err error) {
	c.healthMu.Lock()
	c.health.ConsecutiveFailures++
	c.health.LastError = err.Error()
	c.healthMu.Unlock()
}

// currentRateLocked computes messages per minute from the rolling window.
// Callers must hold healthMu at least for reading.
func (c *Client) currentRateLocked() float64 {
	if c.rateWindow.IsZero() || c.rateCount == 0 {
		return 0
	}
	elapsed := time.Since(c.rateWindow)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	if elapsed > time.Minute {
		return 0
	}
	return float64(c.rateCount) / elapsed.Minutes()
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
