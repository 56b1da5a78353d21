package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/metrics"
	"tickflow/internal/model"
	"tickflow/logger"
)

// HealthSource is the read side of a provider client. Both the streaming
// and the polling client satisfy it.
type HealthSource interface {
	Health() model.ConnectionHealth
}

// Router owns the authoritative-source state machine. A single goroutine
// consumes validated ticks from both providers, periodic evaluation
// ticks, and admin commands; every transition happens inside that
// goroutine so triggers cannot race. Reads go through a snapshot mirror
// that only the actor goroutine writes.
type Router struct {
	cfg       config.RouterConfig
	channels  *channel.Channels
	primary   HealthSource
	secondary HealthSource
	log       *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool

	failoverCh chan string

	// Actor-owned state. Written only by the run goroutine.
	state              model.RouterState
	stateChangedAt     time.Time
	stateChangeReason  string
	fallbackCount      int
	lastFallback       *time.Time
	fallbackTotal      time.Duration
	startedAt          time.Time
	lastAccountedAt    time.Time
	primaryTickSeen    bool
	primaryHealthyFrom time.Time

	prevClose map[string]float64
	lastTicks map[string]model.Tick

	snapMu sync.RWMutex
	snap   model.RouterStatus

	// injectable clock for tests
	now func() time.Time
}

func NewRouter(cfg config.RouterConfig, ch *channel.Channels, primary, secondary HealthSource) *Router {
	return &Router{
		cfg:       cfg,
		channels:  ch,
		primary:   primary,
		secondary: secondary,
		log:       logger.GetLogger(),
		wg:        &sync.WaitGroup{},

		failoverCh: make(chan string, 4),
		state:      model.StateStartup,
		prevClose:  make(map[string]float64),
		lastTicks:  make(map[string]model.Tick),
		now:        time.Now,
	}
}

// Start launches the routing goroutine.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("router already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	now := r.now()
	r.startedAt = now
	r.stateChangedAt = now
	r.lastAccountedAt = now
	r.publishSnapshot()
	metrics.SetRouterState(r.state)

	log := r.log.WithComponent("router")
	log.WithFields(logger.Fields{
		"message_timeout":   r.cfg.MessageTimeout.String(),
		"failure_threshold": r.cfg.FailureThreshold,
		"recovery_grace":    r.cfg.RecoveryGrace.String(),
	}).Info("starting router")

	r.wg.Add(1)
	go r.run()

	log.Info("router started successfully")
	return nil
}

// Stop waits for the routing goroutine to exit. Cancel the context
// passed to Start first.
func (r *Router) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("router").Info("stopping router")
	r.wg.Wait()
	r.log.WithComponent("router").Info("router stopped")
}

// ForceFailover requests a switch to the secondary source regardless of
// primary health. It is a cooperative signal handled by the routing
// goroutine; automatic recovery checks stay active afterwards.
func (r *Router) ForceFailover() {
	select {
	case r.failoverCh <- "operator forced failover":
		r.log.WithComponent("router").Info("force failover requested")
	default:
	}
}

// Status returns the latest status snapshot.
func (r *Router) Status() model.RouterStatus {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snap
}

// LastTick returns the router's cached last-known tick for a symbol so
// new subscribers can be primed even while sources are degraded.
func (r *Router) LastTick(symbol string) (model.Tick, bool) {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	t, ok := r.lastTicks[symbol]
	return t, ok
}

func (r *Router) run() {
	defer r.wg.Done()

	interval := r.cfg.EvaluationInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := r.log.WithComponent("router").WithFields(logger.Fields{"worker": "state_machine"})

	for {
		select {
		case <-r.ctx.Done():
			return
		case tick, ok := <-r.channels.Primary:
			if !ok {
				return
			}
			r.handlePrimaryTick(tick)
		case tick, ok := <-r.channels.Secondary:
			if !ok {
				return
			}
			r.handleSecondaryTick(tick)
		case <-ticker.C:
			r.evaluate(log)
		case reason := <-r.failoverCh:
			// Restart the grace window so an immediately healthy primary
			// still has to re-earn trust; recovery itself stays automatic.
			r.primaryHealthyFrom = time.Time{}
			r.transition(model.StateFallbackActive, reason, log)
		}
	}
}

func (r *Router) handlePrimaryTick(tick model.Tick) {
	r.primaryTickSeen = true

	// Primary trade frames carry no previous close; reuse the one the
	// secondary last reported for the symbol.
	if tick.PrevClose == 0 {
		if pc, ok := r.prevClose[tick.Symbol]; ok {
			tick = tick.WithChange(pc)
		}
	}

	log := r.log.WithComponent("router")
	if r.state == model.StateStartup {
		if r.primary.Health().Healthy(r.cfg.FailureThreshold) {
			r.transition(model.StatePrimaryActive, "primary connected and delivering", log)
		}
	}

	r.cacheTick(tick)
	r.forward(tick)
}

func (r *Router) handleSecondaryTick(tick model.Tick) {
	if tick.PrevClose > 0 {
		r.prevClose[tick.Symbol] = tick.PrevClose
	}
	r.cacheTick(tick)
	r.forward(tick)
}

// forward broadcasts the tick only when its source is authoritative.
// Non-authoritative ticks were still consumed, which keeps both health
// records and the last-known cache current.
func (r *Router) forward(tick model.Tick) {
	source, ok := r.state.AuthoritativeSource()
	if !ok || source != tick.Source {
		return
	}

	metrics.IncrementRouted(tick.Source)
	logger.IncrementRouted()

	if !r.channels.SendRouted(r.ctx, tick) && r.ctx.Err() == nil {
		r.log.WithComponent("router").WithFields(logger.Fields{"symbol": tick.Symbol}).Warn("routed channel full, dropping tick")
	}
}

func (r *Router) cacheTick(tick model.Tick) {
	r.snapMu.Lock()
	r.lastTicks[tick.Symbol] = tick
	r.snapMu.Unlock()
}

// evaluate applies the transition rules against fresh health snapshots.
func (r *Router) evaluate(log *logger.Entry) {
	now := r.now()
	primaryHealthy, primaryReason := r.primaryUsable(now)
	secondaryHealthy := r.secondary.Health().Healthy(r.cfg.FailureThreshold)

	if primaryHealthy {
		if r.primaryHealthyFrom.IsZero() {
			r.primaryHealthyFrom = now
		}
	} else {
		r.primaryHealthyFrom = time.Time{}
	}

	switch r.state {
	case model.StateStartup:
		// Leaving STARTUP for PRIMARY_ACTIVE additionally requires at
		// least one accepted primary tick.
		if primaryHealthy && r.primaryTickSeen {
			r.transition(model.StatePrimaryActive, "primary connected and delivering", log)
		} else if !primaryHealthy && secondaryHealthy {
			r.transition(model.StateFallbackActive, "primary unavailable at startup: "+primaryReason, log)
		} else if !primaryHealthy && !secondaryHealthy && r.sinceStart(now) > r.cfg.MessageTimeout {
			r.transition(model.StateBothUnavailable, "no healthy source", log)
		}

	case model.StatePrimaryActive:
		if primaryHealthy {
			break
		}
		if secondaryHealthy {
			r.transition(model.StateFallbackActive, primaryReason, log)
		} else {
			r.transition(model.StateBothUnavailable, "no healthy source", log)
		}

	case model.StateFallbackActive:
		if primaryHealthy && !r.primaryHealthyFrom.IsZero() && now.Sub(r.primaryHealthyFrom) >= r.cfg.RecoveryGrace {
			r.transition(model.StatePrimaryActive, "primary healthy through recovery grace period", log)
			break
		}
		if !secondaryHealthy && !primaryHealthy {
			r.transition(model.StateBothUnavailable, "no healthy source", log)
		}

	case model.StateBothUnavailable:
		if primaryHealthy {
			r.transition(model.StatePrimaryActive, "primary recovered", log)
		} else if secondaryHealthy {
			r.transition(model.StateFallbackActive, "secondary recovered", log)
		}
	}

	r.accountFallback(now)
	r.publishSnapshot()
}

// primaryUsable reports whether the primary may be authoritative and, if
// not, why.
func (r *Router) primaryUsable(now time.Time) (bool, string) {
	h := r.primary.Health()
	if !h.Connected {
		return false, "primary disconnected"
	}
	if !h.Authenticated {
		return false, "primary not authenticated"
	}
	if h.ConsecutiveFailures >= r.cfg.FailureThreshold {
		return false, fmt.Sprintf("primary consecutive failures reached %d", h.ConsecutiveFailures)
	}
	since := h.SinceLastMessage(now)
	if since < 0 || since > r.cfg.MessageTimeout {
		return false, "primary message timeout"
	}
	return true, ""
}

func (r *Router) transition(to model.RouterState, reason string, log *logger.Entry) {
	if r.state == to {
		return
	}
	now := r.now()
	r.accountFallback(now)

	from := r.state
	r.state = to
	r.stateChangedAt = now
	r.stateChangeReason = reason

	if to == model.StateFallbackActive {
		r.fallbackCount++
		t := now
		r.lastFallback = &t
	}

	metrics.SetRouterState(to)
	r.publishSnapshot()

	log.WithFields(logger.Fields{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	}).Warn("router state changed")
}

// accountFallback accrues time spent outside PRIMARY_ACTIVE since the
// last accounting point.
func (r *Router) accountFallback(now time.Time) {
	if !r.lastAccountedAt.IsZero() && r.state != model.StatePrimaryActive && r.state != model.StateStartup {
		r.fallbackTotal += now.Sub(r.lastAccountedAt)
	}
	r.lastAccountedAt = now
}

func (r *Router) sinceStart(now time.Time) time.Duration {
	return now.Sub(r.startedAt)
}

func (r *Router) uptimePercent(now time.Time) float64 {
	total := now.Sub(r.startedAt)
	if total <= 0 {
		return 100
	}
	up := total - r.fallbackTotal
	if up < 0 {
		up = 0
	}
	return float64(up) / float64(total) * 100
}

func (r *Router) publishSnapshot() {
	now := r.now()
	snap := model.RouterStatus{
		State:                   r.state,
		StateChangedAt:          r.stateChangedAt,
		StateChangeReason:       r.stateChangeReason,
		FallbackActivationCount: r.fallbackCount,
		LastFallbackActivation:  r.lastFallback,
		TotalFallbackDuration:   r.fallbackTotal,
		UptimePercent:           r.uptimePercent(now),
	}
	r.snapMu.Lock()
	r.snap = snap
	r.snapMu.Unlock()
}
