package validate

import (
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/model"
	"tickflow/logger"
)

// Rejection reasons, stable strings used in logs and metrics labels.
const (
	ReasonMissingPrice   = "missing_price"
	ReasonPriceBounds    = "price_out_of_bounds"
	ReasonNegativeVolume = "negative_volume"
	ReasonStale          = "stale_timestamp"
	ReasonFuture         = "future_timestamp"
	ReasonExcessiveMove  = "excessive_move"
)

// Validator sanity-checks single ticks before they enter the router. It is
// a data-quality guard against malformed or glitchy upstream data, not a
// trading-signal filter. The last-accepted-price cache is the only mutable
// state and is updated only when a tick is accepted.
type Validator struct {
	cfg config.ValidationConfig
	log *logger.Log

	mu         sync.Mutex
	lastPrices map[string]float64

	now func() time.Time
}

func New(cfg config.ValidationConfig) *Validator {
	return &Validator{
		cfg:        cfg,
		log:        logger.GetLogger(),
		lastPrices: make(map[string]float64),
		now:        time.Now,
	}
}

// Validate applies the rules in order and reports whether the tick is
// accepted. On rejection the returned reason identifies the failed rule
// and the last-price cache is left untouched.
func (v *Validator) Validate(t model.Tick) (bool, string) {
	if t.Price <= 0 {
		return v.reject(t, ReasonMissingPrice, "price must be present and positive")
	}
	if t.Price < v.cfg.MinPrice || t.Price > v.cfg.MaxPrice {
		return v.reject(t, ReasonPriceBounds, fmt.Sprintf("price outside [%g, %g]", v.cfg.MinPrice, v.cfg.MaxPrice))
	}
	if t.Volume < 0 {
		return v.reject(t, ReasonNegativeVolume, "volume must not be negative")
	}

	now := v.now()
	if v.cfg.MaxAge > 0 && t.Timestamp.Before(now.Add(-v.cfg.MaxAge)) {
		return v.reject(t, ReasonStale, fmt.Sprintf("timestamp older than %s", v.cfg.MaxAge))
	}
	if v.cfg.MaxFutureSkew > 0 && t.Timestamp.After(now.Add(v.cfg.MaxFutureSkew)) {
		return v.reject(t, ReasonFuture, fmt.Sprintf("timestamp more than %s in the future", v.cfg.MaxFutureSkew))
	}

	v.mu.Lock()
	last, seen := v.lastPrices[t.Symbol]
	if seen && last > 0 {
		movePct := (t.Price - last) / last * 100
		if movePct < 0 {
			movePct = -movePct
		}
		if movePct > v.cfg.MaxMovePercent {
			v.mu.Unlock()
			return v.reject(t, ReasonExcessiveMove,
				fmt.Sprintf("%.2f%% move vs last accepted %.4f exceeds %.2f%%", movePct, last, v.cfg.MaxMovePercent))
		}
	}
	v.lastPrices[t.Symbol] = t.Price
	v.mu.Unlock()
	return true, ""
}

func (v *Validator) reject(t model.Tick, reason, detail string) (bool, string) {
	v.log.WithComponent("validator").WithFields(logger.Fields{
		"symbol": t.Symbol,
		"source": t.Source,
		"price":  t.Price,
		"reason": reason,
	}).Warn(detail)
	logger.IncrementRejected()
	return false, reason
}

// LastPrice returns the last accepted price for a symbol.
func (v *Validator) LastPrice(symbol string) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.lastPrices[symbol]
	return p, ok
}

// Seed pre-populates the last-price cache, used by tests and by warm
// starts from a reference snapshot.
func (v *Validator) Seed(prices map[string]float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for sym, p := range prices {
		v.lastPrices[sym] = p
	}
}

// Reset clears the last-price cache.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPrices = make(map[string]float64)
}
