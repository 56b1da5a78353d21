package channel

import (
	"context"
	"sync"
	"time"

	"tickflow/internal/model"
	"tickflow/logger"
)

type Stats struct {
	PrimarySent      int64
	SecondarySent    int64
	RoutedSent       int64
	PrimaryDropped   int64
	SecondaryDropped int64
	RoutedDropped    int64
}

// Channels carries validated ticks between pipeline stages. Primary and
// Secondary feed the router, Routed feeds the fan-out hub. Sends never
// block: when a buffer is full the tick is dropped and counted.
type Channels struct {
	Primary   chan model.Tick
	Secondary chan model.Tick
	Routed    chan model.Tick

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize, routedBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Primary:   make(chan model.Tick, rawBufferSize),
		Secondary: make(chan model.Tick, rawBufferSize),
		Routed:    make(chan model.Tick, routedBufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":    rawBufferSize,
		"routed_buffer_size": routedBufferSize,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Primary)
	close(c.Secondary)
	close(c.Routed)
	c.log.WithComponent("channels").Info("tick channels closed")
}

// SendPrimary enqueues a validated primary tick, dropping when full.
func (c *Channels) SendPrimary(ctx context.Context, t model.Tick) bool {
	select {
	case c.Primary <- t:
		c.statsMutex.Lock()
		c.stats.PrimarySent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.PrimaryDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendSecondary enqueues a validated secondary tick, dropping when full.
func (c *Channels) SendSecondary(ctx context.Context, t model.Tick) bool {
	select {
	case c.Secondary <- t:
		c.statsMutex.Lock()
		c.stats.SecondarySent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.SecondaryDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendRouted enqueues a routed tick for fan-out, dropping when full.
func (c *Channels) SendRouted(ctx context.Context, t model.Tick) bool {
	select {
	case c.Routed <- t:
		c.statsMutex.Lock()
		c.stats.RoutedSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RoutedDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs buffer occupancy and send/drop
// counters until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("channels").WithFields(logger.Fields{
					"primary_len":       len(c.Primary),
					"primary_cap":       cap(c.Primary),
					"secondary_len":     len(c.Secondary),
					"secondary_cap":     cap(c.Secondary),
					"routed_len":        len(c.Routed),
					"routed_cap":        cap(c.Routed),
					"primary_sent":      stats.PrimarySent,
					"secondary_sent":    stats.SecondarySent,
					"routed_sent":       stats.RoutedSent,
					"primary_dropped":   stats.PrimaryDropped,
					"secondary_dropped": stats.SecondaryDropped,
					"routed_dropped":    stats.RoutedDropped,
				}).Info("channel buffer report")
			}
		}
	}()
}
