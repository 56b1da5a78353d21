package fanout

import (
	"hash/fnv"
	"sync"
	"time"

	"tickflow/internal/metrics"
	"tickflow/internal/model"
	"tickflow/logger"
)

const shardCount = 16

// Subscriber is one downstream connection. Send must not block: it
// enqueues onto a bounded queue and reports false when the queue is
// full, in which case the tick is dropped for that subscriber.
type Subscriber interface {
	ID() string
	Send(tick model.Tick) bool
}

type groupKey struct {
	class  model.AssetClass
	symbol string // empty for the assetClass-wide group
}

type shard struct {
	mu     sync.RWMutex
	groups map[groupKey]map[string]Subscriber
}

// Hub distributes routed ticks to subscribers grouped by (assetClass,
// symbol) and by asset class. The registry is sharded by group key so
// subscribe churn on one symbol does not serialize against publishes on
// another. Per-symbol delivery is coalesced to an update-rate cap with
// latest-wins semantics.
type Hub struct {
	log    *logger.Log
	shards [shardCount]*shard

	// subscriber id -> the groups it belongs to, for idempotent
	// disconnects
	memberMu sync.Mutex
	members  map[string]map[groupKey]struct{}

	paceMu      sync.Mutex
	pacers      map[string]*symbolPacer
	minInterval time.Duration

	closed chan struct{}
	once   sync.Once
}

// symbolPacer throttles one symbol. pending holds the newest tick that
// has not been delivered yet.
type symbolPacer struct {
	lastSent   time.Time
	pending    *model.Tick
	timerArmed bool
}

// NewHub creates a hub capping delivery at maxUpdatesPerSecond per
// symbol. Zero or negative disables coalescing.
func NewHub(maxUpdatesPerSecond int) *Hub {
	h := &Hub{
		log:     logger.GetLogger(),
		members: make(map[string]map[groupKey]struct{}),
		pacers:  make(map[string]*symbolPacer),
		closed:  make(chan struct{}),
	}
	if maxUpdatesPerSecond > 0 {
		h.minInterval = time.Second / time.Duration(maxUpdatesPerSecond)
	}
	for i := range h.shards {
		h.shards[i] = &shard{groups: make(map[groupKey]map[string]Subscriber)}
	}
	return h
}

// Close stops pending coalesced deliveries.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.closed) })
}

// Subscribe adds the subscriber to the group of every (class, symbol)
// pair. An empty symbol list subscribes to the class-wide group only.
func (h *Hub) Subscribe(sub Subscriber, class model.AssetClass, symbols []string) {
	if len(symbols) == 0 {
		h.addMember(sub, groupKey{class: class})
	}
	for _, s := range symbols {
		h.addMember(sub, groupKey{class: class, symbol: s})
	}

	h.log.WithComponent("fanout").WithFields(logger.Fields{
		"subscriber": sub.ID(),
		"assetClass": string(class),
		"symbols":    symbols,
	}).Debug("subscriber added to groups")
	metrics.SetSubscribers(h.subscriberCount())
}

// Unsubscribe removes the subscriber from the given symbol groups, or
// from the class-wide group when symbols is empty.
func (h *Hub) Unsubscribe(sub Subscriber, class model.AssetClass, symbols []string) {
	if len(symbols) == 0 {
		h.removeMember(sub.ID(), groupKey{class: class})
	}
	for _, s := range symbols {
		h.removeMember(sub.ID(), groupKey{class: class, symbol: s})
	}
	metrics.SetSubscribers(h.subscriberCount())
}

// OnDisconnect removes the subscriber from every group it belongs to.
// Safe to call multiple times and for subscribers that never subscribed.
func (h *Hub) OnDisconnect(id string) {
	h.memberMu.Lock()
	keys := h.members[id]
	delete(h.members, id)
	h.memberMu.Unlock()

	for key := range keys {
		s := h.shardFor(key)
		s.mu.Lock()
		if group, ok := s.groups[key]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(s.groups, key)
			}
		}
		s.mu.Unlock()
	}
	metrics.SetSubscribers(h.subscriberCount())
}

// Publish delivers a routed tick to all matching subscribers, subject to
// the per-symbol rate cap. The newest tick always supersedes an
// undelivered pending one.
func (h *Hub) Publish(tick model.Tick) {
	if h.minInterval <= 0 {
		h.deliver(tick)
		return
	}

	h.paceMu.Lock()
	p, ok := h.pacers[tick.Symbol]
	if !ok {
		p = &symbolPacer{}
		h.pacers[tick.Symbol] = p
	}

	now := time.Now()
	if wait := h.minInterval - now.Sub(p.lastSent); wait > 0 {
		p.pending = &tick
		if !p.timerArmed {
			p.timerArmed = true
			time.AfterFunc(wait, func() { h.flushPending(tick.Symbol) })
		}
		h.paceMu.Unlock()
		return
	}
	p.lastSent = now
	h.paceMu.Unlock()

	h.deliver(tick)
}

func (h *Hub) flushPending(symbol string) {
	select {
	case <-h.closed:
		return
	default:
	}

	h.paceMu.Lock()
	p := h.pacers[symbol]
	if p == nil || p.pending == nil {
		if p != nil {
			p.timerArmed = false
		}
		h.paceMu.Unlock()
		return
	}
	tick := *p.pending
	p.pending = nil
	p.timerArmed = false
	p.lastSent = time.Now()
	h.paceMu.Unlock()

	h.deliver(tick)
}

// deliver sends the tick to the symbol group and the class-wide group,
// at most once per subscriber even when it belongs to both.
func (h *Hub) deliver(tick model.Tick) {
	targets := make(map[string]Subscriber)
	h.collect(groupKey{class: tick.AssetClass, symbol: tick.Symbol}, targets)
	h.collect(groupKey{class: tick.AssetClass}, targets)
	if len(targets) == 0 {
		return
	}

	for _, sub := range targets {
		if sub.Send(tick) {
			metrics.IncrementDelivered()
			logger.IncrementDelivery(0)
		} else {
			metrics.IncrementDropped()
			logger.IncrementDeliveryDrop()
			h.log.WithComponent("fanout").WithFields(logger.Fields{
				"subscriber": sub.ID(),
				"symbol":     tick.Symbol,
			}).Warn("subscriber queue full, tick dropped")
		}
	}
}

func (h *Hub) collect(key groupKey, into map[string]Subscriber) {
	s := h.shardFor(key)
	s.mu.RLock()
	for id, sub := range s.groups[key] {
		into[id] = sub
	}
	s.mu.RUnlock()
}

func (h *Hub) addMember(sub Subscriber, key groupKey) {
	s := h.shardFor(key)
	s.mu.Lock()
	group, ok := s.groups[key]
	if !ok {
		group = make(map[string]Subscriber)
		s.groups[key] = group
	}
	group[sub.ID()] = sub
	s.mu.Unlock()

	h.memberMu.Lock()
	keys, ok := h.members[sub.ID()]
	if !ok {
		keys = make(map[groupKey]struct{})
		h.members[sub.ID()] = keys
	}
	keys[key] = struct{}{}
	h.memberMu.Unlock()
}

func (h *Hub) removeMember(id string, key groupKey) {
	s := h.shardFor(key)
	s.mu.Lock()
	if group, ok := s.groups[key]; ok {
		delete(group, id)
		if len(group) == 0 {
			delete(s.groups, key)
		}
	}
	s.mu.Unlock()

	h.memberMu.Lock()
	if keys, ok := h.members[id]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(h.members, id)
		}
	}
	h.memberMu.Unlock()
}

func (h *Hub) subscriberCount() int {
	h.memberMu.Lock()
	defer h.memberMu.Unlock()
	return len(h.members)
}

func (h *Hub) shardFor(key groupKey) *shard {
	hash := fnv.New32a()
	hash.Write([]byte(key.class))
	hash.Write([]byte{0})
	hash.Write([]byte(key.symbol))
	return h.shards[hash.Sum32()%shardCount]
}
