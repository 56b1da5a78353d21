// Package metrics registers the Prometheus collectors for the pipeline:
//
//	tickflow_ticks_received_total
//	tickflow_ticks_rejected_total
//	tickflow_ticks_routed_total
//	tickflow_router_state
//	tickflow_fanout_delivered_total
//	tickflow_fanout_dropped_total
//	go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickflow/internal/model"
	"tickflow/logger"
)

var (
	once            sync.Once
	ticksReceived   *prometheus.CounterVec
	ticksRejected   *prometheus.CounterVec
	ticksRouted     *prometheus.CounterVec
	routerState     prometheus.Gauge
	fanoutDelivered prometheus.Counter
	fanoutDropped   prometheus.Counter
	subscribers     prometheus.Gauge
)

var stateValues = map[model.RouterState]float64{
	model.StateStartup:         0,
	model.StatePrimaryActive:   1,
	model.StateFallbackActive:  2,
	model.StateBothUnavailable: 3,
}

// Init registers the collectors and starts the metrics listener. Safe to
// call more than once; only the first call has effect.
func Init(address string) {
	once.Do(func() {
		ticksReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_ticks_received_total",
				Help: "Number of raw ticks received per source",
			},
			[]string{"source"},
		)
		ticksRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_ticks_rejected_total",
				Help: "Number of ticks rejected by validation per source and reason",
			},
			[]string{"source", "reason"},
		)
		ticksRouted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_ticks_routed_total",
				Help: "Number of ticks forwarded downstream per source",
			},
			[]string{"source"},
		)
		routerState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickflow_router_state",
			Help: "Router state: 0 startup, 1 primary, 2 fallback, 3 both unavailable",
		})
		fanoutDelivered = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_fanout_delivered_total",
			Help: "Number of tick deliveries to websocket subscribers",
		})
		fanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_fanout_dropped_total",
			Help: "Number of deliveries dropped due to full subscriber queues",
		})
		subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickflow_subscribers",
			Help: "Number of connected websocket subscribers",
		})

		_ = prometheus.Register(ticksReceived)
		_ = prometheus.Register(ticksRejected)
		_ = prometheus.Register(ticksRouted)
		_ = prometheus.Register(routerState)
		_ = prometheus.Register(fanoutDelivered)
		_ = prometheus.Register(fanoutDropped)
		_ = prometheus.Register(subscribers)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if address == "" {
			address = "0.0.0.0:2112"
		}

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// IncrementReceived increases the received counter for a source.
func IncrementReceived(source model.Source) {
	if ticksReceived != nil {
		ticksReceived.WithLabelValues(string(source)).Inc()
	}
}

// IncrementRejected increases the rejected counter for a source and reason.
func IncrementRejected(source model.Source, reason string) {
	if ticksRejected != nil {
		ticksRejected.WithLabelValues(string(source), reason).Inc()
	}
}

// IncrementRouted increases the routed counter for a source.
func IncrementRouted(source model.Source) {
	if ticksRouted != nil {
		ticksRouted.WithLabelValues(string(source)).Inc()
	}
}

// SetRouterState records the current router state.
func SetRouterState(state model.RouterState) {
	if routerState != nil {
		routerState.Set(stateValues[state])
	}
}

// IncrementDelivered increases the fan-out delivery counter.
func IncrementDelivered() {
	if fanoutDelivered != nil {
		fanoutDelivered.Inc()
	}
}

// IncrementDropped increases the fan-out drop counter.
func IncrementDropped() {
	if fanoutDropped != nil {
		fanoutDropped.Inc()
	}
}

// SetSubscribers records the connected subscriber count.
func SetSubscribers(n int) {
	if subscribers != nil {
		subscribers.Set(float64(n))
	}
}
