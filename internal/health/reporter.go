package health

import (
	"time"

	"tickflow/config"
	"tickflow/internal/model"
	"tickflow/logger"
)

// RouterControl is the reporter's view of the router.
type RouterControl interface {
	Status() model.RouterStatus
	ForceFailover()
}

// StreamControl is the reporter's view of the primary client.
type StreamControl interface {
	Health() model.ConnectionHealth
	ForceReconnect()
}

// PollView is the reporter's view of the secondary client.
type PollView interface {
	Health() model.ConnectionHealth
}

// SourceReport is the per-provider health block served by the ops
// endpoints.
type SourceReport struct {
	Status              model.OverallStatus `json:"status"`
	Connected           bool                `json:"connected"`
	Authenticated       bool                `json:"authenticated"`
	SubscribedSymbols   []string            `json:"subscribedSymbols,omitempty"`
	LastMessageReceived *time.Time          `json:"lastMessageReceived,omitempty"`
	MessagesPerMinute   float64             `json:"messagesPerMinute"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastError           string              `json:"lastError,omitempty"`
}

// RouterReport is the router health block served by the ops endpoints.
type RouterReport struct {
	Status          model.OverallStatus `json:"status"`
	ConnectionState model.RouterState   `json:"connectionState"`
	PrimaryStatus   model.OverallStatus `json:"primaryStatus"`
	SecondaryStatus model.OverallStatus `json:"secondaryStatus"`
	FallbackCount   int                 `json:"fallbackCount"`
	UptimePercent   float64             `json:"uptimePercent"`
	StateChangedAt  time.Time           `json:"stateChangedAt"`
	StateReason     string              `json:"stateReason,omitempty"`
}

// Snapshot is the combined view: overall status plus which source is
// currently authoritative.
type Snapshot struct {
	Status              model.OverallStatus `json:"status"`
	AuthoritativeSource string              `json:"authoritativeSource"`
	Router              RouterReport        `json:"router"`
	Primary             SourceReport        `json:"primary"`
	Secondary           SourceReport        `json:"secondary"`
	GeneratedAt         time.Time           `json:"generatedAt"`
}

// Reporter aggregates router and client health into read-only snapshots
// and forwards the two admin actions. It holds no mutable state of its
// own.
type Reporter struct {
	cfg    config.RouterConfig
	router RouterControl
	stream StreamControl
	poll   PollView
	log    *logger.Log
}

func NewReporter(cfg config.RouterConfig, router RouterControl, stream StreamControl, poll PollView) *Reporter {
	return &Reporter{
		cfg:    cfg,
		router: router,
		stream: stream,
		poll:   poll,
		log:    logger.GetLogger(),
	}
}

// Snapshot builds the combined health view.
func (r *Reporter) Snapshot() Snapshot {
	routerStatus := r.router.Status()
	primary := r.stream.Health()
	secondary := r.poll.Health()

	source, ok := routerStatus.State.AuthoritativeSource()
	authoritative := "NONE"
	if ok {
		authoritative = string(source)
	}

	return Snapshot{
		Status:              model.StatusFor(routerStatus.State),
		AuthoritativeSource: authoritative,
		Router:              r.routerReport(routerStatus, primary, secondary),
		Primary:             r.sourceReport(primary),
		Secondary:           r.sourceReport(secondary),
		GeneratedAt:         time.Now().UTC(),
	}
}

// PrimaryReport returns the primary provider block alone.
func (r *Reporter) PrimaryReport() SourceReport {
	return r.sourceReport(r.stream.Health())
}

// RouterReport returns the router block alone.
func (r *Reporter) RouterReport() RouterReport {
	return r.routerReport(r.router.Status(), r.stream.Health(), r.poll.Health())
}

// ForceFailover asks the router to switch to the secondary source.
func (r *Reporter) ForceFailover() {
	r.log.WithComponent("health_reporter").Info("forwarding force failover to router")
	r.router.ForceFailover()
}

// ForceReconnect asks the primary client to drop and redial.
func (r *Reporter) ForceReconnect() {
	r.log.WithComponent("health_reporter").Info("forwarding force reconnect to stream client")
	r.stream.ForceReconnect()
}

func (r *Reporter) sourceReport(h model.ConnectionHealth) SourceReport {
	status := model.StatusUnhealthy
	if h.Healthy(r.cfg.FailureThreshold) {
		status = model.StatusHealthy
	}
	return SourceReport{
		Status:              status,
		Connected:           h.Connected,
		Authenticated:       h.Authenticated,
		SubscribedSymbols:   h.SubscribedSymbols,
		LastMessageReceived: h.LastMessageAt,
		MessagesPerMinute:   h.MessagesPerMinute,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
	}
}

func (r *Reporter) routerReport(status model.RouterStatus, primary, secondary model.ConnectionHealth) RouterReport {
	primaryStatus := model.StatusUnhealthy
	if primary.Healthy(r.cfg.FailureThreshold) {
		primaryStatus = model.StatusHealthy
	}
	secondaryStatus := model.StatusUnhealthy
	if secondary.Healthy(r.cfg.FailureThreshold) {
		secondaryStatus = model.StatusHealthy
	}
	return RouterReport{
		Status:          model.StatusFor(status.State),
		ConnectionState: status.State,
		PrimaryStatus:   primaryStatus,
		SecondaryStatus: secondaryStatus,
		FallbackCount:   status.FallbackActivationCount,
		UptimePercent:   status.UptimePercent,
		StateChangedAt:  status.StateChangedAt,
		StateReason:     status.StateChangeReason,
	}
}
