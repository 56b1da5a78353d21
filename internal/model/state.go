package model

import "time"

// RouterState is the authoritative-source state machine position.
type RouterState string

const (
	StateStartup         RouterState = "STARTUP"
	StatePrimaryActive   RouterState = "PRIMARY_ACTIVE"
	StateFallbackActive  RouterState = "FALLBACK_ACTIVE"
	StateBothUnavailable RouterState = "BOTH_UNAVAILABLE"
)

// AuthoritativeSource maps the state to the source whose ticks are
// forwarded downstream. During STARTUP and BOTH_UNAVAILABLE no source is
// authoritative and nothing is forwarded.
func (s RouterState) AuthoritativeSource() (Source, bool) {
	switch s {
	case StatePrimaryActive:
		return SourcePrimary, true
	case StateFallbackActive:
		return SourceSecondary, true
	default:
		return "", false
	}
}

// RouterStatus is the router's externally visible status snapshot.
type RouterStatus struct {
	State                   RouterState   `json:"state"`
	StateChangedAt          time.Time     `json:"stateChangedAt"`
	StateChangeReason       string        `json:"stateChangeReason"`
	FallbackActivationCount int           `json:"fallbackCount"`
	LastFallbackActivation  *time.Time    `json:"lastFallbackActivation,omitempty"`
	TotalFallbackDuration   time.Duration `json:"totalFallbackDuration"`
	UptimePercent           float64       `json:"uptimePercent"`
}

// OverallStatus is the tri-level health classification derived from the
// router state for the ops endpoint.
type OverallStatus string

const (
	StatusHealthy   OverallStatus = "Healthy"
	StatusDegraded  OverallStatus = "Degraded"
	StatusUnhealthy OverallStatus = "Unhealthy"
	StatusUnknown   OverallStatus = "Unknown"
)

// StatusFor classifies a router state.
func StatusFor(state RouterState) OverallStatus {
	switch state {
	case StatePrimaryActive:
		return StatusHealthy
	case StateFallbackActive:
		return StatusDegraded
	case StateBothUnavailable:
		return StatusUnhealthy
	default:
		return StatusUnknown
	}
}
