package model

import "time"

// ConnectionHealth is a point-in-time snapshot of a provider connection.
// It is produced by the owning client only; other components read copies.
type ConnectionHealth struct {
	Source              Source        `json:"source"`
	Connected           bool          `json:"connected"`
	Authenticated       bool          `json:"authenticated"`
	LastMessageAt       *time.Time    `json:"lastMessageAt,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	MessagesPerMinute   float64       `json:"messagesPerMinute"`
	Uptime              time.Duration `json:"uptime,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	SubscribedSymbols   []string      `json:"subscribedSymbols,omitempty"`
}

// Healthy reports whether the connection can be trusted as a data source.
// The secondary polling provider never authenticates, so a nil
// authentication requirement is expressed by the client always setting
// Authenticated together with Connected.
func (h ConnectionHealth) Healthy(failureThreshold int) bool {
	return h.Connected && h.Authenticated && h.ConsecutiveFailures < failureThreshold
}

// SinceLastMessage returns the elapsed time since the last message, or a
// negative duration when no message has been received yet.
func (h ConnectionHealth) SinceLastMessage(now time.Time) time.Duration {
	if h.LastMessageAt == nil {
		return -1
	}
	return now.Sub(*h.LastMessageAt)
}
