package stream

// The primary provider speaks a small JSON protocol: the client opens a
// websocket, authenticates, then subscribes to symbols. Every server
// frame carries a "type" discriminator.

type clientRequest struct {
	Action  string   `json:"action"`
	Key     string   `json:"key,omitempty"`
	Secret  string   `json:"secret,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

const (
	actionAuth        = "auth"
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

type serverFrame struct {
	Type   string  `json:"type"`
	Msg    string  `json:"msg,omitempty"`
	Code   int     `json:"code,omitempty"`
	Symbol string  `json:"symbol,omitempty"`
	Price  float64 `json:"price,omitempty"`
	Volume float64 `json:"volume,omitempty"`
	// Ts is the event time in unix milliseconds.
	Ts int64 `json:"ts,omitempty"`
}

const (
	frameConnected     = "connected"
	frameAuthenticated = "authenticated"
	frameSubscription  = "subscription"
	frameError         = "error"
	frameTick          = "tick"
)
