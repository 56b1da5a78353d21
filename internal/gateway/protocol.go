package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tickflow/internal/model"
)

const (
	actionSubscribe           = "subscribe"
	actionUnsubscribe         = "unsubscribe"
	actionSubscribeAssetClass = "subscribeToAssetClass"
	actionUnsubscribeAll      = "unsubscribeAll"
)

const (
	eventAck   = "ack"
	eventError = "error"
	eventTick  = "tick"
)

// clientCommand is one inbound subscription request. Symbols is kept
// raw because clients historically send a single symbol, an array, or a
// comma-separated list interchangeably.
type clientCommand struct {
	Action     string          `json:"action"`
	RequestID  string          `json:"requestId,omitempty"`
	AssetClass string          `json:"assetClass,omitempty"`
	Symbols    json.RawMessage `json:"symbols,omitempty"`
}

type ackEvent struct {
	Type       string   `json:"type"`
	RequestID  string   `json:"requestId,omitempty"`
	Action     string   `json:"action"`
	AssetClass string   `json:"assetClass,omitempty"`
	Symbols    []string `json:"symbols,omitempty"`
}

type errorEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Msg       string `json:"msg"`
}

type tickEvent struct {
	Type          string    `json:"type"`
	Symbol        string    `json:"symbol"`
	AssetClass    string    `json:"assetClass,omitempty"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Volume        float64   `json:"volume,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func newTickEvent(t model.Tick) tickEvent {
	return tickEvent{
		Type:          eventTick,
		Symbol:        t.Symbol,
		AssetClass:    string(t.AssetClass),
		Price:         t.Price,
		Change:        t.Change,
		ChangePercent: t.ChangePercent,
		Volume:        t.Volume,
		Timestamp:     t.Timestamp,
	}
}

// normalizeSymbols canonicalizes the loosely typed symbols payload into
// a deduplicated, uppercased set. Accepted shapes: a JSON string (one
// symbol or a comma-separated list), or a JSON array of strings.
// Anything else is rejected rather than treated as an empty set.
func normalizeSymbols(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return splitSymbolList(single), nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, splitSymbolList(item)...)
		}
		return dedupe(out), nil
	}

	return nil, fmt.Errorf("symbols must be a string or an array of strings")
}

func splitSymbolList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return dedupe(out)
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := symbols[:0]
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// parseAssetClass validates the inbound asset class value.
func parseAssetClass(s string) (model.AssetClass, error) {
	switch model.AssetClass(strings.ToLower(strings.TrimSpace(s))) {
	case model.AssetClassStocks:
		return model.AssetClassStocks, nil
	case model.AssetClassCrypto:
		return model.AssetClassCrypto, nil
	default:
		return "", fmt.Errorf("unknown asset class %q", s)
	}
}
