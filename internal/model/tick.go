package model

import "time"

// Source identifies which provider produced a tick.
type Source string

const (
	SourcePrimary   Source = "PRIMARY"
	SourceSecondary Source = "SECONDARY"
)

// AssetClass groups symbols for subscription purposes.
type AssetClass string

const (
	AssetClassStocks AssetClass = "stocks"
	AssetClassCrypto AssetClass = "crypto"
)

// Tick is one normalized price observation for a symbol from a given
// source at a given time. Change and ChangePercent are computed against
// the symbol's previous session close, never against intraday values.
type Tick struct {
	Symbol        string     `json:"symbol"`
	AssetClass    AssetClass `json:"assetClass"`
	Price         float64    `json:"price"`
	Volume        float64    `json:"volume,omitempty"`
	Change        float64    `json:"change"`
	ChangePercent float64    `json:"changePercent"`
	// PrevClose carries the previous session close when the producing
	// client knows it (secondary quotes do, primary trades do not).
	PrevClose float64   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// WithChange returns a copy of the tick annotated against prevClose.
func (t Tick) WithChange(prevClose float64) Tick {
	if prevClose > 0 {
		t.Change = t.Price - prevClose
		t.ChangePercent = (t.Price - prevClose) / prevClose * 100
	}
	return t
}
