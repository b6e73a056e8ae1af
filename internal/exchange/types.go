package exchange

import "time"

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a depth snapshot for a symbol.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"` // best first
	Asks      []BookLevel `json:"asks"` // best first
	Timestamp time.Time   `json:"timestamp"`
}

// Ticker is a 24h rolling ticker for a symbol.
type Ticker struct {
	Symbol       string                 `json:"symbol"`
	Bid          float64                `json:"bid"`
	Ask          float64                `json:"ask"`
	Last         float64                `json:"last"`
	High         float64                `json:"high"`
	Low          float64                `json:"low"`
	QuoteVolume  float64                `json:"quote_volume"`
	BaseVolume   float64                `json:"base_volume"`
	Timestamp    time.Time              `json:"timestamp"`
	ProviderInfo map[string]interface{} `json:"provider_info,omitempty"` // raw provider payload, shape varies per venue
}

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Trade is one public trade print.
type Trade struct {
	ID        string    `json:"id"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Side      string    `json:"side"` // "buy" or "sell" (taker side)
	Timestamp time.Time `json:"timestamp"`
}

// FundingRate is the current funding rate for a perp symbol.
type FundingRate struct {
	Rate       float64   `json:"rate"` // per funding interval, fractional (0.0001 = 1bp)
	MarkPrice  float64   `json:"mark_price,omitempty"`
	IndexPrice float64   `json:"index_price,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OpenInterest is the current open interest for a perp symbol.
type OpenInterest struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketInfo describes one tradeable market.
type MarketInfo struct {
	Symbol      string `json:"symbol"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
	Settle      string `json:"settle"`
	ContractTyp string `json:"contract_type"` // "perpetual" for swaps
	Active      bool   `json:"active"`
}

// IsUSDTPerp reports whether the market is an active USDT-settled perpetual swap.
func (m MarketInfo) IsUSDTPerp() bool {
	return m.Active && m.Settle == "USDT" && m.ContractTyp == "perpetual"
}

// BreakerState labels for AdapterState.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
	StateIdle     = "idle"
)

// AdapterState is a point-in-time view of the adapter health, exposed
// to the control plane. It is a value; nothing points back at the adapter.
type AdapterState struct {
	Exchange          string `json:"exchange"`
	State             string `json:"state"`
	FailCount         int    `json:"fail_count"`
	CooldownRemaining int    `json:"cooldown_remaining_s"`
	Threshold         int    `json:"threshold"`
}
