// Package model holds the value objects shared across the scan pipeline.
// Snapshots are produced once per symbol per cycle and never mutated by
// consumers; frames are immutable per cycle.
package model

import "time"

// RejectScore is the sentinel marking a snapshot filtered out by gates.
const RejectScore = -1e6

// Snapshot is the per-symbol, per-cycle record of raw liquidity, price
// action, microstructure features and the final score.
type Snapshot struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	TS       time.Time `json:"ts"`

	// Raw liquidity
	QuoteVolumeUSDT float64 `json:"quote_volume_usdt"`
	Top5DepthUSDT   float64 `json:"top5_depth_usdt"`
	SpreadBps       float64 `json:"spread_bps"`
	SlipBps         float64 `json:"slip_bps"`

	// Price action
	ATRPct        float64 `json:"atr_pct"`
	Ret1          float64 `json:"ret_1"`
	Ret15         float64 `json:"ret_15"`
	PriceVelocity float64 `json:"price_velocity"`

	// Derivatives context (nullable)
	Funding8hPct *float64 `json:"funding_8h_pct,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
	BasisBps     *float64 `json:"basis_bps,omitempty"`

	// Microstructure
	VolumeZScore       float64 `json:"volume_zscore"`
	OrderFlowImbalance float64 `json:"order_flow_imbalance"`
	VolatilityRegime   float64 `json:"volatility_regime"`
	AnomalyScore       float64 `json:"anomaly_score"`
	DepthToVolumeRatio float64 `json:"depth_to_volume_ratio"`

	// Cross-sectional edges, peer z-scores clipped to [-3, 3]
	LiquidityEdge      float64 `json:"liquidity_edge"`
	MomentumEdge       float64 `json:"momentum_edge"`
	VolatilityEdge     float64 `json:"volatility_edge"`
	MicrostructureEdge float64 `json:"microstructure_edge"`
	AnomalyResidual    float64 `json:"anomaly_residual"`

	// Momentum extras
	Z15s         float64 `json:"z_15s"`
	Z1m          float64 `json:"z_1m"`
	Z5m          float64 `json:"z_5m"`
	VWAPDistance float64 `json:"vwap_distance"`
	RSI14        float64 `json:"rsi14"`

	// Risk
	ManipScore *float64 `json:"manip_score,omitempty"`
	ManipFlags []string `json:"manip_flags"` // alphabetically sorted, deduplicated

	// Output
	Score float64 `json:"score"`

	// Collection metadata
	LatencyMS int64 `json:"latency_ms"`
}

// RankedItem is a snapshot-derived view enriched with ranking context.
type RankedItem struct {
	Snapshot                       Snapshot           `json:"snapshot"`
	Rank                           int                `json:"rank"`
	RankDelta                      int                `json:"rank_delta"`
	ScoreComponents                map[string]float64 `json:"score_components"`
	ExecutionMetrics               map[string]float64 `json:"execution_metrics"`
	Stale                          bool               `json:"stale"`
	LatencyMS                      int64              `json:"latency_ms"`
	ManipulationThresholdExceeded  bool               `json:"manipulation_threshold_exceeded"`
}

// RankingFrame is the per-cycle immutable output broadcast to subscribers.
type RankingFrame struct {
	TS               time.Time    `json:"ts"`
	Profile          string       `json:"profile"`
	MarketGauge      float64      `json:"market_gauge"` // mean ATR% across the universe
	VolatilityBucket string       `json:"volatility_bucket"` // low, medium, high
	Items            []RankedItem `json:"items"`
}

// ScanCycleReport summarizes one completed cycle.
type ScanCycleReport struct {
	DurationMS   int64     `json:"duration_ms"`
	Scanned      int       `json:"scanned"`
	Ranked       int       `json:"ranked"`
	Errors       int       `json:"errors"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	AdapterState string    `json:"adapter_state"`
}

// Signal is a matched-rule event published on the signal bus.
type Signal struct {
	ID        string          `json:"id"`
	RuleName  string          `json:"rule"`
	Symbol    string          `json:"symbol"`
	Payload   map[string]any  `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}
