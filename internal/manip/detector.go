// Package manip detects order book and tape patterns associated with
// market manipulation: spoof stacks, liquidity walls and vacuums, scam
// wicks, wash-trade volume and post-surge reversals. A rule-flag layer and
// a logistic score are fused per symbol; the detector keeps a small
// per-symbol state so reversal patterns can be seen across calls.
package manip

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/exchange"
	"github.com/perpflow/scanner/internal/features"
)

// Flag severities in score points.
const (
	sevSpoofingDepthImbalance = 25
	sevLiquidityWall          = 20
	sevLiquidityVacuum        = 15
	sevScamWick               = 20
	sevOIPriceDivergence      = 15
	sevFundingPriceDivergence = 10
	sevPostSurgeReversal      = 35
	sevWashTradeVolume        = 18
	sevSpoofingReversal       = 22
	sevExhaustedSpike         = 16
)

// Input carries everything Detect needs for one symbol.
type Input struct {
	Symbol       string
	Book         *exchange.OrderBook
	Bars         []exchange.Bar
	Close        float64
	ATRPct       float64
	Ret1         float64
	Ret15        float64
	Funding8hPct *float64
	OpenInterest *float64
	TS           time.Time
}

// Result is the outcome of one detection call.
type Result struct {
	Score    float64            `json:"score"` // [0, 100], 2 decimals
	Flags    []string           `json:"flags"` // sorted, deduplicated
	Features map[string]float64 `json:"features"`
}

// symbolState remembers the prior call for one symbol.
type symbolState struct {
	mu sync.Mutex

	seen          bool
	lastPrice     float64
	lastOI        float64
	lastTS        time.Time
	lastImbalance float64
	lastVolumeZ   float64
	lastVelocity  float64
}

// Detector is the stateful per-symbol manipulation detector.
type Detector struct {
	notionalTest float64
	log          zerolog.Logger

	mu     sync.Mutex
	states map[string]*symbolState
}

// NewDetector creates a detector probing book health against the given
// test notional (USDT).
func NewDetector(notionalTest float64, logger zerolog.Logger) *Detector {
	return &Detector{
		notionalTest: notionalTest,
		log:          logger.With().Str("component", "manip").Logger(),
		states:       make(map[string]*symbolState),
	}
}

func (d *Detector) state(symbol string) *symbolState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[symbol]
	if !ok {
		st = &symbolState{}
		d.states[symbol] = st
	}
	return st
}

// Detect evaluates one symbol and updates its state. Calls for the same
// symbol are serialized by a per-symbol lock; identical inputs against
// identical state produce identical output.
func (d *Detector) Detect(in Input) Result {
	st := d.state(in.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Book shape over the top 5 levels.
	var bidTotal, askTotal, topBid, topAsk float64
	if in.Book != nil {
		for i, lvl := range in.Book.Bids {
			if i >= 5 {
				break
			}
			n := lvl.Price * lvl.Amount
			bidTotal += n
			if i == 0 {
				topBid = n
			}
		}
		for i, lvl := range in.Book.Asks {
			if i >= 5 {
				break
			}
			n := lvl.Price * lvl.Amount
			askTotal += n
			if i == 0 {
				topAsk = n
			}
		}
	}
	total := bidTotal + askTotal
	imbalance := 0.0
	if total > 0 {
		imbalance = (bidTotal - askTotal) / total
	}
	wallNotional := math.Max(topBid, topAsk)
	wallRatio := 0.0
	if total > 0 {
		wallRatio = wallNotional / total
	}
	vacuumRatio := 0.0
	if d.notionalTest > 0 {
		vacuumRatio = total / (2 * d.notionalTest)
	}

	// Last-bar wick relative to the prevailing ATR.
	wickRatio := 0.0
	if n := len(in.Bars); n > 0 && in.Bars[n-1].Close > 0 {
		last := in.Bars[n-1]
		wickRatio = (last.High - last.Low) / last.Close * 100 / math.Max(in.ATRPct, 0.1)
	}

	closes := features.Closes(in.Bars)
	volumeZ := features.VolumeZScore(in.Bars, 60)
	volRegime := features.VolatilityRegime(closes, 20, 60)
	velocity := features.PriceVelocity(closes, 5)
	pumpDump := features.PumpDumpScore(in.Ret15, in.Ret1, volumeZ, volRegime)

	imbDelta := 0.0
	oiDelta := 0.0
	if st.seen {
		imbDelta = imbalance - st.lastImbalance
		if in.OpenInterest != nil && st.lastOI > 0 {
			oiDelta = (*in.OpenInterest - st.lastOI) / st.lastOI
		}
	}

	funding := 0.0
	if in.Funding8hPct != nil {
		funding = *in.Funding8hPct
	}

	flagSet := make(map[string]int)
	if math.Abs(imbalance) > 0.65 && wallNotional > 1.5*d.notionalTest {
		flagSet["spoofing_depth_imbalance"] = sevSpoofingDepthImbalance
	}
	if wallRatio > 0.55 && wallNotional > d.notionalTest {
		flagSet["liquidity_wall"] = sevLiquidityWall
	}
	if total < 1.5*d.notionalTest {
		flagSet["liquidity_vacuum"] = sevLiquidityVacuum
	}
	if wickRatio > 3 && in.ATRPct > 0.2 {
		flagSet["scam_wick"] = sevScamWick
	}
	if oiDelta > 0.05 && in.Ret15 < -0.8 {
		flagSet["oi_price_divergence"] = sevOIPriceDivergence
	}
	if funding*in.Ret1 < 0 && math.Abs(in.Ret1) > 0.25 {
		flagSet["funding_price_divergence"] = sevFundingPriceDivergence
	}
	if pumpDump > 35 {
		flagSet["post_surge_reversal"] = sevPostSurgeReversal
	}
	if math.Abs(volumeZ) > 4 && total < 1.2*d.notionalTest {
		flagSet["wash_trade_volume"] = sevWashTradeVolume
	}
	if st.seen && st.lastImbalance*imbalance < -0.3 && math.Abs(st.lastImbalance) > 0.5 {
		flagSet["spoofing_reversal"] = sevSpoofingReversal
	}
	if st.seen && st.lastVolumeZ > 2.5 && volumeZ < 0.5 && math.Abs(in.Ret1) > 0.4 {
		flagSet["exhausted_spike"] = sevExhaustedSpike
	}

	severitySum := 0.0
	flags := make([]string, 0, len(flagSet))
	for name, sev := range flagSet {
		severitySum += float64(sev)
		flags = append(flags, name)
	}
	sort.Strings(flags)

	// Logistic model over the same evidence. Each feature is offset so the
	// benign range contributes nothing, then floored at zero.
	f := func(x float64) float64 { return math.Max(0, x) }
	lastVolumeZ := 0.0
	if st.seen {
		lastVolumeZ = st.lastVolumeZ
	}
	linear := -2.5 +
		3.2*f(math.Abs(imbalance)-0.2) +
		2.1*f(wallRatio-0.3) +
		1.4*f(wickRatio-2) +
		1.8*f(oiDelta-0.03) +
		0.9*f(math.Abs(funding)-0.05) +
		1.2*f(1-vacuumRatio) +
		1.4*f(math.Abs(volumeZ)-1) +
		1.1*f(math.Abs(velocity)/3) +
		1.8*(pumpDump/50) +
		1.3*f(math.Abs(imbDelta)-0.4) +
		0.8*f(lastVolumeZ-volumeZ-1.5)
	scoreML := sigmoid(linear) * 100

	score := math.Max(severitySum, scoreML)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	score = math.Round(score*100) / 100
	if len(flags) == 0 && score <= 5 {
		score = 0
	}

	feats := map[string]float64{
		"imbalance":    imbalance,
		"wall_ratio":   wallRatio,
		"vacuum_ratio": vacuumRatio,
		"wick_ratio":   wickRatio,
		"volume_z":     volumeZ,
		"vol_regime":   volRegime,
		"velocity":     velocity,
		"pump_dump":    pumpDump,
		"imb_delta":    imbDelta,
		"oi_delta":     oiDelta,
		"depth_total":  total,
	}

	// State update happens last so the call itself is a pure function of
	// (input, prior state).
	st.seen = true
	st.lastPrice = in.Close
	if in.OpenInterest != nil {
		st.lastOI = *in.OpenInterest
	}
	st.lastTS = in.TS
	st.lastImbalance = imbalance
	st.lastVolumeZ = volumeZ
	st.lastVelocity = velocity

	if score >= 50 {
		d.log.Debug().
			Str("symbol", in.Symbol).
			Float64("score", score).
			Strs("flags", flags).
			Msg("High manipulation score")
	}

	return Result{Score: score, Flags: flags, Features: feats}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
