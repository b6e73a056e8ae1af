// Package features holds the pure per-symbol metric transforms. Every
// function maps raw exchange payloads to floats and never fails: undefined
// inputs produce numeric defaults (0 for additive features, 50 for RSI,
// the 10000 bps sentinel for spread and slippage).
package features

import (
	"math"
	"sort"

	"github.com/perpflow/scanner/internal/exchange"
)

// SpreadSentinelBps is returned when a spread or slippage is undefined.
const SpreadSentinelBps = 10000.0

// QuoteVolumeUSDT extracts the 24h quote volume from a ticker, preferring
// the explicit quote volume, then base volume times last, then any
// turnover-style field buried in the provider info payload.
func QuoteVolumeUSDT(t *exchange.Ticker) float64 {
	if t == nil {
		return 0
	}
	if t.QuoteVolume > 0 {
		return t.QuoteVolume
	}
	if t.BaseVolume > 0 && t.Last > 0 {
		return t.BaseVolume * t.Last
	}
	return scanTurnover(t.ProviderInfo)
}

func scanTurnover(info map[string]interface{}) float64 {
	if info == nil {
		return 0
	}
	for _, key := range []string{"turnover", "turnover24h", "quote_volume", "quoteVolume24h"} {
		if v, ok := toFloat(info[key]); ok && v > 0 {
			return v
		}
	}
	// Provider payloads often nest the interesting map one level down.
	for _, v := range info {
		if nested, ok := v.(map[string]interface{}); ok {
			if got := scanTurnover(nested); got > 0 {
				return got
			}
		}
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// SpreadBps computes the bid/ask spread in basis points of the mid price.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return SpreadSentinelBps
	}
	mid := (ask + bid) / 2
	return (ask - bid) / mid * 1e4
}

// TopDepthUSDT sums price*amount across the top n bid and ask levels.
func TopDepthUSDT(book *exchange.OrderBook, n int) float64 {
	if book == nil {
		return 0
	}
	total := 0.0
	for i, lvl := range book.Bids {
		if i >= n {
			break
		}
		total += lvl.Price * lvl.Amount
	}
	for i, lvl := range book.Asks {
		if i >= n {
			break
		}
		total += lvl.Price * lvl.Amount
	}
	return total
}

// ATRPct computes the average true range over the last `period` bars as a
// percentage of the last close. TR = max(H-L, |H-prevC|, |L-prevC|).
func ATRPct(bars []exchange.Bar, period int) float64 {
	if period <= 0 {
		period = 50
	}
	if len(bars) < 2 {
		return 0
	}
	start := len(bars) - period
	if start < 1 {
		start = 1
	}
	sum := 0.0
	count := 0
	for i := start; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := bars[i].High - bars[i].Low
		if d := math.Abs(bars[i].High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(bars[i].Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
		count++
	}
	lastClose := bars[len(bars)-1].Close
	if count == 0 || lastClose <= 0 {
		return 0
	}
	return sum / float64(count) / lastClose * 100
}

// Returns computes the 1-bar and lookback-bar percentage returns.
// When the series is shorter than the lookback, ret_15 falls back to ret_1.
func Returns(closes []float64, lookback int) (ret1, retN float64) {
	if lookback <= 0 {
		lookback = 15
	}
	n := len(closes)
	if n < 2 || closes[n-2] <= 0 {
		return 0, 0
	}
	ret1 = (closes[n-1]/closes[n-2] - 1) * 100
	if n > lookback && closes[n-lookback-1] > 0 {
		retN = (closes[n-1]/closes[n-lookback-1] - 1) * 100
	} else {
		retN = ret1
	}
	return ret1, retN
}

// MomentumZScore scores the latest `horizon`-bar return against the
// population of same-horizon returns over the lookback window, clipped to
// [-10, 10]. Series too short for ten observations return 0.
func MomentumZScore(closes []float64, horizon, lookback int) float64 {
	if horizon <= 0 {
		horizon = 1
	}
	if lookback <= 0 {
		lookback = 60
	}
	n := len(closes)
	if n < horizon+1 {
		return 0
	}
	start := n - lookback - horizon
	if start < 0 {
		start = 0
	}
	rets := make([]float64, 0, lookback)
	for i := start; i+horizon < n; i++ {
		if closes[i] <= 0 {
			continue
		}
		rets = append(rets, (closes[i+horizon]/closes[i]-1)*100)
	}
	if len(rets) < 10 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	sigma := math.Sqrt(variance / float64(len(rets)))
	if sigma < 1e-6 {
		return 0
	}
	return clip((rets[len(rets)-1]-mean)/sigma, -10, 10)
}

// EstimateSlippageBps walks the book consuming `notional` quote units and
// returns the expected slippage versus mid in basis points. side is "buy",
// "sell" or "both" (worst of the two). Books too thin to fill at least
// 99.9% of the notional return the sentinel.
func EstimateSlippageBps(book *exchange.OrderBook, notional float64, side string) float64 {
	if book == nil || notional <= 0 || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return SpreadSentinelBps
	}
	bestBid := book.Bids[0].Price
	bestAsk := book.Asks[0].Price
	if bestBid <= 0 || bestAsk <= 0 {
		return SpreadSentinelBps
	}
	mid := (bestBid + bestAsk) / 2

	switch side {
	case "buy":
		return walkLevels(book.Asks, notional, mid)
	case "sell":
		return walkLevels(book.Bids, notional, mid)
	default:
		buy := walkLevels(book.Asks, notional, mid)
		sell := walkLevels(book.Bids, notional, mid)
		return math.Max(buy, sell)
	}
}

func walkLevels(levels []exchange.BookLevel, notional, mid float64) float64 {
	remaining := notional
	cost := 0.0
	qty := 0.0
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		levelNotional := lvl.Price * lvl.Amount
		take := math.Min(levelNotional, remaining)
		if lvl.Price <= 0 {
			continue
		}
		cost += take
		qty += take / lvl.Price
		remaining -= take
	}
	filled := notional - remaining
	if filled < notional*0.999 || qty <= 0 {
		return SpreadSentinelBps
	}
	avgFill := cost / qty
	return math.Abs(avgFill-mid) / mid * 1e4
}

// OrderFlowImbalance computes (bidNotional-askNotional)/total over the top
// `depth` levels, bounded to [-1, 1].
func OrderFlowImbalance(book *exchange.OrderBook, depth int) float64 {
	if book == nil {
		return 0
	}
	if depth <= 0 {
		depth = 10
	}
	bidN, askN := 0.0, 0.0
	for i, lvl := range book.Bids {
		if i >= depth {
			break
		}
		bidN += lvl.Price * lvl.Amount
	}
	for i, lvl := range book.Asks {
		if i >= depth {
			break
		}
		askN += lvl.Price * lvl.Amount
	}
	total := bidN + askN
	if total <= 0 {
		return 0
	}
	return clip((bidN-askN)/total, -1, 1)
}

// VolumeZScore computes a robust z-score of the last bar volume against the
// trailing window: median as center, population stdev as scale. Requires at
// least 10 positive volumes; clipped to [-10, 10].
func VolumeZScore(bars []exchange.Bar, lookback int) float64 {
	if lookback <= 0 {
		lookback = 60
	}
	if len(bars) == 0 {
		return 0
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	window := bars[start:]
	vols := make([]float64, 0, len(window))
	for _, b := range window {
		if b.Volume > 0 {
			vols = append(vols, b.Volume)
		}
	}
	if len(vols) < 10 {
		return 0
	}
	med := median(vols)
	sd := stdev(vols)
	if sd < 1e-6 {
		return 0
	}
	last := bars[len(bars)-1].Volume
	return clip((last-med)/sd, -10, 10)
}

// VolatilityRegime compares short-window to long-window log-return sigma:
// short/long - 1, clipped to [-1, 5]. Zero when the series is too short.
func VolatilityRegime(closes []float64, short, long int) float64 {
	if short <= 0 {
		short = 20
	}
	if long <= 0 {
		long = 60
	}
	rets := logReturns(closes)
	if len(rets) < long {
		return 0
	}
	shortSigma := stdev(rets[len(rets)-short:])
	longSigma := stdev(rets[len(rets)-long:])
	if longSigma < 1e-9 {
		return 0
	}
	return clip(shortSigma/longSigma-1, -1, 5)
}

// PriceVelocity computes the per-bar percentage drift over the trailing
// window, clipped to [-10, 10].
func PriceVelocity(closes []float64, window int) float64 {
	if window <= 0 {
		window = 5
	}
	n := len(closes)
	if n <= window || closes[n-window-1] <= 0 {
		return 0
	}
	return clip((closes[n-1]/closes[n-window-1]-1)*100/float64(window), -10, 10)
}

// PumpDumpScore fuses momentum reversal and volume anomaly terms into a
// [0, 100] pump-and-dump suspicion score.
func PumpDumpScore(ret15, ret1, volumeZ, volRegime float64) float64 {
	score := 1.2*math.Max(0, ret15) +
		1.6*math.Max(0, -ret1) +
		6*math.Max(0, math.Abs(volumeZ)-1.5) +
		8*math.Max(0, volRegime)
	return clip(score, 0, 100)
}

// VWAPDistance computes the percent distance of the last close from the
// cumulative volume-weighted average price of the series.
func VWAPDistance(bars []exchange.Bar, fallbackClose float64) float64 {
	pv, vol := 0.0, 0.0
	for _, b := range bars {
		pv += b.Close * b.Volume
		vol += b.Volume
	}
	if vol <= 0 {
		return 0
	}
	vwap := pv / vol
	last := fallbackClose
	if len(bars) > 0 && bars[len(bars)-1].Close > 0 {
		last = bars[len(bars)-1].Close
	}
	if vwap <= 0 || last <= 0 {
		return 0
	}
	return (last/vwap - 1) * 100
}

// RSI computes the simple-average relative strength index over the last
// `period` deltas. Returns 50 when the series is too short and 100 when
// there are no losses in the window.
func RSI(closes []float64, period int) float64 {
	if period <= 0 {
		period = 14
	}
	if len(closes) < period+1 {
		return 50
	}
	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Funding8hPct converts a raw funding rate into percent; nil passes through.
func Funding8hPct(rate *float64) *float64 {
	if rate == nil {
		return nil
	}
	pct := *rate * 100
	return &pct
}

// BasisBps computes the perp/spot basis in basis points; nil when either
// price is non-positive.
func BasisBps(perp, spot float64) *float64 {
	if perp <= 0 || spot <= 0 {
		return nil
	}
	bps := (perp/spot - 1) * 1e4
	return &bps
}

// Closes extracts the close series from bars.
func Closes(bars []exchange.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			out = append(out, math.Log(closes[i]/closes[i-1]))
		}
	}
	return out
}

func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stdev(xs []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= n
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return math.Sqrt(variance / n)
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
