// Package scoring turns enriched snapshots into profile-weighted scores
// and ranked lists. Gates reject illiquid or wide-spread symbols with the
// sentinel score before any weighting happens.
package scoring

import (
	"math"
	"sort"

	"github.com/perpflow/scanner/internal/model"
)

// Gates are the hard reject filters applied before scoring.
type Gates struct {
	MinQvolUSDT  float64
	MaxSpreadBps float64
}

// Scorer scores and ranks snapshots under fixed gates.
type Scorer struct {
	gates Gates
}

// NewScorer creates a scorer with the given gates.
func NewScorer(gates Gates) *Scorer {
	return &Scorer{gates: gates}
}

// Score computes the profile-weighted score and its additive breakdown.
// Gated snapshots return model.RejectScore with an empty breakdown.
func (sc *Scorer) Score(s *model.Snapshot, profile Profile, includeCarry bool) (float64, map[string]float64) {
	if s.QuoteVolumeUSDT < sc.gates.MinQvolUSDT || s.SpreadBps > sc.gates.MaxSpreadBps {
		return model.RejectScore, map[string]float64{}
	}

	liq := profile.Liq.Qvol*math.Log1p(s.QuoteVolumeUSDT/1e6) +
		profile.Liq.Depth*math.Log1p(s.Top5DepthUSDT/1e5)
	vol := profile.Vol.ATR * s.ATRPct
	mom := profile.Mom.Ret15*s.Ret15 + profile.Mom.Ret1*s.Ret1
	cost := profile.Cost.Spread*s.SpreadBps + profile.Cost.Slip*s.SlipBps

	carry := 0.0
	if includeCarry {
		if s.Funding8hPct != nil {
			carry += profile.Carry.Funding * (-*s.Funding8hPct)
		}
		if s.BasisBps != nil {
			carry += profile.Carry.Basis * (-*s.BasisBps / 100)
		}
	}

	structureBonus := profile.Structure.VolumeZ*clamp(s.VolumeZScore, -2.5, 6) +
		profile.Structure.Velocity*clamp(s.PriceVelocity, -5, 5)
	manip := 0.0
	if s.ManipScore != nil {
		manip = *s.ManipScore
	}
	structurePenalty := profile.Structure.OFI*math.Abs(s.OrderFlowImbalance) +
		profile.Structure.Volatility*math.Abs(s.VolatilityRegime) +
		profile.Structure.Anomaly*(s.AnomalyScore/10) +
		profile.Structure.Residual*math.Max(0, s.AnomalyResidual)

	edges := profile.Edges.Liquidity*clamp(s.LiquidityEdge, -3, 3) +
		profile.Edges.Momentum*clamp(s.MomentumEdge, -3, 3) +
		profile.Edges.Volatility*clamp(s.VolatilityEdge, -3, 3) +
		profile.Edges.Micro*clamp(s.MicrostructureEdge, -3, 3)

	raw := liq + vol + mom + carry + structureBonus + edges - cost - structurePenalty
	raw -= 0.4 * manip

	score := math.Round(raw*1e4) / 1e4
	breakdown := map[string]float64{
		"liquidity":         liq,
		"volatility":        vol,
		"momentum":          mom,
		"carry":             carry,
		"structure_bonus":   structureBonus,
		"structure_penalty": -structurePenalty,
		"edges":             edges,
		"cost":              -cost,
		"manip_penalty":     -0.4 * manip,
	}
	return score, breakdown
}

// Rank scores every snapshot, drops rejects, sorts descending and returns
// the first `top` items with ranks assigned 1..N. Snapshot scores are
// written back; breakdowns ride along per item.
func (sc *Scorer) Rank(snaps []*model.Snapshot, top int, profile Profile, includeCarry bool) []model.RankedItem {
	type scored struct {
		snap      *model.Snapshot
		breakdown map[string]float64
	}
	kept := make([]scored, 0, len(snaps))
	for _, s := range snaps {
		score, breakdown := sc.Score(s, profile, includeCarry)
		s.Score = score
		if score == model.RejectScore {
			continue
		}
		kept = append(kept, scored{snap: s, breakdown: breakdown})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].snap.Score > kept[j].snap.Score
	})
	if top > 0 && len(kept) > top {
		kept = kept[:top]
	}

	items := make([]model.RankedItem, 0, len(kept))
	for i, k := range kept {
		items = append(items, model.RankedItem{
			Snapshot:        *k.snap,
			Rank:            i + 1,
			ScoreComponents: k.breakdown,
			ExecutionMetrics: map[string]float64{
				"spread_bps":     k.snap.SpreadBps,
				"slip_bps":       k.snap.SlipBps,
				"top5_depth":     k.snap.Top5DepthUSDT,
				"depth_to_vol":   k.snap.DepthToVolumeRatio,
				"quote_vol_usdt": k.snap.QuoteVolumeUSDT,
			},
			LatencyMS: k.snap.LatencyMS,
		})
	}
	return items
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
