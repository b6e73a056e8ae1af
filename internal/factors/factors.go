// Package factors computes peer-relative (cross-sectional) z-score edges
// across the symbols of one scan cycle. Each edge is an independent z-score
// against the current universe, not against time.
package factors

import (
	"math"

	"github.com/perpflow/scanner/internal/model"
)

// minUniverse is the smallest universe for which peer z-scores are defined.
const minUniverse = 3

// Enrich rewrites the five cross-sectional edges of every snapshot in
// place. Universes smaller than three symbols keep zero edges. Degenerate
// universes (identical inputs) produce zero edges.
func Enrich(snaps []*model.Snapshot) {
	if len(snaps) < minUniverse {
		return
	}

	liq := make([]float64, len(snaps))
	mom := make([]float64, len(snaps))
	vol := make([]float64, len(snaps))
	micro := make([]float64, len(snaps))
	anom := make([]float64, len(snaps))

	for i, s := range snaps {
		manip := 0.0
		if s.ManipScore != nil {
			manip = *s.ManipScore
		}
		liq[i] = math.Log1p(s.Top5DepthUSDT) +
			math.Log1p(s.QuoteVolumeUSDT) +
			math.Log1p(s.DepthToVolumeRatio+1) -
			math.Log1p(s.SpreadBps) -
			math.Log1p(s.SlipBps)
		mom[i] = 0.7*s.Ret15 + 0.3*s.Ret1
		vol[i] = s.ATRPct * math.Max(0, 1+s.VolatilityRegime)
		micro[i] = 40*math.Abs(s.OrderFlowImbalance) +
			math.Max(0, s.AnomalyScore) +
			2*math.Abs(s.PriceVelocity) +
			5*math.Max(0, s.VolumeZScore) +
			manip
		anom[i] = math.Max(0, s.AnomalyScore) + manip
	}

	liqZ := zscores(liq)
	momZ := zscores(mom)
	volZ := zscores(vol)
	microZ := zscores(micro)
	anomZ := zscores(anom)

	for i, s := range snaps {
		s.LiquidityEdge = round4(liqZ[i])
		s.MomentumEdge = round4(momZ[i])
		s.VolatilityEdge = round4(volZ[i])
		// Higher microstructure penalty means a less healthy book, so the
		// edge is the negated z-score.
		s.MicrostructureEdge = round4(-microZ[i])
		s.AnomalyResidual = round4(anomZ[i])
	}
}

// zscores computes population z-scores, zero when the spread collapses.
func zscores(xs []float64) []float64 {
	n := float64(len(xs))
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
	sd := math.Sqrt(variance / n)

	out := make([]float64, len(xs))
	if sd < 1e-9 {
		return out
	}
	for i, x := range xs {
		out[i] = (x - mean) / sd
	}
	return out
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
