package factors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perpflow/scanner/internal/model"
)

func snap(symbol string, qvol, depth, spread, slip, ret15, ret1, atr float64) *model.Snapshot {
	return &model.Snapshot{
		Symbol:          symbol,
		QuoteVolumeUSDT: qvol,
		Top5DepthUSDT:   depth,
		SpreadBps:       spread,
		SlipBps:         slip,
		Ret15:           ret15,
		Ret1:            ret1,
		ATRPct:          atr,
	}
}

func TestEnrichSmallUniverseKeepsZeroEdges(t *testing.T) {
	snaps := []*model.Snapshot{
		snap("A", 1e8, 1e6, 2, 3, 1, 0.2, 1),
		snap("B", 5e7, 5e5, 4, 6, -1, -0.1, 2),
	}
	Enrich(snaps)
	for _, s := range snaps {
		assert.Zero(t, s.LiquidityEdge)
		assert.Zero(t, s.MomentumEdge)
		assert.Zero(t, s.VolatilityEdge)
		assert.Zero(t, s.MicrostructureEdge)
		assert.Zero(t, s.AnomalyResidual)
	}
}

func TestEnrichDegenerateUniverse(t *testing.T) {
	snaps := []*model.Snapshot{
		snap("A", 1e8, 1e6, 2, 3, 1, 0.2, 1),
		snap("B", 1e8, 1e6, 2, 3, 1, 0.2, 1),
		snap("C", 1e8, 1e6, 2, 3, 1, 0.2, 1),
	}
	Enrich(snaps)
	for _, s := range snaps {
		assert.Zero(t, s.LiquidityEdge)
		assert.Zero(t, s.MomentumEdge)
	}
}

func TestEnrichRanksPeers(t *testing.T) {
	big := snap("BIG", 5e8, 5e6, 1, 2, 3, 1, 2)
	mid := snap("MID", 1e8, 1e6, 3, 5, 0, 0, 2)
	small := snap("SMALL", 3e7, 2e5, 8, 12, -2, -1, 2)
	snaps := []*model.Snapshot{big, mid, small}

	Enrich(snaps)

	// The deepest, cheapest book carries the highest liquidity edge.
	assert.Greater(t, big.LiquidityEdge, mid.LiquidityEdge)
	assert.Greater(t, mid.LiquidityEdge, small.LiquidityEdge)

	// Momentum follows 0.7*ret15 + 0.3*ret1.
	assert.Greater(t, big.MomentumEdge, mid.MomentumEdge)
	assert.Greater(t, mid.MomentumEdge, small.MomentumEdge)

	// Population z-scores sum to ~zero across the universe.
	sum := big.LiquidityEdge + mid.LiquidityEdge + small.LiquidityEdge
	assert.InDelta(t, 0, sum, 1e-3)
}

func TestEnrichMicrostructureEdgeNegated(t *testing.T) {
	manipHigh := 80.0
	dirty := snap("DIRTY", 1e8, 1e6, 2, 3, 0, 0, 1)
	dirty.OrderFlowImbalance = 0.9
	dirty.AnomalyScore = 50
	dirty.ManipScore = &manipHigh

	cleanA := snap("CLEANA", 1e8, 1e6, 2, 3, 0, 0, 1)
	cleanB := snap("CLEANB", 9e7, 9e5, 2.5, 3.5, 0, 0, 1)

	Enrich([]*model.Snapshot{dirty, cleanA, cleanB})

	// Higher microstructure penalty means a lower (negated) edge.
	assert.Less(t, dirty.MicrostructureEdge, cleanA.MicrostructureEdge)
	assert.Less(t, dirty.MicrostructureEdge, cleanB.MicrostructureEdge)

	// And a higher anomaly residual.
	assert.Greater(t, dirty.AnomalyResidual, cleanA.AnomalyResidual)
}

func TestEnrichRoundsToFourDecimals(t *testing.T) {
	snaps := []*model.Snapshot{
		snap("A", 5e8, 5e6, 1, 2, 3, 1, 2),
		snap("B", 1e8, 1e6, 3, 5, 0, 0, 1),
		snap("C", 3e7, 2e5, 8, 12, -2, -1, 3),
	}
	Enrich(snaps)
	for _, s := range snaps {
		for _, edge := range []float64{
			s.LiquidityEdge, s.MomentumEdge, s.VolatilityEdge,
			s.MicrostructureEdge, s.AnomalyResidual,
		} {
			rounded := math.Round(edge*1e4) / 1e4
			assert.InDelta(t, rounded, edge, 1e-9)
		}
	}
}
