package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpflow/scanner/internal/model"
)

func liquidSnap(symbol string, qvol, spread float64) *model.Snapshot {
	return &model.Snapshot{
		Symbol:          symbol,
		QuoteVolumeUSDT: qvol,
		Top5DepthUSDT:   1e6,
		SpreadBps:       spread,
		SlipBps:         3,
		ATRPct:          1.5,
	}
}

func testGates() Gates {
	return Gates{MinQvolUSDT: 25_000_000, MaxSpreadBps: 12}
}

func TestGetProfile(t *testing.T) {
	for _, name := range []string{"scalp", "swing", "news"} {
		p, err := GetProfile(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
	}

	_, err := GetProfile("does-not-exist")
	assert.Error(t, err)
}

func TestRegisterProfile(t *testing.T) {
	err := RegisterProfile(Profile{})
	assert.Error(t, err)

	custom := Profile{Name: "custom-test", Liq: LiqWeights{Qvol: 1}}
	require.NoError(t, RegisterProfile(custom))
	got, err := GetProfile("custom-test")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Liq.Qvol)
	assert.Contains(t, ProfileNames(), "custom-test")
}

func TestScoreGates(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	tests := []struct {
		name   string
		snap   *model.Snapshot
		reject bool
	}{
		{"liquid and tight", liquidSnap("BTCUSDT", 9e7, 2), false},
		{"below qvol gate", liquidSnap("TINYUSDT", 1e6, 2), true},
		{"above spread gate", liquidSnap("WIDEUSDT", 9e7, 40), true},
		{"qvol exactly at gate passes", liquidSnap("EDGEUSDT", 25_000_000, 2), false},
		{"spread exactly at gate passes", liquidSnap("EDGE2USDT", 9e7, 12), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, breakdown := sc.Score(tt.snap, profile, false)
			if tt.reject {
				assert.Equal(t, float64(model.RejectScore), score)
				// Rejections still hand back a usable (empty) breakdown.
				assert.NotNil(t, breakdown)
				assert.Empty(t, breakdown)
			} else {
				assert.NotEqual(t, float64(model.RejectScore), score)
				assert.NotNil(t, breakdown)
			}
		})
	}
}

func TestScoreBreakdownSumsToScore(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	snap := liquidSnap("BTCUSDT", 9e7, 2)
	snap.Ret1 = 0.4
	snap.Ret15 = 1.2
	snap.VolumeZScore = 2.0
	snap.PriceVelocity = 0.5
	snap.OrderFlowImbalance = -0.2
	snap.LiquidityEdge = 1.1
	snap.MomentumEdge = 0.7
	manip := 20.0
	snap.ManipScore = &manip

	score, breakdown := sc.Score(snap, profile, false)
	require.NotNil(t, breakdown)

	sum := 0.0
	for _, v := range breakdown {
		sum += v
	}
	assert.InDelta(t, score, sum, 1e-3)
}

func TestScoreCarryOnlyWhenPresent(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	withNulls := liquidSnap("BTCUSDT", 9e7, 2)
	scoreNoCarry, bdNoCarry := sc.Score(withNulls, profile, true)
	require.NotNil(t, bdNoCarry)
	assert.Zero(t, bdNoCarry["carry"])

	funding := -0.05 // shorts pay longs: positive carry for a long
	withFunding := liquidSnap("ETHUSDT", 9e7, 2)
	withFunding.Funding8hPct = &funding
	scoreCarry, bdCarry := sc.Score(withFunding, profile, true)
	require.NotNil(t, bdCarry)
	assert.Greater(t, bdCarry["carry"], 0.0)
	assert.Greater(t, scoreCarry, scoreNoCarry)

	// includeCarry=false ignores funding entirely.
	scoreOff, bdOff := sc.Score(withFunding, profile, false)
	assert.Zero(t, bdOff["carry"])
	assert.Equal(t, scoreNoCarry, scoreOff)
}

func TestScoreManipPenalty(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	clean := liquidSnap("BTCUSDT", 9e7, 2)
	cleanScore, _ := sc.Score(clean, profile, false)

	dirty := liquidSnap("BTCUSDT", 9e7, 2)
	manip := 50.0
	dirty.ManipScore = &manip
	dirtyScore, bd := sc.Score(dirty, profile, false)

	assert.InDelta(t, -0.4*50, bd["manip_penalty"], 1e-9)
	assert.InDelta(t, cleanScore-20, dirtyScore, 1e-3)
}

func TestScoreEdgesClamped(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	at3 := liquidSnap("BTCUSDT", 9e7, 2)
	at3.MomentumEdge = 3
	score3, _ := sc.Score(at3, profile, false)

	at9 := liquidSnap("BTCUSDT", 9e7, 2)
	at9.MomentumEdge = 9
	score9, _ := sc.Score(at9, profile, false)

	assert.Equal(t, score3, score9)
}

func TestScoreRoundedToFourDecimals(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	snap := liquidSnap("BTCUSDT", 87_654_321, 2.37)
	score, _ := sc.Score(snap, profile, false)
	assert.InDelta(t, math.Round(score*1e4)/1e4, score, 1e-12)
}

func TestRank(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	strong := liquidSnap("STRONGUSDT", 5e8, 1)
	strong.Ret1 = 1.5
	strong.Ret15 = 3
	weak := liquidSnap("WEAKUSDT", 3e7, 8)
	weak.Ret1 = -0.5
	gated := liquidSnap("GATEDUSDT", 1e6, 2) // below qvol gate

	items := sc.Rank([]*model.Snapshot{weak, gated, strong}, 10, profile, false)

	require.Len(t, items, 2)
	assert.Equal(t, "STRONGUSDT", items[0].Snapshot.Symbol)
	assert.Equal(t, 1, items[0].Rank)
	assert.Equal(t, "WEAKUSDT", items[1].Snapshot.Symbol)
	assert.Equal(t, 2, items[1].Rank)

	// Scores are written back, including the reject sentinel.
	assert.Equal(t, float64(model.RejectScore), gated.Score)
	assert.Greater(t, strong.Score, weak.Score)

	// Execution metrics ride along.
	assert.Equal(t, items[0].Snapshot.SpreadBps, items[0].ExecutionMetrics["spread_bps"])
}

func TestRankTruncates(t *testing.T) {
	sc := NewScorer(testGates())
	profile, err := GetProfile("scalp")
	require.NoError(t, err)

	snaps := make([]*model.Snapshot, 0, 30)
	for i := 0; i < 30; i++ {
		s := liquidSnap("SYM", 3e7+float64(i)*1e6, 2)
		snaps = append(snaps, s)
	}
	items := sc.Rank(snaps, 5, profile, false)
	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, i+1, item.Rank)
	}
	// Descending by score.
	for i := 1; i < len(items); i++ {
		assert.GreaterOrEqual(t, items[i-1].Snapshot.Score, items[i].Snapshot.Score)
	}
}
