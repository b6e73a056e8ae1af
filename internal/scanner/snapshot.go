package scanner

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perpflow/scanner/internal/exchange"
	"github.com/perpflow/scanner/internal/features"
	"github.com/perpflow/scanner/internal/manip"
	"github.com/perpflow/scanner/internal/model"
)

const (
	ohlcvTimeframe = "1m"
	ohlcvLimit     = 120
	bookLimit      = 50
	tradesLimit    = 100
)

// BuildSnapshot collects one symbol's market data and derives its feature
// snapshot. Ticker, book and bars are required; trades, funding and open
// interest degrade to null on failure. Safe to call out of band (health
// probes); detector state is serialized per symbol.
func (s *Scanner) BuildSnapshot(ctx context.Context, symbol string) (*model.Snapshot, error) {
	start := time.Now()

	var (
		ticker *exchange.Ticker
		book   *exchange.OrderBook
		bars   []exchange.Bar
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ticker, err = s.adapter.FetchTicker(gctx, symbol)
		return err
	})
	g.Go(func() error {
		var err error
		book, err = s.adapter.FetchOrderBook(gctx, symbol, bookLimit)
		return err
	})
	g.Go(func() error {
		var err error
		bars, err = s.adapter.FetchOHLCV(gctx, symbol, ohlcvTimeframe, ohlcvLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Optional context: failures downgrade to null, never fail the snapshot.
	var (
		funding *exchange.FundingRate
		oi      *exchange.OpenInterest
	)
	var og errgroup.Group
	og.Go(func() error {
		fr, err := s.adapter.FetchFundingRate(ctx, symbol)
		if err != nil {
			s.log.Debug().Str("symbol", symbol).Err(err).Msg("Funding fetch failed, continuing without")
			return nil
		}
		funding = fr
		return nil
	})
	og.Go(func() error {
		v, err := s.adapter.FetchOpenInterest(ctx, symbol)
		if err != nil {
			s.log.Debug().Str("symbol", symbol).Err(err).Msg("Open interest fetch failed, continuing without")
			return nil
		}
		oi = v
		return nil
	})
	og.Go(func() error {
		if _, err := s.adapter.FetchTrades(ctx, symbol, tradesLimit); err != nil {
			s.log.Debug().Str("symbol", symbol).Err(err).Msg("Trades fetch failed, continuing without")
		}
		return nil
	})
	_ = og.Wait()

	closes := features.Closes(bars)
	qvol := features.QuoteVolumeUSDT(ticker)
	spread := features.SpreadBps(ticker.Bid, ticker.Ask)
	depth := features.TopDepthUSDT(book, 5)
	atr := features.ATRPct(bars, 50)
	ret1, ret15 := features.Returns(closes, 15)
	slip := features.EstimateSlippageBps(book, s.notionalTest, "both")
	ofi := features.OrderFlowImbalance(book, 10)
	volumeZ := features.VolumeZScore(bars, 60)
	regime := features.VolatilityRegime(closes, 20, 60)
	velocity := features.PriceVelocity(closes, 5)
	anomaly := features.PumpDumpScore(ret15, ret1, volumeZ, regime)

	var (
		fundingPct *float64
		basisBps   *float64
	)
	if funding != nil {
		fundingPct = features.Funding8hPct(&funding.Rate)
		basisBps = features.BasisBps(funding.MarkPrice, funding.IndexPrice)
	}
	var openInterest *float64
	if oi != nil {
		v := oi.Value
		openInterest = &v
	}

	snap := &model.Snapshot{
		Symbol:   symbol,
		Exchange: s.adapter.Name(),
		TS:       time.Now().UTC(),

		QuoteVolumeUSDT: qvol,
		Top5DepthUSDT:   depth,
		SpreadBps:       spread,
		SlipBps:         slip,

		ATRPct:        atr,
		Ret1:          ret1,
		Ret15:         ret15,
		PriceVelocity: velocity,

		Funding8hPct: fundingPct,
		OpenInterest: openInterest,
		BasisBps:     basisBps,

		VolumeZScore:       volumeZ,
		OrderFlowImbalance: ofi,
		VolatilityRegime:   regime,
		AnomalyScore:       anomaly,
		DepthToVolumeRatio: depthToVolume(depth, qvol),

		Z1m:          features.MomentumZScore(closes, 1, 60),
		Z5m:          features.MomentumZScore(closes, 5, 60),
		VWAPDistance: features.VWAPDistance(bars, ticker.Last),
		RSI14:        features.RSI(closes, 14),
	}

	result := s.detector.Detect(manip.Input{
		Symbol:       symbol,
		Book:         book,
		Bars:         bars,
		Close:        ticker.Last,
		ATRPct:       atr,
		Ret1:         ret1,
		Ret15:        ret15,
		Funding8hPct: fundingPct,
		OpenInterest: openInterest,
		TS:           snap.TS,
	})
	score := result.Score
	snap.ManipScore = &score
	snap.ManipFlags = result.Flags

	snap.LatencyMS = time.Since(start).Milliseconds()
	s.rememberClose(symbol, ticker.Last)
	return snap, nil
}

// depthToVolume relates top-of-book depth to one minute of average
// turnover, so 1.0 means the visible book absorbs a typical minute.
func depthToVolume(depth, qvol float64) float64 {
	perMinute := qvol / (24 * 60)
	if perMinute <= 0 {
		return 0
	}
	return math.Round(depth/perMinute*1e4) / 1e4
}
