package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
)

// BinanceSource implements MarketDataSource against Binance USDT-margined
// futures. All calls are read-only public market data; API keys are only
// needed for higher rate-limit tiers.
type BinanceSource struct {
	client *futures.Client
}

// NewBinanceSource creates a Binance futures market data source.
func NewBinanceSource(apiKey, secretKey string) *BinanceSource {
	client := futures.NewClient(apiKey, secretKey)
	log.Info().Msg("Binance futures market data source initialized")
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	markets := make(map[string]MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		contractType := "perpetual"
		if s.ContractType != "PERPETUAL" {
			contractType = "delivery"
		}
		markets[s.Symbol] = MarketInfo{
			Symbol:      s.Symbol,
			Base:        s.BaseAsset,
			Quote:       s.QuoteAsset,
			Settle:      s.MarginAsset,
			ContractTyp: contractType,
			Active:      s.Status == "TRADING",
		}
	}
	return markets, nil
}

func (b *BinanceSource) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("price change stats %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, &AdapterError{Op: "fetch_ticker", Symbol: symbol, Permanent: true,
			Err: fmt.Errorf("no ticker returned")}
	}
	st := stats[0]

	books, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	var bid, ask float64
	if len(books) > 0 {
		bid = parseF(books[0].BidPrice)
		ask = parseF(books[0].AskPrice)
	}

	return &Ticker{
		Symbol:      symbol,
		Bid:         bid,
		Ask:         ask,
		Last:        parseF(st.LastPrice),
		High:        parseF(st.HighPrice),
		Low:         parseF(st.LowPrice),
		QuoteVolume: parseF(st.QuoteVolume),
		BaseVolume:  parseF(st.Volume),
		Timestamp:   time.UnixMilli(st.CloseTime).UTC(),
	}, nil
}

func (b *BinanceSource) FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	if limit <= 0 {
		limit = 20
	}
	depth, err := b.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", symbol, err)
	}
	ob := &OrderBook{
		Symbol:    symbol,
		Bids:      make([]BookLevel, 0, len(depth.Bids)),
		Asks:      make([]BookLevel, 0, len(depth.Asks)),
		Timestamp: time.Now().UTC(),
	}
	for _, lvl := range depth.Bids {
		ob.Bids = append(ob.Bids, BookLevel{Price: parseF(lvl.Price), Amount: parseF(lvl.Quantity)})
	}
	for _, lvl := range depth.Asks {
		ob.Asks = append(ob.Asks, BookLevel{Price: parseF(lvl.Price), Amount: parseF(lvl.Quantity)})
	}
	return ob, nil
}

func (b *BinanceSource) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	if timeframe == "" {
		timeframe = "1m"
	}
	if limit <= 0 {
		limit = 120
	}
	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, timeframe, err)
	}
	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, Bar{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
		})
	}
	return bars, nil
}

func (b *BinanceSource) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	aggs, err := b.client.NewAggTradesService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("agg trades %s: %w", symbol, err)
	}
	trades := make([]Trade, 0, len(aggs))
	for _, t := range aggs {
		trades = append(trades, aggTradeToTrade(t))
	}
	return trades, nil
}

// aggTradeToTrade maps one SDK aggregate trade. When the buyer was the
// maker, the aggressor sold.
func aggTradeToTrade(t *futures.AggTrade) Trade {
	side := "buy"
	if t.IsBuyerMaker {
		side = "sell"
	}
	return Trade{
		ID:        strconv.FormatInt(t.AggTradeID, 10),
		Price:     parseF(t.Price),
		Amount:    parseF(t.Quantity),
		Side:      side,
		Timestamp: time.UnixMilli(t.Timestamp).UTC(),
	}
}

func (b *BinanceSource) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	idx, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	if len(idx) == 0 {
		return nil, nil
	}
	return &FundingRate{
		Rate:       parseF(idx[0].LastFundingRate),
		MarkPrice:  parseF(idx[0].MarkPrice),
		IndexPrice: parseF(idx[0].IndexPrice),
		Timestamp:  time.UnixMilli(idx[0].Time).UTC(),
	}, nil
}

func (b *BinanceSource) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	oi, err := b.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	return &OpenInterest{
		Value:     parseF(oi.OpenInterest),
		Timestamp: time.UnixMilli(oi.Time).UTC(),
	}, nil
}

func (b *BinanceSource) Close() error { return nil }

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
