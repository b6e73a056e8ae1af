package exchange

import "context"

// MarketDataSource unifies read-only exchange I/O behind one interface.
// Both the Binance futures source and the mock source implement it.
// Implementations may block on the network; callers pass a context with
// the per-call deadline they want honored.
type MarketDataSource interface {
	// Name returns the exchange identifier ("binance", "mock").
	Name() string

	// LoadMarkets returns all markets keyed by exchange-native symbol.
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)

	// FetchTicker returns the rolling 24h ticker for a symbol.
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	// FetchOrderBook returns a depth snapshot limited to `limit` levels per side.
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)

	// FetchOHLCV returns up to `limit` most recent bars for the timeframe.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)

	// FetchTrades returns up to `limit` most recent public trades.
	FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	// FetchFundingRate returns the current funding rate, or nil if the
	// venue does not support funding for this symbol.
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// FetchOpenInterest returns the current open interest, or nil if unsupported.
	FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)

	// Close releases any underlying clients.
	Close() error
}
