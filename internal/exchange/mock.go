package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockSource is an in-memory MarketDataSource for tests and paper runs.
// Responses are scripted per symbol; failures can be injected per operation.
type MockSource struct {
	mu sync.Mutex

	markets  map[string]MarketInfo
	tickers  map[string]*Ticker
	books    map[string]*OrderBook
	bars     map[string][]Bar
	trades   map[string][]Trade
	fundings map[string]*FundingRate
	ois      map[string]*OpenInterest

	failOps   map[string]error // op name -> injected error
	callCount map[string]int   // op name -> number of invocations
}

// NewMockSource creates an empty mock source.
func NewMockSource() *MockSource {
	return &MockSource{
		markets:   make(map[string]MarketInfo),
		tickers:   make(map[string]*Ticker),
		books:     make(map[string]*OrderBook),
		bars:      make(map[string][]Bar),
		trades:    make(map[string][]Trade),
		fundings:  make(map[string]*FundingRate),
		ois:       make(map[string]*OpenInterest),
		failOps:   make(map[string]error),
		callCount: make(map[string]int),
	}
}

func (m *MockSource) Name() string { return "mock" }

// SetMarket registers a market.
func (m *MockSource) SetMarket(info MarketInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[info.Symbol] = info
}

// SetTicker scripts the ticker for a symbol.
func (m *MockSource) SetTicker(t *Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

// SetOrderBook scripts the order book for a symbol.
func (m *MockSource) SetOrderBook(ob *OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[ob.Symbol] = ob
}

// SetBars scripts the OHLCV series for a symbol.
func (m *MockSource) SetBars(symbol string, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[symbol] = bars
}

// SetTrades scripts the trade tape for a symbol.
func (m *MockSource) SetTrades(symbol string, trades []Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[symbol] = trades
}

// SetFunding scripts the funding rate for a symbol.
func (m *MockSource) SetFunding(symbol string, fr *FundingRate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundings[symbol] = fr
}

// SetOpenInterest scripts the open interest for a symbol.
func (m *MockSource) SetOpenInterest(symbol string, oi *OpenInterest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ois[symbol] = oi
}

// FailOp injects an error for an operation name; nil clears it.
func (m *MockSource) FailOp(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOps, op)
		return
	}
	m.failOps[op] = err
}

// Calls returns how many times an operation ran.
func (m *MockSource) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[op]
}

func (m *MockSource) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount[op]++
	if err, ok := m.failOps[op]; ok {
		return err
	}
	return nil
}

func (m *MockSource) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	if err := m.enter("load_markets"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MarketInfo, len(m.markets))
	for k, v := range m.markets {
		out[k] = v
	}
	return out, nil
}

func (m *MockSource) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := m.enter("fetch_ticker"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return nil, &AdapterError{Op: "fetch_ticker", Symbol: symbol, Permanent: true,
			Err: fmt.Errorf("unknown symbol")}
	}
	cp := *t
	return &cp, nil
}

func (m *MockSource) FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	if err := m.enter("fetch_order_book"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.books[symbol]
	if !ok {
		return nil, &AdapterError{Op: "fetch_order_book", Symbol: symbol, Permanent: true,
			Err: fmt.Errorf("unknown symbol")}
	}
	cp := *ob
	if limit > 0 {
		if len(cp.Bids) > limit {
			cp.Bids = cp.Bids[:limit]
		}
		if len(cp.Asks) > limit {
			cp.Asks = cp.Asks[:limit]
		}
	}
	return &cp, nil
}

func (m *MockSource) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	if err := m.enter("fetch_ohlcv"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := m.bars[symbol]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (m *MockSource) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if err := m.enter("fetch_trades"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	trades := m.trades[symbol]
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	out := make([]Trade, len(trades))
	copy(out, trades)
	return out, nil
}

func (m *MockSource) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	if err := m.enter("fetch_funding_rate"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fr, ok := m.fundings[symbol]
	if !ok {
		return nil, nil
	}
	cp := *fr
	return &cp, nil
}

func (m *MockSource) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	if err := m.enter("fetch_open_interest"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	oi, ok := m.ois[symbol]
	if !ok {
		return nil, nil
	}
	cp := *oi
	return &cp, nil
}

func (m *MockSource) Close() error { return nil }

// SeedLiquidSymbol scripts a plausible liquid market for a symbol, handy in tests.
func (m *MockSource) SeedLiquidSymbol(symbol string, last float64) {
	now := time.Now().UTC()
	m.SetMarket(MarketInfo{Symbol: symbol, Base: symbol[:3], Quote: "USDT",
		Settle: "USDT", ContractTyp: "perpetual", Active: true})
	m.SetTicker(&Ticker{
		Symbol: symbol, Bid: last * 0.9999, Ask: last * 1.0001, Last: last,
		High: last * 1.02, Low: last * 0.98,
		QuoteVolume: 90_000_000, BaseVolume: 90_000_000 / last, Timestamp: now,
	})
	bids := make([]BookLevel, 10)
	asks := make([]BookLevel, 10)
	for i := range bids {
		bids[i] = BookLevel{Price: last * (1 - 0.0002*float64(i+1)), Amount: 50_000 / last}
		asks[i] = BookLevel{Price: last * (1 + 0.0002*float64(i+1)), Amount: 50_000 / last}
	}
	m.SetOrderBook(&OrderBook{Symbol: symbol, Bids: bids, Asks: asks, Timestamp: now})
	bars := make([]Bar, 120)
	for i := range bars {
		ts := now.Add(-time.Duration(len(bars)-i) * time.Minute)
		bars[i] = Bar{Timestamp: ts, Open: last, High: last * 1.001, Low: last * 0.999,
			Close: last, Volume: 500}
	}
	m.SetBars(symbol, bars)
	m.SetFunding(symbol, &FundingRate{Rate: 0.0001, Timestamp: now})
	m.SetOpenInterest(symbol, &OpenInterest{Value: 1_000_000, Timestamp: now})
}
