package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/perpflow/scanner/internal/metrics"
)

// AdapterConfig configures the market data adapter.
type AdapterConfig struct {
	Timeout         time.Duration // per-call deadline
	MaxFailures     int           // consecutive failures before the circuit opens
	Cooldown        time.Duration // how long the circuit stays open
	Concurrency     int64         // process-wide in-flight call bound
	MarketsCacheTTL time.Duration
	RateLimit       rate.Limit // requests per second against the venue; 0 disables
	Retry           RetryConfig
}

// Adapter wraps a MarketDataSource with retries, per-call timeouts, a
// concurrency semaphore, a venue rate limiter and a circuit breaker.
// All public fetch methods share one failure budget: the breaker counts
// whole calls (after retries), not individual attempts.
type Adapter struct {
	src     MarketDataSource
	cfg     AdapterConfig
	breaker *gobreaker.CircuitBreaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	log     zerolog.Logger

	mu            sync.Mutex
	openedAt      time.Time
	marketsCache  map[string]MarketInfo
	marketsLoaded time.Time
}

// NewAdapter creates an adapter around a source.
func NewAdapter(src MarketDataSource, cfg AdapterConfig, logger zerolog.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 45 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	a := &Adapter{
		src: src,
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.Concurrency),
		log: logger.With().Str("exchange", src.Name()).Logger(),
	}
	if cfg.RateLimit > 0 {
		a.limiter = rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)+1)
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        src.Name(),
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.mu.Lock()
			if to == gobreaker.StateOpen {
				a.openedAt = time.Now()
			}
			a.mu.Unlock()
			metrics.CircuitState.Set(circuitGaugeValue(to))
			a.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Adapter circuit state changed")
		},
	})

	return a
}

// Name returns the wrapped exchange identifier.
func (a *Adapter) Name() string { return a.src.Name() }

// Close closes the underlying source clients.
func (a *Adapter) Close() error { return a.src.Close() }

// call runs fn behind the semaphore, rate limiter, retry loop, per-attempt
// timeout and the circuit breaker, wrapping failures into AdapterError.
func (a *Adapter) call(ctx context.Context, op, symbol string, fn func(context.Context) error) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return &AdapterError{Op: op, Symbol: symbol, Err: err}
	}
	defer a.sem.Release(1)

	start := time.Now()
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, WithRetry(ctx, a.cfg.Retry, func() error {
			if a.limiter != nil {
				if err := a.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
			defer cancel()
			return fn(callCtx)
		})
	})
	metrics.AdapterLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.AdapterRequests.WithLabelValues(op, "ok").Inc()
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.AdapterRequests.WithLabelValues(op, "circuit_open").Inc()
		return &AdapterError{Op: op, Symbol: symbol, Err: ErrCircuitOpen}
	}
	metrics.AdapterRequests.WithLabelValues(op, "error").Inc()
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	return &AdapterError{Op: op, Symbol: symbol, Err: err}
}

// circuitGaugeValue encodes a breaker state for the circuit-state gauge.
func circuitGaugeValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// LoadMarkets returns the market map, served from cache within the TTL.
func (a *Adapter) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	a.mu.Lock()
	if a.marketsCache != nil && time.Since(a.marketsLoaded) < a.cfg.MarketsCacheTTL {
		cached := a.marketsCache
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	var markets map[string]MarketInfo
	err := a.call(ctx, "load_markets", "", func(ctx context.Context) error {
		var err error
		markets, err = a.src.LoadMarkets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.marketsCache = markets
	a.marketsLoaded = time.Now()
	a.mu.Unlock()
	return markets, nil
}

// FetchTicker fetches the rolling ticker for a symbol.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var t *Ticker
	err := a.call(ctx, "fetch_ticker", symbol, func(ctx context.Context) error {
		var err error
		t, err = a.src.FetchTicker(ctx, symbol)
		return err
	})
	return t, err
}

// FetchOrderBook fetches a depth snapshot.
func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	var ob *OrderBook
	err := a.call(ctx, "fetch_order_book", symbol, func(ctx context.Context) error {
		var err error
		ob, err = a.src.FetchOrderBook(ctx, symbol, limit)
		return err
	})
	return ob, err
}

// FetchOHLCV fetches recent bars.
func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	var bars []Bar
	err := a.call(ctx, "fetch_ohlcv", symbol, func(ctx context.Context) error {
		var err error
		bars, err = a.src.FetchOHLCV(ctx, symbol, timeframe, limit)
		return err
	})
	return bars, err
}

// FetchTrades fetches recent public trades.
func (a *Adapter) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	var trades []Trade
	err := a.call(ctx, "fetch_trades", symbol, func(ctx context.Context) error {
		var err error
		trades, err = a.src.FetchTrades(ctx, symbol, limit)
		return err
	})
	return trades, err
}

// FetchFundingRate fetches the current funding rate; nil when unsupported.
func (a *Adapter) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	var fr *FundingRate
	err := a.call(ctx, "fetch_funding_rate", symbol, func(ctx context.Context) error {
		var err error
		fr, err = a.src.FetchFundingRate(ctx, symbol)
		return err
	})
	return fr, err
}

// FetchOpenInterest fetches the current open interest; nil when unsupported.
func (a *Adapter) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	var oi *OpenInterest
	err := a.call(ctx, "fetch_open_interest", symbol, func(ctx context.Context) error {
		var err error
		oi, err = a.src.FetchOpenInterest(ctx, symbol)
		return err
	})
	return oi, err
}

// SnapshotState returns a value snapshot of the adapter health.
func (a *Adapter) SnapshotState() AdapterState {
	counts := a.breaker.Counts()
	state := StateIdle
	cooldownRemaining := 0

	switch a.breaker.State() {
	case gobreaker.StateOpen:
		state = StateOpen
		a.mu.Lock()
		remaining := a.cfg.Cooldown - time.Since(a.openedAt)
		a.mu.Unlock()
		if remaining > 0 {
			cooldownRemaining = int(remaining.Seconds())
		}
	case gobreaker.StateHalfOpen:
		state = StateHalfOpen
	case gobreaker.StateClosed:
		if counts.Requests > 0 {
			state = StateClosed
		}
	}

	return AdapterState{
		Exchange:          a.src.Name(),
		State:             state,
		FailCount:         int(counts.ConsecutiveFailures),
		CooldownRemaining: cooldownRemaining,
		Threshold:         a.cfg.MaxFailures,
	}
}

// InvalidateMarkets drops the markets cache, forcing a reload on next use.
func (a *Adapter) InvalidateMarkets() {
	a.mu.Lock()
	a.marketsCache = nil
	a.mu.Unlock()
}
