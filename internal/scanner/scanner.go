// Package scanner drives the scan loop: symbol universe, bounded-parallel
// snapshot collection, cross-sectional enrichment, ranking, and emission to
// the broadcast, rules and persistence collaborators. One orchestrator
// goroutine owns all cycle state; the control plane and HTTP readers only
// touch it through the pause gate, force event and copy-on-read snapshots.
package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/broadcast"
	"github.com/perpflow/scanner/internal/config"
	"github.com/perpflow/scanner/internal/exchange"
	"github.com/perpflow/scanner/internal/factors"
	"github.com/perpflow/scanner/internal/manip"
	"github.com/perpflow/scanner/internal/metrics"
	"github.com/perpflow/scanner/internal/model"
	"github.com/perpflow/scanner/internal/rules"
	"github.com/perpflow/scanner/internal/scoring"
	"github.com/perpflow/scanner/internal/signal"
	"github.com/perpflow/scanner/internal/store"
)

const (
	// maxBackoff caps the failure-streak backoff.
	maxBackoff = 300 * time.Second

	// manipThreshold marks ranked items whose manipulation score is high
	// enough to warrant caution downstream.
	manipThreshold = 60.0
)

// Scanner is the cycle orchestrator.
type Scanner struct {
	interval     time.Duration
	concurrency  int
	topByQvol    int
	topN         int
	notionalTest float64
	allowList    []string
	profileName  string
	includeCarry bool

	adapter  *exchange.Adapter
	detector *manip.Detector
	scorer   *scoring.Scorer
	bus      *broadcast.Broadcast
	rules    *rules.Engine
	signals  *signal.Bus
	db       *store.Postgres // optional
	cache    *store.Cache    // optional

	control *Control
	health  *healthTracker
	log     zerolog.Logger

	// Owned by the orchestrator goroutine.
	prevRanks map[string]int

	// Written by snapshot builders, which run in parallel within a cycle.
	closeMu    sync.Mutex
	lastCloses map[string]float64
}

// Deps bundles the scanner's collaborators. DB and Cache may be nil.
type Deps struct {
	Adapter  *exchange.Adapter
	Detector *manip.Detector
	Bus      *broadcast.Broadcast
	Rules    *rules.Engine
	Signals  *signal.Bus
	DB       *store.Postgres
	Cache    *store.Cache
}

// New creates a scanner from config and collaborators.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Scanner {
	interval := cfg.ScanInterval()
	return &Scanner{
		interval:     interval,
		concurrency:  cfg.Scan.Concurrency,
		topByQvol:    cfg.Scan.TopByQvol,
		topN:         cfg.Scan.TopNDefault,
		notionalTest: cfg.Scan.NotionalTest,
		allowList:    cfg.Scan.Symbols,
		profileName:  cfg.Scoring.ProfileDefault,
		includeCarry: cfg.Scoring.IncludeCarry,
		adapter:      deps.Adapter,
		detector:     deps.Detector,
		scorer: scoring.NewScorer(scoring.Gates{
			MinQvolUSDT:  cfg.Filters.MinQvolUSDT,
			MaxSpreadBps: cfg.Filters.MaxSpreadBps,
		}),
		bus:     deps.Bus,
		rules:   deps.Rules,
		signals: deps.Signals,
		db:      deps.DB,
		cache:   deps.Cache,
		control: NewControl(logger),
		health: newHealthTracker(
			cfg.SLA.WarnMultiplier*interval.Seconds(),
			cfg.SLA.CriticalMultiplier*interval.Seconds(),
		),
		log:        logger.With().Str("component", "scanner").Logger(),
		prevRanks:  make(map[string]int),
		lastCloses: make(map[string]float64),
	}
}

// Control exposes the control plane to the HTTP layer.
func (s *Scanner) Control() *Control { return s.control }

// GetHealth returns a deep-copied health snapshot plus control state.
func (s *Scanner) GetHealth() (HealthState, ControlState) {
	return s.health.Snapshot(), s.control.Snapshot(0)
}

// LoadSymbols returns the configured allow-list or, from the cached market
// map, every active USDT-settled perpetual, sorted for determinism.
func (s *Scanner) LoadSymbols(ctx context.Context) ([]string, error) {
	if len(s.allowList) > 0 {
		return append([]string(nil), s.allowList...), nil
	}
	markets, err := s.adapter.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(markets))
	for sym, info := range markets {
		if info.IsUSDTPerp() {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// RunCycle performs one full scan cycle and returns the published frame.
// A nil frame with a nil error means the cycle was skipped (manual breaker).
func (s *Scanner) RunCycle(ctx context.Context, profileName string) (*model.RankingFrame, model.ScanCycleReport, error) {
	started := time.Now()
	report := model.ScanCycleReport{StartedAt: started.UTC()}

	if s.control.ManualBreakerOpen() {
		s.log.Warn().Msg("Manual breaker open, skipping cycle")
		metrics.ScanCycles.WithLabelValues("skipped").Inc()
		report.FinishedAt = time.Now().UTC()
		report.AdapterState = s.adapter.SnapshotState().State
		return nil, report, nil
	}

	profile, err := scoring.GetProfile(profileName)
	if err != nil {
		return nil, report, err
	}

	symbols, err := s.LoadSymbols(ctx)
	if err != nil {
		return nil, report, fmt.Errorf("load symbols: %w", err)
	}

	snaps, dropped := s.collectSnapshots(ctx, symbols)
	report.Scanned = len(snaps)
	report.Errors = dropped
	metrics.SymbolsScanned.Set(float64(len(snaps)))

	// Liquidity cut before the expensive cross-sectional pass.
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].QuoteVolumeUSDT > snaps[j].QuoteVolumeUSDT
	})
	if s.topByQvol > 0 && len(snaps) > s.topByQvol {
		snaps = snaps[:s.topByQvol]
	}

	factors.Enrich(snaps)
	items := s.scorer.Rank(snaps, s.topN, profile, s.includeCarry)
	s.annotate(items)
	report.Ranked = len(items)

	frame := s.buildFrame(profileName, snaps, items)
	s.emit(ctx, frame, snaps)

	duration := time.Since(started)
	report.DurationMS = duration.Milliseconds()
	report.FinishedAt = time.Now().UTC()
	adapterState := s.adapter.SnapshotState()
	report.AdapterState = adapterState.State

	liveness := make(map[string]time.Time, len(snaps))
	for _, snap := range snaps {
		liveness[snap.Symbol] = snap.TS
	}
	s.health.update(func(h *HealthState) {
		h.recordSuccess(duration, liveness, adapterState)
	})
	metrics.ScanCycles.WithLabelValues("ok").Inc()
	metrics.ScanCycleDuration.Observe(duration.Seconds())
	metrics.FailureStreak.Set(0)

	s.logSLA(duration)
	return frame, report, nil
}

// collectSnapshots builds snapshots in chunks of `concurrency`, isolating
// per-symbol failures.
func (s *Scanner) collectSnapshots(ctx context.Context, symbols []string) ([]*model.Snapshot, int) {
	chunk := s.concurrency
	if chunk <= 0 {
		chunk = 1
	}

	var (
		mu      sync.Mutex
		snaps   []*model.Snapshot
		dropped int
	)
	for start := 0; start < len(symbols); start += chunk {
		end := start + chunk
		if end > len(symbols) {
			end = len(symbols)
		}
		var wg sync.WaitGroup
		for _, symbol := range symbols[start:end] {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				snap, err := s.BuildSnapshot(ctx, symbol)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					dropped++
					metrics.SymbolsDropped.Inc()
					s.log.Warn().Str("symbol", symbol).Err(err).Msg("Snapshot failed, symbol dropped this cycle")
					return
				}
				snaps = append(snaps, snap)
			}(symbol)
		}
		wg.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	return snaps, dropped
}

// annotate fills rank deltas, staleness and the manipulation marker, and
// refreshes the previous-rank memory.
func (s *Scanner) annotate(items []model.RankedItem) {
	staleAfter := 2 * s.interval
	now := time.Now().UTC()
	next := make(map[string]int, len(items))
	for i := range items {
		item := &items[i]
		symbol := item.Snapshot.Symbol
		if prev, ok := s.prevRanks[symbol]; ok {
			item.RankDelta = prev - item.Rank // positive = climbed
		}
		item.Stale = now.Sub(item.Snapshot.TS) > staleAfter
		if item.Snapshot.ManipScore != nil && *item.Snapshot.ManipScore >= manipThreshold {
			item.ManipulationThresholdExceeded = true
		}
		next[symbol] = item.Rank
	}
	s.prevRanks = next
}

// buildFrame assembles the cycle's immutable output frame.
func (s *Scanner) buildFrame(profileName string, universe []*model.Snapshot, items []model.RankedItem) *model.RankingFrame {
	gauge := 0.0
	if len(universe) > 0 {
		for _, snap := range universe {
			gauge += snap.ATRPct
		}
		gauge /= float64(len(universe))
		gauge = math.Round(gauge*1e4) / 1e4
	}
	return &model.RankingFrame{
		TS:               time.Now().UTC(),
		Profile:          profileName,
		MarketGauge:      gauge,
		VolatilityBucket: volatilityBucket(gauge),
		Items:            items,
	}
}

// volatilityBucket maps mean ATR% to a coarse regime label.
func volatilityBucket(meanATRPct float64) string {
	switch {
	case meanATRPct < 1.5:
		return "low"
	case meanATRPct < 3.5:
		return "medium"
	default:
		return "high"
	}
}

// emit publishes the frame, feeds the rules engine and schedules the
// fire-and-forget persistence work. Persistence never fails a cycle.
func (s *Scanner) emit(ctx context.Context, frame *model.RankingFrame, snaps []*model.Snapshot) {
	s.bus.Publish(*frame)
	metrics.FramesPublished.Inc()
	metrics.FramesDropped.Set(float64(s.bus.Dropped()))
	metrics.Subscribers.Set(float64(s.bus.Subscribers()))

	for _, item := range frame.Items {
		for _, sig := range s.rules.Match(item) {
			metrics.SignalsEmitted.WithLabelValues(sig.RuleName).Inc()
			s.signals.Enqueue(sig)
		}
	}

	if s.db != nil {
		go s.persist(context.WithoutCancel(ctx), *frame, snaps)
	}
	if s.cache != nil {
		go s.cacheCycle(context.WithoutCancel(ctx), *frame, snaps)
	}
}

func (s *Scanner) persist(ctx context.Context, frame model.RankingFrame, snaps []*model.Snapshot) {
	if err := s.db.PersistRankings(ctx, frame); err != nil {
		metrics.PersistFailures.WithLabelValues("postgres").Inc()
		s.log.Error().Err(err).Str("operation", "persist_rankings").Msg("Persist failed")
	}
	for _, snap := range snaps {
		if err := s.db.PersistBar(ctx, snap, s.lastClose(snap.Symbol)); err != nil {
			metrics.PersistFailures.WithLabelValues("postgres").Inc()
			s.log.Error().Err(err).
				Str("symbol", snap.Symbol).
				Str("operation", "persist_bar").
				Msg("Persist failed")
		}
	}
}

func (s *Scanner) cacheCycle(ctx context.Context, frame model.RankingFrame, snaps []*model.Snapshot) {
	if err := s.cache.CacheRankings(ctx, frame); err != nil {
		metrics.PersistFailures.WithLabelValues("redis").Inc()
		s.log.Error().Err(err).Str("operation", "cache_rankings").Msg("Cache write failed")
	}
	if err := s.cache.CacheSnapshots(ctx, s.adapter.Name(), snaps); err != nil {
		metrics.PersistFailures.WithLabelValues("redis").Inc()
		s.log.Error().Err(err).Str("operation", "cache_snapshots").Msg("Cache write failed")
	}
}

func (s *Scanner) logSLA(duration time.Duration) {
	h := s.health.Snapshot()
	switch h.slaStatus(duration) {
	case SLACritical:
		s.log.Error().Dur("duration", duration).Msg("Cycle exceeded critical SLA")
	case SLAWarn:
		s.log.Warn().Dur("duration", duration).Msg("Cycle exceeded warn SLA")
	}
}

// Run loops cycles until the context is cancelled: pause gate, cycle,
// failure backoff, interruptible sleep.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.interval).
		Int("concurrency", s.concurrency).
		Str("profile", s.profileName).
		Msg("Scanner started")

	streak := 0
	for {
		// Pause gate.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.control.gate():
		}

		err := s.supervisedCycle(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		var sleep time.Duration
		if err != nil {
			streak++
			backoff := s.interval * time.Duration(1<<uint(streak))
			if backoff > maxBackoff || backoff <= 0 {
				backoff = maxBackoff
			}
			adapterState := s.adapter.SnapshotState()
			s.health.update(func(h *HealthState) {
				h.recordFailure(err, backoff, adapterState)
			})
			metrics.ScanCycles.WithLabelValues("failed").Inc()
			metrics.FailureStreak.Set(float64(streak))
			s.log.Error().Err(err).Int("streak", streak).Dur("backoff", backoff).Msg("Cycle failed")
			sleep = backoff
		} else {
			streak = 0
			sleep = s.interval
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.control.force():
			timer.Stop()
			s.log.Info().Msg("Force scan: skipping remaining sleep")
		case <-timer.C:
		}
	}
}

// supervisedCycle runs one cycle, converting a worker panic into a cycle
// failure instead of taking the process down.
func (s *Scanner) supervisedCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	_, _, err = s.RunCycle(ctx, s.profileName)
	return err
}

func (s *Scanner) rememberClose(symbol string, px float64) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.lastCloses[symbol] = px
}

func (s *Scanner) lastClose(symbol string) float64 {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.lastCloses[symbol]
}
