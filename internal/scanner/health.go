package scanner

import (
	"sync/atomic"
	"time"

	"github.com/perpflow/scanner/internal/exchange"
)

// healthWindow is the number of recent cycle durations kept.
const healthWindow = 120

// SLA status labels.
const (
	SLAOk       = "ok"
	SLAWarn     = "warn"
	SLACritical = "critical"
)

// HealthState is the orchestrator's published health snapshot. Writers swap
// a fresh pointer; readers always deep-copy, so no field is ever shared.
type HealthState struct {
	Status         string               `json:"status"` // ok, warn, critical
	LastSuccess    time.Time            `json:"last_success"`
	LastError      string               `json:"last_error,omitempty"`
	FailureStreak  int                  `json:"failure_streak"`
	CycleCount     uint64               `json:"cycle_count"`
	BackoffSec     float64              `json:"backoff_sec"`
	DurationsMS    []int64              `json:"durations_ms"` // most recent last
	SymbolLiveness map[string]time.Time `json:"symbol_liveness"`
	SLAWarnSec     float64              `json:"sla_warn_sec"`
	SLACriticalSec float64              `json:"sla_critical_sec"`
	Adapter        exchange.AdapterState `json:"adapter"`
}

// healthTracker holds the current state behind an atomic pointer. Only the
// orchestrator goroutine writes; HTTP readers snapshot concurrently.
type healthTracker struct {
	ptr atomic.Pointer[HealthState]
}

func newHealthTracker(warnSec, criticalSec float64) *healthTracker {
	t := &healthTracker{}
	t.ptr.Store(&HealthState{
		Status:         SLAOk,
		SymbolLiveness: make(map[string]time.Time),
		SLAWarnSec:     warnSec,
		SLACriticalSec: criticalSec,
	})
	return t
}

// update clones the current state, applies fn, and swaps the pointer.
func (t *healthTracker) update(fn func(h *HealthState)) {
	cur := t.ptr.Load()
	next := cur.clone()
	fn(next)
	t.ptr.Store(next)
}

// Snapshot returns a deep copy safe to hand to any reader.
func (t *healthTracker) Snapshot() HealthState {
	return *t.ptr.Load().clone()
}

func (h *HealthState) clone() *HealthState {
	cp := *h
	cp.DurationsMS = append([]int64(nil), h.DurationsMS...)
	cp.SymbolLiveness = make(map[string]time.Time, len(h.SymbolLiveness))
	for sym, ts := range h.SymbolLiveness {
		cp.SymbolLiveness[sym] = ts
	}
	return &cp
}

// recordSuccess folds one completed cycle into the state.
func (h *HealthState) recordSuccess(duration time.Duration, liveness map[string]time.Time, adapter exchange.AdapterState) {
	h.DurationsMS = append(h.DurationsMS, duration.Milliseconds())
	if len(h.DurationsMS) > healthWindow {
		h.DurationsMS = h.DurationsMS[len(h.DurationsMS)-healthWindow:]
	}
	h.LastSuccess = time.Now().UTC()
	h.LastError = ""
	h.FailureStreak = 0
	h.BackoffSec = 0
	h.CycleCount++
	h.SymbolLiveness = liveness
	h.Adapter = adapter
	h.Status = h.slaStatus(duration)
}

// recordFailure folds one failed cycle into the state.
func (h *HealthState) recordFailure(err error, backoff time.Duration, adapter exchange.AdapterState) {
	h.LastError = err.Error()
	h.FailureStreak++
	h.BackoffSec = backoff.Seconds()
	h.Adapter = adapter
	h.Status = SLACritical
}

func (h *HealthState) slaStatus(duration time.Duration) string {
	sec := duration.Seconds()
	switch {
	case h.SLACriticalSec > 0 && sec >= h.SLACriticalSec:
		return SLACritical
	case h.SLAWarnSec > 0 && sec >= h.SLAWarnSec:
		return SLAWarn
	default:
		return SLAOk
	}
}
