package scanner

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// auditCapacity bounds the control audit log.
const auditCapacity = 200

// Manual breaker states.
const (
	BreakerOpen   = "open"
	BreakerClosed = "closed"
)

// AuditEntry is one control-plane action.
type AuditEntry struct {
	TS     time.Time `json:"ts"`
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Detail string    `json:"detail"`
}

// BreakerState is the manual breaker snapshot.
type BreakerState struct {
	ManualState string    `json:"manual_state"` // open or closed
	LastReason  string    `json:"last_reason"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ControlState is the full control-plane snapshot.
type ControlState struct {
	Paused  bool         `json:"paused"`
	Breaker BreakerState `json:"breaker"`
	Audit   []AuditEntry `json:"audit"`
}

// ControlResponse is the structured result of a control mutation. Control
// operations never fail; at worst they refuse with a reason.
type ControlResponse struct {
	Paused bool   `json:"paused,omitempty"`
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

// Control is the pause gate, manual breaker, force-scan event and audit
// log. The orchestrator waits on the gate before each cycle; HTTP handlers
// mutate it concurrently.
type Control struct {
	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{} // non-nil while paused, closed on resume
	breaker  BreakerState
	audit    []AuditEntry
	forceCh  chan struct{}
	log      zerolog.Logger
}

// NewControl creates an unpaused control plane with a closed breaker.
func NewControl(logger zerolog.Logger) *Control {
	return &Control{
		breaker: BreakerState{ManualState: BreakerClosed, UpdatedAt: time.Now().UTC()},
		forceCh: make(chan struct{}, 1),
		log:     logger.With().Str("component", "control").Logger(),
	}
}

func (c *Control) record(action, actor, detail string) {
	entry := AuditEntry{TS: time.Now().UTC(), Action: action, Actor: actor, Detail: detail}
	c.audit = append(c.audit, entry)
	if len(c.audit) > auditCapacity {
		c.audit = c.audit[len(c.audit)-auditCapacity:]
	}
	c.log.Info().Str("action", action).Str("actor", actor).Str("detail", detail).Msg("Control action")
}

// Pause stops the orchestrator before its next cycle. Idempotent.
func (c *Control) Pause(actor, reason string) ControlResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
	c.record("pause", actor, reason)
	return ControlResponse{Paused: true}
}

// Resume releases the pause gate. Idempotent.
func (c *Control) Resume(actor, reason string) ControlResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
		c.resumeCh = nil
	}
	c.record("resume", actor, reason)
	return ControlResponse{Paused: false}
}

// ForceScan asks the orchestrator to skip the rest of its sleep. Refused
// while paused.
func (c *Control) ForceScan(actor, reason string) ControlResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.record("force_scan_rejected", actor, reason)
		return ControlResponse{Queued: false, Reason: "paused"}
	}
	select {
	case c.forceCh <- struct{}{}:
	default:
		// Already queued; one pending force is enough.
	}
	c.record("force_scan", actor, reason)
	return ControlResponse{Queued: true}
}

// SetManualBreaker opens or closes the manual breaker. An open breaker
// makes the orchestrator skip cycles entirely.
func (c *Control) SetManualBreaker(state, actor, reason string) (BreakerState, bool) {
	if state != BreakerOpen && state != BreakerClosed {
		return c.BreakerSnapshot(), false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaker = BreakerState{
		ManualState: state,
		LastReason:  reason,
		UpdatedAt:   time.Now().UTC(),
	}
	c.record("breaker_"+state, actor, reason)
	return c.breaker, true
}

// Paused reports the pause gate.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ManualBreakerOpen reports whether the manual breaker is open.
func (c *Control) ManualBreakerOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker.ManualState == BreakerOpen
}

// BreakerSnapshot returns a copy of the breaker state.
func (c *Control) BreakerSnapshot() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker
}

// Snapshot returns the full control state with the last n audit entries
// (n <= 0 means all retained entries).
func (c *Control) Snapshot(n int) ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	audit := c.audit
	if n > 0 && len(audit) > n {
		audit = audit[len(audit)-n:]
	}
	out := ControlState{
		Paused:  c.paused,
		Breaker: c.breaker,
		Audit:   append([]AuditEntry(nil), audit...),
	}
	return out
}

// gate returns a channel that is closed (or nil-safe ready) once the
// control plane is unpaused.
func (c *Control) gate() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return closedGate
	}
	return c.resumeCh
}

// force returns the force-scan wakeup channel.
func (c *Control) force() <-chan struct{} {
	return c.forceCh
}

var closedGate = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
