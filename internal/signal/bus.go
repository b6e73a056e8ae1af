// Package signal delivers matched-rule signals to downstream consumers.
// Signals are enqueued without bound so rule evaluation never blocks on
// delivery; a single worker drains the queue and hands each signal to every
// configured sink best-effort. Delivery failures are logged and counted,
// never retried.
package signal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/metrics"
	"github.com/perpflow/scanner/internal/model"
)

// Sink is one delivery target for signals.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, sig model.Signal) error
}

// Bus queues signals and drains them through its sinks on one worker.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []model.Signal
	closed  bool
	sinks   []Sink
	log     zerolog.Logger
	wg      sync.WaitGroup
	emitted uint64
	failed  uint64
}

// NewBus creates a bus over the given sinks and starts its worker.
func NewBus(logger zerolog.Logger, sinks ...Sink) *Bus {
	b := &Bus{
		sinks: sinks,
		log:   logger.With().Str("component", "signal_bus").Logger(),
	}
	b.cond = sync.NewCond(&b.mu)
	b.wg.Add(1)
	go b.worker()
	return b
}

// Enqueue accepts a signal for delivery. Never blocks.
func (b *Bus) Enqueue(sig model.Signal) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, sig)
	b.cond.Signal()
}

// Pending returns the current queue depth.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Emitted returns the number of signals handed to sinks.
func (b *Bus) Emitted() uint64 { return atomic.LoadUint64(&b.emitted) }

// Failed returns the number of individual sink delivery failures.
func (b *Bus) Failed() uint64 { return atomic.LoadUint64(&b.failed) }

// Close drains nothing further: queued but undelivered signals are dropped
// and the worker exits.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		sig := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(sig)
	}
}

func (b *Bus) deliver(sig model.Signal) {
	atomic.AddUint64(&b.emitted, 1)
	for _, sink := range b.sinks {
		if err := sink.Deliver(context.Background(), sig); err != nil {
			atomic.AddUint64(&b.failed, 1)
			metrics.SignalDeliveryFailures.WithLabelValues(sink.Name()).Inc()
			b.log.Warn().
				Str("sink", sink.Name()).
				Str("rule", sig.RuleName).
				Str("symbol", sig.Symbol).
				Err(err).
				Msg("Signal delivery failed")
		}
	}
}
