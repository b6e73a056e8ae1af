// Package broadcast fans ranking frames out to many concurrent
// subscribers. Each subscriber owns a small bounded buffer; a slow
// consumer loses its oldest frames, never the publisher's time.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/model"
)

// subscriberBuffer is the per-subscriber channel capacity. Two frames is
// enough to keep a healthy consumer one frame behind at most.
const subscriberBuffer = 2

// Subscription is one consumer's view of the frame stream.
type Subscription struct {
	ID     string
	frames chan model.RankingFrame
	bus    *Broadcast
	once   sync.Once
}

// Frames returns the receive channel; it is closed on Unsubscribe or bus Close.
func (s *Subscription) Frames() <-chan model.RankingFrame {
	return s.frames
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Broadcast is the process-wide ranking frame bus. Constructed once at
// startup and closed on shutdown; tests construct fresh instances.
type Broadcast struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	lastFrame *model.RankingFrame
	closed    bool
	dropped   uint64
	log       zerolog.Logger
}

// New creates an empty broadcast bus.
func New(logger zerolog.Logger) *Broadcast {
	return &Broadcast{
		subs: make(map[string]*Subscription),
		log:  logger.With().Str("component", "broadcast").Logger(),
	}
}

// Publish stores the frame as the latest and delivers it to every
// subscriber without blocking: a full buffer is drained before the push
// so the newest frames win.
func (b *Broadcast) Publish(frame model.RankingFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.lastFrame = &frame

	for _, sub := range b.subs {
		for {
			select {
			case sub.frames <- frame:
			default:
				// Buffer full: drop the oldest and retry.
				select {
				case <-sub.frames:
					b.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a new consumer. The latest frame, if any, is
// delivered immediately so late joiners start warm.
func (b *Broadcast) Subscribe() *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		frames: make(chan model.RankingFrame, subscriberBuffer),
		bus:    b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.frames)
		return sub
	}
	b.subs[sub.ID] = sub
	if b.lastFrame != nil {
		sub.frames <- *b.lastFrame
	}
	b.log.Debug().Str("subscriber", sub.ID).Int("total", len(b.subs)).Msg("Subscriber attached")
	return sub
}

func (b *Broadcast) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; ok {
		delete(b.subs, sub.ID)
		sub.once.Do(func() { close(sub.frames) })
		b.log.Debug().Str("subscriber", sub.ID).Int("total", len(b.subs)).Msg("Subscriber detached")
	}
}

// LastFrame returns the most recently published frame, or nil.
func (b *Broadcast) LastFrame() *model.RankingFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastFrame == nil {
		return nil
	}
	cp := *b.lastFrame
	return &cp
}

// Subscribers returns the current subscriber count.
func (b *Broadcast) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of frames dropped on full buffers.
func (b *Broadcast) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.frames) })
		delete(b.subs, id)
	}
}
