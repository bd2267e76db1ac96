// Package eventbus carries events from the agent's workers to its consumers.
//
// Producers write into a single ordered channel; one dispatcher goroutine
// drains it and fans each event out to every subscriber. Order is preserved
// per producer, not across producers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/pkg/types"
)

const (
	// DefaultQueueSize is the size of the inbound event queue.
	DefaultQueueSize = 1024
	// DefaultSubscriberBuffer is the buffer of each subscriber channel.
	DefaultSubscriberBuffer = 256
)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev types.Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ev types.Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev types.Event) { f(ev) }

// Bus is a multi-producer, single-dispatcher event channel.
type Bus struct {
	logger zerolog.Logger
	in     chan types.Event
	done   chan struct{}

	mu   sync.RWMutex
	subs []chan types.Event

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus with the given inbound queue size.
func New(queueSize int, logger zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		logger: logger.With().Str("component", "eventbus").Logger(),
		in:     make(chan types.Event, queueSize),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event. It blocks only while the inbound queue is full,
// so producers never lose events to a slow subscriber. Events published after
// the bus stopped are discarded.
func (b *Bus) Publish(ev types.Event) {
	select {
	case b.in <- ev:
		b.published.Add(1)
	case <-b.done:
	}
}

// Subscribe returns a channel receiving every event dispatched after the call.
// A subscriber that falls behind loses events rather than stalling the bus.
func (b *Bus) Subscribe(bufSize int) <-chan types.Event {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	ch := make(chan types.Event, bufSize)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch <-chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	for _, s := range b.subs {
		if s == ch {
			close(s)
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
}

// Run dispatches events until ctx is cancelled. Events still queued at
// cancellation are delivered before subscriber channels are closed.
func (b *Bus) Run(ctx context.Context) {
	b.logger.Debug().Msg("Event bus started")
	defer b.logger.Debug().Msg("Event bus stopped")

	for {
		select {
		case <-ctx.Done():
			close(b.done)
			for {
				select {
				case ev := <-b.in:
					b.dispatch(ev)
				default:
					b.closeSubscribers()
					return
				}
			}
		case ev := <-b.in:
			b.dispatch(ev)
		}
	}
}

func (b *Bus) dispatch(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// Stats returns publish and drop counts.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
