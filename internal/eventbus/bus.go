// Package eventbus implements the Event Bus: in-process
// publish/subscribe of lifecycle events, with best-effort, non-blocking
// delivery from the publisher's perspective.
//
// Grounded directly on the teacher's
// internal/infrastructure/websocket/hub.go hub pattern: a
// register/unregister/broadcast channel trio drained by one run
// goroutine, a per-subscriber buffered channel, and a non-blocking
// select{case ch<-evt: default: drop} for delivery. The teacher
// indexes subscribers by user/workflow/execution id for a WebSocket
// transport this module does not own; this package generalizes that
// indexing to the spec's plain Subscription filter set.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mbflow/engine/internal/domain"
)

// Filter selects which events a Subscription receives. A zero-value
// field means "don't filter on this dimension". An all-zero Filter is
// the wildcard subscription spec.md §3 describes.
type Filter struct {
	ExecutionID string
	WorkflowID  string
}

func (f Filter) matches(evt domain.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != evt.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != evt.WorkflowID {
		return false
	}
	return true
}

// Handle identifies a Subscription returned by Subscribe, opaque to
// callers.
type Handle string

type subscriber struct {
	handle Handle
	filter Filter
	ch     chan domain.Event
}

const subscriberBuffer = 64

// Bus is the in-process Event Bus. Zero value is not usable; use New.
type Bus struct {
	register   chan *subscriber
	unregister chan Handle
	broadcast  chan domain.Event
	done       chan struct{}
	logger     zerolog.Logger

	mu   sync.RWMutex
	subs map[Handle]*subscriber
}

func New(logger zerolog.Logger) *Bus {
	b := &Bus{
		register:   make(chan *subscriber),
		unregister: make(chan Handle),
		broadcast:  make(chan domain.Event, 256),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "eventbus").Logger(),
		subs:       make(map[Handle]*subscriber),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case s := <-b.register:
			b.mu.Lock()
			b.subs[s.handle] = s
			b.mu.Unlock()
		case h := <-b.unregister:
			b.mu.Lock()
			if s, ok := b.subs[h]; ok {
				delete(b.subs, h)
				close(s.ch)
			}
			b.mu.Unlock()
		case evt := <-b.broadcast:
			b.deliver(evt)
		case <-b.done:
			return
		}
	}
}

// deliver takes a snapshot read of subscribers (spec.md §5: "Event
// bus: subscriptions under a lock only during subscribe/unsubscribe;
// publish uses a snapshot read") and sends non-blocking per
// subscriber, preserving per-subscriber publish order because sends
// happen from this single goroutine.
func (b *Bus) deliver(evt domain.Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.matches(evt) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- evt:
		default:
			b.logger.Warn().Str("handle", string(s.handle)).Str("event_type", string(evt.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// Subscribe registers filter and returns a handle plus the channel new
// events matching it arrive on. The caller must drain the channel
// (or call Unsubscribe, which closes it) to avoid its buffer filling
// and subsequent events being dropped for it — dropping a slow
// subscriber's events is the intended behavior, it never
// back-pressures Publish.
func (b *Bus) Subscribe(filter Filter) (Handle, <-chan domain.Event) {
	s := &subscriber{
		handle: Handle(newHandle()),
		filter: filter,
		ch:     make(chan domain.Event, subscriberBuffer),
	}
	b.register <- s
	return s.handle, s.ch
}

// Unsubscribe discards the subscription for handle.
func (b *Bus) Unsubscribe(handle Handle) {
	b.unregister <- handle
}

// Publish delivers evt to every matching subscriber, dropping it for
// any whose buffer is full. Never blocks on a slow subscriber.
func (b *Bus) Publish(evt domain.Event) {
	b.broadcast <- evt
}

// Close stops the bus's run loop. Subscribers already registered keep
// their channels open but stop receiving further events.
func (b *Bus) Close() {
	close(b.done)
}

var handleCounter struct {
	mu sync.Mutex
	n  uint64
}

// newHandle generates a monotonic local id. Using a counter rather
// than uuid.New() here keeps subscription handles cheap and avoids a
// dependency for a value never persisted or compared across
// processes.
func newHandle() string {
	handleCounter.mu.Lock()
	defer handleCounter.mu.Unlock()
	handleCounter.n++
	return itoa(handleCounter.n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return "sub-" + string(buf[i:])
}
