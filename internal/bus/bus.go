// Package bus is the in-process event fabric. Every state change in the
// gateway becomes exactly one Event here, stamped with a monotonically
// increasing sequence number before fan-out. Subscribers get bounded
// mailboxes; a slow subscriber loses its oldest events, never the
// publisher's throughput.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultQueueSize is the per-subscriber mailbox capacity.
const DefaultQueueSize = 1024

// Event is one sequenced occurrence. Seq is unique and monotonic across
// all event types for the lifetime of the process.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	TS        time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Payload   any       `json:"payload"`
}

// Filter restricts which events a subscription receives. Zero value
// matches everything.
type Filter struct {
	// TypePrefixes matches events whose type starts with any prefix,
	// e.g. "run." or "security.".
	TypePrefixes []string
	// RunID, when set, matches only events stamped with that run.
	RunID string
}

func (f Filter) matches(e Event) bool {
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if len(f.TypePrefixes) == 0 {
		return true
	}
	for _, p := range f.TypePrefixes {
		if strings.HasPrefix(e.Type, p) {
			return true
		}
	}
	return false
}

// Subscription is one subscriber's mailbox. Read from C until it is
// closed by Unsubscribe or Bus.Close.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter Filter
	id     uint64

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Dropped returns how many events this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bus assigns sequence numbers and fans events out to subscribers.
type Bus struct {
	log       *slog.Logger
	queueSize int
	obs       Observer

	mu      sync.Mutex
	nextSeq uint64
	nextSub uint64
	subs    map[uint64]*Subscription
	closed  bool
}

// Observer receives bus health signals. Both hooks are optional and are
// called with the bus lock held, so they must not block.
type Observer struct {
	// EventDropped fires once per event evicted from a full mailbox.
	EventDropped func()
	// SubscriberCount fires whenever the number of subscriptions changes.
	SubscriberCount func(n int)
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber mailbox capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithObserver wires drop and subscriber-count hooks, typically backed
// by prometheus instruments.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.obs = o }
}

// New creates a Bus. startSeq seeds the sequence counter; pass the
// highest persisted seq so numbering continues across restarts.
func New(log *slog.Logger, startSeq uint64, opts ...Option) *Bus {
	b := &Bus{
		log:       log,
		queueSize: DefaultQueueSize,
		nextSeq:   startSeq,
		subs:      make(map[uint64]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish stamps the event with the next sequence number and current time,
// then delivers it to every matching subscriber. Returns the stamped event.
// Mailbox enqueues happen under the bus lock: two concurrent publishes
// can never reach a mailbox out of sequence order. The sends are
// non-blocking, so the lock is never held waiting on a subscriber.
func (b *Bus) Publish(eventType, runID, channelID string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Event{}
	}
	b.nextSeq++
	e := Event{
		Seq:       b.nextSeq,
		Type:      eventType,
		TS:        time.Now().UTC(),
		RunID:     runID,
		ChannelID: channelID,
		Payload:   payload,
	}
	for _, s := range b.subs {
		s.deliver(e, b)
	}
	return e
}

// deliver enqueues e, evicting the oldest queued event when full so the
// mailbox always holds the most recent window.
func (s *Subscription) deliver(e Event, b *Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.filter.matches(e) {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case old := <-s.ch:
			s.dropped++
			if b.obs.EventDropped != nil {
				b.obs.EventDropped()
			}
			if s.dropped == 1 || s.dropped%100 == 0 {
				b.log.Warn("bus.subscriber_lagging",
					"subscription", s.id, "dropped_total", s.dropped, "oldest_seq", old.Seq)
			}
		default:
		}
	}
}

// Subscribe registers a mailbox for events matching the filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	ch := make(chan Event, b.queueSize)
	s := &Subscription{C: ch, ch: ch, filter: filter, id: b.nextSub}
	if b.closed {
		s.closed = true
		close(ch)
		return s
	}
	b.subs[s.id] = s
	if b.obs.SubscriberCount != nil {
		b.obs.SubscriberCount(len(b.subs))
	}
	return s
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.id)
	if b.obs.SubscriberCount != nil {
		b.obs.SubscriberCount(len(b.subs))
	}
	b.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// CurrentSeq returns the last assigned sequence number.
func (b *Bus) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Close shuts the bus down; subsequent Publish calls are no-ops and all
// subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[uint64]*Subscription{}
	if b.obs.SubscriberCount != nil {
		b.obs.SubscriberCount(0)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
}
