// Package events fans engine and link notifications out to subscribers.
//
// Handlers run synchronously on the publishing goroutine in subscription
// order, so a handler observes events in exactly the order they were
// published. Channel subscribers never block the publisher: an event that
// does not fit in the channel buffer is dropped and counted.
//
// Handlers must not call back into the component that published the event
// while it holds its own locks (for example Engine.HandleInput).
package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/gcslink/internal/protocol/frame"
)

var (
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrSubscriberNil      = errors.New("events: subscriber is nil")
	ErrBusClosed          = errors.New("events: bus is closed")
)

// Kind tags which fields of an Event are meaningful.
type Kind uint8

const (
	KindNewSession Kind = iota + 1
	KindFrameDecoded
	KindLossRatioChanged
	KindLinkAdded
	KindLinkRemoved
	KindLinkStateChanged
	KindHeartbeatChanged
	KindLoggingChanged
)

func (k Kind) String() string {
	switch k {
	case KindNewSession:
		return "new_session"
	case KindFrameDecoded:
		return "frame_decoded"
	case KindLossRatioChanged:
		return "loss_ratio_changed"
	case KindLinkAdded:
		return "link_added"
	case KindLinkRemoved:
		return "link_removed"
	case KindLinkStateChanged:
		return "link_state_changed"
	case KindHeartbeatChanged:
		return "heartbeat_changed"
	case KindLoggingChanged:
		return "logging_changed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one notification.
//
//	NewSession        SystemID
//	FrameDecoded      LinkID, Frame
//	LossRatioChanged  SystemID (sender that closed the window), Ratio (all senders)
//	LinkAdded         LinkID
//	LinkRemoved       LinkID
//	LinkStateChanged  LinkID, Enabled (connected)
//	HeartbeatChanged  Enabled, Rate
//	LoggingChanged    Enabled
type Event struct {
	Kind     Kind
	At       time.Time
	SystemID uint8
	LinkID   int
	Frame    frame.Frame
	Ratio    float64
	Rate     float64
	Enabled  bool
}

// Handler receives events synchronously.
type Handler func(Event)

// Stats reports delivery counters.
type Stats struct {
	Published uint64
	Dropped   map[string]uint64
}

type channelSub struct {
	ch      chan<- Event
	dropped atomic.Uint64
}

type handlerSub struct {
	id string
	fn Handler
}

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	handlers  []handlerSub
	channels  map[string]*channelSub
	closed    bool
	published atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{channels: make(map[string]*channelSub)}
}

// Subscribe appends a synchronous handler.
func (b *Bus) Subscribe(id string, fn Handler) error {
	if fn == nil {
		return ErrSubscriberNil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.exists(id) {
		return fmt.Errorf("%w: %q", ErrSubscriberExists, id)
	}
	b.handlers = append(b.handlers, handlerSub{id: id, fn: fn})
	return nil
}

// SubscribeChan registers a channel that receives events without blocking
// the publisher.
func (b *Bus) SubscribeChan(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrSubscriberNil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.exists(id) {
		return fmt.Errorf("%w: %q", ErrSubscriberExists, id)
	}
	b.channels[id] = &channelSub{ch: ch}
	return nil
}

// Unsubscribe removes a handler or channel subscriber.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if _, ok := b.channels[id]; ok {
		delete(b.channels, id)
		return nil
	}
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrSubscriberNotFound, id)
}

// Publish delivers ev to every subscriber. Publishing on a closed bus is a
// no-op.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := b.handlers
	for _, sub := range b.channels {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, h := range handlers {
		h.fn(ev)
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Published: b.published.Load(),
		Dropped:   make(map[string]uint64, len(b.channels)),
	}
	for id, sub := range b.channels {
		st.Dropped[id] = sub.dropped.Load()
	}
	return st
}

// Close drops every subscriber. Channels are owned by their subscribers and
// are not closed here.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	b.handlers = nil
	b.channels = make(map[string]*channelSub)
	return nil
}

func (b *Bus) exists(id string) bool {
	if _, ok := b.channels[id]; ok {
		return true
	}
	for _, h := range b.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}
