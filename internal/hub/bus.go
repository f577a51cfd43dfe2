package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusClosed is returned once a bus has been closed and, for a
	// subscription, its queue has been drained.
	ErrBusClosed = errors.New("hub: bus closed")
	// ErrNoSubscribers is returned by Publish when nobody would receive the payload.
	ErrNoSubscribers = errors.New("hub: no subscribers")
)

// LaggedError reports that a subscription fell behind and lost its oldest
// unread payloads. The subscription stays usable.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("hub: subscriber lagged, %d messages skipped", e.Skipped)
}

// Bus is a bounded multi-subscriber broadcast channel scoped to one room.
// Every subscriber receives every payload published after it subscribed, in
// publish order. Publishing never waits on a slow subscriber.
type Bus struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a bus whose subscribers each buffer up to capacity payloads.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new receiver.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &Subscription{
		bus:   b,
		queue: make(chan []byte, b.capacity),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload to every current subscriber and returns how many
// received it. Publications are serialized, so all subscribers observe the
// same order.
func (b *Bus) Publish(payload []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBusClosed
	}
	if len(b.subs) == 0 {
		return 0, ErrNoSubscribers
	}

	for sub := range b.subs {
		sub.deliver(payload)
	}
	return len(b.subs), nil
}

// Close closes the bus. Subscribers drain what is already queued and then
// observe ErrBusClosed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.queue)
	}
	b.subs = nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one receiver's view of a Bus.
type Subscription struct {
	bus     *Bus
	queue   chan []byte
	skipped atomic.Uint64
}

// deliver enqueues payload, evicting the oldest queued payload while the
// queue is full. Called with the bus lock held, so it is the only sender.
func (s *Subscription) deliver(payload []byte) {
	for {
		select {
		case s.queue <- payload:
			return
		default:
		}
		select {
		case <-s.queue:
			s.skipped.Add(1)
		default:
		}
	}
}

// Recv waits for the next payload. A *LaggedError is returned first if
// payloads were evicted since the previous call.
func (s *Subscription) Recv(ctx context.Context) ([]byte, error) {
	if n := s.skipped.Swap(0); n > 0 {
		return nil, &LaggedError{Skipped: n}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-s.queue:
		if !ok {
			return nil, ErrBusClosed
		}
		return payload, nil
	}
}

// C exposes the queue for use in select statements. It is closed when the
// bus closes. Callers should check Lagged after each receive.
func (s *Subscription) C() <-chan []byte {
	return s.queue
}

// Lagged returns and resets the number of payloads evicted since the last
// call to Lagged or Recv.
func (s *Subscription) Lagged() uint64 {
	return s.skipped.Swap(0)
}

// TryRecv returns a queued payload without waiting. ok is false when the
// queue is empty or closed.
func (s *Subscription) TryRecv() (payload []byte, ok bool) {
	select {
	case payload, ok = <-s.queue:
		return payload, ok
	default:
		return nil, false
	}
}

// Close unsubscribes. Safe to call more than once and after the bus closed.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}
