// Package bus is the in-process message bus between the coordinator and workers.
//
// Delivery is at-least-once. Each subscriber owns a bounded FIFO queue and
// publishes are serialized, so messages sharing a correlation id reach a given
// subscriber in publish order. A publish that cannot enqueue after the
// configured retries fails with ErrBusDeliveryFailure.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ShayCichocki/hive/pkg/models"
)

var (
	// ErrBusDeliveryFailure is returned when a subscriber queue stays full.
	ErrBusDeliveryFailure = errors.New("bus delivery failure")
	// ErrClosed is returned when publishing to a closed bus.
	ErrClosed = errors.New("bus closed")
)

// Predicate selects the messages a subscription receives.
type Predicate func(models.Message) bool

// ForRecipient matches messages addressed to id.
func ForRecipient(id string) Predicate {
	return func(m models.Message) bool { return m.Recipient == id }
}

// ForTypes matches messages of any of the given types.
func ForTypes(types ...models.MessageType) Predicate {
	return func(m models.Message) bool {
		for _, t := range types {
			if m.Type == t {
				return true
			}
		}
		return false
	}
}

// All matches every message.
func All() Predicate {
	return func(models.Message) bool { return true }
}

// Tap observes every publish in publish order.
type Tap interface {
	OnPublish(msg models.Message)
}

// TapFunc adapts a function to Tap.
type TapFunc func(msg models.Message)

// OnPublish implements Tap.
func (f TapFunc) OnPublish(msg models.Message) { f(msg) }

// Option configures a Bus.
type Option func(*Bus)

// WithMaxPending sets each subscriber's queue capacity.
func WithMaxPending(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// WithDeliveryRetries sets how many times a full queue is retried, and the
// initial backoff between tries. The backoff doubles per try.
func WithDeliveryRetries(n int, backoff time.Duration) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.retries = n
		}
		if backoff > 0 {
			b.backoff = backoff
		}
	}
}

// WithDuplicateRate delivers each message a second time with probability rate.
// The seed makes the duplicate pattern reproducible.
func WithDuplicateRate(rate float64, seed int64) Option {
	return func(b *Bus) {
		b.dupRate = rate
		b.rng = rand.New(rand.NewSource(seed))
	}
}

// WithTap registers a publish observer.
func WithTap(t Tap) Option {
	return func(b *Bus) {
		b.taps = append(b.taps, t)
	}
}

// Bus routes messages to subscriptions by predicate.
type Bus struct {
	maxPending int
	retries    int
	backoff    time.Duration
	dupRate    float64
	rng        *rand.Rand
	taps       []Tap

	// mu serializes publishes and guards subs and closed.
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
	nextID int
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		maxPending: 256,
		retries:    3,
		backoff:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one consumer's queue.
type Subscription struct {
	id   int
	name string
	pred Predicate
	bus  *Bus
	ch   chan models.Message

	closeOnce sync.Once
}

// Subscribe registers a consumer. name labels it in delivery errors.
func (b *Bus) Subscribe(name string, pred Predicate) *Subscription {
	if pred == nil {
		pred = All()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:   b.nextID,
		name: name,
		pred: pred,
		bus:  b,
		ch:   make(chan models.Message, b.maxPending),
	}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// C returns the delivery channel. It is closed when the subscription or bus closes.
func (s *Subscription) C() <-chan models.Message { return s.ch }

// Name returns the subscriber label.
func (s *Subscription) Name() string { return s.name }

// Close unregisters the subscription. Pending messages are dropped.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.closeOnce.Do(func() {
		subs := s.bus.subs[:0]
		for _, o := range s.bus.subs {
			if o != s {
				subs = append(subs, o)
			}
		}
		s.bus.subs = subs
		close(s.ch)
	})
}

// Publish delivers msg to every matching subscription. Delivery to the other
// subscribers still happens when one of them fails; the first failure is returned.
func (b *Bus) Publish(ctx context.Context, msg models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for _, t := range b.taps {
		t.OnPublish(msg)
	}

	var firstErr error
	for _, s := range b.subs {
		if !s.pred(msg) {
			continue
		}
		if err := b.deliver(ctx, s, msg); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if b.rng != nil && b.dupRate > 0 && b.rng.Float64() < b.dupRate {
			// Best effort: a duplicate never fails the publish.
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
	return firstErr
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, msg models.Message) error {
	wait := b.backoff
	for try := 0; ; try++ {
		select {
		case s.ch <- msg:
			return nil
		default:
		}
		if try >= b.retries {
			return fmt.Errorf("%w: subscriber %s queue full after %d retries (message %s)",
				ErrBusDeliveryFailure, s.name, b.retries, msg.ID)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: subscriber %s: %v", ErrBusDeliveryFailure, s.name, ctx.Err())
		case s.ch <- msg:
			t.Stop()
			return nil
		case <-t.C:
		}
		wait *= 2
	}
}

// Close closes every subscription. Later publishes return ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for len(b.subs) > 0 {
		b.subs[0].closeLocked()
	}
}
