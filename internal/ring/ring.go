// Package ring implements a bounded, lock-free broadcast channel used to
// hand order events from I/O goroutines to matching goroutines.
//
// Any number of producers may write. Every registered consumer tracks its
// own cursor and observes the full stream in claim order, so a slow
// consumer gates producers: a write fails with ErrWouldOverwrite instead of
// overwriting a slot some consumer has not read yet.
package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrWouldOverwrite  = errors.New("ring: write would overwrite unread data")
	ErrNoData          = errors.New("ring: no data ready")
	ErrInvalidCapacity = errors.New("ring: capacity must be a power of two")
	ErrConsumerID      = errors.New("ring: consumer id out of range")
	ErrConsumerExists  = errors.New("ring: consumer id already registered")
)

const (
	defaultSpinLimit    = 1024
	defaultPollInterval = 50 * time.Microsecond
)

// slot stamps are 0 when never written, and seq+1 once the item with
// sequence seq has been fully written.
type slot[T any] struct {
	stamp atomic.Uint64
	value T
}

type cursor struct {
	next   atomic.Uint64
	active atomic.Bool
	_      [48]byte
}

type RingBuffer[T any] struct {
	claim atomic.Uint64
	_pad1 [56]byte

	mask     uint64
	slots    []slot[T]
	cursors  []cursor
	register sync.Mutex

	spinLimit    int
	pollInterval time.Duration
}

type Option func(*options)

type options struct {
	spinLimit    int
	pollInterval time.Duration
}

// WithSpinLimit sets how many empty polls Wait performs before it starts
// sleeping between polls.
func WithSpinLimit(n int) Option {
	return func(o *options) { o.spinLimit = n }
}

// WithPollInterval bounds the sleep between polls once Wait stops spinning.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// New creates a ring with a fixed capacity (a power of two) and room for at
// most maxConsumers concurrently registered consumers.
func New[T any](capacity, maxConsumers int, opts ...Option) (*RingBuffer[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if maxConsumers <= 0 {
		return nil, fmt.Errorf("%w: max consumers %d", ErrConsumerID, maxConsumers)
	}

	o := options{spinLimit: defaultSpinLimit, pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}

	return &RingBuffer[T]{
		mask:         uint64(capacity - 1),
		slots:        make([]slot[T], capacity),
		cursors:      make([]cursor, maxConsumers),
		spinLimit:    o.spinLimit,
		pollInterval: o.pollInterval,
	}, nil
}

// Size returns the capacity of the ring.
func (r *RingBuffer[T]) Size() int { return len(r.slots) }

// MaxConsumers returns the size of the consumer arena.
func (r *RingBuffer[T]) MaxConsumers() int { return len(r.cursors) }

// CreateProducer returns a write handle. Producers are stateless and safe
// to share between goroutines.
func (r *RingBuffer[T]) CreateProducer() *Producer[T] {
	return &Producer[T]{ring: r}
}

// CreateConsumer registers consumer id. The consumer observes every item
// claimed after registration.
func (r *RingBuffer[T]) CreateConsumer(id int) (*Consumer[T], error) {
	if id < 0 || id >= len(r.cursors) {
		return nil, fmt.Errorf("%w: %d", ErrConsumerID, id)
	}

	r.register.Lock()
	defer r.register.Unlock()

	c := &r.cursors[id]
	if c.active.Load() {
		return nil, fmt.Errorf("%w: %d", ErrConsumerExists, id)
	}
	c.next.Store(r.claim.Load())
	c.active.Store(true)
	return &Consumer[T]{ring: r, id: id, cursor: c}, nil
}

// gate returns the lowest cursor among active consumers, or seq when no
// consumer is registered.
func (r *RingBuffer[T]) gate(seq uint64) uint64 {
	lowest := seq
	for i := range r.cursors {
		c := &r.cursors[i]
		if !c.active.Load() {
			continue
		}
		if next := c.next.Load(); next < lowest {
			lowest = next
		}
	}
	return lowest
}

func (r *RingBuffer[T]) write(item T) error {
	capacity := uint64(len(r.slots))
	for {
		seq := r.claim.Load()
		if seq-r.gate(seq) >= capacity {
			return ErrWouldOverwrite
		}
		if !r.claim.CompareAndSwap(seq, seq+1) {
			continue
		}

		s := &r.slots[seq&r.mask]
		s.value = item
		s.stamp.Store(seq + 1)
		return nil
	}
}

func (r *RingBuffer[T]) read(c *cursor, id int) (T, error) {
	var zero T

	next := c.next.Load()
	s := &r.slots[next&r.mask]
	stamp := s.stamp.Load()

	switch {
	case stamp == next+1:
		v := s.value
		c.next.Store(next + 1)
		return v, nil
	case stamp == 0 || (stamp < next+1 && (stamp-1)&r.mask == next&r.mask):
		return zero, ErrNoData
	default:
		// A stamp ahead of the cursor means the slot was overwritten before
		// this consumer read it. The stream can no longer be trusted.
		panic(fmt.Sprintf("ring: slot %d stamped %d, consumer %d expected %d", next&r.mask, stamp, id, next+1))
	}
}

// RoundUp returns the smallest power of two >= n, and 1 for n <= 1.
func RoundUp(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
