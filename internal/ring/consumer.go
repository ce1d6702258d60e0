package ring

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// Consumer reads the stream through its own cursor. A Consumer must only be
// used from one goroutine at a time.
type Consumer[T any] struct {
	ring   *RingBuffer[T]
	id     int
	cursor *cursor
}

// ID returns the consumer's arena slot.
func (c *Consumer[T]) ID() int { return c.id }

// Read returns the next item, or ErrNoData when the producer has not
// published it yet.
func (c *Consumer[T]) Read() (T, error) {
	return c.ring.read(c.cursor, c.id)
}

// Lag returns how many claimed items this consumer has not read yet.
func (c *Consumer[T]) Lag() uint64 {
	return c.ring.claim.Load() - c.cursor.next.Load()
}

// Wait polls until an item is ready or ctx is done. It spins first and then
// sleeps for the ring's poll interval between attempts, so cancellation is
// observed within one poll interval.
func (c *Consumer[T]) Wait(ctx context.Context) (T, error) {
	spins := 0
	for {
		v, err := c.Read()
		if !errors.Is(err, ErrNoData) {
			return v, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		default:
		}

		if spins < c.ring.spinLimit {
			spins++
			runtime.Gosched()
			continue
		}
		time.Sleep(c.ring.pollInterval)
	}
}

// Close unregisters the consumer so it no longer gates producers. The id
// may be registered again afterwards.
func (c *Consumer[T]) Close() {
	c.ring.register.Lock()
	defer c.ring.register.Unlock()
	c.cursor.active.Store(false)
}
