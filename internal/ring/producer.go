package ring

// Producer writes items into the ring.
type Producer[T any] struct {
	ring *RingBuffer[T]
}

// Write publishes item. It never blocks: when the slot it would claim has
// not been read by every registered consumer it returns ErrWouldOverwrite
// and the caller decides whether to retry, back off or drop.
func (p *Producer[T]) Write(item T) error {
	return p.ring.write(item)
}
