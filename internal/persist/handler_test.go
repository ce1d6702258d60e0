package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixmatch/internal/common"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]Operation
	failures int
	err      error
	calls    int
}

func (s *fakeStore) Apply(_ context.Context, ops []Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	}
	s.batches = append(s.batches, append([]Operation(nil), ops...))
	return nil
}

func (s *fakeStore) applied() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Operation
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func deletes(n int) []Operation {
	ops := make([]Operation, n)
	for i := range ops {
		ops[i] = DeleteOrder{ID: fmt.Sprintf("o%d", i), Status: common.Canceled}
	}
	return ops
}

func newTestHandler(t *testing.T, store Store, conf Config) *Handler {
	t.Helper()
	h, err := NewHandler(store, conf)
	require.NoError(t, err)
	return h
}

func TestFlushPreservesOrderAndBatches(t *testing.T) {
	store := &fakeStore{}
	h := newTestHandler(t, store, Config{QueueSize: 16, BatchSize: 3})

	ops := deletes(7)
	for _, op := range ops {
		h.Enqueue(op)
	}
	assert.Equal(t, 7, h.Pending())

	h.Flush(context.Background())
	assert.Equal(t, ops, store.applied())
	assert.Equal(t, []int{3, 3, 1}, store.batchSizes())
	assert.Zero(t, h.Pending())
}

func TestEnqueueSpillsWhenQueueFull(t *testing.T) {
	store := &fakeStore{}
	h := newTestHandler(t, store, Config{QueueSize: 2, BatchSize: 100})

	ops := deletes(9)
	for _, op := range ops {
		h.Enqueue(op)
	}
	assert.Equal(t, 9, h.Pending())

	h.Flush(context.Background())
	assert.Equal(t, ops, store.applied())
}

func TestTransientFailureIsRetried(t *testing.T) {
	store := &fakeStore{failures: 1, err: errors.New("connection reset")}
	h := newTestHandler(t, store, Config{QueueSize: 4, BatchSize: 10, MaxRetries: 3})

	ops := deletes(2)
	for _, op := range ops {
		h.Enqueue(op)
	}
	h.Flush(context.Background())

	assert.Equal(t, ops, store.applied())
	assert.Equal(t, 2, store.calls)
	assert.Empty(t, h.Unpersisted())
}

func TestExhaustedRetriesMarkBatchUnpersisted(t *testing.T) {
	store := &fakeStore{failures: -1, err: errors.New("database down")}
	h := newTestHandler(t, store, Config{QueueSize: 4, BatchSize: 10, MaxRetries: 0})

	ops := deletes(3)
	for _, op := range ops {
		h.Enqueue(op)
	}
	h.Flush(context.Background())

	assert.Equal(t, 1, store.calls)
	assert.Equal(t, ops, h.Unpersisted())
	assert.Zero(t, h.Pending())
}

func TestUnknownOperationIsNotRetried(t *testing.T) {
	store := &fakeStore{failures: -1, err: fmt.Errorf("%w: test", ErrUnknownOperation)}
	h := newTestHandler(t, store, Config{QueueSize: 4, BatchSize: 10, MaxRetries: 5})

	h.Enqueue(DeleteOrder{ID: "x"})
	h.Flush(context.Background())

	assert.Equal(t, 1, store.calls)
	assert.Len(t, h.Unpersisted(), 1)
}

func TestCanceledFlushRequeues(t *testing.T) {
	store := &fakeStore{}
	h := newTestHandler(t, store, Config{QueueSize: 4, BatchSize: 10})

	ops := deletes(3)
	for _, op := range ops[:2] {
		h.Enqueue(op)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Flush(ctx)
	assert.Empty(t, store.applied())
	assert.Equal(t, 2, h.Pending())

	h.Enqueue(ops[2])
	h.Flush(context.Background())
	assert.Equal(t, ops, store.applied())
	assert.Empty(t, h.Unpersisted())
}

func TestStopDrainsQueue(t *testing.T) {
	store := &fakeStore{}
	h := newTestHandler(t, store, Config{QueueSize: 8, BatchSize: 100, FlushInterval: time.Hour})
	h.Start(context.Background())

	ops := deletes(5)
	for _, op := range ops {
		h.Enqueue(op)
	}
	require.NoError(t, h.Stop())
	assert.Equal(t, ops, store.applied())
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	store := &fakeStore{}
	h := newTestHandler(t, store, Config{QueueSize: 8, BatchSize: 4, FlushInterval: time.Hour})
	h.Start(context.Background())
	defer h.Stop()

	for _, op := range deletes(4) {
		h.Enqueue(op)
	}
	assert.Eventually(t, func() bool {
		return len(store.applied()) == 4
	}, 2*time.Second, 5*time.Millisecond)
}
