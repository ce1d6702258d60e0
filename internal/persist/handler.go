// Package persist moves durable side effects of matching off the hot path.
//
// Engines hand operations to a Handler, which never blocks them. A
// background goroutine batches the operations and applies them to a Store,
// retrying with exponential backoff. A batch that still fails is kept in
// memory as not persisted, logged and counted; matched trades are never
// unwound because of a storage failure.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"fixmatch/internal/metrics"
	"fixmatch/internal/ring"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Store applies a batch of operations atomically.
type Store interface {
	Apply(ctx context.Context, ops []Operation) error
}

type Config struct {
	QueueSize       int           `toml:"queue_size"`
	BatchSize       int           `toml:"batch_size"`
	FlushInterval   time.Duration `toml:"flush_interval"`
	MaxRetries      uint64        `toml:"max_retries"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

func NewDefaultConfig() Config {
	return Config{
		QueueSize:       1 << 16,
		BatchSize:       512,
		FlushInterval:   100 * time.Millisecond,
		MaxRetries:      5,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Handler is the asynchronous persistence sink.
type Handler struct {
	store  Store
	conf   Config
	logger zerolog.Logger

	// mu orders ring writes, spill appends and drains so that operations
	// reach the store in the order they were enqueued.
	mu       sync.Mutex
	producer *ring.Producer[Operation]
	consumer *ring.Consumer[Operation]
	spill    []Operation
	pending  atomic.Int64
	kick     chan struct{}

	failedMu sync.Mutex
	failed   []Operation

	t *tomb.Tomb
}

func NewHandler(store Store, conf Config) (*Handler, error) {
	def := NewDefaultConfig()
	if conf.QueueSize <= 0 {
		conf.QueueSize = def.QueueSize
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = def.BatchSize
	}
	if conf.FlushInterval <= 0 {
		conf.FlushInterval = def.FlushInterval
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = def.ShutdownTimeout
	}

	conf.QueueSize = ring.RoundUp(conf.QueueSize)

	buf, err := ring.New[Operation](conf.QueueSize, 1)
	if err != nil {
		return nil, fmt.Errorf("persistence queue: %w", err)
	}
	consumer, err := buf.CreateConsumer(0)
	if err != nil {
		return nil, err
	}

	return &Handler{
		store:    store,
		conf:     conf,
		logger:   log.With().Str("component", "persist").Logger(),
		producer: buf.CreateProducer(),
		consumer: consumer,
		kick:     make(chan struct{}, 1),
	}, nil
}

// Start launches the flush loop. It stops when ctx is done or Stop is
// called, after a final flush.
func (h *Handler) Start(ctx context.Context) {
	h.t, _ = tomb.WithContext(ctx)
	h.t.Go(h.loop)
}

// Stop flushes what is queued and waits for the flush loop to exit.
func (h *Handler) Stop() error {
	if h.t == nil {
		return nil
	}
	h.t.Kill(nil)
	return h.t.Wait()
}

// Enqueue hands op to the background writer. It never waits on storage.
func (h *Handler) Enqueue(op Operation) {
	h.mu.Lock()
	if len(h.spill) > 0 || h.producer.Write(op) != nil {
		if len(h.spill) == 0 {
			h.logger.Warn().Int("queue_size", h.conf.QueueSize).Msg("Persistence queue full, spilling")
			metrics.RingBackpressureInc("persist")
		}
		h.spill = append(h.spill, op)
	}
	h.mu.Unlock()

	if h.pending.Add(1) >= int64(h.conf.BatchSize) {
		select {
		case h.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of operations waiting to be flushed.
func (h *Handler) Pending() int { return int(h.pending.Load()) }

// Unpersisted returns the operations given up on after retries.
func (h *Handler) Unpersisted() []Operation {
	h.failedMu.Lock()
	defer h.failedMu.Unlock()
	return append([]Operation(nil), h.failed...)
}

func (h *Handler) loop() error {
	ticker := time.NewTicker(h.conf.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.t.Dying():
			ctx, cancel := context.WithTimeout(context.Background(), h.conf.ShutdownTimeout)
			h.Flush(ctx)
			cancel()
			h.abandon()
			if n := len(h.Unpersisted()); n > 0 {
				h.logger.Error().Int("operations", n).Msg("Shutting down with unpersisted operations")
			}
			return nil
		case <-ticker.C:
			h.Flush(h.t.Context(nil))
		case <-h.kick:
			h.Flush(h.t.Context(nil))
		}
	}
}

// Flush drains the queue and applies it in batches. It is called by the
// flush loop and must not run concurrently with itself.
func (h *Handler) Flush(ctx context.Context) {
	ops := h.drain()
	for len(ops) > 0 {
		if ctx.Err() != nil {
			h.requeue(ops)
			return
		}
		n := min(len(ops), h.conf.BatchSize)
		if !h.apply(ctx, ops[:n]) && ctx.Err() != nil {
			h.requeue(ops)
			return
		}
		ops = ops[n:]
	}
}

// requeue puts ops back ahead of everything enqueued since they were
// drained.
func (h *Handler) requeue(ops []Operation) {
	h.mu.Lock()
	defer h.mu.Unlock()

	queued := append([]Operation(nil), ops...)
	for {
		op, err := h.consumer.Read()
		if err != nil {
			break
		}
		queued = append(queued, op)
	}
	h.spill = append(queued, h.spill...)
	h.pending.Add(int64(len(ops)))
}

// abandon marks everything still queued as not persisted.
func (h *Handler) abandon() {
	ops := h.drain()
	if len(ops) == 0 {
		return
	}
	h.failedMu.Lock()
	h.failed = append(h.failed, ops...)
	h.failedMu.Unlock()
	metrics.UnpersistedAdd(len(ops))
}

func (h *Handler) drain() []Operation {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ops []Operation
	for {
		op, err := h.consumer.Read()
		if err != nil {
			break
		}
		ops = append(ops, op)
	}
	ops = append(ops, h.spill...)
	h.spill = nil
	h.pending.Add(-int64(len(ops)))
	return ops
}

// apply stores batch, retrying transient failures. A batch that fails for
// good is recorded as not persisted, unless ctx ended first.
func (h *Handler) apply(ctx context.Context, batch []Operation) bool {
	attempt := 0
	op := func() error {
		attempt++
		err := h.store.Apply(ctx, batch)
		if errors.Is(err, ErrUnknownOperation) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.conf.MaxRetries),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		h.logger.Warn().Err(err).Int("batch", len(batch)).Dur("retry_in", wait).Msg("Persisting batch failed")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return false
		}
		h.failedMu.Lock()
		h.failed = append(h.failed, batch...)
		h.failedMu.Unlock()

		metrics.PersistBatchInc("failed")
		metrics.UnpersistedAdd(len(batch))
		h.logger.Error().
			Err(err).
			Int("batch", len(batch)).
			Int("attempts", attempt).
			Str("first", batch[0].OrderID()).
			Msg("Batch not persisted")
		return false
	}
	metrics.PersistBatchInc("ok")
	return true
}
