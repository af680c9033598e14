package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config tunes how the Hub buffers events before handing them to sinks.
type Config struct {
	// Capacity bounds the queue between emitters and the flush loop (default 1024).
	Capacity int
	// BatchSize flushes as soon as this many events are pending (default 64).
	BatchSize int
	// FlushInterval flushes pending events on a fixed cadence (default 250ms).
	FlushInterval time.Duration
	// SinkTimeout bounds one Consume call (default 5s).
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultCapacity      = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 250 * time.Millisecond
	defaultSinkTimeout   = 5 * time.Second
	dropWarnEvery        = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub fans session events out to every registered sink. Emit never blocks the
// session that calls it: when the queue is full the event is counted as
// dropped instead.
type Hub struct {
	cfg   Config
	sinks []Sink
	queue chan Event
	quit  chan struct{}
	done  chan struct{}

	stopping    atomic.Bool
	dropped     atomic.Uint64
	lastDropLog atomic.Int64

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts the flush loop and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:   cfg,
		queue: make(chan Event, cfg.Capacity),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events emitted after Close are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopping.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger().Debug("progress event rejected", zap.Error(err), zap.String("stage", string(evt.Stage)))
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.drop()
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, flushes what is queued and closes every sink.
// It waits for the flush loop until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

func (h *Hub) logger() *zap.Logger {
	if h.cfg.Logger == nil {
		return zap.NewNop()
	}
	return h.cfg.Logger
}

func (h *Hub) drop() {
	total := h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropWarnEvery.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger().Warn("progress queue full, events dropped", zap.Uint64("dropped_total", total))
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.flush(pending)
			}
		case <-ticker.C:
			pending = h.flush(pending)
		case <-h.quit:
			h.drain(pending)
			return
		}
	}
}

// drain empties the queue after Close, then closes the sinks.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.flush(pending)
			}
		default:
			h.flush(pending)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			h.logger().Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// flush hands pending to every sink concurrently and returns the emptied
// slice for reuse.
func (h *Hub) flush(pending []Event) []Event {
	if len(pending) == 0 || len(h.sinks) == 0 {
		return pending[:0]
	}
	batch := append([]Event(nil), pending...)
	var g errgroup.Group
	for _, s := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
			defer cancel()
			if err := s.Consume(ctx, batch); err != nil {
				h.logger().Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return pending[:0]
}
