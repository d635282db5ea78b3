package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal sink channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 100).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - SubscriberBuffer: default channel size for Subscribe (default 64).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
//   - TracerProvider, MeterProvider: default to the otel globals.
type Config struct {
	BufferSize       int
	MaxBatchEvents   int
	MaxBatchWait     time.Duration
	SinkTimeout      time.Duration
	SubscriberBuffer int
	BaseContext      context.Context
	Logger           *zap.Logger
	TracerProvider   trace.TracerProvider
	MeterProvider    metric.MeterProvider
}

const instrumentationName = "github.com/JakeFAU/scrolldepth/internal/broadcast"

const (
	defaultBufferSize       = 1024
	defaultMaxBatchEvents   = 100
	defaultMaxBatchWait     = 250 * time.Millisecond
	defaultSinkTimeout      = 5 * time.Second
	defaultSubscriberBuffer = 64
	dropLogInterval         = 5 * time.Second
)

// Hub is the broadcast channel. Emit hands each event to every live
// subscriber immediately and queues it for batched delivery to the sinks. It
// is safe for concurrent use and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	tracer      trace.Tracer
	sinkLatency metric.Float64Histogram

	subMu   sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	sinkLatency, err := cfg.MeterProvider.Meter(instrumentationName).Float64Histogram(
		"scrolldepth.broadcast.sink.duration",
		metric.WithDescription("Time spent delivering one batch to one sink."),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("broadcast sink histogram unavailable", zap.Error(err))
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		tracer:      cfg.TracerProvider.Tracer(instrumentationName),
		sinkLatency: sinkLatency,
		subs:        make(map[uint64]chan Event),
	}
	go h.run()
	return h
}

// Emit publishes evt. Invalid events are discarded. If the sink buffer or a
// subscriber's channel is full the event is dropped for that consumer only.
func (h *Hub) Emit(evt Event) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid broadcast event", zap.Error(err))
		return
	}
	h.fanOut(evt)
	select {
	case h.events <- evt:
	default:
		h.recordDrop()
	}
}

// Subscribe registers a late, in-process listener. The returned cancel func
// unregisters it and closes the channel; Close also closes every subscriber
// channel. A buffer <= 0 uses Config.SubscriberBuffer.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = h.cfg.SubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.subMu.Lock()
	if h.closed.Load() {
		h.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subMu.Lock()
			defer h.subMu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs)
}

// Dropped returns events dropped since the last drop warning was logged.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) fanOut(evt Event) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.recordDrop()
		}
	}
}

func (h *Hub) recordDrop() {
	h.dropped.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.dropped.Swap(0)
		h.logger.Warn("broadcast events dropped due to backpressure", zap.Int64("dropped", count))
	}
}

// Close drains remaining events, flushes and closes sinks, closes subscriber
// channels, and blocks until the background goroutine exits. It is safe to
// call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.subMu.Lock()
		h.closed.Store(true)
		for id, ch := range h.subs {
			delete(h.subs, id)
			close(ch)
		}
		h.subMu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcast hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if !*timerActive {
		timer.Reset(h.cfg.MaxBatchWait)
		*timerActive = true
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	links := batchLinks(copyBatch)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		name := fmt.Sprintf("%T", sink)
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		ctx, span := h.tracer.Start(ctx, "broadcast.Consume",
			trace.WithLinks(links...),
			trace.WithAttributes(
				attribute.String("broadcast.sink", name),
				attribute.Int("broadcast.batch_size", len(copyBatch)),
			),
		)
		start := time.Now()
		err := h.consume(ctx, sink, copyBatch)
		if h.sinkLatency != nil {
			h.sinkLatency.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("sink", name), attribute.Bool("error", err != nil)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.logger.Warn("broadcast sink consume failed",
				zap.String("sink", name),
				zap.Int("batch", len(copyBatch)),
				zap.Error(err),
			)
		}
		span.End()
		cancel()
	}
}

// batchLinks links a sink span to every sample span in the batch.
func batchLinks(batch []Event) []trace.Link {
	var links []trace.Link
	for _, evt := range batch {
		if evt.SpanContext.IsValid() {
			links = append(links, trace.Link{SpanContext: evt.SpanContext})
		}
	}
	return links
}

// consume isolates a panicking sink from the rest of the fan-out.
func (h *Hub) consume(ctx context.Context, sink Sink, batch []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Consume(ctx, batch)
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("broadcast sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
