package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/clock"
	"github.com/JakeFAU/scrolldepth/internal/depth"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (c *captureEmitter) Emit(evt broadcast.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) all() []broadcast.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broadcast.Event(nil), c.events...)
}

type countingMetrics struct {
	mu       sync.Mutex
	opened   int
	closed   map[string]int
	samples  int
	fired    int
	failures int
}

func (m *countingMetrics) SessionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *countingMetrics) SessionClosed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed == nil {
		m.closed = map[string]int{}
	}
	m.closed[reason]++
}

func (m *countingMetrics) SampleObserved(fired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
	m.fired += fired
}

func (m *countingMetrics) DeliveryFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(cfg Config, opts ...Option) (*Registry, *clock.Manual, *captureEmitter) {
	clk := clock.NewManual(epoch)
	em := &captureEmitter{}
	opts = append([]Option{WithClock(clk), WithEmitter(em)}, opts...)
	return NewRegistry(cfg, opts...), clk, em
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{})
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{0.5, 0.25}, URL: "https://example.com/a", Label: "hero"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, info.ID)
	require.Equal(t, epoch, info.StartedAt)
	require.Equal(t, []float64{0.5, 0.25}, info.Milestones)
	require.Equal(t, 2, info.Pending)
	require.False(t, info.Done)

	got, err := reg.Get(info.ID)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestCreateRejectsEmptyMilestones(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{})
	_, err := reg.Create(context.Background(), Spec{})
	require.ErrorIs(t, err, depth.ErrNoMilestones)
	require.Zero(t, reg.Len())
}

func TestCreateHonorsMaxSessions(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{MaxSessions: 1})
	_, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)
	_, err = reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.ErrorIs(t, err, ErrTooManySessions)
}

func TestCreateCanceledContext(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Create(ctx, Spec{Milestones: []float64{1}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSampleFiresAndBroadcasts(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	reg, clk, em := newTestRegistry(Config{}, WithMetrics(metrics))
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{0.25, 0.5, 1}, URL: "https://example.com/a", Label: "hero"})
	require.NoError(t, err)

	at := clk.Advance(1500 * time.Millisecond)
	fired, err := reg.Sample(context.Background(), info.ID, 0.6, time.Time{})
	require.NoError(t, err)
	require.Len(t, fired, 2)
	require.Equal(t, 25.0, fired[0].Percentage)
	require.Equal(t, int64(1500), fired[1].AttentionMillis())

	events := em.all()
	require.Len(t, events, 2)
	require.Equal(t, info.ID, events[1].SessionID)
	require.Equal(t, depth.ChannelName, events[1].Channel)
	require.Equal(t, 50.0, events[1].Percentage)
	require.Equal(t, at, events[1].TS)
	require.Equal(t, "https://example.com/a", events[1].URL)
	require.Equal(t, "hero", events[1].Label)

	fired, err = reg.Sample(context.Background(), info.ID, 0.6, time.Time{})
	require.NoError(t, err)
	require.Empty(t, fired)
	require.Equal(t, 2, metrics.samples)
	require.Equal(t, 2, metrics.fired)
	require.Equal(t, 1, metrics.opened)
}

func TestSampleExplicitTimestamp(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{})
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)

	fired, err := reg.Sample(context.Background(), info.ID, 1, epoch.Add(4200*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.Equal(t, int64(4200), fired[0].AttentionMillis())

	got, err := reg.Get(info.ID)
	require.NoError(t, err)
	require.True(t, got.Done)
	require.Equal(t, []bool{true}, got.Reached)
}

func TestSampleSpanParentsBroadcastEvents(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	reg, _, em := newTestRegistry(Config{}, WithTracerProvider(tp))
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{0.5, 1}})
	require.NoError(t, err)

	_, err = reg.Sample(context.Background(), info.ID, 1, time.Time{})
	require.NoError(t, err)
	_, err = reg.Sample(context.Background(), uuid.New(), 1, time.Time{})
	require.ErrorIs(t, err, ErrNotFound)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "session.Sample", spans[0].Name)
	require.Equal(t, codes.Unset, spans[0].Status.Code)
	require.Equal(t, codes.Error, spans[1].Status.Code)

	events := em.all()
	require.Len(t, events, 2)
	for _, evt := range events {
		require.True(t, evt.SpanContext.IsValid())
		require.Equal(t, spans[0].SpanContext.SpanID(), evt.SpanContext.SpanID())
	}
}

func TestSampleUnknownSession(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{})
	_, err := reg.Sample(context.Background(), uuid.New(), 1, time.Time{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloseStopsSession(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	reg, _, em := newTestRegistry(Config{}, WithMetrics(metrics))
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)

	require.NoError(t, reg.Close(info.ID))
	require.ErrorIs(t, reg.Close(info.ID), ErrNotFound)
	_, err = reg.Sample(context.Background(), info.ID, 1, time.Time{})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(info.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, em.all())
	require.Equal(t, 1, metrics.closed["closed"])
}

func TestSweepClosesIdleSessions(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	reg, clk, _ := newTestRegistry(Config{IdleTTL: time.Minute}, WithMetrics(metrics))
	idle, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)
	active, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	_, err = reg.Sample(context.Background(), active.ID, 0.1, time.Time{})
	require.NoError(t, err)

	require.Equal(t, 1, reg.Sweep(clk.Advance(30*time.Second)))
	_, err = reg.Get(idle.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(active.ID)
	require.NoError(t, err)
	require.Equal(t, 1, metrics.closed["idle"])
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	t.Parallel()

	reg, clk, _ := newTestRegistry(Config{})
	_, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)
	require.Zero(t, reg.Sweep(clk.Advance(24*time.Hour)))
	require.Equal(t, 1, reg.Len())
}

func TestListOrderedByStart(t *testing.T) {
	t.Parallel()

	reg, clk, _ := newTestRegistry(Config{})
	first, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}, Label: "first"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}, Label: "second"})
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)

	reg.CloseAll()
	require.Empty(t, reg.List())
}

func TestLogMilestonesObserver(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	reg, _, _ := newTestRegistry(Config{LogMilestones: true}, WithLogger(zap.New(core)))
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{0.5}})
	require.NoError(t, err)

	_, err = reg.Sample(context.Background(), info.ID, 0.5, epoch.Add(1500*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("50% reached with 1500ms attention time").Len())
}

func TestAddAndRemoveObserver(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(Config{})
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{0.25, 0.5}})
	require.NoError(t, err)

	var seen []float64
	obs := depth.Func(func(evt depth.MilestoneReached) error {
		seen = append(seen, evt.Percentage)
		return nil
	})
	require.NoError(t, reg.AddObserver(info.ID, obs))
	_, err = reg.Sample(context.Background(), info.ID, 0.3, time.Time{})
	require.NoError(t, err)
	require.NoError(t, reg.RemoveObserver(info.ID, obs))
	_, err = reg.Sample(context.Background(), info.ID, 0.6, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []float64{25}, seen)

	require.ErrorIs(t, reg.AddObserver(uuid.New(), obs), ErrNotFound)
}

func TestFailingObserverCountsDeliveryFailure(t *testing.T) {
	t.Parallel()

	metrics := &countingMetrics{}
	reg, _, em := newTestRegistry(Config{}, WithMetrics(metrics))
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{1}})
	require.NoError(t, err)
	require.NoError(t, reg.AddObserver(info.ID, depth.Func(func(depth.MilestoneReached) error {
		return errors.New("observer down")
	})))

	fired, err := reg.Sample(context.Background(), info.ID, 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, fired, 1)
	require.Len(t, em.all(), 1)
	require.Equal(t, 1, metrics.failures)
}

func TestConcurrentSamplesFireEachMilestoneOnce(t *testing.T) {
	t.Parallel()

	reg, _, em := newTestRegistry(Config{})
	info, err := reg.Create(context.Background(), Spec{Milestones: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(f float64) {
			defer wg.Done()
			_, _ = reg.Sample(context.Background(), info.ID, f, time.Time{})
		}(float64(i%11) / 10)
	}
	wg.Wait()

	_, err = reg.Sample(context.Background(), info.ID, 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, em.all(), 10)
}
