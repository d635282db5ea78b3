package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/broadcast/sinks"
	"github.com/JakeFAU/scrolldepth/internal/depth"
)

type attributed struct {
	Percentage float64 `json:"percentage"`
}

func (attributed) Attributes() map[string]string {
	return map[string]string{"channel": "scrollDepthReached"}
}

func TestPublishCopiesAttributesAndBody(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}}

	id, err := p.Publish(context.Background(), "ignored", attributed{Percentage: 50})
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.JSONEq(t, `{"percentage":50}`, string(got.Data))
	require.Equal(t, "scrollDepthReached", got.Attributes["channel"])
}

func TestPublishWrapsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("unavailable")
	p := &Publisher{publish: func(context.Context, *pubsub.Message) (string, error) {
		return "", boom
	}}
	_, err := p.Publish(context.Background(), "", map[string]int{"a": 1})
	require.ErrorIs(t, err, boom)
}

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "", "x")
	require.Error(t, err)
	require.NoError(t, New(nil).Close(context.Background()))
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	prop := propagation.TraceContext{}
	c.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", c.Get("traceparent"))
	require.ElementsMatch(t, []string{"traceparent"}, c.Keys())

	ctx := prop.Extract(context.Background(), c)
	out := &pubsubCarrier{attrs: map[string]string{}}
	prop.Inject(ctx, out)
	require.Equal(t, c.Get("traceparent"), out.Get("traceparent"))
}

func TestPublishWithoutSpanWritesNoTraceparent(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := New(nil, WithPropagator(propagation.TraceContext{}))
	p.publish = func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}
	_, err := p.Publish(context.Background(), "", attributed{Percentage: 25})
	require.NoError(t, err)
	require.NotContains(t, got.Attributes, "traceparent")
}

func TestSinkPublishCarriesSampleTrace(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	_, sample := tp.Tracer("test").Start(context.Background(), "session.Sample")
	sample.End()

	var got *pubsub.Message
	pub := New(nil, WithPropagator(propagation.TraceContext{}))
	pub.publish = func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}
	sink := sinks.NewPubSubSink(pub, sinks.WithTracerProvider(tp))
	evt := broadcast.Event{
		Channel:         depth.ChannelName,
		SessionID:       uuid.New(),
		Percentage:      50,
		AttentionMillis: 1200,
		TS:              time.Now(),
		SpanContext:     sample.SpanContext(),
	}
	require.NoError(t, sink.Consume(context.Background(), []broadcast.Event{evt}))

	require.NotNil(t, got)
	require.Equal(t, "scrollDepthReached", got.Attributes["channel"])
	traceparent := got.Attributes["traceparent"]
	require.Contains(t, traceparent, sample.SpanContext().TraceID().String())

	var publish *tracetest.SpanStub
	for _, span := range exporter.GetSpans() {
		if span.Name == "publish scrollDepthReached" {
			publish = &span
		}
	}
	require.NotNil(t, publish)
	require.Equal(t, sample.SpanContext().SpanID(), publish.Parent.SpanID())
	require.Contains(t, traceparent, publish.SpanContext.SpanID().String())
}
