package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/depth"
)

// Publisher delivers one payload to a message topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close(ctx context.Context) error
}

// PublishSink forwards every event to a message broker, one message per event.
// Each publish runs in a producer span parented on the event's sample span, so
// publishers that propagate trace context carry the sample's trace.
type PublishSink struct {
	pub    Publisher
	topic  string
	tracer trace.Tracer
}

// PublishOption configures a PublishSink.
type PublishOption func(*PublishSink)

// WithTracerProvider sets the provider for publish spans. The global provider
// is used by default.
func WithTracerProvider(tp trace.TracerProvider) PublishOption {
	return func(s *PublishSink) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

const tracerName = "github.com/JakeFAU/scrolldepth/internal/broadcast/sinks"

// NewPubSubSink publishes to a Pub/Sub publisher already bound to its topic.
func NewPubSubSink(pub Publisher, opts ...PublishOption) *PublishSink {
	return newPublishSink(pub, depth.ChannelName, opts)
}

// NewMQTTSink publishes on "<prefix>/scrollDepthReached".
func NewMQTTSink(pub Publisher, prefix string, opts ...PublishOption) *PublishSink {
	topic := depth.ChannelName
	if prefix != "" {
		topic = prefix + "/" + topic
	}
	return newPublishSink(pub, topic, opts)
}

func newPublishSink(pub Publisher, topic string, opts []PublishOption) *PublishSink {
	s := &PublishSink{pub: pub, topic: topic, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topic returns the topic events are published on.
func (s *PublishSink) Topic() string {
	return s.topic
}

// Consume publishes each event, continuing past failures so one bad message
// does not hold back the rest of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []broadcast.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if err := s.publish(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s milestone %d: %w", evt.SessionID, evt.Index, err))
		}
	}
	return errors.Join(errs...)
}

func (s *PublishSink) publish(ctx context.Context, evt broadcast.Event) error {
	parent := ctx
	if evt.SpanContext.IsValid() {
		parent = trace.ContextWithSpanContext(ctx, evt.SpanContext)
	}
	pctx, span := s.tracer.Start(parent, "publish "+s.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithLinks(trace.LinkFromContext(ctx)),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", s.topic),
			attribute.String("session.id", evt.SessionID.String()),
			attribute.Int("milestone.index", evt.Index),
		),
	)
	defer span.End()
	if _, err := s.pub.Publish(pctx, s.topic, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Close closes the publisher.
func (s *PublishSink) Close(ctx context.Context) error {
	if s == nil || s.pub == nil {
		return nil
	}
	if err := s.pub.Close(ctx); err != nil {
		return fmt.Errorf("close publisher: %w", err)
	}
	return nil
}
