package engine

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/tensor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-stream/engine"

type instrumented struct {
	next     Engine
	backend  string
	tracer   trace.Tracer
	latency  metric.Float64Histogram
	failures metric.Int64Counter
	trace    bool
}

// Instrument records per sub-model latency and failures. When withSpans is
// set each call also opens a trace span; decoding issues hundreds of calls per
// second of audio, so spans are opt-in.
func Instrument(e Engine, backend string, withSpans bool) Engine {
	meter := otel.Meter(instrumentationName)
	latency, _ := meter.Float64Histogram("loqa.engine.call.duration",
		metric.WithDescription("Inference sub-model call latency"),
		metric.WithUnit("ms"))
	failures, _ := meter.Int64Counter("loqa.engine.call.failures",
		metric.WithDescription("Failed inference sub-model calls"))
	return &instrumented{
		next:     e,
		backend:  backend,
		tracer:   otel.Tracer(instrumentationName),
		latency:  latency,
		failures: failures,
		trace:    withSpans,
	}
}

func (i *instrumented) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("backend", i.backend))
	var span trace.Span
	if i.trace {
		ctx, span = i.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("backend", i.backend)))
	}
	return ctx, func(err error) {
		if i.latency != nil {
			i.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		}
		if err != nil && i.failures != nil {
			i.failures.Add(ctx, 1, attrs)
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}

func (i *instrumented) ExtractFeatures(ctx context.Context, samples []float32) (tensor.Tensor, error) {
	ctx, done := i.observe(ctx, protocol.OpExtractFeatures)
	out, err := i.next.ExtractFeatures(ctx, samples)
	done(err)
	return out, err
}

func (i *instrumented) ComputeDelta(ctx context.Context, features tensor.Tensor) (tensor.Tensor, error) {
	ctx, done := i.observe(ctx, protocol.OpComputeDelta)
	out, err := i.next.ComputeDelta(ctx, features)
	done(err)
	return out, err
}

func (i *instrumented) EncodeAudio(ctx context.Context, window, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	ctx, done := i.observe(ctx, protocol.OpEncodeAudio)
	frame, next, err := i.next.EncodeAudio(ctx, window, state)
	done(err)
	return frame, next, err
}

func (i *instrumented) EncodeText(ctx context.Context, ids [][]int, lengths []int, state tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	ctx, done := i.observe(ctx, protocol.OpEncodeText)
	out, next, err := i.next.EncodeText(ctx, ids, lengths, state)
	done(err)
	return out, next, err
}

func (i *instrumented) Joint(ctx context.Context, audioFrame, textOutput tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	ctx, done := i.observe(ctx, protocol.OpJoint)
	logits, logProbs, err := i.next.Joint(ctx, audioFrame, textOutput)
	done(err)
	return logits, logProbs, err
}

func (i *instrumented) Close() error { return i.next.Close() }
