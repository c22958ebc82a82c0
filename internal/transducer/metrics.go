package transducer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-stream/transducer"

type metrics struct {
	windows   metric.Int64Counter
	symbols   metric.Int64Counter
	runaway   metric.Int64Counter
	beamLoops metric.Int64Histogram
	latency   metric.Float64Histogram
	mode      metric.MeasurementOption
}

func newMetrics(mode Mode) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{mode: metric.WithAttributes(attribute.String("mode", mode.String()))}
	m.windows, _ = meter.Int64Counter("loqa.transducer.windows",
		metric.WithDescription("Audio encoder windows consumed"))
	m.symbols, _ = meter.Int64Counter("loqa.transducer.symbols",
		metric.WithDescription("Non-null symbols emitted by greedy decoding"))
	m.runaway, _ = meter.Int64Counter("loqa.transducer.runaway",
		metric.WithDescription("Frames aborted for exceeding the per-frame symbol bound"))
	m.beamLoops, _ = meter.Int64Histogram("loqa.transducer.beam.expansions",
		metric.WithDescription("Candidate expansions per audio frame"))
	m.latency, _ = meter.Float64Histogram("loqa.transducer.process.duration",
		metric.WithDescription("Latency of one Process call"),
		metric.WithUnit("ms"))
	return m
}

func (m *metrics) recordProcess(ctx context.Context, start time.Time, windows, symbols int, err error) {
	if m == nil {
		return
	}
	if m.latency != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			m.mode, metric.WithAttributes(attribute.String("status", status)))
	}
	if err != nil {
		return
	}
	if m.windows != nil && windows > 0 {
		m.windows.Add(ctx, int64(windows), m.mode)
	}
	if m.symbols != nil && symbols > 0 {
		m.symbols.Add(ctx, int64(symbols), m.mode)
	}
}

func (m *metrics) recordRunaway(ctx context.Context) {
	if m != nil && m.runaway != nil {
		m.runaway.Add(ctx, 1, m.mode)
	}
}

func (m *metrics) recordBeamLoops(ctx context.Context, loops int) {
	if m != nil && m.beamLoops != nil {
		m.beamLoops.Record(ctx, int64(loops), m.mode)
	}
}
