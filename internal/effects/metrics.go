package effects

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/roach88/worldline/internal/effects"

type metrics struct {
	intents  metric.Int64Counter
	receipts metric.Int64Counter
	frames   metric.Int64Counter
}

// newMetrics builds counters from the given provider, or the global one.
// The global provider is a no-op unless the binary installs an SDK.
func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	return &metrics{
		intents:  counter(meter, "worldline.effects.intents", "Effect intents by gate outcome"),
		receipts: counter(meter, "worldline.effects.receipts", "Receipts by settlement outcome"),
		frames:   counter(meter, "worldline.effects.frames", "Stream frames by fencing outcome"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *metrics) intent(ctx context.Context, kind, outcome string) {
	m.intents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome)))
}

func (m *metrics) receipt(ctx context.Context, outcome string) {
	m.receipts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) frame(ctx context.Context, outcome string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
