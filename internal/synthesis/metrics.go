package synthesis

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	utterances metric.Int64Counter
	failures   metric.Int64Counter
	fallbacks  metric.Int64Counter
	cancelled  metric.Int64Counter
	dropped    metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/synthesis")
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn("failed to register synthesis metric", slog.String("metric", name), slogError(err))
			return noop.Int64Counter{}
		}
		return c
	}
	return &metrics{
		utterances: counter("loqa.synthesis.utterances", "Utterances that started playing, by backend"),
		failures:   counter("loqa.synthesis.failures", "Synthesis or playback failures, by backend"),
		fallbacks:  counter("loqa.synthesis.fallback_switches", "Switches to the local synthesizer"),
		cancelled:  counter("loqa.synthesis.cancelled", "Utterances superseded by a newer one"),
		dropped:    counter("loqa.synthesis.dropped", "Speak calls dropped during teardown"),
	}
}

func backendAttr(b Backend) metric.AddOption {
	return metric.WithAttributes(attribute.String("backend", string(b)))
}
