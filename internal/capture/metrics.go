package capture

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	restarts metric.Int64Counter
	errors   metric.Int64Counter
	fatal    metric.Int64Counter

	// reg keeps the gauge callback, which reads the manager, alive until
	// Release.
	reg  metric.Registration
	once sync.Once
}

func newMetrics(meter metric.Meter, m *Manager, log *slog.Logger) *metrics {
	out := &metrics{
		restarts: noop.Int64Counter{},
		errors:   noop.Int64Counter{},
		fatal:    noop.Int64Counter{},
	}
	if c, err := meter.Int64Counter("loqa.capture.restarts", metric.WithDescription("Recognition engine restarts")); err == nil {
		out.restarts = c
	} else {
		log.Warn("failed to register capture metric", slogError(err))
	}
	if c, err := meter.Int64Counter("loqa.capture.errors", metric.WithDescription("Recognition errors by class")); err == nil {
		out.errors = c
	} else {
		log.Warn("failed to register capture metric", slogError(err))
	}
	if c, err := meter.Int64Counter("loqa.capture.fatal", metric.WithDescription("Capture sessions stopped after exhausting restarts")); err == nil {
		out.fatal = c
	} else {
		log.Warn("failed to register capture metric", slogError(err))
	}

	listening, err := meter.Int64ObservableGauge("loqa.capture.listening", metric.WithDescription("1 while a recognition engine is live"))
	if err != nil {
		log.Warn("failed to register capture gauge", slogError(err))
		return out
	}
	enabled, err := meter.Int64ObservableGauge("loqa.capture.enabled", metric.WithDescription("1 while the microphone is held"))
	if err != nil {
		log.Warn("failed to register capture gauge", slogError(err))
		return out
	}
	out.reg, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := m.Status()
		obs.ObserveInt64(listening, boolToInt(st.Listening))
		obs.ObserveInt64(enabled, boolToInt(st.Enabled))
		return nil
	}, listening, enabled)
	if err != nil {
		log.Warn("failed to register capture gauge callback", slogError(err))
	}
	return out
}

func (mt *metrics) unregister(log *slog.Logger) {
	mt.once.Do(func() {
		if mt.reg == nil {
			return
		}
		if err := mt.reg.Unregister(); err != nil {
			log.Warn("failed to unregister capture gauge callback", slogError(err))
		}
	})
}

func (mt *metrics) recordError(ctx context.Context, class ErrorClass) {
	mt.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
