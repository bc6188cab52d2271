package main

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records relay and gateway instruments. A nil *Metrics records nothing.
type Metrics struct {
	relayed       metric.Int64Counter
	dropped       metric.Int64Counter
	persistErrors metric.Int64Counter
	deliveries    metric.Int64Counter
	frames        metric.Int64Counter
}

// NewMetrics creates the instruments on mp, or on the global provider when mp
// is nil. The room and connection gauges read registry on every collection.
func NewMetrics(mp metric.MeterProvider, registry *Registry) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("alignment-relay")

	m := &Metrics{}
	var err error
	if m.relayed, err = meter.Int64Counter("relay_events_total",
		metric.WithDescription("Broker events fanned out to local connections")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("relay_events_dropped_total",
		metric.WithDescription("Malformed broker events discarded")); err != nil {
		return nil, err
	}
	if m.persistErrors, err = meter.Int64Counter("relay_persist_errors_total",
		metric.WithDescription("Position writes that failed")); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("relay_deliveries_total",
		metric.WithDescription("Frames queued to client connections")); err != nil {
		return nil, err
	}
	if m.frames, err = meter.Int64Counter("gateway_frames_published_total",
		metric.WithDescription("Client frames published to the broker")); err != nil {
		return nil, err
	}

	roomsGauge, err := meter.Int64ObservableGauge("gateway_rooms",
		metric.WithDescription("Rooms with at least one local connection"))
	if err != nil {
		return nil, err
	}
	connsGauge, err := meter.Int64ObservableGauge("gateway_connections",
		metric.WithDescription("Open client connections"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		rooms, conns := registry.Stats()
		o.ObserveInt64(roomsGauge, int64(rooms))
		o.ObserveInt64(connsGauge, int64(conns))
		return nil
	}, roomsGauge, connsGauge)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) EventRelayed(ctx context.Context, room string, delivered int) {
	if m == nil {
		return
	}
	m.relayed.Add(ctx, 1)
	m.deliveries.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("room", room)))
}

func (m *Metrics) EventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}

func (m *Metrics) PersistFailed(ctx context.Context, room string) {
	if m == nil {
		return
	}
	m.persistErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
}

func (m *Metrics) FramePublished(ctx context.Context) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1)
}
