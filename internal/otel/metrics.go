package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	RequestErrors      metric.Int64Counter
	DedupeReplays      metric.Int64Counter
	EventsBroadcast    metric.Int64Counter
	EventsDropped      metric.Int64Counter
	SlowConsumerCloses metric.Int64Counter
	ActiveClients      metric.Int64UpDownCounter
	NodesConnected     metric.Int64UpDownCounter
	InvokeDuration     metric.Float64Histogram
	RunDuration        metric.Float64Histogram
}

// NopMetrics returns instruments backed by the no-op meter, for callers
// that run without telemetry wired.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// NewMetrics creates every instrument from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gated.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("gated.request.errors",
		metric.WithDescription("Gateway requests that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupeReplays, err = meter.Int64Counter("gated.request.replays",
		metric.WithDescription("Requests answered from the idempotency cache"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("gated.events.broadcast",
		metric.WithDescription("Events fanned out to connected clients"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("gated.events.dropped",
		metric.WithDescription("Droppable events skipped for backlogged clients"),
	)
	if err != nil {
		return nil, err
	}

	m.SlowConsumerCloses, err = meter.Int64Counter("gated.clients.slow_consumer_closes",
		metric.WithDescription("Connections closed for exceeding the outbound buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveClients, err = meter.Int64UpDownCounter("gated.clients.active",
		metric.WithDescription("Currently connected websocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.NodesConnected, err = meter.Int64UpDownCounter("gated.nodes.connected",
		metric.WithDescription("Currently connected bridge nodes"),
	)
	if err != nil {
		return nil, err
	}

	m.InvokeDuration, err = meter.Float64Histogram("gated.node.invoke.duration",
		metric.WithDescription("Node invoke round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("gated.run.duration",
		metric.WithDescription("Agent run duration from start to final in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
