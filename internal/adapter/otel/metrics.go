// Package otel provides cellbridge's metric instruments on the global
// OpenTelemetry meter. Exporter wiring is the operator's business; without
// one the instruments are no-ops.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "cellbridge"

// Metrics holds all cellbridge metric instruments.
type Metrics struct {
	SessionsStarted    metric.Int64Counter
	SessionsCrashed    metric.Int64Counter
	SessionsRestarted  metric.Int64Counter
	ClientsConnected   metric.Int64UpDownCounter
	DiagnosticsRouted  metric.Int64Counter
	DiagnosticsDropped metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("cellbridge.sessions.started",
		metric.WithDescription("Language server sessions spawned"))
	if err != nil {
		return nil, err
	}

	m.SessionsCrashed, err = meter.Int64Counter("cellbridge.sessions.crashed",
		metric.WithDescription("Language server processes that exited unexpectedly"))
	if err != nil {
		return nil, err
	}

	m.SessionsRestarted, err = meter.Int64Counter("cellbridge.sessions.restarted",
		metric.WithDescription("Crash recoveries attempted"))
	if err != nil {
		return nil, err
	}

	m.ClientsConnected, err = meter.Int64UpDownCounter("cellbridge.clients.connected",
		metric.WithDescription("WebSocket clients currently attached"))
	if err != nil {
		return nil, err
	}

	m.DiagnosticsRouted, err = meter.Int64Counter("cellbridge.diagnostics.routed",
		metric.WithDescription("Diagnostics delivered onto host documents"))
	if err != nil {
		return nil, err
	}

	m.DiagnosticsDropped, err = meter.Int64Counter("cellbridge.diagnostics.dropped",
		metric.WithDescription("Diagnostics filtered, malformed, or silenced"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
