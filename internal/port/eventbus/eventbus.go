// Package eventbus defines the port for publishing gateway events to an
// external message bus, for consumers beyond the connected editors
// (dashboards, audit pipelines).
package eventbus

import "context"

// Bus is the port interface for event publication. cellbridge only
// publishes; consumption is the subscriber's business.
type Bus interface {
	// Publish sends an event payload to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Drain flushes pending publishes before closing.
	Drain() error

	// Close shuts down the bus connection immediately.
	Close() error

	// IsConnected reports whether the bus is currently connected.
	IsConnected() bool
}

// Subjects published by cellbridge.
const (
	SubjectStatus      = "lsp.status"      // language server lifecycle transitions
	SubjectDiagnostics = "lsp.diagnostics" // diagnostics routed onto a host document
)

// StatusPayload is the schema for lsp.status messages.
type StatusPayload struct {
	Server   string `json:"server"`
	Root     string `json:"root"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	Error    string `json:"error,omitempty"`
}

// DiagnosticsPayload is the schema for lsp.diagnostics messages.
type DiagnosticsPayload struct {
	HostID  string `json:"host_id"`
	URI     string `json:"uri"`
	Markers int    `json:"markers"`
}
