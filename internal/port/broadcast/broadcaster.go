// Package broadcast defines the port for pushing real-time events to
// connected editor clients.
package broadcast

import "context"

// Broadcaster sends typed events (language server status changes, routed
// diagnostics) to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
