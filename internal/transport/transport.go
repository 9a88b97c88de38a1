// internal/transport/transport.go
package transport

import (
	"context"
	"time"

	"robot-bridge/internal/model"
)

// Transport represents one communication channel to the robot.
// Implementations own their connection handle exclusively; the channel
// arbitrator decides which transport carries outgoing commands.
type Transport interface {
	// Kind identifies the transport
	Kind() model.TransportKind

	// Connection lifecycle. Connect returns a model.BridgeError with
	// CategoryUnavailable when the platform prerequisite is missing,
	// which the arbitrator treats as skip, not failure.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// SendCommand encodes and sends a domain command. Asynchronous
	// replies surface through the event handler, never as a return
	// value.
	SendCommand(ctx context.Context, cmd *model.Command) error

	// SetHandler installs the sink for inbound payloads and
	// disconnect notices. Must be called before Connect.
	SetHandler(handler EventHandler)
}

// EventHandler receives raw inbound payloads and lifecycle notices
// from a transport session. The bridge routes raw payloads through the
// event normalizer so behavior is identical regardless of origin.
type EventHandler interface {
	HandleRaw(raw []byte, origin model.TransportKind)
	HandleDisconnect(origin model.TransportKind, reason string)
}

// SessionStats tracks per-session activity for diagnostics
type SessionStats struct {
	BytesWritten int64     `json:"bytes_written"`
	BytesRead    int64     `json:"bytes_read"`
	Commands     int64     `json:"commands"`
	Errors       int64     `json:"errors"`
	LastActivity time.Time `json:"last_activity"`
}

// nopHandler lets adapters run before a handler is installed
type nopHandler struct{}

func (nopHandler) HandleRaw([]byte, model.TransportKind)        {}
func (nopHandler) HandleDisconnect(model.TransportKind, string) {}
