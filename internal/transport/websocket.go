// internal/transport/websocket.go
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"robot-bridge/internal/config"
	"robot-bridge/internal/logging"
	"robot-bridge/internal/model"
)

// WSTransport implements Transport over a WebSocket connection to the
// robot. Outgoing commands are JSON text frames in the bridge
// envelope; inbound frames go to the normalizer. A close at any point
// propagates a disconnect notice so the arbitrator can react.
type WSTransport struct {
	cfg     *config.WSConfig
	logger  *zap.Logger
	handler EventHandler

	mu        sync.RWMutex
	endpoint  string
	conn      *websocket.Conn
	connected bool
	stats     SessionStats

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewWSTransport creates a WebSocket transport. The endpoint is
// discovered by the prober and installed via SetEndpoint.
func NewWSTransport(cfg *config.WSConfig, logger *zap.Logger) *WSTransport {
	return &WSTransport{
		cfg:     cfg,
		logger:  logging.TransportLogger(logger, "websocket"),
		handler: nopHandler{},
	}
}

// Kind identifies the transport
func (t *WSTransport) Kind() model.TransportKind {
	return model.TransportWebSocket
}

// SetHandler installs the event sink
func (t *WSTransport) SetHandler(handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// SetEndpoint installs the dial target, e.g. ws://192.168.99.2:8080/ws
func (t *WSTransport) SetEndpoint(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoint = url
}

// Connect dials the robot's WebSocket path and starts the read pump
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.endpoint == "" {
		return model.NewUnavailableError(model.TransportWebSocket, fmt.Errorf("no websocket endpoint discovered"))
	}

	t.logger.Info("Dialing robot WebSocket", zap.String("endpoint", t.endpoint))

	dialer := &websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return model.NewTimeoutError(model.TransportWebSocket, fmt.Errorf("dial %s: %w", t.endpoint, err))
		}
		return model.NewTransportError(model.TransportWebSocket, fmt.Errorf("dial %s: %w", t.endpoint, err))
	}

	t.conn = conn
	t.connected = true
	t.stats.LastActivity = time.Now()
	go t.readPump(conn)

	t.logger.Info("WebSocket channel established")
	return nil
}

// readPump forwards inbound frames until the connection closes
func (t *WSTransport) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.onClosed(err)
			return
		}

		t.mu.Lock()
		t.stats.BytesRead += int64(len(raw))
		t.stats.LastActivity = time.Now()
		handler := t.handler
		t.mu.Unlock()

		handler.HandleRaw(raw, model.TransportWebSocket)
	}
}

// onClosed flips the session state when the socket drops out from
// under us, as opposed to an explicit Disconnect
func (t *WSTransport) onClosed(err error) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.conn = nil
	handler := t.handler
	t.mu.Unlock()

	if wasConnected {
		t.logger.Warn("WebSocket closed", zap.Error(err))
		handler.HandleDisconnect(model.TransportWebSocket, fmt.Sprintf("websocket closed: %v", err))
	}
}

// SendCommand sends the bridge-envelope JSON text frame
func (t *WSTransport) SendCommand(ctx context.Context, cmd *model.Command) error {
	t.mu.RLock()
	connected := t.connected
	conn := t.conn
	t.mu.RUnlock()

	if !connected || conn == nil {
		return model.NewTransportError(model.TransportWebSocket, fmt.Errorf("websocket channel not connected"))
	}

	frame, err := cmd.EncodeBridge()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	select {
	case <-ctx.Done():
		return model.NewTimeoutError(model.TransportWebSocket, ctx.Err())
	default:
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	t.writeMu.Unlock()

	if err != nil {
		t.mu.Lock()
		t.stats.Errors++
		t.mu.Unlock()
		return model.NewTransportError(model.TransportWebSocket, fmt.Errorf("websocket write: %w", err))
	}

	t.mu.Lock()
	t.stats.BytesWritten += int64(len(frame))
	t.stats.Commands++
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()

	t.logger.Debug("WebSocket command sent",
		zap.String("action", string(cmd.Action)),
		zap.Int("bytes", len(frame)),
	)
	return nil
}

// Disconnect closes the socket. Idempotent.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err := conn.Close(); err != nil {
			t.logger.Warn("WebSocket close returned error", zap.Error(err))
		}
	}

	t.logger.Info("WebSocket channel closed")
	return nil
}

// IsConnected reports whether the socket is open
func (t *WSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}
