// internal/transport/ble.go
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"robot-bridge/internal/config"
	"robot-bridge/internal/logging"
	"robot-bridge/internal/model"
)

// BLEDevice represents a discovered BLE peripheral
type BLEDevice struct {
	Name    string
	Address string
	RSSI    int
}

// BLECharacteristic represents a GATT characteristic
type BLECharacteristic interface {
	Write(data []byte) error
	Read() ([]byte, error)
	Subscribe(callback func(data []byte)) error
}

// BLEConnection represents an active GATT connection
type BLEConnection interface {
	DiscoverService(serviceUUID string) error
	DiscoverCharacteristic(serviceUUID, charUUID string) (BLECharacteristic, error)
	Disconnect() error
	OnDisconnect(callback func())
}

// BLEAdapter abstracts the BLE hardware adapter for testing
type BLEAdapter interface {
	Enable() error
	Scan(ctx context.Context, serviceUUID string, namePrefixes []string) ([]BLEDevice, error)
	Connect(ctx context.Context, address string) (BLEConnection, error)
}

// BLETransport implements Transport over BLE GATT. It resolves one
// command-write characteristic plus state/progress notification
// characteristics and an optional error characteristic; the data
// characteristic is read on demand after a get_data command.
type BLETransport struct {
	cfg        *config.BLEConfig
	adapter    BLEAdapter
	correlator *Correlator
	logger     *zap.Logger
	handler    EventHandler

	mu        sync.RWMutex
	conn      BLEConnection
	cmdChar   BLECharacteristic
	dataChar  BLECharacteristic
	stateChar BLECharacteristic
	connected bool
	stats     SessionStats
}

// NewBLETransport creates a BLE transport. A nil adapter means the
// platform has no Bluetooth support; Connect then fails fast as
// unavailable.
func NewBLETransport(cfg *config.BLEConfig, adapter BLEAdapter, logger *zap.Logger) *BLETransport {
	return &BLETransport{
		cfg:        cfg,
		adapter:    adapter,
		correlator: NewCorrelator(cfg.ReadDelay),
		logger: logging.TransportLogger(logger, "ble").With(
			zap.String("service_uuid", cfg.ServiceUUID),
		),
		handler: nopHandler{},
	}
}

// Kind identifies the transport
func (t *BLETransport) Kind() model.TransportKind {
	return model.TransportBLE
}

// SetHandler installs the event sink
func (t *BLETransport) SetHandler(handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect scans for the robot, opens a GATT connection and resolves
// the characteristic set
func (t *BLETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.adapter == nil {
		return model.NewUnavailableError(model.TransportBLE, fmt.Errorf("no bluetooth adapter on this platform"))
	}
	if err := t.adapter.Enable(); err != nil {
		return model.NewUnavailableError(model.TransportBLE, fmt.Errorf("bluetooth adapter disabled: %w", err))
	}

	t.logger.Info("Scanning for robot over BLE")

	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.ScanTimeout)
	defer cancel()

	devices, err := t.adapter.Scan(scanCtx, t.cfg.ServiceUUID, t.cfg.NamePrefixes)
	if err != nil {
		return t.categorize(scanCtx, fmt.Errorf("ble scan: %w", err))
	}
	device, ok := t.pickDevice(devices)
	if !ok {
		return model.NewTransportError(model.TransportBLE, fmt.Errorf("no robot found advertising service %s", t.cfg.ServiceUUID))
	}

	t.logger.Info("Connecting to BLE device",
		zap.String("name", device.Name),
		zap.String("address", device.Address),
		zap.Int("rssi", device.RSSI),
	)

	connectCtx, cancelConnect := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancelConnect()

	conn, err := t.adapter.Connect(connectCtx, device.Address)
	if err != nil {
		return t.categorize(connectCtx, fmt.Errorf("ble connect: %w", err))
	}

	if err := t.resolveCharacteristics(conn); err != nil {
		conn.Disconnect()
		return model.NewTransportError(model.TransportBLE, err)
	}

	conn.OnDisconnect(func() {
		t.onGATTDisconnect()
	})

	t.conn = conn
	t.connected = true
	t.stats.LastActivity = time.Now()

	t.logger.Info("BLE channel established")
	return nil
}

// resolveCharacteristics discovers the command, notification and data
// characteristics. The error characteristic is optional on older
// firmware; its absence is not fatal.
func (t *BLETransport) resolveCharacteristics(conn BLEConnection) error {
	cmdChar, err := conn.DiscoverCharacteristic(t.cfg.ServiceUUID, t.cfg.CommandCharUUID)
	if err != nil {
		return fmt.Errorf("command characteristic: %w", err)
	}

	stateChar, err := conn.DiscoverCharacteristic(t.cfg.ServiceUUID, t.cfg.StateCharUUID)
	if err != nil {
		return fmt.Errorf("state characteristic: %w", err)
	}
	if err := stateChar.Subscribe(t.onNotify); err != nil {
		return fmt.Errorf("subscribe state: %w", err)
	}

	progressChar, err := conn.DiscoverCharacteristic(t.cfg.ServiceUUID, t.cfg.ProgressCharUUID)
	if err != nil {
		return fmt.Errorf("progress characteristic: %w", err)
	}
	if err := progressChar.Subscribe(t.onNotify); err != nil {
		return fmt.Errorf("subscribe progress: %w", err)
	}

	dataChar, err := conn.DiscoverCharacteristic(t.cfg.ServiceUUID, t.cfg.DataCharUUID)
	if err != nil {
		return fmt.Errorf("data characteristic: %w", err)
	}

	if errorChar, err := conn.DiscoverCharacteristic(t.cfg.ServiceUUID, t.cfg.ErrorCharUUID); err == nil {
		if err := errorChar.Subscribe(t.onNotify); err != nil {
			t.logger.Warn("Error characteristic present but subscribe failed", zap.Error(err))
		}
	} else {
		t.logger.Debug("Error characteristic absent, continuing without it")
	}

	t.cmdChar = cmdChar
	t.stateChar = stateChar
	t.dataChar = dataChar
	return nil
}

// pickDevice selects the first device matching a known name prefix,
// falling back to the first scan result
func (t *BLETransport) pickDevice(devices []BLEDevice) (BLEDevice, bool) {
	if len(devices) == 0 {
		return BLEDevice{}, false
	}
	for _, device := range devices {
		name := strings.ToUpper(device.Name)
		for _, prefix := range t.cfg.NamePrefixes {
			if strings.HasPrefix(name, strings.ToUpper(prefix)) {
				return device, true
			}
		}
	}
	return devices[0], true
}

// SendCommand serializes the command to UTF-8 JSON and writes it to
// the command characteristic in chunks. Read-style commands are
// followed by a delayed read of the matching characteristic.
func (t *BLETransport) SendCommand(ctx context.Context, cmd *model.Command) error {
	t.mu.RLock()
	connected := t.connected
	cmdChar := t.cmdChar
	t.mu.RUnlock()

	if !connected || cmdChar == nil {
		return model.NewTransportError(model.TransportBLE, fmt.Errorf("ble channel not connected"))
	}

	frame, err := cmd.EncodeWire()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	if err := t.writeChunked(ctx, cmdChar, frame); err != nil {
		t.mu.Lock()
		t.stats.Errors++
		t.mu.Unlock()
		return t.categorize(ctx, fmt.Errorf("ble write: %w", err))
	}

	t.mu.Lock()
	t.stats.BytesWritten += int64(len(frame))
	t.stats.Commands++
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()

	t.logger.Debug("BLE command written",
		zap.String("action", string(cmd.Action)),
		zap.Int("bytes", len(frame)),
	)

	if cmd.IsRead() {
		return t.readBack(ctx, cmd)
	}
	return nil
}

// writeChunked writes the frame in MTU-sized pieces. Historical chunk
// size is 20 bytes, the pre-negotiation ATT payload limit.
func (t *BLETransport) writeChunked(ctx context.Context, char BLECharacteristic, frame []byte) error {
	chunk := t.cfg.ChunkSize
	for offset := 0; offset < len(frame); offset += chunk {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := offset + chunk
		if end > len(frame) {
			end = len(frame)
		}
		if err := char.Write(frame[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

// readBack performs the delayed read that pairs with a read-style
// command on this fire-and-forget transport
func (t *BLETransport) readBack(ctx context.Context, cmd *model.Command) error {
	t.mu.RLock()
	char := t.dataChar
	what := "calibration data"
	if cmd.Action == model.ActionGetState {
		char = t.stateChar
		what = "calibration state"
	}
	t.mu.RUnlock()

	if char == nil {
		return model.NewTransportError(model.TransportBLE, fmt.Errorf("could not read %s: characteristic not resolved", what))
	}

	raw, err := t.correlator.Await(ctx, what, char.Read)
	if err != nil {
		return model.NewTransportError(model.TransportBLE, err)
	}

	t.mu.Lock()
	t.stats.BytesRead += int64(len(raw))
	t.stats.LastActivity = time.Now()
	handler := t.handler
	t.mu.Unlock()

	handler.HandleRaw(raw, model.TransportBLE)
	return nil
}

// Disconnect tears down the GATT connection. Idempotent.
func (t *BLETransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	conn := t.conn
	t.conn = nil
	t.cmdChar = nil
	t.dataChar = nil
	t.stateChar = nil
	t.connected = false

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			t.logger.Warn("BLE disconnect returned error", zap.Error(err))
		}
	}

	t.logger.Info("BLE channel closed")
	return nil
}

// IsConnected reports whether the GATT session is live
func (t *BLETransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// onNotify forwards a GATT notification to the event handler
func (t *BLETransport) onNotify(data []byte) {
	t.mu.Lock()
	t.stats.BytesRead += int64(len(data))
	t.stats.LastActivity = time.Now()
	handler := t.handler
	t.mu.Unlock()

	handler.HandleRaw(data, model.TransportBLE)
}

// onGATTDisconnect reacts to a platform-level disconnect event. The
// session flips to disconnected and the arbitrator is notified so it
// can fail over; the caller must never be left silently stalled.
func (t *BLETransport) onGATTDisconnect() {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	t.conn = nil
	t.cmdChar = nil
	t.dataChar = nil
	t.stateChar = nil
	handler := t.handler
	t.mu.Unlock()

	if wasConnected {
		t.logger.Warn("GATT server disconnected")
		handler.HandleDisconnect(model.TransportBLE, "gatt server disconnected")
	}
}

// categorize maps a low-level failure onto the bridge error taxonomy
func (t *BLETransport) categorize(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.NewTimeoutError(model.TransportBLE, err)
	}
	return model.NewTransportError(model.TransportBLE, err)
}
