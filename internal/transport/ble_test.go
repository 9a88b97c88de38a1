// internal/transport/ble_test.go
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"robot-bridge/internal/config"
	"robot-bridge/internal/model"
)

// mockCharacteristic is a scriptable GATT characteristic
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	readData []byte
	readErr  error
	writeErr error
	notify   func(data []byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readData, c.readErr
}

func (c *mockCharacteristic) Subscribe(callback func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = callback
	return nil
}

func (c *mockCharacteristic) pushNotification(data []byte) {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify(data)
	}
}

func (c *mockCharacteristic) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, w := range c.writes {
		out = append(out, w...)
	}
	return out
}

// mockBLEConnection wires up a characteristic set per UUID under one
// primary service, mirroring the robot's GATT profile
type mockBLEConnection struct {
	mu           sync.Mutex
	serviceUUID  string
	chars        map[string]*mockCharacteristic
	missing      map[string]bool
	disconnected bool
	onDisconnect func()
}

func newMockBLEConnection(cfg *config.BLEConfig) *mockBLEConnection {
	return &mockBLEConnection{
		serviceUUID: cfg.ServiceUUID,
		chars: map[string]*mockCharacteristic{
			cfg.CommandCharUUID:  {},
			cfg.StateCharUUID:    {},
			cfg.ProgressCharUUID: {},
			cfg.DataCharUUID:     {},
			cfg.ErrorCharUUID:    {},
		},
		missing: make(map[string]bool),
	}
}

func (c *mockBLEConnection) DiscoverService(serviceUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceUUID != c.serviceUUID {
		return errors.New("service not found")
	}
	return nil
}

func (c *mockBLEConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (BLECharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if serviceUUID != c.serviceUUID {
		return nil, errors.New("service not found")
	}
	if c.missing[charUUID] {
		return nil, errors.New("characteristic not found")
	}
	char, ok := c.chars[charUUID]
	if !ok {
		return nil, errors.New("characteristic not found")
	}
	return char, nil
}

func (c *mockBLEConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockBLEConnection) OnDisconnect(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = callback
}

func (c *mockBLEConnection) dropFromPeripheral() {
	c.mu.Lock()
	callback := c.onDisconnect
	c.mu.Unlock()
	if callback != nil {
		callback()
	}
}

// mockBLEAdapter simulates the platform Bluetooth stack
type mockBLEAdapter struct {
	enableErr  error
	scanErr    error
	devices    []BLEDevice
	conn       *mockBLEConnection
	connectErr error
}

func (a *mockBLEAdapter) Enable() error { return a.enableErr }

func (a *mockBLEAdapter) Scan(ctx context.Context, serviceUUID string, namePrefixes []string) ([]BLEDevice, error) {
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	return a.devices, nil
}

func (a *mockBLEAdapter) Connect(ctx context.Context, address string) (BLEConnection, error) {
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.conn, nil
}

func testBLEConfig() *config.BLEConfig {
	return &config.BLEConfig{
		ServiceUUID:      "0000fff0-0000-1000-8000-00805f9b34fb",
		CommandCharUUID:  "0000fff1-0000-1000-8000-00805f9b34fb",
		StateCharUUID:    "0000fff2-0000-1000-8000-00805f9b34fb",
		ProgressCharUUID: "0000fff3-0000-1000-8000-00805f9b34fb",
		DataCharUUID:     "0000fff4-0000-1000-8000-00805f9b34fb",
		ErrorCharUUID:    "0000fff5-0000-1000-8000-00805f9b34fb",
		NamePrefixes:     []string{"CSJBOT", "CT300"},
		ScanTimeout:      time.Second,
		ConnectTimeout:   time.Second,
		ChunkSize:        20,
		ReadDelay:        10 * time.Millisecond,
	}
}

func connectedBLE(t *testing.T, handler EventHandler) (*BLETransport, *mockBLEAdapter) {
	t.Helper()
	cfg := testBLEConfig()
	adapter := &mockBLEAdapter{
		devices: []BLEDevice{{Name: "CT300-1234", Address: "AA:BB", RSSI: -40}},
		conn:    newMockBLEConnection(cfg),
	}
	tr := NewBLETransport(cfg, adapter, zap.NewNop())
	if handler != nil {
		tr.SetHandler(handler)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return tr, adapter
}

func TestBLEUnavailableWithoutAdapter(t *testing.T) {
	tr := NewBLETransport(testBLEConfig(), nil, zap.NewNop())
	err := tr.Connect(context.Background())
	if !model.IsUnavailable(err) {
		t.Errorf("nil adapter must be unavailable, got %v", err)
	}

	tr = NewBLETransport(testBLEConfig(), &mockBLEAdapter{enableErr: errors.New("radio off")}, zap.NewNop())
	err = tr.Connect(context.Background())
	if !model.IsUnavailable(err) {
		t.Errorf("disabled adapter must be unavailable, got %v", err)
	}
}

func TestBLEConnectFailsWhenNoDeviceFound(t *testing.T) {
	adapter := &mockBLEAdapter{devices: nil}
	tr := NewBLETransport(testBLEConfig(), adapter, zap.NewNop())

	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if model.IsUnavailable(err) {
		t.Error("an empty scan is a failure, not a missing prerequisite")
	}
}

func TestBLEPrefersNamedDevice(t *testing.T) {
	cfg := testBLEConfig()
	conn := newMockBLEConnection(cfg)
	adapter := &mockBLEAdapter{
		devices: []BLEDevice{
			{Name: "SomeHeadphones", Address: "11:11"},
			{Name: "csjbot-ct300", Address: "22:22"},
		},
		conn: conn,
	}
	tr := NewBLETransport(cfg, adapter, zap.NewNop())
	pick, ok := tr.pickDevice(adapter.devices)
	if !ok || pick.Address != "22:22" {
		t.Errorf("expected the robot by name prefix, got %+v", pick)
	}
}

func TestBLEWriteIsChunked(t *testing.T) {
	tr, adapter := connectedBLE(t, nil)
	defer tr.Disconnect()

	// Long enough to need several 20-byte chunks.
	cmd := model.NewCommand(model.ActionStart, map[string]interface{}{
		"sensors": []string{"imu", "mag", "odom", "lidar", "camera"},
	})
	if err := tr.SendCommand(context.Background(), cmd); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	cmdChar := adapter.conn.chars[testBLEConfig().CommandCharUUID]
	cmdChar.mu.Lock()
	writes := len(cmdChar.writes)
	for i, w := range cmdChar.writes {
		if len(w) > 20 {
			t.Errorf("chunk %d is %d bytes, exceeds the 20-byte ATT limit", i, len(w))
		}
	}
	cmdChar.mu.Unlock()
	if writes < 2 {
		t.Fatalf("expected a chunked write, got %d writes", writes)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(cmdChar.joined(), &frame); err != nil {
		t.Fatalf("reassembled frame is not JSON: %v", err)
	}
	if frame["cmd"] != "start" {
		t.Errorf("unexpected frame: %v", frame)
	}
}

func TestBLENotificationsReachHandler(t *testing.T) {
	handler := &recordingHandler{}
	tr, adapter := connectedBLE(t, handler)
	defer tr.Disconnect()

	progressChar := adapter.conn.chars[testBLEConfig().ProgressCharUUID]
	progressChar.pushNotification([]byte(`{"progress": 55, "unit": "lidar"}`))

	if handler.rawCount() != 1 {
		t.Fatalf("expected 1 notification at the handler, got %d", handler.rawCount())
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.origins[0] != model.TransportBLE {
		t.Errorf("expected ble origin, got %s", handler.origins[0])
	}
}

func TestBLEReadBackDeliversData(t *testing.T) {
	handler := &recordingHandler{}
	tr, adapter := connectedBLE(t, handler)
	defer tr.Disconnect()

	dataChar := adapter.conn.chars[testBLEConfig().DataCharUUID]
	dataChar.mu.Lock()
	dataChar.readData = []byte(`{"imuBiasX": 0.02}`)
	dataChar.mu.Unlock()

	if err := tr.SendCommand(context.Background(), model.NewCommand(model.ActionGetData, nil)); err != nil {
		t.Fatalf("get_data failed: %v", err)
	}

	if handler.rawCount() != 1 {
		t.Fatalf("expected the read-back payload at the handler, got %d", handler.rawCount())
	}
}

func TestBLEEmptyReadBackIsExplicit(t *testing.T) {
	tr, _ := connectedBLE(t, nil)
	defer tr.Disconnect()

	err := tr.SendCommand(context.Background(), model.NewCommand(model.ActionGetState, nil))
	if err == nil {
		t.Fatal("expected an error for an empty characteristic read")
	}
	if !strings.Contains(err.Error(), "could not read calibration state") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBLEMissingRequiredCharacteristicFailsConnect(t *testing.T) {
	cfg := testBLEConfig()
	conn := newMockBLEConnection(cfg)
	conn.missing[cfg.ProgressCharUUID] = true
	adapter := &mockBLEAdapter{
		devices: []BLEDevice{{Name: "CT300", Address: "AA:BB"}},
		conn:    conn,
	}
	tr := NewBLETransport(cfg, adapter, zap.NewNop())

	err := tr.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail without the progress characteristic")
	}
	if !conn.disconnected {
		t.Error("half-open connection must be torn down")
	}
}

func TestBLEMissingErrorCharacteristicIsTolerated(t *testing.T) {
	cfg := testBLEConfig()
	conn := newMockBLEConnection(cfg)
	conn.missing[cfg.ErrorCharUUID] = true
	adapter := &mockBLEAdapter{
		devices: []BLEDevice{{Name: "CT300", Address: "AA:BB"}},
		conn:    conn,
	}
	tr := NewBLETransport(cfg, adapter, zap.NewNop())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("old firmware without the error characteristic must still connect: %v", err)
	}
	tr.Disconnect()
}

func TestBLEPeripheralDisconnectNotifiesHandler(t *testing.T) {
	handler := &recordingHandler{}
	tr, adapter := connectedBLE(t, handler)

	adapter.conn.dropFromPeripheral()

	if tr.IsConnected() {
		t.Error("transport must flip to disconnected")
	}
	if handler.disconnectCount() != 1 {
		t.Fatalf("expected 1 disconnect notice, got %d", handler.disconnectCount())
	}

	// A send after the drop fails instead of stalling.
	err := tr.SendCommand(context.Background(), model.NewCommand(model.ActionStop, nil))
	if err == nil {
		t.Error("send on a dead session must fail")
	}
}
