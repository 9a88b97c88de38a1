// internal/transport/ble_hw.go
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HardwareBLEAdapter implements BLEAdapter on top of the platform
// Bluetooth stack. On macOS device addresses are CoreBluetooth UUIDs
// rather than MAC addresses; the Address field carries whichever form
// the platform reports.
type HardwareBLEAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*hardwareBLEConnection
}

// NewHardwareBLEAdapter creates an adapter backed by the default
// system Bluetooth stack
func NewHardwareBLEAdapter() *HardwareBLEAdapter {
	return &HardwareBLEAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*hardwareBLEConnection),
	}
}

// Enable powers on the adapter and registers the disconnect handler
func (a *HardwareBLEAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

// Scan discovers peripherals advertising the service UUID or carrying
// a known name prefix, until ctx is cancelled
func (a *HardwareBLEAdapter) Scan(ctx context.Context, serviceUUID string, namePrefixes []string) ([]BLEDevice, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []BLEDevice
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) && !matchesPrefix(result.LocalName(), namePrefixes) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, BLEDevice{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
		// First matching robot is enough; stop the radio.
		adapter.StopScan()
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// Connect establishes a GATT connection to the given address
func (a *HardwareBLEAdapter) Connect(ctx context.Context, address string) (BLEConnection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// The platform Connect blocks with its own internal timeout; wrap
	// it so ctx cancellation returns promptly.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &hardwareBLEConnection{device: &result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func matchesPrefix(name string, prefixes []string) bool {
	upper := strings.ToUpper(name)
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(upper, strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

// Compile-time check that HardwareBLEAdapter implements BLEAdapter.
var _ BLEAdapter = (*HardwareBLEAdapter)(nil)

type hardwareBLEConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *hardwareBLEConnection) DiscoverService(serviceUUID string) error {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	return nil
}

func (c *hardwareBLEConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (BLECharacteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &hardwareBLECharacteristic{char: &chars[0]}, nil
}

func (c *hardwareBLEConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *hardwareBLEConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type hardwareBLECharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hardwareBLECharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hardwareBLECharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *hardwareBLECharacteristic) Subscribe(cb func(data []byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
