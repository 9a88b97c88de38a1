// internal/transport/spp.go
package transport

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"robot-bridge/internal/config"
	"robot-bridge/internal/logging"
	"robot-bridge/internal/model"
)

// SerialProvider abstracts port enumeration and opening so tests can
// run without Bluetooth hardware
type SerialProvider interface {
	ListPorts() ([]string, error)
	Open(name string, mode *serial.Mode) (serial.Port, error)
}

// SystemSerialProvider uses the OS serial subsystem
type SystemSerialProvider struct{}

func (SystemSerialProvider) ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

func (SystemSerialProvider) Open(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// SPPTransport implements Transport over classic Bluetooth serial.
// Frames are newline-terminated JSON. Because the serial read
// primitive offers no push notification, a poll loop reads it on a
// short interval for the lifetime of the connection, backing off
// after a read failure.
type SPPTransport struct {
	cfg      *config.SPPConfig
	provider SerialProvider
	logger   *zap.Logger
	handler  EventHandler

	mu        sync.RWMutex
	port      serial.Port
	connected bool
	stats     SessionStats

	stop chan struct{}
	done sync.WaitGroup

	// frameMu guards the last-inbound-frame record used by the
	// read-after-write correlation.
	frameMu     sync.Mutex
	lastFrame   []byte
	lastFrameAt time.Time
}

// NewSPPTransport creates an SPP transport
func NewSPPTransport(cfg *config.SPPConfig, provider SerialProvider, logger *zap.Logger) *SPPTransport {
	if provider == nil {
		provider = SystemSerialProvider{}
	}
	return &SPPTransport{
		cfg:      cfg,
		provider: provider,
		logger:   logging.TransportLogger(logger, "spp"),
		handler:  nopHandler{},
	}
}

// Kind identifies the transport
func (t *SPPTransport) Kind() model.TransportKind {
	return model.TransportSPP
}

// SetHandler installs the event sink
func (t *SPPTransport) SetHandler(handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect enumerates paired serial devices, picks the robot and opens
// the port
func (t *SPPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	ports, err := t.provider.ListPorts()
	if err != nil {
		return model.NewUnavailableError(model.TransportSPP, fmt.Errorf("serial subsystem not present: %w", err))
	}
	if len(ports) == 0 {
		return model.NewUnavailableError(model.TransportSPP, fmt.Errorf("no paired serial devices"))
	}

	name := t.pickPort(ports)
	t.logger.Info("Opening serial port",
		zap.String("port", name),
		zap.Int("baud_rate", t.cfg.BaudRate),
	)

	mode := &serial.Mode{BaudRate: t.cfg.BaudRate}
	port, err := t.provider.Open(name, mode)
	if err != nil {
		return model.NewTransportError(model.TransportSPP, fmt.Errorf("open serial port %s: %w", name, err))
	}

	if err := port.SetReadTimeout(t.cfg.ReadTimeout); err != nil {
		port.Close()
		return model.NewTransportError(model.TransportSPP, fmt.Errorf("set read timeout: %w", err))
	}

	t.port = port
	t.connected = true
	t.stats.LastActivity = time.Now()
	t.stop = make(chan struct{})
	t.done.Add(1)
	go t.pollLoop(port, t.stop)

	t.logger.Info("SPP channel established", zap.String("port", name))
	return nil
}

// pickPort prefers a case-insensitive substring match on the
// configured name, then known robot keywords, then the first port
func (t *SPPTransport) pickPort(ports []string) string {
	if t.cfg.PreferredName != "" {
		preferred := strings.ToLower(t.cfg.PreferredName)
		for _, port := range ports {
			if strings.Contains(strings.ToLower(port), preferred) {
				return port
			}
		}
	}
	for _, port := range ports {
		lower := strings.ToLower(port)
		for _, keyword := range t.cfg.DeviceKeywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				return port
			}
		}
	}
	return ports[0]
}

// pollLoop reads newline-delimited frames until the session stops.
// The interval shortens on successful reads and backs off after a
// failure so a wedged port does not spin.
func (t *SPPTransport) pollLoop(port serial.Port, stop chan struct{}) {
	defer t.done.Done()

	buf := make([]byte, 512)
	var acc []byte
	interval := t.cfg.PollInterval

	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			interval = t.cfg.PollBackoff
			t.logger.Debug("Serial read failed, backing off", zap.Error(err))
			continue
		}
		interval = t.cfg.PollInterval
		if n == 0 {
			continue
		}

		acc = append(acc, buf[:n]...)
		for {
			idx := bytes.IndexByte(acc, '\n')
			if idx < 0 {
				break
			}
			frame := bytes.TrimSpace(acc[:idx])
			acc = acc[idx+1:]
			if len(frame) > 0 {
				t.onFrame(frame)
			}
		}
	}
}

// onFrame records and dispatches one inbound frame
func (t *SPPTransport) onFrame(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	t.frameMu.Lock()
	t.lastFrame = cp
	t.lastFrameAt = time.Now()
	t.frameMu.Unlock()

	t.mu.Lock()
	t.stats.BytesRead += int64(len(cp))
	t.stats.LastActivity = time.Now()
	handler := t.handler
	t.mu.Unlock()

	handler.HandleRaw(cp, model.TransportSPP)
}

// SendCommand writes a newline-terminated JSON frame. For read-style
// commands it waits the configured delay and verifies that a response
// frame actually arrived; a stale or missing response becomes an
// explicit error instead of silent garbage.
func (t *SPPTransport) SendCommand(ctx context.Context, cmd *model.Command) error {
	t.mu.RLock()
	connected := t.connected
	port := t.port
	t.mu.RUnlock()

	if !connected || port == nil {
		return model.NewTransportError(model.TransportSPP, fmt.Errorf("spp channel not connected"))
	}

	frame, err := cmd.EncodeWire()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	frame = append(frame, '\n')

	sentAt := time.Now()
	n, err := port.Write(frame)
	if err != nil {
		t.mu.Lock()
		t.stats.Errors++
		t.mu.Unlock()
		return model.NewTransportError(model.TransportSPP, fmt.Errorf("serial write: %w", err))
	}
	if n != len(frame) {
		return model.NewTransportError(model.TransportSPP, fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(frame)))
	}

	t.mu.Lock()
	t.stats.BytesWritten += int64(len(frame))
	t.stats.Commands++
	t.stats.LastActivity = time.Now()
	t.mu.Unlock()

	t.logger.Debug("SPP command written",
		zap.String("action", string(cmd.Action)),
		zap.Int("bytes", len(frame)),
	)

	if cmd.IsRead() {
		return t.awaitResponse(ctx, cmd, sentAt)
	}
	return nil
}

// awaitResponse applies the fixed-delay correlation: the poll loop
// dispatches whatever arrives; here we only verify freshness.
func (t *SPPTransport) awaitResponse(ctx context.Context, cmd *model.Command, sentAt time.Time) error {
	select {
	case <-ctx.Done():
		return model.NewTimeoutError(model.TransportSPP, ctx.Err())
	case <-time.After(t.cfg.ReadDelay):
	}

	t.frameMu.Lock()
	fresh := t.lastFrameAt.After(sentAt)
	t.frameMu.Unlock()

	if !fresh {
		what := "calibration data"
		if cmd.Action == model.ActionGetState {
			what = "calibration state"
		}
		return model.NewTransportError(model.TransportSPP, fmt.Errorf("could not read %s: no response from device", what))
	}
	return nil
}

// Disconnect stops the poll loop and closes the port. Idempotent; the
// poll loop must never outlive the session.
func (t *SPPTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	port := t.port
	stop := t.stop
	t.port = nil
	t.connected = false
	t.mu.Unlock()

	close(stop)
	if port != nil {
		if err := port.Close(); err != nil {
			t.logger.Warn("Serial close returned error", zap.Error(err))
		}
	}
	t.done.Wait()

	t.logger.Info("SPP channel closed")
	return nil
}

// IsConnected reports whether the port is open
func (t *SPPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}
