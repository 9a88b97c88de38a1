// internal/transport/http.go
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"robot-bridge/internal/config"
	"robot-bridge/internal/logging"
	"robot-bridge/internal/model"
)

// httpEndpoints maps POST-style domain actions to calibration routes
var httpEndpoints = map[model.CommandAction]string{
	model.ActionStart:  "/api/calibration/request",
	model.ActionStop:   "/api/calibration/stop",
	model.ActionReset:  "/api/calibration/reset",
	model.ActionExport: "/api/calibration/export",
	model.ActionImport: "/api/calibration/import",
}

// HTTPTransport implements Transport over request/response REST calls.
// HTTP cannot push, so progress arrives via client-side polling and
// liveness via a background heartbeat; three consecutive heartbeat
// failures flip the session to disconnected.
type HTTPTransport struct {
	cfg     *config.HTTPConfig
	client  *http.Client
	logger  *zap.Logger
	handler EventHandler

	mu        sync.RWMutex
	baseURL   string
	connected bool
	stats     SessionStats

	stop chan struct{}
	done sync.WaitGroup

	// pollMu guards the current progress-poll cancellation.
	pollMu   sync.Mutex
	pollStop chan struct{}
}

// NewHTTPTransport creates an HTTP transport. The base URL is
// discovered by the prober and installed via SetEndpoint.
func NewHTTPTransport(cfg *config.HTTPConfig, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		cfg:     cfg,
		client:  &http.Client{},
		logger:  logging.TransportLogger(logger, "http"),
		handler: nopHandler{},
	}
}

// Kind identifies the transport
func (t *HTTPTransport) Kind() model.TransportKind {
	return model.TransportHTTP
}

// SetHandler installs the event sink
func (t *HTTPTransport) SetHandler(handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// SetEndpoint installs the discovered base URL, e.g. http://192.168.99.2
func (t *HTTPTransport) SetEndpoint(baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseURL = baseURL
}

// Connect verifies liveness with one ping and starts the heartbeat
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.RLock()
	connected := t.connected
	baseURL := t.baseURL
	t.mu.RUnlock()

	if connected {
		return nil
	}
	if baseURL == "" {
		return model.NewUnavailableError(model.TransportHTTP, fmt.Errorf("no http endpoint discovered"))
	}

	pingCtx, cancel := context.WithTimeout(ctx, t.cfg.HeartbeatTimeout)
	defer cancel()

	if _, err := t.get(pingCtx, "/api/ping"); err != nil {
		return err
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.stats.LastActivity = time.Now()
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	t.done.Add(1)
	go t.heartbeatLoop(stop)

	t.logger.Info("HTTP channel established", zap.String("base_url", baseURL))
	return nil
}

// SendCommand maps the domain action onto one REST call. A start
// command additionally begins progress polling, which runs until the
// firmware reports completion or an error.
func (t *HTTPTransport) SendCommand(ctx context.Context, cmd *model.Command) error {
	if !t.IsConnected() {
		return model.NewTransportError(model.TransportHTTP, fmt.Errorf("http channel not connected"))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.cfg.CommandTimeout)
	defer cancel()

	var body []byte
	var err error

	switch cmd.Action {
	case model.ActionGetData:
		body, err = t.get(cmdCtx, "/api/calibration/data")
	case model.ActionGetState:
		body, err = t.get(cmdCtx, "/api/calibration/state")
	default:
		path, ok := httpEndpoints[cmd.Action]
		if !ok {
			return fmt.Errorf("action %s has no http mapping", cmd.Action)
		}
		var frame []byte
		frame, err = cmd.EncodeWire()
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		body, err = t.post(cmdCtx, path, frame)
	}

	if err != nil {
		t.mu.Lock()
		t.stats.Errors++
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.stats.Commands++
	t.stats.LastActivity = time.Now()
	handler := t.handler
	t.mu.Unlock()

	t.logger.Debug("HTTP command completed", zap.String("action", string(cmd.Action)))

	if len(body) > 0 && (cmd.Action == model.ActionGetData || cmd.Action == model.ActionGetState) {
		handler.HandleRaw(body, model.TransportHTTP)
	}

	switch cmd.Action {
	case model.ActionStart:
		t.startProgressPoll()
	case model.ActionStop, model.ActionReset:
		t.stopProgressPoll()
	}
	return nil
}

// startProgressPoll begins polling the progress endpoint. Any poll
// already running is replaced, not doubled.
func (t *HTTPTransport) startProgressPoll() {
	if !t.IsConnected() {
		return
	}

	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	if t.pollStop != nil {
		close(t.pollStop)
	}
	t.pollStop = make(chan struct{})
	t.done.Add(1)
	go t.progressLoop(t.pollStop)
}

// stopProgressPoll cancels the running poll, if any
func (t *HTTPTransport) stopProgressPoll() {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	if t.pollStop != nil {
		close(t.pollStop)
		t.pollStop = nil
	}
}

// progressLoop polls /api/calibration/progress until progress reaches
// 100 or the firmware reports an error. The final-data fetch is driven
// by the event normalizer off the 100% frame, so completion produces
// exactly one data request no matter how many 100% frames arrive.
func (t *HTTPTransport) progressLoop(stop chan struct{}) {
	defer t.done.Done()

	ticker := time.NewTicker(t.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CommandTimeout)
		body, err := t.get(ctx, "/api/calibration/progress")
		cancel()
		if err != nil {
			t.logger.Warn("Progress poll failed", zap.Error(err))
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		handler.HandleRaw(body, model.TransportHTTP)

		var frame struct {
			Progress *float64 `json:"progress"`
			Error    string   `json:"error"`
		}
		if err := json.Unmarshal(body, &frame); err != nil {
			continue
		}
		if frame.Error != "" || (frame.Progress != nil && *frame.Progress >= 100) {
			return
		}
	}
}

// heartbeatLoop pings the liveness endpoint; consecutive failures
// beyond the strike limit flip the session to disconnected
func (t *HTTPTransport) heartbeatLoop(stop chan struct{}) {
	defer t.done.Done()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	strikes := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HeartbeatTimeout)
		_, err := t.get(ctx, "/api/ping")
		cancel()

		if err == nil {
			strikes = 0
			continue
		}

		strikes++
		t.logger.Warn("Heartbeat failed",
			zap.Int("strikes", strikes),
			zap.Error(err),
		)
		if strikes >= t.cfg.HeartbeatStrikes {
			t.onLost(fmt.Sprintf("%d consecutive heartbeat failures", strikes))
			return
		}
	}
}

// onLost tears the session down when the robot stops answering
func (t *HTTPTransport) onLost(reason string) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	handler := t.handler
	t.mu.Unlock()

	t.stopProgressPoll()

	if wasConnected {
		t.logger.Warn("HTTP channel lost", zap.String("reason", reason))
		handler.HandleDisconnect(model.TransportHTTP, reason)
	}
}

// Disconnect stops all polling and heartbeat loops. Idempotent; no
// timer survives past this call.
func (t *HTTPTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	t.stopProgressPoll()
	t.done.Wait()

	t.logger.Info("HTTP channel closed")
	return nil
}

// IsConnected reports whether the last known liveness state is up
func (t *HTTPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// FetchStatus reads the device identity endpoint
func (t *HTTPTransport) FetchStatus(ctx context.Context) ([]byte, error) {
	return t.get(ctx, "/api/status")
}

// FetchSensor reads a raw sensor snapshot, e.g. imu, battery, temp
func (t *HTTPTransport) FetchSensor(ctx context.Context, kind string) ([]byte, error) {
	return t.get(ctx, "/api/sensors/"+kind)
}

// Move issues a movement command to the motion subsystem
func (t *HTTPTransport) Move(ctx context.Context, direction string, params map[string]interface{}) error {
	frame, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode movement params: %w", err)
	}
	_, err = t.post(ctx, "/api/movement/"+direction, frame)
	return err
}

// get issues a GET and returns the body
func (t *HTTPTransport) get(ctx context.Context, path string) ([]byte, error) {
	return t.do(ctx, http.MethodGet, path, nil)
}

// post issues a POST with a JSON body
func (t *HTTPTransport) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return t.do(ctx, http.MethodPost, path, body)
}

// do performs one HTTP call and maps failures onto the bridge error
// taxonomy: timeout, 404 (outdated firmware), 5xx (robot-side error)
// and plain network failure are distinct, user-visible categories.
func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	t.mu.RLock()
	baseURL := t.baseURL
	t.mu.RUnlock()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return nil, model.NewTransportError(model.TransportHTTP, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewTimeoutError(model.TransportHTTP, fmt.Errorf("%s %s: %w", method, path, err))
		}
		return nil, model.NewTransportError(model.TransportHTTP, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.NewTransportError(model.TransportHTTP, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewUnavailableError(model.TransportHTTP,
			fmt.Errorf("%s not supported by this firmware (404)", path))
	case resp.StatusCode >= 500:
		return nil, model.NewDomainError(model.TransportHTTP,
			fmt.Errorf("robot-side error on %s: status %d", path, resp.StatusCode))
	}

	t.mu.Lock()
	t.stats.BytesRead += int64(len(data))
	t.mu.Unlock()

	return data, nil
}
